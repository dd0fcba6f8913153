// Package main is the entry point for the Attlas API server.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/attlas-services/attlas-server/config"
	"github.com/attlas-services/attlas-server/internal/httpserver"
	"github.com/attlas-services/attlas-server/internal/server"
)

// Version information - set during build time via ldflags
var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	exitOK          = 0
	exitError       = 1
	exitConfigError = 2
	exitStartError  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		baseDir     string
		showVersion bool
	)

	root := &cobra.Command{
		Use:           "attlas-server",
		Short:         "Attlas HTTP API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			dir, err := resolveBaseDir(baseDir)
			if err != nil {
				return err
			}
			return server.New(dir).Run()
		},
	}
	root.Flags().StringVar(&baseDir, "base-dir", "", "directory holding config.json (defaults to the executable's directory)")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print version information and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "attlas-server:", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return exitConfigError
		}
		var startErr *httpserver.StartError
		if errors.As(err, &startErr) {
			return exitStartError
		}
		return exitError
	}
	return exitOK
}

// resolveBaseDir defaults to the directory the binary lives in.
func resolveBaseDir(flagValue string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving executable path: %w", err)
	}
	return filepath.Dir(exe), nil
}

func printVersion() {
	fmt.Printf("attlas-server version %s\n", version)
	if buildTime != "unknown" {
		fmt.Printf("Build Time: %s\n", buildTime)
	}
	if gitCommit != "unknown" {
		fmt.Printf("Git Commit: %s\n", gitCommit)
	}
}
