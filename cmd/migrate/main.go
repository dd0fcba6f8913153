package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/attlas-services/attlas-server/config"
)

func main() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: migrate <base-dir> <pool-name> [up|down|version]")
	}

	baseDir := os.Args[1]
	poolName := os.Args[2]
	command := "up"
	if len(os.Args) > 3 {
		command = os.Args[3]
	}

	// Load configuration to find the pool's connection parameters.
	store := config.NewStore()
	if err := store.Initialize(baseDir); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var desc *config.PoolDescriptor
	for _, d := range store.Typed().DatabasePools {
		if d.Name == poolName {
			desc = &d
			break
		}
	}
	if desc == nil {
		log.Fatalf("No database pool named %q in configuration", poolName)
	}

	// Connect to database
	db, err := sql.Open("postgres", desc.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Create postgres driver
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to create postgres driver: %v", err)
	}

	// Create migrate instance
	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations/postgres",
		"postgres",
		driver,
	)
	if err != nil {
		log.Fatalf("Failed to create migrate instance: %v", err)
	}

	// Execute command
	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to run migrations up: %v", err)
		}
		fmt.Println("Migrations completed successfully")
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to run migrations down: %v", err)
		}
		fmt.Println("Migrations rolled back successfully")
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("Failed to get migration version: %v", err)
		}
		fmt.Printf("Current version: %d, dirty: %v\n", version, dirty)
	default:
		log.Fatal("Unknown command. Use: up, down, or version")
	}
}
