package logging

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lineFormat = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z \[[A-Z]+\] `)

func fileLogger(t *testing.T, level Level) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	l := New(Config{Level: level, File: true, FilePath: path})
	return l, path
}

func readLines(t *testing.T, l *Logger, path string) []string {
	t.Helper()
	l.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}

func TestLineFormat(t *testing.T) {
	l, path := fileLogger(t, LevelInfo)

	l.Info("server started")

	lines := readLines(t, l, path)
	require.Len(t, lines, 1)
	assert.Regexp(t, lineFormat, lines[0])
	assert.Contains(t, lines[0], "[INFO] server started")
}

func TestLevelGating(t *testing.T) {
	l, path := fileLogger(t, LevelWarning)

	l.Error("emitted")
	l.Warning("emitted too")
	l.Info("suppressed")
	l.Debug("suppressed")
	l.Spam("suppressed")

	lines := readLines(t, l, path)
	assert.Len(t, lines, 2)
}

func TestAllLevelTags(t *testing.T) {
	l, path := fileLogger(t, LevelSpam)

	l.Fatal("a")
	l.Critical("b")
	l.Error("c")
	l.Warning("d")
	l.Info("e")
	l.Debug("f")
	l.Spam("g")

	lines := readLines(t, l, path)
	require.Len(t, lines, 7)
	for i, tag := range []string{"[FATAL]", "[CRITICAL]", "[ERROR]", "[WARNING]", "[INFO]", "[DEBUG]", "[SPAM]"} {
		assert.Contains(t, lines[i], tag)
	}
}

func TestSetLevelAtRuntime(t *testing.T) {
	l, path := fileLogger(t, LevelInfo)

	l.Debug("hidden")
	l.SetLevel(LevelDebug)
	l.Debug("visible")

	lines := readLines(t, l, path)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "visible")
}

func TestDisableSuppressesEverything(t *testing.T) {
	l, path := fileLogger(t, LevelSpam)

	l.SetEnabled(false)
	l.Error("nothing")
	l.SetEnabled(true)
	l.Error("something")

	lines := readLines(t, l, path)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "something")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"warning", LevelWarning},
		{"warn", LevelWarning},
		{"critical", LevelCritical},
		{"spam", LevelSpam},
		{"none", LevelNone},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestLevelOrdering(t *testing.T) {
	assert.Less(t, LevelFatal, LevelError)
	assert.Less(t, LevelError, LevelInfo)
	assert.Less(t, LevelInfo, LevelSpam)
}

func TestNopLoggerIsSilent(t *testing.T) {
	l := Nop()
	// Must not panic with no sinks configured.
	l.Info("nowhere")
	l.Error("nowhere")
}
