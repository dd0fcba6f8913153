// Package logging provides the leveled log sink used across the server.
// It is built on zapcore with a lumberjack-rotated file sink and a console
// sink that can be enabled independently.
package logging

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the severity scale, ordered from most severe to least.
type Level int8

const (
	LevelNone Level = iota
	LevelFatal
	LevelCritical
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelSpam
)

// String returns the bracketless tag for the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelFatal:
		return "FATAL"
	case LevelCritical:
		return "CRITICAL"
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelSpam:
		return "SPAM"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string to a Level. Unknown values
// default to Info.
func ParseLevel(s string) Level {
	switch {
	case equalsFold(s, "none"):
		return LevelNone
	case equalsFold(s, "fatal"):
		return LevelFatal
	case equalsFold(s, "critical"):
		return LevelCritical
	case equalsFold(s, "error"):
		return LevelError
	case equalsFold(s, "warning"), equalsFold(s, "warn"):
		return LevelWarning
	case equalsFold(s, "info"), s == "":
		return LevelInfo
	case equalsFold(s, "debug"):
		return LevelDebug
	case equalsFold(s, "spam"), equalsFold(s, "trace"):
		return LevelSpam
	default:
		return LevelInfo
	}
}

func equalsFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// zapLevel maps the severity scale onto distinct zapcore levels so the
// custom level encoder can reproduce the CRITICAL and SPAM tags. The mapped
// values stay inside zapcore's int8 range and are only ever interpreted by
// our own encoder.
func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelSpam:
		return zapcore.Level(-2)
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelCritical:
		return zapcore.DPanicLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.Level(-2):
		enc.AppendString("[SPAM]")
	case zapcore.DebugLevel:
		enc.AppendString("[DEBUG]")
	case zapcore.InfoLevel:
		enc.AppendString("[INFO]")
	case zapcore.WarnLevel:
		enc.AppendString("[WARNING]")
	case zapcore.ErrorLevel:
		enc.AppendString("[ERROR]")
	case zapcore.DPanicLevel:
		enc.AppendString("[CRITICAL]")
	case zapcore.FatalLevel:
		enc.AppendString("[FATAL]")
	default:
		enc.AppendString("[" + l.CapitalString() + "]")
	}
}

func encodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      encodeLevel,
		EncodeTime:       encodeTime,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}

// Config selects the sinks and the initial level.
type Config struct {
	Level       Level
	Console     bool
	File        bool
	FilePath    string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
}

// Logger is a thread-safe leveled sink. Emission below the current level is
// dropped before it reaches the cores.
type Logger struct {
	level   atomic.Int32
	enabled atomic.Bool

	mu          sync.Mutex
	consoleCore zapcore.Core
	fileCore    zapcore.Core
	fileTripped atomic.Bool
	consoleWS   zapcore.WriteSyncer
}

// New builds a Logger from the given configuration. A zero-value file path
// with File enabled disables the file sink.
func New(cfg Config) *Logger {
	l := &Logger{}
	l.level.Store(int32(cfg.Level))
	l.enabled.Store(true)

	enc := zapcore.NewConsoleEncoder(encoderConfig())
	if cfg.Console {
		l.consoleWS = zapcore.Lock(zapcore.AddSync(os.Stdout))
		l.consoleCore = zapcore.NewCore(enc, l.consoleWS, zapcore.Level(-2))
	}
	if cfg.File && cfg.FilePath != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		fused := &fusedSyncer{inner: zapcore.AddSync(sink), logger: l}
		l.fileCore = zapcore.NewCore(enc, fused, zapcore.Level(-2))
	}
	return l
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// fusedSyncer disables itself permanently after the first write failure and
// emits a single diagnostic line on the console sink.
type fusedSyncer struct {
	inner  zapcore.WriteSyncer
	logger *Logger
}

func (f *fusedSyncer) Write(p []byte) (int, error) {
	if f.logger.fileTripped.Load() {
		return len(p), nil
	}
	n, err := f.inner.Write(p)
	if err != nil {
		if f.logger.fileTripped.CompareAndSwap(false, true) {
			if ws := f.logger.consoleWS; ws != nil {
				line := fmt.Sprintf("%s [ERROR] file log sink disabled: %v\n",
					time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), err)
				_, _ = ws.Write([]byte(line))
			}
		}
		return len(p), nil
	}
	return n, nil
}

func (f *fusedSyncer) Sync() error {
	if f.logger.fileTripped.Load() {
		return nil
	}
	return f.inner.Sync()
}

// SetLevel changes the gating level.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Level reports the current gating level.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

// SetEnabled toggles all emission globally.
func (l *Logger) SetEnabled(v bool) { l.enabled.Store(v) }

func (l *Logger) enabledFor(level Level) bool {
	if !l.enabled.Load() || level == LevelNone {
		return false
	}
	return level <= Level(l.level.Load())
}

func (l *Logger) write(level Level, msg string, fields []zapcore.Field) {
	if !l.enabledFor(level) {
		return
	}
	ent := zapcore.Entry{
		Level:   zapLevel(level),
		Time:    time.Now().UTC(),
		Message: msg,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consoleCore != nil {
		if ce := l.consoleCore.Check(ent, nil); ce != nil {
			ce.Write(fields...)
		}
	}
	if l.fileCore != nil && !l.fileTripped.Load() {
		if ce := l.fileCore.Check(ent, nil); ce != nil {
			ce.Write(fields...)
		}
	}
}

// Log emits a message at an arbitrary level.
func (l *Logger) Log(level Level, msg string, fields ...zapcore.Field) {
	l.write(level, msg, fields)
}

func (l *Logger) Fatal(msg string, fields ...zapcore.Field)    { l.write(LevelFatal, msg, fields) }
func (l *Logger) Critical(msg string, fields ...zapcore.Field) { l.write(LevelCritical, msg, fields) }
func (l *Logger) Error(msg string, fields ...zapcore.Field)    { l.write(LevelError, msg, fields) }
func (l *Logger) Warning(msg string, fields ...zapcore.Field)  { l.write(LevelWarning, msg, fields) }
func (l *Logger) Info(msg string, fields ...zapcore.Field)     { l.write(LevelInfo, msg, fields) }
func (l *Logger) Debug(msg string, fields ...zapcore.Field)    { l.write(LevelDebug, msg, fields) }
func (l *Logger) Spam(msg string, fields ...zapcore.Field)     { l.write(LevelSpam, msg, fields) }

// Sync flushes both sinks.
func (l *Logger) Sync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consoleCore != nil {
		_ = l.consoleCore.Sync()
	}
	if l.fileCore != nil && !l.fileTripped.Load() {
		_ = l.fileCore.Sync()
	}
}

// Nop returns a logger with no sinks, for tests and defaults.
func Nop() *Logger {
	l := &Logger{}
	l.level.Store(int32(LevelNone))
	return l
}
