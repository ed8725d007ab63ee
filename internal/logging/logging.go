// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/saltyorg/txmanager/internal/config"
)

// DefaultLogFilePath is used when no state database path is known
const DefaultLogFilePath = "txmanager.log"

const timeFormat = "2006-01-02 15:04:05"

// Rotation controls the rotating log file
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation returns the rotation used when no settings override it
func DefaultRotation() Rotation {
	return Rotation{MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
}

// LoadRotation reads log.* rotation settings. Out-of-range values keep the default.
func LoadRotation(loader *config.Loader) Rotation {
	r := DefaultRotation()
	if loader == nil {
		return r
	}
	if v := loader.Int("log.max_size_mb", r.MaxSizeMB); v > 0 {
		r.MaxSizeMB = v
	}
	if v := loader.Int("log.max_backups", r.MaxBackups); v >= 0 {
		r.MaxBackups = v
	}
	if v := loader.Int("log.max_age_days", r.MaxAgeDays); v >= 0 {
		r.MaxAgeDays = v
	}
	r.Compress = loader.Bool("log.compress", r.Compress)
	return r
}

// Apply sets the global level and rebuilds the global logger. An empty
// logFilePath logs to the console only.
func Apply(level string, loader *config.Loader, logFilePath string) {
	SetLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	if logFilePath == "" {
		log.Logger = newLogger(console)
		return
	}

	file, err := rotatingFile(logFilePath, LoadRotation(loader))
	if err != nil {
		log.Logger = newLogger(console)
		log.Error().Err(err).Str("path", logFilePath).Msg("Failed to prepare log directory; logging to console only")
		return
	}
	log.Logger = newLogger(zerolog.MultiLevelWriter(console, file))
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// rotatingFile returns an uncoloured console writer over a lumberjack file
func rotatingFile(path string, r Rotation) (io.Writer, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return zerolog.ConsoleWriter{
		Out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		},
		TimeFormat: timeFormat,
		NoColor:    true,
	}, nil
}

// LevelFromVerbosity maps a -v count onto a level name
func LevelFromVerbosity(verbosity int) string {
	switch {
	case verbosity <= 0:
		return "info"
	case verbosity == 1:
		return "debug"
	default:
		return "trace"
	}
}

// SetLevel changes the global log level. Unknown or empty names mean info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// FilePathForDB places the log file next to the state database
func FilePathForDB(dbPath string) string {
	if dbPath == "" {
		return DefaultLogFilePath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	return filepath.Join(filepath.Dir(dbPath), DefaultLogFilePath)
}
