package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// rotateThresholdKB is the log size at which the file is rolled.
const rotateThresholdKB = 1024

// Logger is a zerolog logger plus the log file it writes to.
type Logger struct {
	zerolog.Logger
	file io.Closer
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New creates a zerolog logger with console and rotating file output at
// the given level ("debug", "info", ...). An empty level means info.
func New(logPath, level string) (*Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := rotator.New(logPath, rotateThresholdKB, false, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Multi-writer: console + file
	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		logFile,
	)

	return &Logger{
		Logger: zerolog.New(multi).Level(lvl).With().Timestamp().Caller().Logger(),
		file:   logFile,
	}, nil
}

// Console creates a console-only logger, used before the log file is
// available.
func Console() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
