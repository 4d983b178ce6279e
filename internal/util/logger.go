// Package util provides logging setup and host inspection used by the
// volley commands.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level string
	// Directory receives a JSON log file per day when File is set.
	Directory  string
	File       bool
	MaxBackups int
	// App names the process in every log line.
	App string
	// Console is the human readable output; nil means stderr.
	Console io.Writer
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		App:        "volley",
	}
}

// SetupLogger initializes the zerolog global logger with console and
// optional file output. It returns a function closing the log file.
func SetupLogger(cfg LogConfig) (func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: "15:04:05",
	}}

	closeFn := func() error { return nil }
	var logFilePath string
	if cfg.File {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}

		logFilePath = filepath.Join(cfg.Directory, fmt.Sprintf("%s_%s.log", cfg.App, time.Now().Format("2006-01-02")))
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		writers = append(writers, logFile)
		closeFn = logFile.Close
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", cfg.App).
		Logger()

	event := log.Debug().Str("level", level.String())
	if logFilePath != "" {
		event = event.Str("log_file", logFilePath)
		go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	}
	event.Msg("logger initialized")

	return closeFn, nil
}

// cleanOldLogs keeps the newest maxBackups log files.
func cleanOldLogs(directory string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	var logFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
			logFiles = append(logFiles, entry.Name())
		}
	}
	// Names end in the date, so lexical order is age order per app.
	sort.Strings(logFiles)

	for i := 0; i < len(logFiles)-maxBackups; i++ {
		path := filepath.Join(directory, logFiles[i])
		os.Remove(path)
		log.Debug().Str("file", path).Msg("removed old log file")
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
