// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Config controls log level, format and destination.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`   // Empty logs to stderr.
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 7,
		MaxAgeDays: 7,
	}
}

// New builds a logger from cfg. When a file is configured it is rotated by
// lumberjack and the returned closer must be closed on shutdown.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	log := logrus.New()
	log.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		log.SetOutput(rotator)
		closer = rotator
	} else {
		log.SetOutput(os.Stderr)
	}

	return log, closer, nil
}

// Setup builds a logger and installs it as the logrus standard logger.
func Setup(cfg Config) (io.Closer, error) {
	log, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	std := logrus.StandardLogger()
	std.SetLevel(log.GetLevel())
	std.SetFormatter(log.Formatter)
	std.SetOutput(log.Out)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
