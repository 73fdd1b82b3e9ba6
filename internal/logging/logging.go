// Package logging builds the *log.Logger handed to parabridge components.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/echoix/parabridge/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects log destinations.
type Options struct {
	// Stderr copies log lines to standard error.
	Stderr bool
	Prefix string
}

// New returns a logger writing to the rotating file named in cfg, and
// a closer that releases the file.
func New(cfg config.LogConfig, opts Options) (*log.Logger, io.Closer, error) {
	if cfg.File == "" {
		var w io.Writer = io.Discard
		if opts.Stderr {
			w = os.Stderr
		}
		return log.New(w, opts.Prefix, log.LstdFlags), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	var w io.Writer = rotator
	if opts.Stderr {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return log.New(w, opts.Prefix, log.LstdFlags), rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
