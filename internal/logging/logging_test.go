package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/echoix/parabridge/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	logger, closer, err := New(config.LogConfig{File: path, MaxSizeMB: 1}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Printf("hello %s", "world")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestNewWithoutFile(t *testing.T) {
	logger, closer, err := New(config.LogConfig{}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Print("dropped")
	if err := closer.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
