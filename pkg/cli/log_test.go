package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var stderr bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "worker.log")
	log, closeLog, err := NewLogger(LogOptions{Verbose: true, File: file, Stderr: &stderr})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Debug("listening", "addr", "127.0.0.1:65432")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	for _, out := range []string{stderr.String(), string(data)} {
		if !strings.Contains(out, "addr=127.0.0.1:65432") {
			t.Errorf("log output = %q", out)
		}
	}
}

func TestNewLoggerInfoLevel(t *testing.T) {
	var stderr bytes.Buffer
	log, _, err := NewLogger(LogOptions{Stderr: &stderr})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hidden")
	log.Info("shown")
	if strings.Contains(stderr.String(), "hidden") || !strings.Contains(stderr.String(), "shown") {
		t.Errorf("log output = %q", stderr.String())
	}
}
