package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/config"
)

func TestNewWithWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := newWithWriter(&buf, "nonsense")
	if log.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
	log.Debug().Msg("hidden")
	log.Info().Str("announcement_id", "a1").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["announcement_id"] != "a1" || entry["time"] == nil {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewFromConfigWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log := NewFromConfig(config.Config{LogOutput: "file", LogFile: path, LogLevel: "debug", LogMaxSizeMB: 1, LogMaxFiles: 1}, "worker")
	log.Debug().Msg("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"service":"worker"`) {
		t.Fatalf("service field missing: %s", data)
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := newWithWriter(&buf, "info")
	ctx := WithLogger(context.Background(), log)
	got := FromContext(ctx)
	got.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("context logger not used")
	}
}
