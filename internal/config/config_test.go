package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg := Load()
	if cfg.QueueBackend != "redis" || cfg.NotifierKind != "log" {
		t.Fatalf("unexpected defaults: backend=%s notifier=%s", cfg.QueueBackend, cfg.NotifierKind)
	}
	if cfg.StaggerMax != 5*time.Second || cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected stagger/attempt defaults: %s %d", cfg.StaggerMax, cfg.MaxAttempts)
	}
	if len(cfg.PriorityQueues) != 3 || cfg.PriorityQueues[0] != "high" {
		t.Fatalf("unexpected priority queues %v", cfg.PriorityQueues)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("STAGGER_MAX", "750ms")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("SMTP_STARTTLS", "false")
	t.Setenv("PRIORITY_QUEUES", "urgent, ,bulk")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	if cfg.StaggerMax != 750*time.Millisecond {
		t.Fatalf("stagger max not parsed: %s", cfg.StaggerMax)
	}
	if cfg.WorkerConcurrency != 3 || cfg.SMTPStartTLS {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if len(cfg.PriorityQueues) != 2 || cfg.PriorityQueues[1] != "bulk" {
		t.Fatalf("unexpected list parse %v", cfg.PriorityQueues)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.MaxAttempts)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("NOTIFIER_KIND=smtp\nSMTP_PORT=2525\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// Registered so the values loaded from the file are cleared after the test.
	t.Setenv("NOTIFIER_KIND", "")
	t.Setenv("SMTP_PORT", "")
	os.Unsetenv("NOTIFIER_KIND")
	os.Unsetenv("SMTP_PORT")

	cfg := Load()
	if cfg.NotifierKind != "smtp" || cfg.SMTPPort != 2525 {
		t.Fatalf("dotenv values not applied: kind=%s port=%d", cfg.NotifierKind, cfg.SMTPPort)
	}
}
