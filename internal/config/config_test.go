package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ROLLCALL_CONFIG", "DATABASE_URL", "POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_PASSWORD",
		"POSTGRES_DB", "POSTGRES_PORT", "ROLLCALL_THRESHOLD_LIVE", "ROLLCALL_THRESHOLD_COMPARE",
		"ROLLCALL_THRESHOLD_BATCH", "ROLLCALL_WORKER_SCRIPT", "ROLLCALL_DIM", "ROLLCALL_WORKER_TIMEOUT",
		"ROLLCALL_DEDUPE_WINDOW", "ROLLCALL_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollcall.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Thresholds.Live != 0.5 || cfg.Thresholds.Compare != 0.4 || cfg.Thresholds.Batch != 0.6 {
		t.Errorf("Unexpected default thresholds %+v", cfg.Thresholds)
	}
	if cfg.Extractor.Dim != 128 {
		t.Errorf("Expected dim 128, got %d", cfg.Extractor.Dim)
	}
	if cfg.Database.URL != "postgres://localhost:5432/rollcall" {
		t.Errorf("Unexpected database url %q", cfg.Database.URL)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
thresholds:
  live: 0.45
  batch: 0.55
extractor:
  timeout: 5s
attendance:
  dedupe_window: 1m
`)
	t.Setenv("ROLLCALL_THRESHOLD_BATCH", "0.35")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Thresholds.Live != 0.45 {
		t.Errorf("Expected live threshold from file, got %v", cfg.Thresholds.Live)
	}
	if cfg.Thresholds.Batch != 0.35 {
		t.Errorf("Expected env to override file, got %v", cfg.Thresholds.Batch)
	}
	if cfg.Thresholds.Compare != 0.4 {
		t.Errorf("Expected untouched default, got %v", cfg.Thresholds.Compare)
	}
	if cfg.Extractor.Timeout != 5*time.Second || cfg.Attendance.DedupeWindow != time.Minute {
		t.Errorf("Durations not parsed: %+v %+v", cfg.Extractor, cfg.Attendance)
	}
}

func TestLoad_DatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "Postgres parts",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "rc"},
			want: "postgres://u:p@db:5432/rc",
		},
		{
			name: "DATABASE_URL wins",
			env:  map[string]string{"DATABASE_URL": "postgres://x/y", "POSTGRES_HOST": "db"},
			want: "postgres://x/y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			chdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Database.URL != tt.want {
				t.Errorf("URL = %q, want %q", cfg.Database.URL, tt.want)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing explicit file")
	}
	if _, err := Load(writeFile(t, "thresholds: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
	if _, err := Load(writeFile(t, "thresholds:\n  live: -1\n")); err == nil {
		t.Error("Expected error for a negative threshold")
	}
}

func TestEnvHelpersIgnoreGarbage(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_FLOAT", "-0.2")
	t.Setenv("X_DUR", "soon")

	if got := envInt("X_INT", 3); got != 3 {
		t.Errorf("envInt = %d", got)
	}
	if got := envFloat("X_FLOAT", 0.5); got != 0.5 {
		t.Errorf("envFloat = %v", got)
	}
	if got := envDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("envDuration = %v", got)
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
