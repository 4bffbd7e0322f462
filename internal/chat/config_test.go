package chat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BackendURL != "http://localhost:8000" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.ContextSize != 128000 {
		t.Fatalf("ContextSize = %d", cfg.ContextSize)
	}
	if cfg.DefaultMode != "chat" {
		t.Fatalf("DefaultMode = %q", cfg.DefaultMode)
	}
	if cfg.StallTimeoutSeconds != 120 {
		t.Fatalf("StallTimeoutSeconds = %d", cfg.StallTimeoutSeconds)
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	in := Config{
		BackendURL:          "http://owlin.local:9000",
		ContextSize:         32000,
		DefaultMode:         "agent",
		StallTimeoutSeconds: 60,
		Theme:               "midnight",
	}
	if err := SaveConfig(in, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	out, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if out != in {
		t.Fatalf("round trip changed config: %+v != %+v", out, in)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	os.Setenv("OWLIN_BACKEND_URL", "http://env-host:8100")
	os.Setenv("OWLIN_CONTEXT_SIZE", "16000")
	defer os.Unsetenv("OWLIN_BACKEND_URL")
	defer os.Unsetenv("OWLIN_CONTEXT_SIZE")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BackendURL != "http://env-host:8100" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.ContextSize != 16000 {
		t.Fatalf("ContextSize = %d", cfg.ContextSize)
	}
}

func TestLoadConfig_InvalidValuesClamped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	os.WriteFile(path, []byte("context_size: -5\nmode: warp\nstall_timeout_seconds: -1\n"), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ContextSize != 128000 {
		t.Fatalf("ContextSize = %d", cfg.ContextSize)
	}
	if cfg.DefaultMode != "chat" {
		t.Fatalf("DefaultMode = %q", cfg.DefaultMode)
	}
	if cfg.StallTimeoutSeconds != 0 {
		t.Fatalf("StallTimeoutSeconds = %d", cfg.StallTimeoutSeconds)
	}
}

func TestClampContextSize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 128000},
		{-3, 128000},
		{10000, 10000},
		{12000, 10000},
		{15000, 16000},
		{999999, 128000},
	}
	for _, tc := range tests {
		if got := clampContextSize(tc.in); got != tc.want {
			t.Fatalf("clampContextSize(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNextContextSize(t *testing.T) {
	if got := NextContextSize(10000); got != 16000 {
		t.Fatalf("NextContextSize(10000) = %d", got)
	}
	if got := NextContextSize(128000); got != 10000 {
		t.Fatalf("NextContextSize(128000) = %d, want wrap to 10000", got)
	}
	if got := NextContextSize(12345); got != 128000 {
		t.Fatalf("NextContextSize(unknown) = %d, want default", got)
	}
}
