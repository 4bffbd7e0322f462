package chat

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Mode selects how a submission is sent to the backend.
type Mode string

const (
	ModeChat   Mode = "chat"   // plain request/response
	ModeSearch Mode = "search" // streamed, coarse exploration progress
	ModeAgent  Mode = "agent"  // streamed, itemized task plan
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeChat, ModeSearch, ModeAgent:
		return Mode(s), true
	}
	return "", false
}

// ContextSizes are the context-window budgets the backend accepts, in
// tokens. The TUI cycles through these.
var ContextSizes = []int{10000, 16000, 32000, 64000, 100000, 128000}

const defaultContextSize = 128000

type Config struct {
	BackendURL          string `yaml:"backend_url"`
	ContextSize         int    `yaml:"context_size"`
	DefaultMode         string `yaml:"mode"`
	StallTimeoutSeconds int    `yaml:"stall_timeout_seconds"`
	Theme               string `yaml:"theme"`
}

func DefaultConfig() Config {
	return Config{
		BackendURL:  "http://localhost:8000",
		ContextSize: defaultContextSize,
		DefaultMode: string(ModeChat),
		// Matches the backend's own two-minute stream timeout; 0 disables.
		StallTimeoutSeconds: 120,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv("OWLIN_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("OWLIN_CONTEXT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ContextSize = n
		}
	}

	if cfg.BackendURL == "" {
		cfg.BackendURL = "http://localhost:8000"
	}
	cfg.ContextSize = clampContextSize(cfg.ContextSize)
	if _, ok := ParseMode(cfg.DefaultMode); !ok {
		cfg.DefaultMode = string(ModeChat)
	}
	if cfg.StallTimeoutSeconds < 0 {
		cfg.StallTimeoutSeconds = 0
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "owlin-assist", "config.yml")
}

// clampContextSize snaps an arbitrary value to the nearest accepted budget.
func clampContextSize(n int) int {
	if n <= 0 {
		return defaultContextSize
	}
	best := ContextSizes[0]
	for _, size := range ContextSizes {
		if abs(size-n) < abs(best-n) {
			best = size
		}
	}
	return best
}

// NextContextSize returns the budget after n in the cycle, wrapping around.
func NextContextSize(n int) int {
	for i, size := range ContextSizes {
		if size == n {
			return ContextSizes[(i+1)%len(ContextSizes)]
		}
	}
	return defaultContextSize
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
