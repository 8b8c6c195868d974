// Package config loads and validates the flat configuration struct
// shared by cmd/overlayd and cmd/trackerd: a plain struct, a
// DefaultConfig constructor, small validator helpers, and one Validate
// entry point.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the effective configuration for either binary. cmd/trackerd
// only reads the StateDir/BindAddr/Silent/Profiler/MemoryDump fields;
// cmd/overlayd uses the rest.
type Config struct {
	StateDir string `json:"state_dir"`
	BindAddr string `json:"bind_addr"`
	LogLevel string `json:"log_level"`

	// Silent suppresses the tracker's periodic BANDWIDTH/COMMUNITY/CANDIDATE
	// stdout lines.
	Silent bool `json:"silent"`
	// Profiler and MemoryDump are accepted for CLI compatibility but are
	// opt-in hooks a deployment wires up itself; the core never requires
	// them.
	Profiler   bool `json:"profiler"`
	MemoryDump bool `json:"memory_dump"`

	// StrikeInterval and StrikeThreshold parameterize the overlay lifecycle
	// strike rule: every StrikeInterval, an overlay with no
	// active candidate gets one strike; at StrikeThreshold it unloads.
	StrikeInterval  time.Duration `json:"strike_interval"`
	StrikeThreshold int           `json:"strike_threshold"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultStateDir is a dotfile under the user's home directory, falling
// back to a relative path when the home directory cannot be resolved.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".dispersyd"
	}
	return filepath.Join(home, ".dispersyd")
}

// DefaultConfig returns the configuration a freshly-started node or tracker
// runs with before CLI flags are applied.
func DefaultConfig() Config {
	return Config{
		StateDir:        DefaultStateDir(),
		BindAddr:        "0.0.0.0:6421",
		LogLevel:        "info",
		StrikeInterval:  180 * time.Second,
		StrikeThreshold: 3,
	}
}

// Validate checks cfg for the invariants both binaries depend on:
// non-empty state dir, a parseable bind address, a known log level, and
// strike parameters that can never be zeroed out (the strike sweep would
// never fire with a zero interval).
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.StateDir) == "" {
		return errors.New("config: state_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("config: invalid bind_addr: %w", err)
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("config: invalid log_level %q", cfg.LogLevel)
	}
	if cfg.StrikeInterval <= 0 {
		return errors.New("config: strike_interval must be > 0")
	}
	if cfg.StrikeThreshold <= 0 {
		return errors.New("config: strike_threshold must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}
