// Package harness is a black-box verifier for the gateway. It drives a fixed,
// sequential battery of HTTP probes and records what it observed.
package harness

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultTarget    = "http://localhost:3000"
	DefaultOutDir    = "evidence/scanner-results"
	DefaultUserAgent = "SecureAuthScanner/1.0"
)

// Config controls a scan.
type Config struct {
	Target    string `toml:"target"`
	OutDir    string `toml:"out_dir"`
	UserAgent string `toml:"user_agent"`

	// HardTimeout bounds every probe end to end; RequestTimeout is the
	// transport timeout underneath it.
	HardTimeout    time.Duration `toml:"hard_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`

	ProtectedPath string `toml:"protected_path"`
	SignupPath    string `toml:"signup_path"`
	LoginPath     string `toml:"login_path"`
	Password      string `toml:"password"`
	RateAttempts  int    `toml:"rate_attempts"`
}

// DefaultConfig returns the built-in scan configuration.
func DefaultConfig() Config {
	return Config{
		Target:         DefaultTarget,
		OutDir:         DefaultOutDir,
		UserAgent:      DefaultUserAgent,
		HardTimeout:    10 * time.Second,
		RequestTimeout: 8 * time.Second,
		ProtectedPath:  "/internal/dashboard",
		SignupPath:     "/signup",
		LoginPath:      "/login",
		Password:       "ScanPass123",
		RateAttempts:   8,
	}
}

// LoadConfig applies an optional TOML file and then the TARGET and OUT_DIR
// environment variables on top of the defaults.
func LoadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode TOML file: %w", err)
		}
	}
	if v := getenv("TARGET"); v != "" {
		cfg.Target = v
	}
	if v := getenv("OUT_DIR"); v != "" {
		cfg.OutDir = v
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("target %q is not an http(s) URL", c.Target))
	}
	if c.OutDir == "" {
		errs = append(errs, errors.New("out_dir must not be empty"))
	}
	if c.HardTimeout <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.RateAttempts < 0 {
		errs = append(errs, errors.New("rate_attempts must not be negative"))
	}
	return errors.Join(errs...)
}
