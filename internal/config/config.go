// Package config loads the gateway configuration from defaults, an optional
// YAML file and the environment, in that order.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration.
type Config struct {
	Addr          string        `yaml:"addr"`
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
	CookieSecure  bool          `yaml:"cookie_secure"`

	// VulnMode enables fault injection: VulnRoute is served without the
	// authorization gate.
	VulnMode  bool   `yaml:"vuln_mode"`
	VulnRoute string `yaml:"vuln_route"`

	// LoginRateLimit is login attempts per second per client IP; zero
	// disables limiting.
	LoginRateLimit float64 `yaml:"login_rate_limit"`
	LoginBurst     int     `yaml:"login_burst"`
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// header is believed by the login limiter.
	TrustedProxies []string `yaml:"trusted_proxies"`

	DatabaseURL string `yaml:"database_url"`
	OIDC        OIDC   `yaml:"oidc"`

	// SecretGenerated is set when no secret was configured and a random
	// per-process one was generated.
	SecretGenerated bool `yaml:"-"`
}

// OIDC configures optional single sign-on.
type OIDC struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Enabled reports whether enough is configured to talk to a provider.
func (o OIDC) Enabled() bool {
	return o.Issuer != "" && o.ClientID != ""
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          ":3000",
		SessionTTL:    24 * time.Hour,
		SweepInterval: time.Minute,
		BcryptCost:    bcrypt.DefaultCost,
		VulnRoute:     "reports",
		LoginBurst:    5,
	}
}

// BypassRoute returns the route exempt from the gate, or "" when fault
// injection is off.
func (c Config) BypassRoute() string {
	if !c.VulnMode {
		return ""
	}
	return c.VulnRoute
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single
// host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Load builds the configuration. path may be empty. getenv is usually
// os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if cfg.SessionSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return Config{}, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.SessionSecret = secret
		cfg.SecretGenerated = true
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("SECUREAUTH_ADDR", &cfg.Addr)
	str("SECUREAUTH_SESSION_SECRET", &cfg.SessionSecret)
	str("SECUREAUTH_VULN_ROUTE", &cfg.VulnRoute)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("OIDC_ISSUER", &cfg.OIDC.Issuer)
	str("OIDC_CLIENT_ID", &cfg.OIDC.ClientID)
	str("OIDC_CLIENT_SECRET", &cfg.OIDC.ClientSecret)
	str("OIDC_REDIRECT_URL", &cfg.OIDC.RedirectURL)

	if v := getenv("SECUREAUTH_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}

	var errs []error
	if v := getenv("SECUREAUTH_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SECUREAUTH_SESSION_TTL: %w", err))
		}
		cfg.SessionTTL = d
	}
	if v := getenv("SECUREAUTH_BCRYPT_COST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SECUREAUTH_BCRYPT_COST: %w", err))
		}
		cfg.BcryptCost = n
	}
	if v := getenv("SECUREAUTH_VULN_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SECUREAUTH_VULN_MODE: %w", err))
		}
		cfg.VulnMode = b
	}
	if v := getenv("SECUREAUTH_LOGIN_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SECUREAUTH_LOGIN_RATE_LIMIT: %w", err))
		}
		cfg.LoginRateLimit = f
	}
	if v := getenv("SECUREAUTH_LOGIN_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SECUREAUTH_LOGIN_BURST: %w", err))
		}
		cfg.LoginBurst = n
	}
	return errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session_ttl must be positive"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.LoginRateLimit < 0 {
		errs = append(errs, errors.New("login_rate_limit must not be negative"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.VulnMode && c.VulnRoute == "" {
		errs = append(errs, errors.New("vuln_route is required when vuln_mode is on"))
	}
	return errors.Join(errs...)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
