package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvSolverAPIKey is the environment variable consulted when no solver API
// key is present in the configuration file.
const EnvSolverAPIKey = "CAPSOLVER_API_KEY"

// Default values applied when the configuration file omits a setting.
const (
	DefaultSolveTimeoutSeconds      = 30
	DefaultResolutionTimeoutSeconds = 60
	DefaultViewportWidth            = 1280
	DefaultViewportHeight           = 720
)

// Config holds all settings for a stealth browser session. It is resolved
// once at construction time: file values first, then environment fallbacks.
// After a session starts the config must be treated as immutable.
type Config struct {
	// AutoSolveCaptchas enables captcha detection and solving after every
	// navigation. Default: true.
	AutoSolveCaptchas bool `yaml:"auto_solve_captchas"`

	// SolverAPIKey authenticates against the external solving backend.
	// Falls back to the CAPSOLVER_API_KEY environment variable when empty.
	SolverAPIKey string `yaml:"solver_api_key"`

	// KeepExternalAlive leaves an externally supplied browser running when
	// the session stops.
	KeepExternalAlive bool `yaml:"keep_external_alive"`

	// Proxy routes all browser traffic when set.
	Proxy *ProxyConfig `yaml:"proxy"`

	// Launch configures local browser launches and remote attachment.
	Launch LaunchConfig `yaml:"launch"`

	// SolveTimeoutSeconds bounds a single captcha handling pass.
	SolveTimeoutSeconds int `yaml:"solve_timeout_seconds"`

	// ResolutionTimeoutSeconds bounds detection-only resolution waits.
	ResolutionTimeoutSeconds int `yaml:"resolution_timeout_seconds"`
}

// LaunchConfig holds local-launch parameters and the optional remote endpoint.
type LaunchConfig struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool `yaml:"headless"`

	// NoSandbox disables the engine sandbox (needed in some containers)
	NoSandbox bool `yaml:"no_sandbox"`

	// UserDataDir is an on-disk profile directory holding cookies and
	// storage state across runs. Empty means incognito.
	UserDataDir string `yaml:"user_data_dir"`

	// Permissions requested for new contexts. Filtered to the subset the
	// engine supports before use.
	Permissions []string `yaml:"permissions"`

	// WSSEndpoint is a remote browser server to attach to instead of
	// launching locally.
	WSSEndpoint string `yaml:"wss_endpoint"`

	// ViewportWidth and ViewportHeight size new pages.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// ProxyConfig describes an upstream proxy. Immutable once a session starts.
type ProxyConfig struct {
	// Server is the proxy URL, e.g. http://host:port
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Metadata about the proxy exit, informational only.
	Country                string `yaml:"country"`
	City                   string `yaml:"city"`
	SessionDurationMinutes int    `yaml:"session_duration_minutes"`
}

// Default returns a configuration with all defaults applied and environment
// fallbacks resolved.
func Default() *Config {
	cfg := &Config{
		AutoSolveCaptchas:        true,
		SolveTimeoutSeconds:      DefaultSolveTimeoutSeconds,
		ResolutionTimeoutSeconds: DefaultResolutionTimeoutSeconds,
		Launch: LaunchConfig{
			Headless:       true,
			ViewportWidth:  DefaultViewportWidth,
			ViewportHeight: DefaultViewportHeight,
		},
	}
	cfg.resolveEnv()
	return cfg
}

// Load reads a yaml configuration file, layers it over the defaults, and
// resolves environment fallbacks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.resolveEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEnv applies environment fallbacks. Called once at load time so the
// rest of the code never reads the environment directly.
func (c *Config) resolveEnv() {
	if c.SolverAPIKey == "" {
		c.SolverAPIKey = os.Getenv(EnvSolverAPIKey)
	}
}

// Validate checks the configuration for values that would fail later in a
// harder-to-diagnose place.
func (c *Config) Validate() error {
	if c.Proxy != nil {
		if c.Proxy.Server == "" {
			return fmt.Errorf("proxy configured without a server URL")
		}
		u, err := url.Parse(c.Proxy.Server)
		if err != nil {
			return fmt.Errorf("invalid proxy server URL %q: %w", c.Proxy.Server, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid proxy server URL %q: missing scheme or host", c.Proxy.Server)
		}
	}
	if c.SolveTimeoutSeconds < 0 {
		return fmt.Errorf("solve_timeout_seconds must not be negative")
	}
	if c.ResolutionTimeoutSeconds < 0 {
		return fmt.Errorf("resolution_timeout_seconds must not be negative")
	}
	return nil
}

// SolveTimeout returns the captcha solve deadline as a duration.
func (c *Config) SolveTimeout() time.Duration {
	return time.Duration(c.SolveTimeoutSeconds) * time.Second
}

// ResolutionTimeout returns the detection-only wait deadline as a duration.
func (c *Config) ResolutionTimeout() time.Duration {
	return time.Duration(c.ResolutionTimeoutSeconds) * time.Second
}
