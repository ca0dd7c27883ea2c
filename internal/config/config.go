package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "mcp-avctl.yaml"

	EnvConfig     = "MCP_AVCTL_CONFIG"
	EnvLogLevel   = "MCP_AVCTL_LOG_LEVEL"
	EnvHTTPListen = "MCP_AVCTL_HTTP_LISTEN"
	EnvGo2TVScan  = "MCP_AVCTL_GO2TV_SCAN"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	SOAP      SOAPConfig      `yaml:"soap"`
	Browse    BrowseConfig    `yaml:"browse"`
	Vendors   VendorsConfig   `yaml:"vendors"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DiscoveryConfig struct {
	WaitSeconds         int           `yaml:"wait_seconds"`
	DescriptionTimeout  time.Duration `yaml:"description_timeout"`
	DescriptionCacheTTL time.Duration `yaml:"description_cache_ttl"`
	DescriptionRate     float64       `yaml:"description_rate"`
	Go2TVScan           bool          `yaml:"go2tv_scan"`
}

type SOAPConfig struct {
	BaseTimeout     time.Duration `yaml:"base_timeout"`
	ExtendedTimeout time.Duration `yaml:"extended_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Attempts        int           `yaml:"attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type BrowseConfig struct {
	RequestedCount int `yaml:"requested_count"`
}

type VendorsConfig struct {
	Yamaha YamahaConfig `yaml:"yamaha"`
}

type YamahaConfig struct {
	ManufacturerMatch []string `yaml:"manufacturer_match"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Discovery: DiscoveryConfig{
			WaitSeconds:         2,
			DescriptionTimeout:  5 * time.Second,
			DescriptionCacheTTL: 2 * time.Minute,
			DescriptionRate:     20,
			Go2TVScan:           true,
		},
		SOAP: SOAPConfig{
			BaseTimeout:     5 * time.Second,
			ExtendedTimeout: 10 * time.Second,
			ProbeTimeout:    2 * time.Second,
			Attempts:        3,
			RetryDelay:      500 * time.Millisecond,
		},
		Browse:  BrowseConfig{RequestedCount: 1000},
		Vendors: VendorsConfig{Yamaha: YamahaConfig{ManufacturerMatch: []string{"yamaha"}}},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error unless the path was given explicitly.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolvePath picks the flag value, then the environment, then the default.
func ResolvePath(flagValue string) (string, bool) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfig)); v != "" {
		return v, true
	}
	return DefaultPath, false
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvHTTPListen); ok {
		c.HTTP.Listen = strings.TrimSpace(v)
	}
	c.Discovery.Go2TVScan = boolEnv(EnvGo2TVScan, c.Discovery.Go2TVScan)
}

func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"discovery.description_timeout", c.Discovery.DescriptionTimeout},
		{"discovery.description_cache_ttl", c.Discovery.DescriptionCacheTTL},
		{"soap.base_timeout", c.SOAP.BaseTimeout},
		{"soap.extended_timeout", c.SOAP.ExtendedTimeout},
		{"soap.probe_timeout", c.SOAP.ProbeTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.SOAP.RetryDelay < 0 {
		errs = append(errs, errors.New("soap.retry_delay must not be negative"))
	}
	if c.SOAP.Attempts <= 0 {
		errs = append(errs, errors.New("soap.attempts must be positive"))
	}
	if c.Discovery.WaitSeconds <= 0 {
		errs = append(errs, errors.New("discovery.wait_seconds must be positive"))
	}
	if c.Discovery.DescriptionRate <= 0 {
		errs = append(errs, errors.New("discovery.description_rate must be positive"))
	}
	if c.Browse.RequestedCount <= 0 {
		errs = append(errs, errors.New("browse.requested_count must be positive"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json, logfmt", c.Log.Format))
	}
	return errors.Join(errs...)
}

func boolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
