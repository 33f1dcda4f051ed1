// Package config loads the TOML configuration, layers env overrides on
// top and wires the result into providers, platforms and the rate
// limiter.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/ratelimit"
)

// EnvPrefix is the prefix for environment overrides. TAMMA_AI_OPENAI_API_KEY
// overrides ai.openai.api_key.
const EnvPrefix = "TAMMA_"

// AIEntry configures one AI provider.
type AIEntry struct {
	Kind       string        `koanf:"kind"`
	APIKey     string        `koanf:"api_key"`
	BaseURL    string        `koanf:"base_url"`
	Model      string        `koanf:"model"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	RPM        int           `koanf:"rpm"`
	TPM        int           `koanf:"tpm"`
}

// PlatformEntry configures one git platform.
type PlatformEntry struct {
	Kind    string        `koanf:"kind"`
	BaseURL string        `koanf:"base_url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
	RPM     int           `koanf:"rpm"`
}

// Config is the fully resolved application configuration.
type Config struct {
	General struct {
		DefaultProvider string `koanf:"default_provider"`
		DefaultPlatform string `koanf:"default_platform"`
	} `koanf:"general"`

	AI        map[string]AIEntry       `koanf:"ai"`
	Platforms map[string]PlatformEntry `koanf:"platforms"`
}

// multiWordLeaves are config keys that contain an underscore of their
// own. The env mapper restores them after the section split.
var multiWordLeaves = []string{
	"api_key", "base_url", "max_retries",
	"default_provider", "default_platform",
}

// envKeyMap turns TAMMA_AI_OPENAI_API_KEY into ai.openai.api_key.
func envKeyMap(s string) string {
	key := strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	for _, leaf := range multiWordLeaves {
		dotted := strings.Replace(leaf, "_", ".", -1)
		if strings.HasSuffix(key, dotted) {
			key = strings.TrimSuffix(key, dotted) + leaf
			break
		}
	}
	return key
}

// Load reads the configuration. Precedence, lowest to highest: built-in
// defaults, the TOML file, TAMMA_-prefixed environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"general.default_provider": "anthropic",
		"general.default_platform": "github",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fault.Wrap(fault.InvalidConfig, err, "load %s: %v", configPath, err)
		}
	} else {
		for _, path := range []string{"./tamma.toml", "$HOME/.tamma.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider(EnvPrefix, ".", envKeyMap), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fault.Wrap(fault.InvalidConfig, err, "unmarshal config: %v", err)
	}
	return &cfg, nil
}

// Init writes a commented sample configuration to configPath. It refuses
// to overwrite an existing file.
func Init(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fault.New(fault.InvalidConfig, "configuration file already exists at %s", configPath)
	}

	sample := `# Tamma configuration

[general]
default_provider = "anthropic"
default_platform = "github"

[ai.anthropic]
kind = "anthropic"
api_key = "your-anthropic-api-key"
model = "claude-sonnet-4-20250514"
rpm = 60
tpm = 80000

[ai.openai]
kind = "openai"
api_key = "your-openai-api-key"
model = "gpt-4o"

[ai.gemini]
kind = "langchain-googleai"
api_key = "your-gemini-api-key"
model = "gemini-2.0-flash"

[platforms.github]
kind = "github"
token = "your-github-token"
rpm = 80

[platforms.gitlab]
kind = "gitlab"
base_url = "https://gitlab.com/api/v4"
token = "your-gitlab-token"
`
	return os.WriteFile(configPath, []byte(sample), 0600)
}

// Validate checks that the defaults resolve and every entry carries its
// kind-specific required fields. Credential values never appear in the
// returned errors.
func (c *Config) Validate() error {
	if c.General.DefaultProvider == "" {
		return fault.New(fault.InvalidConfig, "general.default_provider is required")
	}
	if c.General.DefaultPlatform == "" {
		return fault.New(fault.InvalidConfig, "general.default_platform is required")
	}
	if _, ok := c.AI[c.General.DefaultProvider]; !ok {
		return fault.New(fault.InvalidConfig, "default provider %q has no [ai.%s] section",
			c.General.DefaultProvider, c.General.DefaultProvider)
	}
	if _, ok := c.Platforms[c.General.DefaultPlatform]; !ok {
		return fault.New(fault.InvalidConfig, "default platform %q has no [platforms.%s] section",
			c.General.DefaultPlatform, c.General.DefaultPlatform)
	}

	for name, entry := range c.AI {
		if entry.Kind == "" {
			return fault.New(fault.InvalidConfig, "ai.%s.kind is required", name)
		}
		// Local backends run without credentials; everything else needs one.
		if entry.APIKey == "" && entry.Kind != "langchain-ollama" {
			return fault.New(fault.InvalidConfig, "ai.%s.api_key is required", name)
		}
		if entry.RPM < 0 || entry.TPM < 0 {
			return fault.New(fault.InvalidConfig, "ai.%s rate limits must not be negative", name)
		}
	}
	for name, entry := range c.Platforms {
		if entry.Kind == "" {
			return fault.New(fault.InvalidConfig, "platforms.%s.kind is required", name)
		}
		if entry.Token == "" {
			return fault.New(fault.InvalidConfig, "platforms.%s.token is required", name)
		}
		if entry.Kind == "gitea" && entry.BaseURL == "" {
			return fault.New(fault.InvalidConfig, "platforms.%s.base_url is required for self-hosted instances", name)
		}
	}
	return nil
}

// ConfigureLimiter seeds per-entry rate-limit buckets from the rpm/tpm
// settings. Entries without limits keep the limiter's fallback bucket.
func (c *Config) ConfigureLimiter(limiter *ratelimit.Limiter) error {
	for name, entry := range c.AI {
		if entry.TPM <= 0 && entry.RPM <= 0 {
			continue
		}
		// Token-per-minute is the binding budget for AI calls; fall back
		// to treating rpm as a request budget of average-sized permits.
		perMinute := entry.TPM
		if perMinute <= 0 {
			perMinute = entry.RPM
		}
		cfg := ratelimit.Config{
			TokensPerSecond: float64(perMinute) / 60.0,
			Burst:           perMinute,
		}
		if err := limiter.Configure(ratelimit.BucketKey(name, entry.APIKey), cfg); err != nil {
			return fmt.Errorf("configure limiter for ai.%s: %w", name, err)
		}
	}
	for name, entry := range c.Platforms {
		if entry.RPM <= 0 {
			continue
		}
		cfg := ratelimit.Config{
			TokensPerSecond: float64(entry.RPM) / 60.0,
			Burst:           entry.RPM,
		}
		if err := limiter.Configure(ratelimit.BucketKey(name, entry.Token), cfg); err != nil {
			return fmt.Errorf("configure limiter for platforms.%s: %w", name, err)
		}
	}
	return nil
}
