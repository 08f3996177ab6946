package broker

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Provider standards the broker understands. Anything else in configuration is
// a deployment error.
const (
	StandardOAuth2 = "OAuth 2.0"
	StandardOIDC   = "OpenID Connect"
)

// ProviderGlobus selects the multi-token response handling Globus requires.
const ProviderGlobus = "globus"

// ProviderConfig describes one configured authorization server.
type ProviderConfig struct {
	Standard              string `mapstructure:"standard"`
	ClientID              string `mapstructure:"client_id"`
	ClientSecret          string `mapstructure:"client_secret"`
	MetadataURL           string `mapstructure:"metadata_url"`
	AuthorizationEndpoint string `mapstructure:"authorization_endpoint"`
	TokenEndpoint         string `mapstructure:"token_endpoint"`
	AdditionalParams      string `mapstructure:"additional_params"`
}

func (p ProviderConfig) IsOIDC() bool {
	return p.Standard == StandardOIDC
}

func (p ProviderConfig) IsOAuth2() bool {
	return p.Standard == StandardOAuth2
}

// Config is the process configuration surface.
type Config struct {
	ListenAddr           string                    `mapstructure:"listen_addr"`
	DatabasePath         string                    `mapstructure:"database_path"`
	RedirectURI          string                    `mapstructure:"redirect_uri"`
	AuthorizationTimeout int                       `mapstructure:"authorization_timeout"`
	Providers            map[string]ProviderConfig `mapstructure:"providers"`
}

// Provider resolves a provider tag, or fails with ErrConfiguration.
func (c *Config) Provider(tag string) (ProviderConfig, error) {
	p, ok := c.Providers[tag]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: unknown provider %q", ErrConfiguration, tag)
	}

	return p, nil
}

// WaitTimeout is the blocking-wait deadline as a duration.
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.AuthorizationTimeout) * time.Second
}

// LoadConfig reads a yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_path", "broker.db")
	v.SetDefault("authorization_timeout", 300)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read config at %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri is required", ErrConfiguration)
	}

	return &cfg, nil
}
