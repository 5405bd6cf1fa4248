package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthProvider holds one provider's client credentials.
type OAuthProvider struct {
	ClientID     string `yaml:"client_id" json:"clientId"`
	ClientSecret string `yaml:"client_secret" json:"clientSecret"`
	RedirectURL  string `yaml:"redirect_url" json:"redirectUrl"`
}

// OAuthConfig holds the configured OAuth providers.
type OAuthConfig struct {
	Google  OAuthProvider `yaml:"google" json:"google"`
	Discord OAuthProvider `yaml:"discord" json:"discord"`
}

// RedisConfig holds Redis connection settings. Redis is optional; an
// empty Addr disables the rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// ModulesConfig holds module plane settings.
type ModulesConfig struct {
	// Root is the directory scanned for module manifests.
	Root string `yaml:"root" json:"root"`
	// Runner executes a module entry point (entry file is appended).
	Runner string `yaml:"runner" json:"runner"`
	// InvokeTimeout bounds ordinary module invocations.
	InvokeTimeout time.Duration `yaml:"invoke_timeout" json:"invokeTimeout"`
	// UploadTimeout bounds multipart/form-data invocations.
	UploadTimeout time.Duration `yaml:"upload_timeout" json:"uploadTimeout"`
}

// ObservabilityConfig gates tracing export.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlpEndpoint"`
	ServiceName  string `yaml:"service_name" json:"serviceName"`
}

// Config is the central configuration struct for the server.
type Config struct {
	Port            int                 `yaml:"port" json:"port"`
	SecretKey       string              `yaml:"secret_key" json:"secretKey"`
	PostgresURL     string              `yaml:"postgres_url" json:"postgresUrl"`
	OriginWhitelist []string            `yaml:"origin_whitelist" json:"originWhitelist"`
	LogLevel        string              `yaml:"log_level" json:"logLevel"`
	Modules         ModulesConfig       `yaml:"modules" json:"modules"`
	Redis           RedisConfig         `yaml:"redis" json:"redis"`
	OAuth           OAuthConfig         `yaml:"oauth" json:"oauth"`
	Observability   ObservabilityConfig `yaml:"observability" json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:     3000,
		LogLevel: "info",
		Modules: ModulesConfig{
			Root:          filepath.Join(home, ".pylon", "modules"),
			Runner:        "node",
			InvokeTimeout: 5 * time.Second,
			UploadTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			ServiceName: "pylon",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("PG_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("ORIGIN_WHITELIST"); v != "" {
		parts := strings.Split(v, ",")
		cfg.OriginWhitelist = cfg.OriginWhitelist[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.OriginWhitelist = append(cfg.OriginWhitelist, p)
			}
		}
	}
	if v := os.Getenv("PYLON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PYLON_MODULES_ROOT"); v != "" {
		cfg.Modules.Root = v
	}
	if v := os.Getenv("PYLON_MODULE_RUNNER"); v != "" {
		cfg.Modules.Runner = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
	loadOAuthEnv(&cfg.OAuth.Google, "GOOGLE")
	loadOAuthEnv(&cfg.OAuth.Discord, "DISCORD")
}

func loadOAuthEnv(p *OAuthProvider, prefix string) {
	if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
		p.ClientID = v
	}
	if v := os.Getenv(prefix + "_CLIENT_SECRET"); v != "" {
		p.ClientSecret = v
	}
	if v := os.Getenv(prefix + "_REDIRECT_URL"); v != "" {
		p.RedirectURL = v
	}
}

// Validate checks the parts of the config the server cannot run without.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if c.PostgresURL == "" {
		return fmt.Errorf("PG_URL is required")
	}
	return nil
}

// moduleSettings mirrors the settings.json file in the modules root.
type moduleSettings struct {
	LoadBalancing map[string]int `json:"loadBalancing"`
}

// LoadModuleSettings reads settings.json from the modules root and
// returns the per-module configured instance counts. A missing file is
// not an error; every module then gets one instance.
func LoadModuleSettings(root string) (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(root, "settings.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}, nil
		}
		return nil, err
	}
	var s moduleSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse module settings: %w", err)
	}
	if s.LoadBalancing == nil {
		s.LoadBalancing = map[string]int{}
	}
	return s.LoadBalancing, nil
}
