// Package config loads proxy configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults for the Qwen OAuth provider profile.
const (
	DefaultClientID           = "f0304373b74a44d2b584a3fb70ca9e56"
	DefaultDeviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	DefaultTokenEndpoint      = "https://chat.qwen.ai/api/v1/oauth2/token"
	DefaultScope              = "openid profile email model.completion"
	DefaultAPIBaseURL         = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel              = "qwen3-coder-plus"
)

// OAuthConfig holds the device-flow endpoints for the Qwen provider.
type OAuthConfig struct {
	ClientID           string `yaml:"client_id"`
	DeviceCodeEndpoint string `yaml:"device_code_endpoint"`
	TokenEndpoint      string `yaml:"token_endpoint"`
	Scope              string `yaml:"scope"`
}

// Config is the top-level proxy configuration.
type Config struct {
	Host           string      `yaml:"host"`
	Port           int         `yaml:"port"`
	APIKey         string      `yaml:"api_key"`
	CredentialsDir string      `yaml:"credentials_dir"`
	DefaultModel   string      `yaml:"default_model"`
	APIBaseURL     string      `yaml:"api_base_url"`
	MonitorDB      string      `yaml:"monitor_db"`
	MonitorEnabled bool        `yaml:"monitor_enabled"`
	OAuth          OAuthConfig `yaml:"oauth"`
}

// Load reads the config file at path (missing file is not an error),
// applies environment overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Host, "HOST")
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	setString(&cfg.APIKey, "QWEN_PROXY_API_KEY")
	setString(&cfg.CredentialsDir, "QWEN_CREDENTIALS_DIR")
	setString(&cfg.DefaultModel, "DEFAULT_MODEL")
	setString(&cfg.APIBaseURL, "QWEN_API_BASE_URL")
	setString(&cfg.MonitorDB, "QWEN_MONITOR_DB")
	if v := os.Getenv("QWEN_MONITOR_ENABLED"); v != "" {
		cfg.MonitorEnabled = v == "1" || v == "true" || v == "yes"
	}
	setString(&cfg.OAuth.ClientID, "QWEN_CLIENT_ID")
	setString(&cfg.OAuth.DeviceCodeEndpoint, "QWEN_DEVICE_CODE_ENDPOINT")
	setString(&cfg.OAuth.TokenEndpoint, "QWEN_TOKEN_ENDPOINT")
	setString(&cfg.OAuth.Scope, "QWEN_SCOPE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.CredentialsDir == "" {
		home, _ := os.UserHomeDir()
		cfg.CredentialsDir = filepath.Join(home, ".qwen")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.MonitorDB == "" {
		cfg.MonitorDB = "qwen-proxy.db"
	}
	if cfg.OAuth.ClientID == "" {
		cfg.OAuth.ClientID = DefaultClientID
	}
	if cfg.OAuth.DeviceCodeEndpoint == "" {
		cfg.OAuth.DeviceCodeEndpoint = DefaultDeviceCodeEndpoint
	}
	if cfg.OAuth.TokenEndpoint == "" {
		cfg.OAuth.TokenEndpoint = DefaultTokenEndpoint
	}
	if cfg.OAuth.Scope == "" {
		cfg.OAuth.Scope = DefaultScope
	}
}
