// Package config loads the YAML-tagged configuration structs for the three
// applications this toolkit ships: the login app, the base app, and the
// proxy relay.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Common holds the settings every application shares.
type Common struct {
	LogLevel    string        `yaml:"log_level"` // debug, info, warn, error (default: info)
	RecvTimeout time.Duration `yaml:"recv_timeout"`
}

// LoginAppConfig configures the login application.
type LoginAppConfig struct {
	Common `yaml:",inline"`

	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	RSAKeyBits int `yaml:"rsa_key_bits"`
	RSAKeyPool int `yaml:"rsa_key_pool"`

	ChallengeEasiness float64       `yaml:"challenge_easiness"`
	SessionTTL        time.Duration `yaml:"session_ttl"`

	BaseAppAddress string `yaml:"base_app_address"`
}

// BaseAppConfig configures the base application.
type BaseAppConfig struct {
	Common `yaml:",inline"`

	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	SessionKeyTTL   time.Duration `yaml:"session_key_ttl"`
	PendingClientTTL time.Duration `yaml:"pending_client_ttl"`
}

// ProxyConfig configures a login or base-app proxy relay.
type ProxyConfig struct {
	Common `yaml:",inline"`

	ListenAddress  string `yaml:"listen_address"`
	UpstreamLogin  string `yaml:"upstream_login_address"`
	UpstreamBase   string `yaml:"upstream_base_address"`
}

// DefaultLoginAppConfig returns a LoginAppConfig with sensible defaults.
func DefaultLoginAppConfig() LoginAppConfig {
	return LoginAppConfig{
		Common: Common{
			LogLevel:    "info",
			RecvTimeout: 5 * time.Second,
		},
		BindAddress:       "0.0.0.0",
		Port:              20100,
		RSAKeyBits:        1024,
		RSAKeyPool:        8,
		ChallengeEasiness: 0.9,
		SessionTTL:        10 * time.Second,
		BaseAppAddress:    "127.0.0.1:20013",
	}
}

// DefaultBaseAppConfig returns a BaseAppConfig with sensible defaults.
func DefaultBaseAppConfig() BaseAppConfig {
	return BaseAppConfig{
		Common: Common{
			LogLevel:    "info",
			RecvTimeout: 5 * time.Second,
		},
		BindAddress:      "0.0.0.0",
		Port:             20013,
		SessionKeyTTL:    30 * time.Minute,
		PendingClientTTL: 10 * time.Second,
	}
}

// DefaultProxyConfig returns a ProxyConfig with sensible defaults.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Common: Common{
			LogLevel:    "info",
			RecvTimeout: 5 * time.Second,
		},
		ListenAddress: "0.0.0.0:20100",
		UpstreamLogin: "127.0.0.1:20200",
		UpstreamBase:  "127.0.0.1:20213",
	}
}

// LoadLoginAppConfig loads a LoginAppConfig from a YAML file, falling back to
// defaults for a missing file.
func LoadLoginAppConfig(path string) (LoginAppConfig, error) {
	cfg := DefaultLoginAppConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadBaseAppConfig loads a BaseAppConfig from a YAML file, falling back to
// defaults for a missing file.
func LoadBaseAppConfig(path string) (BaseAppConfig, error) {
	cfg := DefaultBaseAppConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadProxyConfig loads a ProxyConfig from a YAML file, falling back to
// defaults for a missing file.
func LoadProxyConfig(path string) (ProxyConfig, error) {
	cfg := DefaultProxyConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
