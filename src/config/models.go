package config

import (
	"time"

	"github.com/sandrolain/fossibot-bridge/src/common/tlsconfig"
)

type EnvConfig struct {
	ConfigFilePath string `env:"FB_CONFIG_FILE_PATH" default:"/etc/fossibot-bridge/config.yaml" validate:"omitempty,filepath"`
	// Optional: raw configuration content (YAML or JSON). If set, it takes precedence over ConfigFilePath.
	ConfigContent string `env:"FB_CONFIG_CONTENT" validate:"omitempty"`
	// Optional: explicit config format when using ConfigContent. One of: yaml, yml, json.
	ConfigFormat string `env:"FB_CONFIG_FORMAT" validate:"omitempty,oneof=yaml yml json"`
}

type Config struct {
	Accounts  []AccountConfig `yaml:"accounts" json:"accounts" validate:"required,min=1,dive"`
	Mosquitto MosquittoConfig `yaml:"mosquitto" json:"mosquitto"`
	Daemon    DaemonConfig    `yaml:"daemon" json:"daemon"`
	Bridge    BridgeConfig    `yaml:"bridge" json:"bridge"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
}

// AccountConfig is one vendor-cloud account. Enabled defaults to true when
// omitted; a pointer keeps an explicit false distinguishable from absent.
type AccountConfig struct {
	Email    string `yaml:"email" json:"email" validate:"required,email"`
	Password string `yaml:"password" json:"password" validate:"required"`
	Enabled  *bool  `yaml:"enabled" json:"enabled"`
}

func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// MosquittoConfig is the local broker connection.
type MosquittoConfig struct {
	Host     string `yaml:"host" json:"host" default:"localhost"`
	Port     int    `yaml:"port" json:"port" default:"1883" validate:"min=1,max=65535"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	ClientID string `yaml:"client_id" json:"client_id" default:"fossibot-bridge"`

	TLS tlsconfig.Config `yaml:"tls" json:"tls"`
}

type DaemonConfig struct {
	LogFile  string `yaml:"log_file" json:"log_file"`
	LogLevel string `yaml:"log_level" json:"log_level" default:"info" validate:"oneof=debug info warning error"`
	PIDFile  string `yaml:"pid_file" json:"pid_file"`
	// HealthAddress is the listen address of the HTTP health endpoint.
	// Empty disables it.
	HealthAddress string `yaml:"health_address" json:"health_address"`
}

// BridgeConfig holds the scheduler intervals, in seconds.
type BridgeConfig struct {
	StatusPublishInterval int `yaml:"status_publish_interval" json:"status_publish_interval" default:"60" validate:"min=1"`
	DevicePollInterval    int `yaml:"device_poll_interval" json:"device_poll_interval" default:"30" validate:"min=1"`
	ReconnectDelayMin     int `yaml:"reconnect_delay_min" json:"reconnect_delay_min" default:"5" validate:"min=1"`
	ReconnectDelayMax     int `yaml:"reconnect_delay_max" json:"reconnect_delay_max" default:"60" validate:"min=1"`
	// OutputHoldWindow is how long poll-sourced output bits are distrusted
	// after a command response. Must exceed the poll interval.
	OutputHoldWindow int `yaml:"output_hold_window" json:"output_hold_window" default:"35" validate:"min=1"`

	// CloudTLS tunes the TLS layer of the vendor cloud WebSocket, mainly
	// to pin a CA bundle. Disabled means standard verification.
	CloudTLS tlsconfig.Config `yaml:"cloud_tls" json:"cloud_tls"`
}

func (b BridgeConfig) StatusInterval() time.Duration { return seconds(b.StatusPublishInterval) }
func (b BridgeConfig) PollInterval() time.Duration   { return seconds(b.DevicePollInterval) }
func (b BridgeConfig) ReconnectMin() time.Duration   { return seconds(b.ReconnectDelayMin) }
func (b BridgeConfig) ReconnectMax() time.Duration   { return seconds(b.ReconnectDelayMax) }
func (b BridgeConfig) OutputHold() time.Duration     { return seconds(b.OutputHoldWindow) }

// CacheConfig holds the on-disk cache location and token lifetime policy,
// TTLs in seconds.
type CacheConfig struct {
	Directory             string `yaml:"directory" json:"directory" default:"/var/lib/fossibot-bridge"`
	TokenTTLSafetyMargin  int    `yaml:"token_ttl_safety_margin" json:"token_ttl_safety_margin" default:"300" validate:"min=0"`
	MaxTokenTTL           int    `yaml:"max_token_ttl" json:"max_token_ttl" default:"86400" validate:"min=60"`
	DeviceListTTL         int    `yaml:"device_list_ttl" json:"device_list_ttl" default:"86400" validate:"min=60"`
	DeviceRefreshInterval int    `yaml:"device_refresh_interval" json:"device_refresh_interval" default:"86400" validate:"min=60"`
}

func (c CacheConfig) SafetyMargin() time.Duration  { return seconds(c.TokenTTLSafetyMargin) }
func (c CacheConfig) TokenTTL() time.Duration      { return seconds(c.MaxTokenTTL) }
func (c CacheConfig) DeviceTTL() time.Duration     { return seconds(c.DeviceListTTL) }
func (c CacheConfig) DeviceRefresh() time.Duration { return seconds(c.DeviceRefreshInterval) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
