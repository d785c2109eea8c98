// Package config loads the service configuration with viper.
// Values come from defaults, then the config file, then GENPANEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GENPANEL_BRIDGE_HOST.
const EnvPrefix = "GENPANEL"

// Config represents the complete service configuration
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Panel    PanelConfig    `mapstructure:"panel"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServiceConfig contains service identification
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// BridgeConfig describes how to reach the controller
type BridgeConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// SerialPort selects a directly attached RS232 port instead of TCP
	SerialPort string `mapstructure:"serial_port"`
	BaudRate   int    `mapstructure:"baud_rate"`
	DataBits   int    `mapstructure:"data_bits"`
	Parity     string `mapstructure:"parity"`
	StopBits   int    `mapstructure:"stop_bits"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`

	// web interface of the converter, used by the probe command
	WebPort  int    `mapstructure:"web_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Address returns host:port of the converter.
func (b BridgeConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ProtocolConfig contains codec and session settings
type ProtocolConfig struct {
	// TablePath is a YAML protocol table; the built-in table is used when empty
	TablePath           string        `mapstructure:"table_path"`
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	StatusRetries       int           `mapstructure:"status_retries"`
	ResyncAfterTimeouts int           `mapstructure:"resync_after_timeouts"`
	QueueSize           int           `mapstructure:"queue_size"`
}

// PollingConfig contains poll loop settings
type PollingConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	StatusTimeout time.Duration `mapstructure:"status_timeout"`
}

// PanelConfig contains state machine settings
type PanelConfig struct {
	AlarmClearAfter int `mapstructure:"alarm_clear_after"`
	DegradedAfter   int `mapstructure:"degraded_after"`
	AlarmHistory    int `mapstructure:"alarm_history"`
}

// MQTTConfig contains MQTT connection settings
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration. An empty path falls back to $GENPANEL_CONFIG and then to
// config.yaml in the working directory or /etc/genpanel; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/genpanel")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MQTT.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.MQTT.ClientID = fmt.Sprintf("genpanel-%s", hostname)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "genpanel")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("bridge.host", "192.168.1.192")
	v.SetDefault("bridge.port", 8899)
	v.SetDefault("bridge.serial_port", "")
	v.SetDefault("bridge.baud_rate", 9600)
	v.SetDefault("bridge.data_bits", 8)
	v.SetDefault("bridge.parity", "none")
	v.SetDefault("bridge.stop_bits", 1)
	v.SetDefault("bridge.connect_timeout", 5*time.Second)
	v.SetDefault("bridge.write_timeout", 2*time.Second)
	v.SetDefault("bridge.initial_backoff", time.Second)
	v.SetDefault("bridge.max_backoff", 30*time.Second)
	v.SetDefault("bridge.backoff_jitter", 0.2)
	v.SetDefault("bridge.web_port", 80)
	v.SetDefault("bridge.username", "admin")
	v.SetDefault("bridge.password", "admin")

	v.SetDefault("protocol.table_path", "")
	v.SetDefault("protocol.command_timeout", 2*time.Second)
	v.SetDefault("protocol.status_retries", 2)
	v.SetDefault("protocol.resync_after_timeouts", 3)
	v.SetDefault("protocol.queue_size", 16)

	v.SetDefault("polling.interval", time.Second)
	v.SetDefault("polling.status_timeout", 0)

	v.SetDefault("panel.alarm_clear_after", 2)
	v.SetDefault("panel.degraded_after", 3)
	v.SetDefault("panel.alarm_history", 100)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "genpanel")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.Bridge.SerialPort == "" {
		if cfg.Bridge.Host == "" {
			return fmt.Errorf("bridge.host is required")
		}
		if cfg.Bridge.Port <= 0 || cfg.Bridge.Port > 65535 {
			return fmt.Errorf("bridge.port %d is out of range", cfg.Bridge.Port)
		}
	}
	if cfg.Bridge.BackoffJitter < 0 || cfg.Bridge.BackoffJitter >= 1 {
		return fmt.Errorf("bridge.backoff_jitter must be in [0, 1)")
	}
	if cfg.Bridge.MaxBackoff < cfg.Bridge.InitialBackoff {
		return fmt.Errorf("bridge.max_backoff cannot be shorter than bridge.initial_backoff")
	}
	if cfg.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if cfg.Protocol.CommandTimeout <= 0 {
		return fmt.Errorf("protocol.command_timeout must be positive")
	}
	if cfg.Protocol.StatusRetries < 0 {
		return fmt.Errorf("protocol.status_retries cannot be negative")
	}
	if cfg.Panel.AlarmClearAfter < 1 {
		return fmt.Errorf("panel.alarm_clear_after must be at least 1")
	}
	if cfg.MQTT.Enabled {
		if cfg.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d is out of range", cfg.HTTP.Port)
	}
	return nil
}
