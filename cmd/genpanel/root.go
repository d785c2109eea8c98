package main

import (
	"fmt"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/bridge"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/codec"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/config"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/service"
	"github.com/abeln1974/raspberry-pi-generator-control/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const serviceName = "genpanel"

// set with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Generator panel monitor and control",
	Long: `genpanel talks to a generator controller through its RS232-to-TCP bridge (or a
directly attached serial port), keeps a live view of the panel and accepts operator
commands over HTTP and MQTT.

Configuration is read from config.yaml (--config or GENPANEL_CONFIG) and can be
overridden with GENPANEL_* environment variables, e.g. GENPANEL_BRIDGE_HOST.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./config.yaml or /etc/genpanel/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (json, console)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and builds the logger from it and the flags.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format).With().
		Str("service", cfg.Service.Name).
		Str("version", version).
		Logger()
	return cfg, logger, nil
}

// newCodec loads the protocol table, falling back to the built-in one.
func newCodec(cfg *config.Config) (*codec.Codec, error) {
	table := codec.DefaultTable()
	if cfg.Protocol.TablePath != "" {
		loaded, err := codec.LoadTable(cfg.Protocol.TablePath)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	return codec.New(table)
}

// newTransport builds the bridge link from the configuration.
func newTransport(cfg *config.Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*bridge.Transport, error) {
	b := cfg.Bridge
	return bridge.NewTransport(bridge.TransportConfig{
		Address: b.Address(),
		Serial: bridge.SerialConfig{
			Port:     b.SerialPort,
			BaudRate: b.BaudRate,
			DataBits: b.DataBits,
			Parity:   b.Parity,
			StopBits: b.StopBits,
		},
		ConnectTimeout: b.ConnectTimeout,
		WriteTimeout:   b.WriteTimeout,
		InitialBackoff: b.InitialBackoff,
		MaxBackoff:     b.MaxBackoff,
		BackoffJitter:  b.BackoffJitter,
	}, logger, metricsReg)
}

func sessionConfig(cfg *config.Config) service.SessionConfig {
	return service.SessionConfig{
		CommandTimeout:      cfg.Protocol.CommandTimeout,
		StatusRetries:       cfg.Protocol.StatusRetries,
		ResyncAfterTimeouts: cfg.Protocol.ResyncAfterTimeouts,
		QueueSize:           cfg.Protocol.QueueSize,
	}
}

// commandTimeout bounds an operator command including queueing behind polls.
func commandTimeout(cfg *config.Config) time.Duration {
	return cfg.Protocol.CommandTimeout*time.Duration(cfg.Protocol.StatusRetries+2) + cfg.Bridge.ConnectTimeout
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
