package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/config"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/mqtt"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/api"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/health"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/panel"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the panel service",
	Long: `Poll the controller, maintain the panel state and serve it over HTTP
(/api/state, /api/alarms, /api/commands, /api/ws), MQTT (when enabled),
/health and /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("env", cfg.Service.Environment).Str("bridge", cfg.Bridge.Address()).Msg("Starting generator panel service")

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newCodec(cfg)
	if err != nil {
		return fmt.Errorf("failed to load protocol table: %w", err)
	}

	transport, err := newTransport(cfg, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer transport.Close()

	session := service.NewSession(transport, c, sessionConfig(cfg), logger, metricsRegistry)

	machine := panel.NewMachine(panel.MachineConfig{
		ClearAfter:    cfg.Panel.AlarmClearAfter,
		DegradedAfter: cfg.Panel.DegradedAfter,
		HistorySize:   cfg.Panel.AlarmHistory,
		AlarmLabel:    c.Table().AlarmLabel,
	}, logger)
	store := panel.NewStore(machine, logger, metricsRegistry)

	poller := service.NewPoller(session, store, service.PollerConfig{
		Interval:      cfg.Polling.Interval,
		StatusTimeout: cfg.Polling.StatusTimeout,
	}, logger, metricsRegistry)
	transport.OnStatusChange(poller.NotifyLink)

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	// Initialize health checker
	healthChecker := health.NewChecker(store, logger)

	// MQTT is optional; the panel works without a broker
	var (
		mqttClient     *mqtt.Client
		statePublisher *mqtt.StatePublisher
		commandHandler *mqtt.CommandHandler
	)
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
		}, logger, metricsRegistry)

		// paho keeps retrying in the background; subscriptions are applied once it connects
		connectCtx, connectCancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
		if err := mqttClient.Connect(connectCtx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker not reachable yet, continuing")
		}
		connectCancel()
		defer mqttClient.Disconnect()

		topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
		statePublisher = mqtt.NewStatePublisher(mqttClient, store, topics, logger)
		if err := statePublisher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start state publisher: %w", err)
		}

		commandHandler = mqtt.NewCommandHandler(mqttClient, poller, topics, commandTimeout(cfg), logger)
		if err := commandHandler.Start(); err != nil {
			return fmt.Errorf("failed to start command handler: %w", err)
		}

		healthChecker.AddCheck(mqttClient)
	}

	// Start HTTP server for API, health and metrics
	gin.SetMode(gin.ReleaseMode)
	apiHandler := api.NewHandler(store, poller, commandTimeout(cfg), logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler.Routes())
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if commandHandler != nil {
		commandHandler.Stop()
	}
	if statePublisher != nil {
		statePublisher.Stop()
	}

	// Stop polling before the session so no command is left waiting
	if err := poller.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping poller")
	}
	if err := session.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping session")
	}

	logger.Info().Msg("Generator panel service shutdown complete")
	return nil
}
