// Package mqtt publishes panel state to an MQTT broker and accepts operator commands from it.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

// Config contains MQTT connection configuration
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration

	// PublishTimeout bounds the wait for a publish acknowledgement
	PublishTimeout time.Duration
}

// MessageHandler is called for each message on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// Client wraps a paho client with a publish circuit breaker and resubscription on reconnect.
type Client struct {
	config  Config
	client  paho.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Registry

	isConnected atomic.Bool

	subsMu sync.RWMutex
	subs   map[string]MessageHandler

	published     atomic.Uint64
	publishErrors atomic.Uint64
}

// NewClient creates a client. It does not connect; call Connect.
func NewClient(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}

	c := &Client{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-client").Logger(),
		metrics: metricsReg,
		subs:    make(map[string]MessageHandler),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetConnectTimeout(config.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	c.client = paho.NewClient(opts)
	return c
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().
		Str("broker", c.config.BrokerURL).
		Str("client_id", c.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("connect to %s: %w", c.config.BrokerURL, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.config.BrokerURL, err)
	}
	return nil
}

// Disconnect cleanly disconnects from the broker
func (c *Client) Disconnect() {
	c.client.Disconnect(1000)
	c.isConnected.Store(false)
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.client.IsConnected()
}

// Name implements health.Check.
func (c *Client) Name() string {
	return "mqtt"
}

// Check implements health.Check.
func (c *Client) Check(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Publish sends payload to topic through the circuit breaker.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		token := c.client.Publish(topic, c.config.QoS, retained, payload)
		if !token.WaitTimeout(c.config.PublishTimeout) {
			return nil, fmt.Errorf("publish timeout after %s", c.config.PublishTimeout)
		}
		return nil, token.Error()
	})
	if err != nil {
		c.publishErrors.Add(1)
		c.metrics.IncMQTTPublishErrors()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.published.Add(1)
	return nil
}

// Subscribe registers handler for topic. Subscriptions survive reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.subsMu.Lock()
	c.subs[topic] = handler
	c.subsMu.Unlock()

	if !c.IsConnected() {
		// applied by onConnect
		return nil
	}
	return c.subscribe(topic, handler)
}

// Unsubscribe removes the handler for topic.
func (c *Client) Unsubscribe(topic string) {
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()

	if c.IsConnected() {
		c.client.Unsubscribe(topic).WaitTimeout(c.config.PublishTimeout)
	}
}

// Stats returns client statistics
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":      c.IsConnected(),
		"broker":         c.config.BrokerURL,
		"client_id":      c.config.ClientID,
		"breaker_state":  c.breaker.State().String(),
		"published":      c.published.Load(),
		"publish_errors": c.publishErrors.Load(),
	}
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.config.QoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.logger.Info().Str("topic", topic).Msg("Subscribed to topic")
	return nil
}

// onConnect is called when connection is established
func (c *Client) onConnect(client paho.Client) {
	c.isConnected.Store(true)
	c.logger.Info().Msg("Connected to MQTT broker")

	c.subsMu.RLock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.subsMu.RUnlock()

	// Resubscribe on reconnection
	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to resubscribe after reconnection")
		}
	}
}

// onConnectionLost is called when connection is lost
func (c *Client) onConnectionLost(client paho.Client, err error) {
	c.isConnected.Store(false)
	c.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}
