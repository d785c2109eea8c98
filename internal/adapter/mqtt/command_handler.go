package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Submitter executes operator commands. *service.Poller implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd domain.Command) (*domain.Response, error)
}

// CommandMessage is an operator command received via MQTT.
type CommandMessage struct {
	// RequestID is echoed in the response for correlation
	RequestID string `json:"request_id,omitempty"`

	// Command is a command kind or alias, e.g. "start" or "estop"
	Command string `json:"command"`

	// Payload is an optional argument passed to the controller
	Payload string `json:"payload,omitempty"`
}

// CommandResponse is published on the response topic for every command message.
type CommandResponse struct {
	RequestID string             `json:"request_id,omitempty"`
	CommandID string             `json:"command_id,omitempty"`
	Command   domain.CommandKind `json:"command,omitempty"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Response  *domain.Response   `json:"response,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Duration  int64              `json:"duration_ms"`
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// CommandHandler turns MQTT command messages into panel commands.
type CommandHandler struct {
	broker    Broker
	submitter Submitter
	topics    Topics
	timeout   time.Duration
	logger    zerolog.Logger
	stats     *CommandStats

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCommandHandler creates a command handler. timeout bounds each command.
func NewCommandHandler(broker Broker, submitter Submitter, topics Topics, timeout time.Duration, logger zerolog.Logger) *CommandHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &CommandHandler{
		broker:    broker,
		submitter: submitter,
		topics:    topics,
		timeout:   timeout,
		logger:    logger.With().Str("component", "command-handler").Logger(),
		stats:     &CommandStats{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the command topic.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	if err := h.broker.Subscribe(h.topics.Command, h.handleCommand); err != nil {
		return err
	}

	h.running.Store(true)
	h.logger.Info().Str("topic", h.topics.Command).Msg("Command handler started")
	return nil
}

// Stop unsubscribes and waits for in-flight commands.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.broker.Unsubscribe(h.topics.Command)
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// Stats returns command statistics.
func (h *CommandHandler) Stats() *CommandStats {
	return h.stats
}

// handleCommand handles JSON commands.
// Topic: {prefix}/cmd
// Payload: {"request_id": "...", "command": "start"}
func (h *CommandHandler) handleCommand(topic string, payload []byte) {
	h.stats.CommandsReceived.Add(1)

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to parse command")
		h.stats.CommandsRejected.Add(1)
		h.sendResponse(CommandResponse{Error: "invalid command payload: " + err.Error()}, time.Now())
		return
	}

	kind, err := domain.ParseCommandKind(msg.Command)
	if err != nil {
		h.logger.Warn().Err(err).Str("request_id", msg.RequestID).Msg("Rejected unknown command")
		h.stats.CommandsRejected.Add(1)
		h.sendResponse(CommandResponse{RequestID: msg.RequestID, Error: err.Error()}, time.Now())
		return
	}

	cmd := domain.NewCommand(kind).WithPayload(msg.Payload)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processCommand(msg.RequestID, cmd)
	}()
}

// processCommand processes a command.
func (h *CommandHandler) processCommand(requestID string, cmd domain.Command) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	resp, err := h.submitter.Submit(ctx, cmd)

	response := CommandResponse{
		RequestID: requestID,
		CommandID: cmd.ID,
		Command:   cmd.Kind,
		Success:   err == nil,
		Response:  resp,
	}
	if err != nil {
		response.Error = err.Error()
		h.stats.CommandsFailed.Add(1)
		h.logger.Error().
			Err(err).
			Str("request_id", requestID).
			Str("command", cmd.String()).
			Msg("Command failed")
	} else {
		h.stats.CommandsSucceeded.Add(1)
		h.logger.Debug().
			Str("request_id", requestID).
			Str("command", cmd.String()).
			Dur("duration", time.Since(startTime)).
			Msg("Command succeeded")
	}

	h.sendResponse(response, startTime)
}

// sendResponse publishes a response to the command.
func (h *CommandHandler) sendResponse(response CommandResponse, startTime time.Time) {
	response.Timestamp = time.Now().UTC()
	response.Duration = time.Since(startTime).Milliseconds()

	payload, err := json.Marshal(response)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	if err := h.broker.Publish(h.topics.Response, payload, false); err != nil {
		h.logger.Warn().Err(err).Str("request_id", response.RequestID).Msg("Failed to publish command response")
	}
}
