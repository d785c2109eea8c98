// Package api exposes the panel over HTTP: state, alarms, commands and a websocket stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/panel"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Submitter executes operator commands. *service.Poller implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd domain.Command) (*domain.Response, error)
}

// Handler wires the HTTP layer to the panel view and the command path.
type Handler struct {
	view      panel.View
	submitter Submitter
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewHandler creates a handler. timeout bounds each submitted command.
func NewHandler(view panel.View, submitter Submitter, timeout time.Duration, logger zerolog.Logger) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{
		view:      view,
		submitter: submitter,
		timeout:   timeout,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the router. It is mounted under /api/ on the service mux.
func (h *Handler) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/state", h.getState)
		api.GET("/alarms", h.getAlarms)
		api.POST("/commands", h.postCommand)
		api.GET("/ws", h.wsConnect)
	}

	return router
}

// CommandRequest is the body of POST /api/commands.
// Example: {"command":"start"}
type CommandRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command" binding:"required"`
	Payload   string `json:"payload,omitempty"`
}

// CommandResult is returned for every command request.
type CommandResult struct {
	RequestID string           `json:"request_id"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Response  *domain.Response `json:"response,omitempty"`
}

// AlarmsResult is returned by GET /api/alarms.
type AlarmsResult struct {
	Active  []domain.AlarmRecord `json:"active"`
	History []domain.AlarmRecord `json:"history"`
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, h.view.Snapshot())
}

func (h *Handler) getAlarms(c *gin.Context) {
	snap := h.view.Snapshot()
	result := AlarmsResult{
		Active:  snap.ActiveAlarms,
		History: h.view.AlarmHistory(),
	}
	if result.Active == nil {
		result.Active = []domain.AlarmRecord{}
	}
	if result.History == nil {
		result.History = []domain.AlarmRecord{}
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) postCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, CommandResult{RequestID: req.RequestID, Error: "invalid body: " + err.Error()})
		return
	}

	kind, err := domain.ParseCommandKind(req.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, CommandResult{RequestID: req.RequestID, Error: err.Error()})
		return
	}

	cmd := domain.NewCommand(kind).WithPayload(req.Payload)
	if req.RequestID == "" {
		req.RequestID = cmd.ID
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	resp, err := h.submitter.Submit(ctx, cmd)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("request_id", req.RequestID).
			Str("command", cmd.String()).
			Msg("Command failed")
		c.JSON(statusFor(err), CommandResult{RequestID: req.RequestID, Error: err.Error(), Response: resp})
		return
	}

	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("command", cmd.String()).
		Msg("Command succeeded")
	c.JSON(http.StatusOK, CommandResult{RequestID: req.RequestID, Success: true, Response: resp})
}

// statusFor maps command errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrCommandRejected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
