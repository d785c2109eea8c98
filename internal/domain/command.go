// Package domain contains the core entities of the generator panel.
// These are wire-agnostic and shared by the codec, session, poller and panel state.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandKind identifies an operator or automated intent.
type CommandKind string

const (
	CommandQueryStatus   CommandKind = "query_status"
	CommandStart         CommandKind = "start"
	CommandStop          CommandKind = "stop"
	CommandSetAutoMode   CommandKind = "set_auto"
	CommandSetManualMode CommandKind = "set_manual"
	CommandResetAlarm    CommandKind = "reset_alarm"
	CommandEmergencyStop CommandKind = "emergency_stop"
)

// CommandKinds lists every supported kind in a stable order.
var CommandKinds = []CommandKind{
	CommandQueryStatus,
	CommandStart,
	CommandStop,
	CommandSetAutoMode,
	CommandSetManualMode,
	CommandResetAlarm,
	CommandEmergencyStop,
}

// Idempotent reports whether the command may be resent without a physical side effect.
// Only QueryStatus qualifies; everything else actuates the generator.
func (k CommandKind) Idempotent() bool {
	return k == CommandQueryStatus
}

// Critical reports whether the command bypasses the FIFO queue.
func (k CommandKind) Critical() bool {
	return k == CommandEmergencyStop
}

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	for _, known := range CommandKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseCommandKind accepts the canonical names plus a few operator-friendly aliases.
func ParseCommandKind(s string) (CommandKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")

	switch normalized {
	case "status", "query", "querystatus":
		return CommandQueryStatus, nil
	case "auto", "setautomode", "set_auto_mode":
		return CommandSetAutoMode, nil
	case "manual", "setmanualmode", "set_manual_mode":
		return CommandSetManualMode, nil
	case "reset", "alarm_reset", "resetalarm":
		return CommandResetAlarm, nil
	case "estop", "e_stop", "emergencystop":
		return CommandEmergencyStop, nil
	}

	kind := CommandKind(normalized)
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return kind, nil
}

// Command is an immutable request to the controller.
type Command struct {
	// ID correlates the command with its response and with API acknowledgements
	ID string `json:"id"`

	// Kind is what the operator (or poller) wants done
	Kind CommandKind `json:"kind"`

	// Payload is an optional argument appended to the wire token
	Payload string `json:"payload,omitempty"`

	// CreatedAt is when the command was issued
	CreatedAt time.Time `json:"created_at"`
}

// NewCommand creates a command with a fresh correlation id.
func NewCommand(kind CommandKind) Command {
	return Command{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now(),
	}
}

// WithPayload returns a copy of the command carrying payload.
func (c Command) WithPayload(payload string) Command {
	c.Payload = payload
	return c
}

// String implements fmt.Stringer for log lines.
func (c Command) String() string {
	if c.Payload != "" {
		return fmt.Sprintf("%s(%s) %s", c.Kind, c.Payload, c.ID)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.ID)
}
