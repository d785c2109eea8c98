package panel

import (
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
)

// EventKind identifies what happened on the link.
type EventKind string

const (
	// EventResponse is a decoded frame not tied to an operator command (poll or unsolicited)
	EventResponse EventKind = "response"
	// EventCommandResult is the outcome of an operator command
	EventCommandResult EventKind = "command_result"
	// EventFailure is a poll that produced no response
	EventFailure EventKind = "failure"
	// EventLink is a transport status change
	EventLink EventKind = "link"
)

// Event is the single input of the state machine.
type Event struct {
	Kind EventKind

	// Response is set for EventResponse and for successful command results
	Response *domain.Response

	// Command is set for EventCommandResult
	Command domain.Command

	// Err is set for EventFailure and failed command results
	Err error

	// Link is set for EventLink
	Link domain.Connection

	At time.Time
}

// ResponseEvent wraps a decoded response.
func ResponseEvent(resp *domain.Response) Event {
	return Event{Kind: EventResponse, Response: resp, At: receivedAt(resp)}
}

// CommandResultEvent wraps the result of an operator command.
func CommandResultEvent(cmd domain.Command, resp *domain.Response, err error) Event {
	return Event{Kind: EventCommandResult, Command: cmd, Response: resp, Err: err, At: receivedAt(resp)}
}

// FailureEvent wraps a failed poll.
func FailureEvent(err error) Event {
	return Event{Kind: EventFailure, Err: err, At: time.Now()}
}

// LinkEvent wraps a transport status change.
func LinkEvent(conn domain.Connection) Event {
	return Event{Kind: EventLink, Link: conn, At: time.Now()}
}

func receivedAt(resp *domain.Response) time.Time {
	if resp != nil && !resp.ReceivedAt.IsZero() {
		return resp.ReceivedAt
	}
	return time.Now()
}
