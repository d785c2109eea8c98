package domain

import "time"

// LinkStatus is the state of the TCP (or serial) link to the bridge.
type LinkStatus string

const (
	LinkDisconnected LinkStatus = "disconnected"
	LinkConnecting   LinkStatus = "connecting"
	LinkConnected    LinkStatus = "connected"
	LinkDegraded     LinkStatus = "degraded"
)

// Connection describes the link owned by the transport.
type Connection struct {
	// Address is host:port of the bridge, or the serial device path
	Address string `json:"address"`

	Status LinkStatus `json:"status"`

	// ConsecutiveFailures counts dial failures, timeouts and drops since the last success
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastSuccess is when a frame was last received
	LastSuccess time.Time `json:"last_success,omitempty"`

	// NextAttempt is the earliest time the transport will dial again
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// Live reports whether a socket is currently open.
func (c Connection) Live() bool {
	return c.Status == LinkConnected || c.Status == LinkDegraded
}
