package domain

import (
	"context"
	"errors"
	"fmt"
)

// Transport errors
var (
	ErrConnect         = errors.New("connect failed")
	ErrWrite           = errors.New("write failed")
	ErrReceiveTimeout  = errors.New("receive timeout")
	ErrConnectionLost  = errors.New("connection lost")
	ErrBackoff         = errors.New("reconnect backoff in progress")
	ErrTransportClosed = errors.New("transport closed")
)

// Codec errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidTable   = errors.New("invalid protocol table")
)

// Session errors
var (
	ErrCommandTimeout  = errors.New("command timeout")
	ErrCommandRejected = errors.New("command rejected")
	ErrSessionClosed   = errors.New("session closed")
	ErrQueueFull       = errors.New("command queue full")
)

// RejectedError carries the device's NACK text.
type RejectedError struct {
	Kind   CommandKind
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrCommandRejected, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCommandRejected, e.Kind, e.Reason)
}

// Unwrap allows errors.Is(err, ErrCommandRejected).
func (e *RejectedError) Unwrap() error {
	return ErrCommandRejected
}

// IsLinkFailure reports whether err says something about the link rather than the device's
// answer. Local queue errors and a caller giving up say nothing about the link.
func IsLinkFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCommandRejected), errors.Is(err, ErrUnknownCommand):
		return false
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrSessionClosed):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
