// Package service provides the session that talks to the controller and the poller
// that keeps the panel state fresh.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/codec"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	"github.com/rs/zerolog"
)

// Link is the byte link the session drives. *bridge.Transport implements it.
type Link interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Drop(reason string)
}

// SessionConfig holds configuration for the session.
type SessionConfig struct {
	// CommandTimeout is used when Execute is called without a timeout
	CommandTimeout time.Duration

	// StatusRetries is how often a timed out or garbled QueryStatus is resent
	StatusRetries int

	// ResyncAfterTimeouts drops the link after this many consecutive timeouts
	ResyncAfterTimeouts int

	// QueueSize bounds the number of commands waiting behind the in-flight one
	QueueSize int

	// UnsolicitedBuffer bounds status frames waiting to be folded into the panel
	UnsolicitedBuffer int
}

type request struct {
	ctx     context.Context
	cmd     domain.Command
	timeout time.Duration
	result  chan result
}

type result struct {
	resp *domain.Response
	err  error
}

// Session enforces strict request/response discipline on one Link: a single dispatcher
// goroutine sends one command and waits for its reply before sending the next.
type Session struct {
	config  SessionConfig
	link    Link
	codec   *codec.Codec
	decoder *codec.Decoder
	logger  zerolog.Logger
	stats   *metrics.Registry

	queue       chan *request
	priority    chan *request
	unsolicited chan *domain.Response

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}

	// owned by the dispatcher goroutine
	seq      uint64
	timeouts int
}

// NewSession creates a session. Nothing is sent until Start.
func NewSession(link Link, c *codec.Codec, config SessionConfig, logger zerolog.Logger, stats *metrics.Registry) *Session {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 2 * time.Second
	}
	if config.StatusRetries < 0 {
		config.StatusRetries = 0
	}
	if config.ResyncAfterTimeouts <= 0 {
		config.ResyncAfterTimeouts = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}
	if config.UnsolicitedBuffer <= 0 {
		config.UnsolicitedBuffer = 16
	}

	return &Session{
		config:      config,
		link:        link,
		codec:       c,
		decoder:     codec.NewDecoder(c.Table()),
		logger:      logger.With().Str("component", "session").Logger(),
		stats:       stats,
		queue:       make(chan *request, config.QueueSize),
		priority:    make(chan *request, config.QueueSize),
		unsolicited: make(chan *domain.Response, config.UnsolicitedBuffer),
		done:        make(chan struct{}),
	}
}

// Start launches the dispatcher.
func (s *Session) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.wg.Add(1)
	go s.dispatch()

	s.logger.Info().
		Dur("command_timeout", s.config.CommandTimeout).
		Int("status_retries", s.config.StatusRetries).
		Bool("correlated", s.codec.Correlated()).
		Msg("Session started")
	return nil
}

// Stop ends the dispatcher after the in-flight command. Queued commands fail with ErrSessionClosed.
func (s *Session) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping session")
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for session to stop")
	}
	return nil
}

// Unsolicited delivers status frames that arrived while an acknowledgement was awaited.
func (s *Session) Unsolicited() <-chan *domain.Response {
	return s.unsolicited
}

// Execute queues cmd and waits for its reply. EmergencyStop is dispatched ahead of queued
// commands. A zero timeout uses the configured default.
func (s *Session) Execute(ctx context.Context, cmd domain.Command, timeout time.Duration) (*domain.Response, error) {
	if !s.started.Load() {
		return nil, domain.ErrSessionClosed
	}
	select {
	case <-s.done:
		return nil, domain.ErrSessionClosed
	default:
	}
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, cmd.Kind)
	}
	if timeout <= 0 {
		timeout = s.config.CommandTimeout
	}

	req := &request{ctx: ctx, cmd: cmd, timeout: timeout, result: make(chan result, 1)}

	if cmd.Kind.Critical() {
		select {
		case s.priority <- req:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, domain.ErrSessionClosed
		}
	} else {
		select {
		case s.queue <- req:
		case <-s.done:
			return nil, domain.ErrSessionClosed
		default:
			return nil, domain.ErrQueueFull
		}
	}

	select {
	case res := <-req.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// the dispatcher may have answered just before exiting
		select {
		case res := <-req.result:
			return res.resp, res.err
		default:
			return nil, domain.ErrSessionClosed
		}
	}
}

// dispatch is the only goroutine that touches the link and the decoder.
func (s *Session) dispatch() {
	defer s.wg.Done()
	defer close(s.done)
	defer s.failPending()

	for {
		var req *request

		// the priority lane is always checked first
		select {
		case req = <-s.priority:
		default:
			select {
			case req = <-s.priority:
			case req = <-s.queue:
			case <-s.ctx.Done():
				return
			}
		}

		if err := req.ctx.Err(); err != nil {
			s.logger.Debug().Str("command", req.cmd.String()).Msg("Skipping command cancelled while queued")
			req.result <- result{err: err}
			continue
		}

		resp, err := s.run(req)
		req.result <- result{resp: resp, err: err}
	}
}

func (s *Session) failPending() {
	for {
		select {
		case req := <-s.priority:
			req.result <- result{err: domain.ErrSessionClosed}
		case req := <-s.queue:
			req.result <- result{err: domain.ErrSessionClosed}
		default:
			return
		}
	}
}

// run executes one command, retrying only idempotent ones.
func (s *Session) run(req *request) (*domain.Response, error) {
	start := time.Now()
	attempts := 1
	if req.cmd.Kind.Idempotent() {
		attempts += s.config.StatusRetries
	}

	var resp *domain.Response
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.stats.IncStatusRetries()
			s.logger.Debug().
				Int("attempt", attempt).
				Err(err).
				Str("command", req.cmd.String()).
				Msg("Retrying command")
		}

		resp, err = s.exchange(req)
		if err == nil || !s.retryable(err) {
			break
		}
	}

	s.stats.ObserveCommand(string(req.cmd.Kind), resultLabel(err), time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("command", req.cmd.String()).
			Dur("duration", time.Since(start)).
			Msg("Command failed")
	}
	return resp, err
}

func (s *Session) retryable(err error) bool {
	if s.ctx.Err() != nil {
		return false
	}
	return errors.Is(err, domain.ErrCommandTimeout) ||
		errors.Is(err, domain.ErrMalformedFrame) ||
		errors.Is(err, domain.ErrConnectionLost)
}

// exchange sends one frame and waits for the reply that resolves it.
func (s *Session) exchange(req *request) (*domain.Response, error) {
	ctx := s.ctx
	cmd := req.cmd

	if err := s.link.Connect(ctx); err != nil {
		return nil, err
	}

	frame, err := s.codec.Encode(cmd)
	if err != nil {
		return nil, err
	}

	// anything complete and still buffered predates this command
	s.drainBuffered()

	if err := s.link.Send(ctx, frame); err != nil {
		s.decoder.Reset()
		return nil, err
	}

	expects := s.codec.Expects(cmd.Kind)
	tag := ""
	if s.codec.Correlated() {
		tag = s.codec.Tag(cmd.ID)
	}
	deadline := time.Now().Add(req.timeout)

	for {
		resp, err := s.decoder.Next(time.Now())
		switch {
		case err == nil:
			s.stats.IncFramesDecoded()
			if resp, ok := s.match(resp, expects, tag); ok {
				s.timeouts = 0
				if resp.Kind == domain.ResponseReject {
					return resp, &domain.RejectedError{Kind: cmd.Kind, Reason: resp.Reason}
				}
				return resp, nil
			}
			continue

		case errors.Is(err, domain.ErrMalformedFrame):
			s.stats.IncFramesMalformed()
			s.logger.Warn().Err(err).Str("command", cmd.String()).Msg("Discarded malformed frame")
			if expects == domain.ResponseStatus {
				// the garbled frame was almost certainly the reply
				return nil, err
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, s.timedOut(cmd, req.timeout)
		}

		chunk, err := s.link.Receive(ctx, remaining)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrReceiveTimeout):
				continue
			case ctx.Err() != nil:
				return nil, domain.ErrSessionClosed
			default:
				s.decoder.Reset()
				return nil, err
			}
		}
		s.decoder.Feed(chunk)
	}
}

// match decides whether resp resolves the command in flight. Status frames that do not
// are forwarded as unsolicited; everything else that does not is discarded as stale.
func (s *Session) match(resp *domain.Response, expects domain.ResponseKind, tag string) (*domain.Response, bool) {
	if tag != "" && resp.CorrelationID != "" && resp.CorrelationID != tag {
		s.logger.Debug().
			Str("tag", resp.CorrelationID).
			Str("expected", tag).
			Msg("Discarding reply to an earlier command")
		return nil, false
	}

	switch resp.Kind {
	case domain.ResponseReject:
		return s.accept(resp), true
	case domain.ResponseStatus:
		if expects == domain.ResponseStatus {
			return s.accept(resp), true
		}
		s.forwardUnsolicited(resp)
		return nil, false
	default:
		if expects == domain.ResponseAck {
			return s.accept(resp), true
		}
		s.logger.Debug().Str("raw", resp.Raw).Msg("Discarding stale acknowledgement")
		return nil, false
	}
}

// accept stamps the next sequence number on resp.
func (s *Session) accept(resp *domain.Response) *domain.Response {
	s.seq++
	return resp.WithSeq(s.seq)
}

func (s *Session) forwardUnsolicited(resp *domain.Response) {
	stamped := s.accept(resp)
	select {
	case s.unsolicited <- stamped:
	default:
		s.logger.Warn().Uint64("seq", stamped.Seq).Msg("Unsolicited buffer full, dropping status frame")
	}
}

// drainBuffered consumes frames left over from earlier exchanges.
func (s *Session) drainBuffered() {
	for {
		resp, err := s.decoder.Next(time.Now())
		if errors.Is(err, codec.ErrIncomplete) {
			return
		}
		if err != nil {
			s.stats.IncFramesMalformed()
			continue
		}
		s.stats.IncFramesDecoded()
		if resp.IsStatus() {
			s.forwardUnsolicited(resp)
		}
	}
}

func (s *Session) timedOut(cmd domain.Command, timeout time.Duration) error {
	s.timeouts++
	if s.timeouts >= s.config.ResyncAfterTimeouts {
		s.logger.Warn().Int("timeouts", s.timeouts).Msg("Resynchronising link after repeated timeouts")
		s.link.Drop(fmt.Sprintf("%d consecutive timeouts", s.timeouts))
		s.decoder.Reset()
		s.timeouts = 0
	}
	return fmt.Errorf("%w: no reply to %s within %s", domain.ErrCommandTimeout, cmd.Kind, timeout)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrCommandRejected):
		return "rejected"
	case errors.Is(err, domain.ErrConnect):
		return "connect_error"
	default:
		return "error"
	}
}
