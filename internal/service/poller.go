package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/panel"
	"github.com/rs/zerolog"
)

// Executor runs commands against the controller. *Session implements it.
type Executor interface {
	Execute(ctx context.Context, cmd domain.Command, timeout time.Duration) (*domain.Response, error)
	Unsolicited() <-chan *domain.Response
}

// StateWriter receives panel events. *panel.Store implements it.
type StateWriter interface {
	Apply(ev panel.Event) bool
}

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	// Interval between QueryStatus polls
	Interval time.Duration

	// StatusTimeout bounds one poll; zero uses the session default
	StatusTimeout time.Duration

	// EventBuffer bounds command outcomes waiting to be applied
	EventBuffer int
}

// PollerStats tracks polling statistics.
type PollerStats struct {
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	FailedPolls  atomic.Uint64
	Commands     atomic.Uint64
}

// Poller issues QueryStatus on a fixed interval and is the only writer of panel state.
// Operator commands go through Submit and share the session's FIFO with the polls.
type Poller struct {
	config   PollerConfig
	executor Executor
	state    StateWriter
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stats    *PollerStats

	events chan panel.Event

	linkMu      sync.Mutex
	link        domain.Connection
	linkChanged chan struct{}

	started       atomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	failureStreak int
}

// NewPoller creates a poller.
func NewPoller(executor Executor, state StateWriter, config PollerConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Poller {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 32
	}

	return &Poller{
		config:      config,
		executor:    executor,
		state:       state,
		logger:      logger.With().Str("component", "poller").Logger(),
		metrics:     metricsReg,
		stats:       &PollerStats{},
		events:      make(chan panel.Event, config.EventBuffer),
		linkChanged: make(chan struct{}, 1),
	}
}

// Start begins polling. The first poll is issued immediately.
func (p *Poller) Start(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started.Store(true)

	p.logger.Info().Dur("interval", p.config.Interval).Msg("Starting poller")

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop ends the poll loop. An in-flight poll finishes first.
func (p *Poller) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}

	p.logger.Info().Msg("Stopping poller")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Poller stopped")
	case <-ctx.Done():
		p.logger.Warn().Msg("Timeout waiting for poller to stop")
	}

	p.started.Store(false)
	return nil
}

// Submit executes an operator command and hands its outcome to the poll loop.
// It blocks the caller, not the poll loop, until the controller answers.
func (p *Poller) Submit(ctx context.Context, cmd domain.Command) (*domain.Response, error) {
	if !p.started.Load() {
		return nil, domain.ErrSessionClosed
	}
	p.stats.Commands.Add(1)

	p.logger.Info().Str("command", cmd.String()).Msg("Submitting operator command")
	resp, err := p.executor.Execute(ctx, cmd, 0)

	select {
	case p.events <- panel.CommandResultEvent(cmd, resp, err):
	case <-p.ctx.Done():
	}
	return resp, err
}

// NotifyLink records a transport status change. It never blocks, so it is safe as a
// transport callback; only the latest status is applied.
func (p *Poller) NotifyLink(conn domain.Connection) {
	p.linkMu.Lock()
	p.link = conn
	p.linkMu.Unlock()

	select {
	case p.linkChanged <- struct{}{}:
	default:
	}
}

// Stats returns the poller statistics.
func (p *Poller) Stats() *PollerStats {
	return p.stats
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Initial poll
	p.drainEvents()
	p.poll()

	unsolicited := p.executor.Unsolicited()
	for {
		select {
		case <-p.ctx.Done():
			p.drainEvents()
			return
		case <-ticker.C:
			// outcomes that completed before this tick are applied first
			p.drainEvents()
			p.poll()
		case ev := <-p.events:
			p.state.Apply(ev)
		case resp := <-unsolicited:
			p.state.Apply(panel.ResponseEvent(resp))
		case <-p.linkChanged:
			p.linkMu.Lock()
			conn := p.link
			p.linkMu.Unlock()
			p.state.Apply(panel.LinkEvent(conn))
		}
	}
}

func (p *Poller) drainEvents() {
	for {
		select {
		case ev := <-p.events:
			p.state.Apply(ev)
		default:
			return
		}
	}
}

// poll performs a single QueryStatus cycle.
func (p *Poller) poll() {
	p.stats.TotalPolls.Add(1)
	startTime := time.Now()

	resp, err := p.executor.Execute(p.ctx, domain.NewCommand(domain.CommandQueryStatus), p.config.StatusTimeout)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.stats.FailedPolls.Add(1)
		p.metrics.IncPollCycles("failure")
		p.failureStreak++

		p.logger.Warn().
			Err(err).
			Int("failure_streak", p.failureStreak).
			Msg("Status poll failed")

		p.state.Apply(panel.FailureEvent(err))
		return
	}

	if p.failureStreak > 0 {
		p.logger.Info().Int("failures", p.failureStreak).Msg("Status poll recovered")
	}
	p.failureStreak = 0
	p.stats.SuccessPolls.Add(1)
	p.metrics.IncPollCycles("success")

	p.state.Apply(panel.ResponseEvent(resp))

	p.logger.Debug().
		Uint64("seq", resp.Seq).
		Str("engine", string(resp.Engine)).
		Dur("duration", time.Since(startTime)).
		Msg("Poll cycle completed")
}
