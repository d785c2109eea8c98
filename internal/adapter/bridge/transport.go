// Package bridge owns the byte link to the generator controller, either through a
// serial-to-Ethernet converter over TCP or through a directly attached serial port.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	"github.com/rs/zerolog"
)

// TransportConfig holds configuration for the bridge link.
type TransportConfig struct {
	// Address is host:port of the converter (e.g. 192.168.1.192:8899)
	Address string

	// Serial selects a directly attached port instead of TCP when Serial.Port is set
	Serial SerialConfig

	// ConnectTimeout bounds a single dial
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// ReadBufferSize is the largest chunk returned by one Receive
	ReadBufferSize int

	// InitialBackoff is the wait after the first failure
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff
	MaxBackoff time.Duration

	// BackoffJitter spreads retries by +/- this fraction of the delay
	BackoffJitter float64
}

// Transport is the single link to the controller. One Session drives Send and Receive;
// Status and Drop may be called from any goroutine.
type Transport struct {
	config TransportConfig
	dial   dialFunc
	logger zerolog.Logger
	stats  *metrics.Registry

	// dialMu serialises connect attempts so at most one socket is ever live
	dialMu sync.Mutex

	mu          sync.RWMutex
	link        link
	status      domain.LinkStatus
	failures    int // dial failures and lost links; sets the backoff exponent
	timeouts    int // receive timeouts on the live link
	lastSuccess time.Time
	nextAttempt time.Time
	closed      bool
	rng         *rand.Rand
	onChange    func(domain.Connection)

	buf []byte
	now func() time.Time
}

// NewTransport creates a transport. It does not dial; call Connect.
func NewTransport(config TransportConfig, logger zerolog.Logger, stats *metrics.Registry) (*Transport, error) {
	if config.Address == "" && config.Serial.Port == "" {
		return nil, fmt.Errorf("bridge address or serial port is required")
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 512
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffJitter < 0 || config.BackoffJitter >= 1 {
		return nil, fmt.Errorf("backoff jitter must be in [0, 1), got %v", config.BackoffJitter)
	}

	t := &Transport{
		config: config,
		logger: logger.With().Str("component", "bridge-transport").Str("address", config.address()).Logger(),
		stats:  stats,
		status: domain.LinkDisconnected,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		buf:    make([]byte, config.ReadBufferSize),
		now:    time.Now,
	}
	if config.Serial.Port != "" {
		if _, err := config.Serial.mode(); err != nil {
			return nil, err
		}
		t.dial = dialSerial(config.Serial)
	} else {
		t.dial = dialTCP(config.Address)
	}

	return t, nil
}

func (c TransportConfig) address() string {
	if c.Serial.Port != "" {
		return c.Serial.Port
	}
	return c.Address
}

// OnStatusChange registers fn to be called after every link status change.
// fn runs on the goroutine that caused the change and must not block.
func (t *Transport) OnStatusChange(fn func(domain.Connection)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Connect establishes the link if it is not already live.
func (t *Transport) Connect(ctx context.Context) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrTransportClosed
	}
	if t.link != nil {
		t.mu.Unlock()
		return nil
	}
	if wait := t.nextAttempt.Sub(t.now()); wait > 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w (next attempt in %s)", domain.ErrConnect, domain.ErrBackoff, wait.Round(time.Millisecond))
	}
	t.setStatusLocked(domain.LinkConnecting)
	t.mu.Unlock()
	t.notify()

	t.stats.IncConnectAttempts()
	t.logger.Debug().Msg("Connecting to bridge")

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	l, err := t.dial(dialCtx)
	cancel()

	t.mu.Lock()
	if err == nil && t.closed {
		l.Close()
		err = domain.ErrTransportClosed
	}
	if err != nil {
		t.failures++
		delay := t.armBackoffLocked()
		t.setStatusLocked(domain.LinkDisconnected)
		failures := t.failures
		t.mu.Unlock()
		t.notify()

		t.stats.IncConnectFailures()
		t.logger.Warn().
			Err(err).
			Int("failures", failures).
			Dur("backoff", delay).
			Msg("Failed to connect to bridge")
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}

	t.link = l
	t.nextAttempt = time.Time{}
	t.setStatusLocked(domain.LinkConnected)
	t.mu.Unlock()
	t.notify()

	t.logger.Info().Msg("Connected to bridge")
	return nil
}

// Send writes one complete frame. It never retries; a write failure drops the link.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.RLock()
	l := t.link
	t.mu.RUnlock()

	if l == nil {
		return fmt.Errorf("%w: not connected", domain.ErrWrite)
	}

	if err := l.write(ctx, frame, t.config.WriteTimeout); err != nil {
		// a partially written frame leaves the peer unsynchronised, so the link goes too
		t.lose(l, err)
		return fmt.Errorf("%w: %v", domain.ErrWrite, err)
	}
	return nil
}

// Receive returns the next chunk of inbound bytes, waiting at most timeout.
// The returned slice is owned by the caller.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t.mu.RLock()
	l := t.link
	t.mu.RUnlock()

	if l == nil {
		return nil, fmt.Errorf("%w: not connected", domain.ErrConnectionLost)
	}

	n, err := l.read(ctx, t.buf, timeout)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, t.buf[:n])
		t.markSuccess()
		// data that arrived with an error is still delivered; the error surfaces next call
		return chunk, nil
	}

	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: empty read", domain.ErrReceiveTimeout)

	case errors.Is(err, errReadTimeout):
		t.markTimeout()
		return nil, domain.ErrReceiveTimeout

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err

	default:
		t.lose(l, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionLost, err)
	}
}

// Drop closes the live link and arms the backoff. Used to resync after repeated timeouts.
func (t *Transport) Drop(reason string) {
	t.mu.Lock()
	l := t.link
	if l == nil {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.failures++
	t.timeouts = 0
	delay := t.armBackoffLocked()
	t.setStatusLocked(domain.LinkDisconnected)
	t.mu.Unlock()

	l.Close()
	t.notify()

	t.logger.Warn().Str("reason", reason).Dur("backoff", delay).Msg("Dropped bridge link")
}

// Close shuts the transport down permanently.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	l := t.link
	t.link = nil
	changed := t.setStatusLocked(domain.LinkDisconnected)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

// Status returns a copy of the connection state.
func (t *Transport) Status() domain.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectionLocked()
}

// lose handles an unexpected link failure. It is a no-op when l was already replaced.
func (t *Transport) lose(l link, cause error) {
	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.failures++
	t.timeouts = 0
	delay := t.armBackoffLocked()
	t.setStatusLocked(domain.LinkDisconnected)
	t.mu.Unlock()

	l.Close()
	t.notify()

	t.stats.IncConnectionLost()
	t.logger.Warn().Err(cause).Dur("backoff", delay).Msg("Bridge connection lost")
}

func (t *Transport) markSuccess() {
	t.mu.Lock()
	t.lastSuccess = t.now()
	t.failures = 0
	t.timeouts = 0
	changed := t.status == domain.LinkDegraded && t.setStatusLocked(domain.LinkConnected)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

func (t *Transport) markTimeout() {
	t.mu.Lock()
	t.timeouts++
	changed := t.status == domain.LinkConnected && t.setStatusLocked(domain.LinkDegraded)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// setStatusLocked updates the status and reports whether it changed.
func (t *Transport) setStatusLocked(status domain.LinkStatus) bool {
	if t.status == status {
		return false
	}
	t.status = status
	return true
}

// notify publishes the current status to metrics and the change callback.
func (t *Transport) notify() {
	t.mu.RLock()
	conn := t.connectionLocked()
	fn := t.onChange
	t.mu.RUnlock()

	t.stats.SetLinkStatus(string(conn.Status))
	if fn != nil {
		fn(conn)
	}
}

func (t *Transport) connectionLocked() domain.Connection {
	return domain.Connection{
		Address:             t.config.address(),
		Status:              t.status,
		ConsecutiveFailures: t.failures + t.timeouts,
		LastSuccess:         t.lastSuccess,
		NextAttempt:         t.nextAttempt,
	}
}

// armBackoffLocked schedules the next permitted dial and returns the delay.
func (t *Transport) armBackoffLocked() time.Duration {
	delay := calculateBackoff(t.failures, t.config.InitialBackoff, t.config.MaxBackoff, t.config.BackoffJitter, t.rng.Float64())
	t.nextAttempt = t.now().Add(delay)
	return delay
}

// calculateBackoff returns initial * 2^(failures-1) capped at maxDelay, scaled by a jitter
// factor in [1-jitter, 1+jitter] chosen by r in [0, 1).
func calculateBackoff(failures int, initial, maxDelay time.Duration, jitter, r float64) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := initial
	for i := 1; i < failures && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if jitter > 0 {
		factor := 1 + jitter*(2*r-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
