// Package simulator is a bench stand-in for the generator controller. It speaks the
// controller side of a protocol table over TCP so the service can run without hardware.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/codec"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/rs/zerolog"
)

// Nominal values reported while the engine runs.
const (
	NominalVoltage   = 230.0
	NominalFrequency = 50.0
	NominalCurrent   = 42.0
	NominalOil       = 4.2
	AmbientTemp      = 25.0
	OperatingTemp    = 85.0
	WarmUpPerSec     = 1.5
	FuelBurnPerSec   = 0.002
)

// Codes raised by the simulator itself.
const (
	FaultEmergencyStop = "E11"
)

// Config holds simulator settings.
type Config struct {
	// Address to listen on, e.g. ":8899"
	Address string

	// ReplyDelay is added before every reply
	ReplyDelay time.Duration

	// Seed makes readings reproducible; zero seeds from the clock
	Seed int64
}

// Controller holds the simulated panel and serves it to TCP clients.
type Controller struct {
	config Config
	codec  *codec.Codec
	logger zerolog.Logger

	mu        sync.Mutex
	engine    domain.EngineState
	mode      domain.Mode
	faults    []string
	temp      float64
	fuel      float64
	hours     float64
	updatedAt time.Time
	rng       *rand.Rand
	silent    bool

	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewController creates a stopped controller in manual mode.
func NewController(config Config, c *codec.Codec, logger zerolog.Logger) *Controller {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Controller{
		config:    config,
		codec:     c,
		logger:    logger.With().Str("component", "simulator").Logger(),
		engine:    domain.EngineStopped,
		mode:      domain.ModeManual,
		temp:      AmbientTemp,
		fuel:      100,
		updatedAt: time.Now(),
		rng:       rand.New(rand.NewSource(seed)),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting clients. It returns once the listener is bound.
func (c *Controller) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.config.Address)
	if err != nil {
		return err
	}
	c.listener = ln

	c.wg.Add(1)
	go c.acceptLoop()

	c.logger.Info().Str("address", ln.Addr().String()).Msg("Simulator listening")
	return nil
}

// Addr returns the bound address.
func (c *Controller) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Close stops the listener and disconnects every client.
func (c *Controller) Close() error {
	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}

	c.mu.Lock()
	c.closed = true
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

// InjectFault raises a fault code, as if the controller had detected it.
func (c *Controller) InjectFault(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.faults {
		if existing == code {
			return
		}
	}
	c.faults = append(c.faults, code)
	if c.engine == domain.EngineRunning {
		c.engine = domain.EngineFault
	}
}

// SetSilent makes the controller swallow frames without answering, like a panel whose
// serial line behind the converter has been cut. Clients stay connected.
func (c *Controller) SetSilent(silent bool) {
	c.mu.Lock()
	c.silent = silent
	c.mu.Unlock()
	c.logger.Info().Bool("silent", silent).Msg("Simulator reply mode changed")
}

func (c *Controller) isSilent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.silent
}

// State returns the simulated engine state and mode.
func (c *Controller) State() (domain.EngineState, domain.Mode, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine, c.mode, append([]string(nil), c.faults...)
}

func (c *Controller) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warn().Err(err).Msg("Accept failed")
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *Controller) serve(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Split(splitFrames([]byte(c.codec.Table().Terminator)))

	for scanner.Scan() {
		body := scanner.Text()
		if strings.TrimSpace(body) == "" {
			continue
		}

		if c.isSilent() {
			c.logger.Debug().Str("frame", body).Msg("Silent, dropping frame")
			continue
		}

		reply := c.handle(body)
		if c.config.ReplyDelay > 0 {
			time.Sleep(c.config.ReplyDelay)
		}
		if _, err := conn.Write(reply); err != nil {
			c.logger.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

// handle applies one command frame and returns the encoded reply.
func (c *Controller) handle(body string) []byte {
	cmd, tag, err := c.codec.DecodeCommand(body)
	if err != nil {
		c.logger.Debug().Err(err).Str("frame", body).Msg("Rejected frame")
		return c.codec.EncodeReply(&domain.Response{Kind: domain.ResponseReject, Reason: "UNKNOWN", CorrelationID: tag})
	}

	resp := c.apply(cmd, time.Now())
	resp.CorrelationID = tag

	c.logger.Debug().Str("command", string(cmd.Kind)).Str("reply", string(resp.Kind)).Msg("Handled command")
	return c.codec.EncodeReply(resp)
}

// apply runs cmd against the simulated panel.
func (c *Controller) apply(cmd domain.Command, now time.Time) *domain.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(now)

	switch cmd.Kind {
	case domain.CommandQueryStatus:
		return c.statusLocked()
	case domain.CommandStart:
		if len(c.faults) > 0 {
			return reject("FAULT ACTIVE")
		}
		if c.mode != domain.ModeManual {
			return reject("NOT IN MANUAL")
		}
		c.engine = domain.EngineRunning
	case domain.CommandStop:
		if c.engine == domain.EngineRunning {
			c.engine = domain.EngineStopped
		}
	case domain.CommandSetAutoMode:
		c.mode = domain.ModeAuto
	case domain.CommandSetManualMode:
		c.mode = domain.ModeManual
	case domain.CommandResetAlarm:
		c.faults = nil
		if c.engine == domain.EngineFault {
			c.engine = domain.EngineStopped
		}
	case domain.CommandEmergencyStop:
		c.engine = domain.EngineFault
		if !contains(c.faults, FaultEmergencyStop) {
			c.faults = append(c.faults, FaultEmergencyStop)
		}
	}
	return &domain.Response{Kind: domain.ResponseAck}
}

// advance moves temperature, fuel and run hours forward to now.
func (c *Controller) advance(now time.Time) {
	elapsed := now.Sub(c.updatedAt).Seconds()
	c.updatedAt = now
	if elapsed <= 0 {
		return
	}

	if c.engine == domain.EngineRunning {
		c.temp = min(c.temp+WarmUpPerSec*elapsed, OperatingTemp)
		c.fuel = max(c.fuel-FuelBurnPerSec*elapsed, 0)
		c.hours += elapsed / 3600
		return
	}
	c.temp = max(c.temp-WarmUpPerSec*elapsed/2, AmbientTemp)
}

func (c *Controller) statusLocked() *domain.Response {
	resp := &domain.Response{
		Kind:       domain.ResponseStatus,
		Engine:     c.engine,
		Mode:       c.mode,
		FaultCodes: append([]string(nil), c.faults...),
		Readings: map[string]float64{
			"engine_temp":   round(c.temp),
			"fuel_level":    round(c.fuel),
			"runtime_hours": round(c.hours),
		},
	}

	if c.engine == domain.EngineRunning {
		for _, phase := range []string{"l1", "l2", "l3"} {
			resp.Readings["voltage_"+phase] = round(NominalVoltage + c.jitter(2))
			resp.Readings["current_"+phase] = round(NominalCurrent + c.jitter(3))
		}
		resp.Readings["frequency"] = round(NominalFrequency + c.jitter(0.1))
		resp.Readings["oil_pressure"] = round(NominalOil + c.jitter(0.2))
		resp.Readings["power_kw"] = round(3 * NominalVoltage * NominalCurrent / 1000)
	}
	return resp
}

func (c *Controller) jitter(spread float64) float64 {
	return (c.rng.Float64()*2 - 1) * spread
}

func reject(reason string) *domain.Response {
	return &domain.Response{Kind: domain.ResponseReject, Reason: reason}
}

// splitFrames is a bufio.SplitFunc for terminator-delimited frames.
func splitFrames(term []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.Index(data, term); i >= 0 {
			return i + len(term), data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func round(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
