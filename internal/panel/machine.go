// Package panel holds the operator-facing state of the generator panel.
// A Machine folds link events into state; a Store publishes the result to observers.
package panel

import (
	"errors"
	"sort"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/rs/zerolog"
)

const (
	clearedByAbsent = "absent"
	clearedByReset  = "reset"
)

// MachineConfig holds the tunables of the state machine.
type MachineConfig struct {
	// ClearAfter is how many consecutive status frames must omit a code before it clears
	ClearAfter int

	// DegradedAfter is the failure streak that turns health Degraded
	DegradedAfter int

	// HistorySize bounds the alarm history
	HistorySize int

	// AlarmLabel maps a fault code to operator text
	AlarmLabel func(code string) string
}

// activeAlarm is an alarm record still reported by the device (or pending clear).
type activeAlarm struct {
	record *domain.AlarmRecord
	misses int
}

// Machine is the panel state transition function. It is not safe for concurrent use;
// the Store serialises access to it.
type Machine struct {
	config MachineConfig
	logger zerolog.Logger

	runStatus   domain.RunStatus
	mode        domain.Mode
	health      domain.Health
	link        domain.Connection
	readings    map[string]float64
	lastSeq     uint64
	lastCommand *domain.CommandOutcome
	lastError   string
	lastUpdated time.Time
	version     uint64

	failureStreak int
	active        map[string]*activeAlarm
	history       []*domain.AlarmRecord

	unknownEvents uint64
}

// NewMachine creates a machine in the initial state: Unknown run status and mode, Healthy.
func NewMachine(config MachineConfig, logger zerolog.Logger) *Machine {
	if config.ClearAfter <= 0 {
		config.ClearAfter = 2
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = 3
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if config.AlarmLabel == nil {
		config.AlarmLabel = domain.UnknownAlarmLabel
	}

	return &Machine{
		config:    config,
		logger:    logger.With().Str("component", "panel-state").Logger(),
		runStatus: domain.RunUnknown,
		mode:      domain.ModeUnknown,
		health:    domain.HealthHealthy,
		link:      domain.Connection{Status: domain.LinkDisconnected},
		active:    make(map[string]*activeAlarm),
	}
}

// Apply folds one event into the state and reports whether anything changed.
// It accepts every event; kinds it does not know are counted and ignored.
func (m *Machine) Apply(ev Event) bool {
	var changed bool

	switch ev.Kind {
	case EventResponse:
		changed = m.applyResponse(ev.Response)

	case EventCommandResult:
		changed = m.applyCommandResult(ev)

	case EventFailure:
		changed = m.applyFailure(ev.Err)

	case EventLink:
		if m.link != ev.Link {
			m.link = ev.Link
			changed = true
		}

	default:
		m.unknownEvents++
		m.logger.Warn().
			Str("kind", string(ev.Kind)).
			Uint64("unknown_events", m.unknownEvents).
			Msg("Ignoring unknown panel event")
		return false
	}

	if changed {
		m.version++
		m.lastUpdated = ev.At
	}
	return changed
}

func (m *Machine) applyResponse(resp *domain.Response) bool {
	if resp == nil {
		return false
	}
	if m.lastSeq > 0 && resp.Seq <= m.lastSeq {
		m.logger.Debug().
			Uint64("seq", resp.Seq).
			Uint64("last_seq", m.lastSeq).
			Msg("Ignoring stale response")
		return false
	}
	m.lastSeq = resp.Seq

	// any decoded frame proves the link works
	changed := m.setHealth(domain.HealthHealthy)
	m.failureStreak = 0

	if !resp.IsStatus() {
		return changed
	}

	if run, ok := m.deriveRunStatus(resp); ok && run != m.runStatus {
		m.logger.Info().
			Str("from", string(m.runStatus)).
			Str("to", string(run)).
			Msg("Run status changed")
		m.runStatus = run
		changed = true
	}

	if resp.Mode != domain.ModeUnknown && resp.Mode != m.mode {
		m.logger.Info().
			Str("from", string(m.mode)).
			Str("to", string(resp.Mode)).
			Msg("Mode changed")
		m.mode = resp.Mode
		changed = true
	}

	if len(resp.Readings) > 0 && !equalReadings(m.readings, resp.Readings) {
		m.readings = make(map[string]float64, len(resp.Readings))
		for name, v := range resp.Readings {
			m.readings[name] = v
		}
		changed = true
	}

	if m.updateAlarms(resp.FaultCodes, receivedAt(resp)) {
		changed = true
	}
	return changed
}

// deriveRunStatus maps the decoded run field; ok is false when the frame carries none.
func (m *Machine) deriveRunStatus(resp *domain.Response) (domain.RunStatus, bool) {
	switch resp.Engine {
	case domain.EngineRunning:
		return domain.RunRunning, true
	case domain.EngineFault:
		return domain.RunFault, true
	case domain.EngineStopped:
		if len(resp.FaultCodes) > 0 {
			return domain.RunFault, true
		}
		return domain.RunStopped, true
	}
	return m.runStatus, false
}

func (m *Machine) applyCommandResult(ev Event) bool {
	outcome := &domain.CommandOutcome{
		CommandID: ev.Command.ID,
		Kind:      ev.Command.Kind,
		Success:   ev.Err == nil,
		At:        ev.At,
	}
	if ev.Err != nil {
		outcome.Error = ev.Err.Error()
	}
	m.lastCommand = outcome
	changed := true

	if ev.Err != nil {
		m.lastError = ev.Err.Error()
		if domain.IsLinkFailure(ev.Err) {
			m.applyFailure(ev.Err)
		} else {
			// a NACK still proves the link works; local errors carry no response
			m.applyResponse(ev.Response)
		}
		return changed
	}

	fresh := ev.Response != nil && ev.Response.Seq > m.lastSeq

	// intent alone never moves run status or mode; only the reply does
	m.applyResponse(ev.Response)

	if ev.Command.Kind == domain.CommandResetAlarm {
		if fresh {
			m.resetAlarms(ev.At)
		} else {
			// a newer status frame already reported the device's alarm set
			m.logger.Debug().Str("command_id", ev.Command.ID).Msg("Ignoring reset acknowledged before a newer status frame")
		}
	}
	return changed
}

func (m *Machine) applyFailure(err error) bool {
	if err == nil {
		return false
	}
	changed := false
	if msg := err.Error(); msg != m.lastError {
		m.lastError = msg
		changed = true
	}
	m.failureStreak++

	switch {
	case errors.Is(err, domain.ErrBackoff):
		// waiting out a reconnect window says nothing new about reachability
		if m.health == domain.HealthHealthy && m.failureStreak >= m.config.DegradedAfter {
			changed = m.setHealth(domain.HealthDegraded) || changed
		}
	case errors.Is(err, domain.ErrConnect):
		changed = m.setHealth(domain.HealthLost) || changed
	case m.failureStreak >= m.config.DegradedAfter:
		// the link is up again but the controller is not answering
		changed = m.setHealth(domain.HealthDegraded) || changed
	}
	return changed
}

func (m *Machine) setHealth(h domain.Health) bool {
	if m.health == h {
		return false
	}
	m.logger.Info().
		Str("from", string(m.health)).
		Str("to", string(h)).
		Int("failure_streak", m.failureStreak).
		Msg("Panel health changed")
	m.health = h
	return true
}

// updateAlarms reconciles active records with the codes in one fresh status frame.
func (m *Machine) updateAlarms(codes []string, at time.Time) bool {
	changed := false
	present := make(map[string]bool, len(codes))

	for _, code := range codes {
		present[code] = true
		if a, ok := m.active[code]; ok {
			a.record.LastSeen = at
			a.misses = 0
			continue
		}

		record := &domain.AlarmRecord{
			Code:      code,
			Label:     m.config.AlarmLabel(code),
			FirstSeen: at,
			LastSeen:  at,
			Active:    true,
		}
		m.active[code] = &activeAlarm{record: record}
		m.appendHistory(record)
		changed = true

		m.logger.Warn().Str("code", code).Str("label", record.Label).Msg("Alarm raised")
	}

	for code, a := range m.active {
		if present[code] {
			continue
		}
		a.misses++
		if a.misses >= m.config.ClearAfter {
			m.clearAlarm(code, a, at, clearedByAbsent)
			changed = true
		}
	}
	return changed
}

func (m *Machine) resetAlarms(at time.Time) {
	for code, a := range m.active {
		m.clearAlarm(code, a, at, clearedByReset)
	}
}

func (m *Machine) clearAlarm(code string, a *activeAlarm, at time.Time, by string) {
	a.record.Active = false
	a.record.ClearedAt = at
	a.record.ClearedBy = by
	delete(m.active, code)

	m.logger.Info().Str("code", code).Str("cleared_by", by).Msg("Alarm cleared")
}

func (m *Machine) appendHistory(record *domain.AlarmRecord) {
	m.history = append(m.history, record)
	if over := len(m.history) - m.config.HistorySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
}

// Snapshot returns a deep copy of the current state.
func (m *Machine) Snapshot() domain.PanelSnapshot {
	snap := domain.PanelSnapshot{
		Version:      m.version,
		Seq:          m.lastSeq,
		RunStatus:    m.runStatus,
		Mode:         m.mode,
		ActiveAlarms: m.ActiveAlarms(),
		Health:       m.health,
		Link:         m.link,
		LastError:    m.lastError,
		LastUpdated:  m.lastUpdated,
	}
	if m.readings != nil {
		snap.Readings = make(map[string]float64, len(m.readings))
		for name, v := range m.readings {
			snap.Readings[name] = v
		}
	}
	if m.lastCommand != nil {
		outcome := *m.lastCommand
		snap.LastCommand = &outcome
	}
	return snap
}

// ActiveAlarms returns copies of the active records, oldest first.
func (m *Machine) ActiveAlarms() []domain.AlarmRecord {
	alarms := make([]domain.AlarmRecord, 0, len(m.active))
	for _, a := range m.active {
		alarms = append(alarms, *a.record)
	}
	sort.Slice(alarms, func(i, j int) bool {
		if alarms[i].FirstSeen.Equal(alarms[j].FirstSeen) {
			return alarms[i].Code < alarms[j].Code
		}
		return alarms[i].FirstSeen.Before(alarms[j].FirstSeen)
	})
	return alarms
}

// AlarmHistory returns copies of the recorded alarms, newest first.
func (m *Machine) AlarmHistory() []domain.AlarmRecord {
	history := make([]domain.AlarmRecord, len(m.history))
	for i, record := range m.history {
		history[len(m.history)-1-i] = *record
	}
	return history
}

// UnknownEvents returns how many events of unknown kind were ignored.
func (m *Machine) UnknownEvents() uint64 {
	return m.unknownEvents
}

func equalReadings(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for name, v := range a {
		if w, ok := b[name]; !ok || w != v {
			return false
		}
	}
	return true
}
