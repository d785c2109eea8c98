package panel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/rs/zerolog"
)

// ============================================================
// Helpers
// ============================================================

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type frames struct {
	seq uint64
}

// status builds the next status response in sequence.
func (f *frames) status(engine domain.EngineState, mode domain.Mode, codes ...string) *domain.Response {
	f.seq++
	return &domain.Response{
		Seq:        f.seq,
		Kind:       domain.ResponseStatus,
		Engine:     engine,
		Mode:       mode,
		FaultCodes: codes,
		ReceivedAt: t0.Add(time.Duration(f.seq) * time.Second),
	}
}

func (f *frames) ack() *domain.Response {
	f.seq++
	return &domain.Response{Seq: f.seq, Kind: domain.ResponseAck, ReceivedAt: t0.Add(time.Duration(f.seq) * time.Second)}
}

func newTestMachine() *Machine {
	labels := map[string]string{"E01": "Low oil pressure"}
	return NewMachine(MachineConfig{
		AlarmLabel: func(code string) string {
			if label, ok := labels[code]; ok {
				return label
			}
			return domain.UnknownAlarmLabel(code)
		},
	}, zerolog.Nop())
}

// ============================================================
// Run status and mode
// ============================================================

func TestMachine_InitialState(t *testing.T) {
	snap := newTestMachine().Snapshot()
	if snap.RunStatus != domain.RunUnknown || snap.Mode != domain.ModeUnknown || snap.Health != domain.HealthHealthy {
		t.Errorf("unexpected initial state %+v", snap)
	}
}

func TestMachine_RunStatusDerivation(t *testing.T) {
	tests := []struct {
		name     string
		engine   domain.EngineState
		codes    []string
		expected domain.RunStatus
	}{
		{"running", domain.EngineRunning, nil, domain.RunRunning},
		{"running with alarms", domain.EngineRunning, []string{"E02"}, domain.RunRunning},
		{"stopped", domain.EngineStopped, nil, domain.RunStopped},
		{"stopped with faults", domain.EngineStopped, []string{"E05"}, domain.RunFault},
		{"fault token", domain.EngineFault, nil, domain.RunFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			f := &frames{}
			m.Apply(ResponseEvent(f.status(tt.engine, domain.ModeAuto, tt.codes...)))
			if got := m.Snapshot().RunStatus; got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestMachine_AbsentModeKeepsCurrent(t *testing.T) {
	m := newTestMachine()
	f := &frames{}

	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeManual)))
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeUnknown)))

	if got := m.Snapshot().Mode; got != domain.ModeManual {
		t.Errorf("expected manual to be kept, got %s", got)
	}
}

func TestMachine_StartIntentDoesNotFlipState(t *testing.T) {
	m := newTestMachine()
	f := &frames{}
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeAuto)))

	// the device acknowledges Start, but the following poll still says stopped
	start := domain.NewCommand(domain.CommandStart)
	m.Apply(CommandResultEvent(start, f.ack(), nil))
	if got := m.Snapshot().RunStatus; got != domain.RunStopped {
		t.Fatalf("ack alone must not change run status, got %s", got)
	}

	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeAuto)))
	snap := m.Snapshot()
	if snap.RunStatus != domain.RunStopped {
		t.Errorf("expected stopped, got %s", snap.RunStatus)
	}
	if snap.LastCommand == nil || !snap.LastCommand.Success || snap.LastCommand.Kind != domain.CommandStart {
		t.Errorf("unexpected last command %+v", snap.LastCommand)
	}
}

func TestMachine_StaleSequenceIgnored(t *testing.T) {
	m := newTestMachine()

	newer := &domain.Response{Seq: 5, Kind: domain.ResponseStatus, Engine: domain.EngineRunning, ReceivedAt: t0}
	older := &domain.Response{Seq: 4, Kind: domain.ResponseStatus, Engine: domain.EngineStopped, ReceivedAt: t0}
	same := &domain.Response{Seq: 5, Kind: domain.ResponseStatus, Engine: domain.EngineStopped, ReceivedAt: t0}

	m.Apply(ResponseEvent(newer))
	if m.Apply(ResponseEvent(older)) {
		t.Error("older response reported a change")
	}
	if m.Apply(ResponseEvent(same)) {
		t.Error("duplicate sequence reported a change")
	}
	snap := m.Snapshot()
	if snap.RunStatus != domain.RunRunning || snap.Seq != 5 {
		t.Errorf("state regressed: %+v", snap)
	}
}

func TestMachine_VersionOnlyMovesOnChange(t *testing.T) {
	m := newTestMachine()
	f := &frames{}

	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	v := m.Snapshot().Version
	if m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto))) {
		t.Error("identical status reported a change")
	}
	if m.Snapshot().Version != v {
		t.Error("version moved without a change")
	}
}

// ============================================================
// Alarms
// ============================================================

func TestMachine_AlarmLifecycle(t *testing.T) {
	m := newTestMachine()
	f := &frames{}

	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto, "E01")))
	active := m.Snapshot().ActiveAlarms
	if len(active) != 1 || active[0].Code != "E01" || active[0].Label != "Low oil pressure" {
		t.Fatalf("expected E01 active, got %+v", active)
	}

	// first absent frame: pending clear, still active
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	if len(m.Snapshot().ActiveAlarms) != 1 {
		t.Fatal("alarm cleared after a single absent frame")
	}

	// second absent frame clears it
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	if len(m.Snapshot().ActiveAlarms) != 0 {
		t.Fatal("alarm still active after two absent frames")
	}

	history := m.AlarmHistory()
	if len(history) != 1 || history[0].Active || history[0].ClearedBy != "absent" {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestMachine_AlarmReappearingWhilePendingKeepsRecord(t *testing.T) {
	m := newTestMachine()
	f := &frames{}

	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto, "E01")))
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto, "E01")))
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))

	if len(m.Snapshot().ActiveAlarms) != 1 {
		t.Error("intermittent code should stay active")
	}
	if len(m.AlarmHistory()) != 1 {
		t.Errorf("expected a single record, got %d", len(m.AlarmHistory()))
	}
}

func TestMachine_NewOccurrenceAfterClearIsNewRecord(t *testing.T) {
	m := newTestMachine()
	f := &frames{}

	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto, "E01")))
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto, "E01")))

	history := m.AlarmHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if !history[0].Active || history[1].Active {
		t.Errorf("expected newest active and oldest cleared, got %+v", history)
	}
}

func TestMachine_UnknownCodeLabel(t *testing.T) {
	m := newTestMachine()
	f := &frames{}
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeAuto, "X42")))

	active := m.Snapshot().ActiveAlarms
	if len(active) != 1 || active[0].Label != "Unknown fault X42" {
		t.Errorf("unexpected alarms %+v", active)
	}
}

func TestMachine_ResetClearsAllActive(t *testing.T) {
	m := newTestMachine()
	f := &frames{}
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeManual, "E01", "E02")))

	reset := domain.NewCommand(domain.CommandResetAlarm)
	m.Apply(CommandResultEvent(reset, f.ack(), nil))

	snap := m.Snapshot()
	if len(snap.ActiveAlarms) != 0 {
		t.Fatalf("expected no active alarms after reset, got %+v", snap.ActiveAlarms)
	}
	for _, record := range m.AlarmHistory() {
		if record.ClearedBy != "reset" {
			t.Errorf("expected cleared by reset, got %+v", record)
		}
	}
}

func TestMachine_ResetOvertakenByNewerStatus(t *testing.T) {
	m := newTestMachine()
	f := &frames{}
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeManual, "E01")))

	// the reset is acknowledged, then a poll reports E01 again before the result is folded in
	ack := f.ack()
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeManual, "E01")))

	reset := domain.NewCommand(domain.CommandResetAlarm)
	m.Apply(CommandResultEvent(reset, ack, nil))

	active := m.Snapshot().ActiveAlarms
	if len(active) != 1 || active[0].Code != "E01" {
		t.Errorf("expected E01 to stay active, got %+v", active)
	}
	if len(m.AlarmHistory()) != 1 {
		t.Errorf("expected no extra occurrence, got %+v", m.AlarmHistory())
	}
}

func TestMachine_FailedResetKeepsAlarms(t *testing.T) {
	m := newTestMachine()
	f := &frames{}
	m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeManual, "E01")))

	reset := domain.NewCommand(domain.CommandResetAlarm)
	m.Apply(CommandResultEvent(reset, nil, &domain.RejectedError{Kind: domain.CommandResetAlarm, Reason: "fault present"}))

	snap := m.Snapshot()
	if len(snap.ActiveAlarms) != 1 {
		t.Errorf("rejected reset must not clear alarms, got %+v", snap.ActiveAlarms)
	}
	if snap.Health != domain.HealthHealthy {
		t.Errorf("rejection is not a link failure, got health %s", snap.Health)
	}
	if snap.LastCommand == nil || snap.LastCommand.Success {
		t.Errorf("expected failed last command, got %+v", snap.LastCommand)
	}
}

func TestMachine_HistoryBounded(t *testing.T) {
	m := NewMachine(MachineConfig{HistorySize: 3}, zerolog.Nop())
	f := &frames{}

	for i := 0; i < 5; i++ {
		m.Apply(ResponseEvent(f.status(domain.EngineStopped, domain.ModeAuto, fmt.Sprintf("E%02d", i))))
	}
	history := m.AlarmHistory()
	if len(history) != 3 {
		t.Fatalf("expected 3 records, got %d", len(history))
	}
	if history[0].Code != "E04" || history[2].Code != "E02" {
		t.Errorf("expected newest first E04..E02, got %s..%s", history[0].Code, history[2].Code)
	}
}

// ============================================================
// Health
// ============================================================

func TestMachine_TimeoutsDegradeThenRecover(t *testing.T) {
	m := newTestMachine()
	f := &frames{}

	for i := 1; i <= 3; i++ {
		m.Apply(FailureEvent(fmt.Errorf("%w: no reply", domain.ErrCommandTimeout)))
		want := domain.HealthHealthy
		if i == 3 {
			want = domain.HealthDegraded
		}
		if got := m.Snapshot().Health; got != want {
			t.Fatalf("after %d timeouts expected %s, got %s", i, want, got)
		}
	}

	m.Apply(ResponseEvent(f.status(domain.EngineRunning, domain.ModeAuto)))
	if got := m.Snapshot().Health; got != domain.HealthHealthy {
		t.Errorf("expected healthy after a response, got %s", got)
	}
}

func TestMachine_ConnectErrorIsLost(t *testing.T) {
	m := newTestMachine()
	m.Apply(FailureEvent(fmt.Errorf("%w: refused", domain.ErrConnect)))

	snap := m.Snapshot()
	if snap.Health != domain.HealthLost {
		t.Errorf("expected lost, got %s", snap.Health)
	}
	if snap.LastError == "" {
		t.Error("expected last error to be recorded")
	}

	// a single timeout after a lost link does not soften it
	m.Apply(FailureEvent(domain.ErrCommandTimeout))
	if got := m.Snapshot().Health; got != domain.HealthLost {
		t.Errorf("expected lost to persist, got %s", got)
	}

	// reconnected but silent: the streak reaches the threshold
	m.Apply(FailureEvent(domain.ErrCommandTimeout))
	if got := m.Snapshot().Health; got != domain.HealthDegraded {
		t.Errorf("expected degraded once the link is back but silent, got %s", got)
	}
}

func TestMachine_BackoffWaitIsNotLost(t *testing.T) {
	backoff := fmt.Errorf("%w: %w (next attempt in 800ms)", domain.ErrConnect, domain.ErrBackoff)
	timeout := fmt.Errorf("%w: no reply", domain.ErrCommandTimeout)

	tests := []struct {
		name     string
		failures []error
		expected domain.Health
	}{
		{"backoff alone", []error{backoff}, domain.HealthHealthy},
		{"timeout then backoff", []error{timeout, backoff}, domain.HealthHealthy},
		{"streak through backoff", []error{timeout, backoff, backoff}, domain.HealthDegraded},
		{"streak ending in timeout", []error{timeout, backoff, timeout}, domain.HealthDegraded},
		{"dial failure then backoff", []error{fmt.Errorf("%w: refused", domain.ErrConnect), backoff}, domain.HealthLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			for _, err := range tt.failures {
				m.Apply(FailureEvent(err))
			}
			if got := m.Snapshot().Health; got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestMachine_LocalCommandErrorsKeepHealth(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"queue full", domain.ErrQueueFull},
		{"session closed", domain.ErrSessionClosed},
		{"caller cancelled", context.Canceled},
		{"caller deadline", context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			start := domain.NewCommand(domain.CommandStart)
			for i := 0; i < 5; i++ {
				m.Apply(CommandResultEvent(start, nil, tt.err))
			}

			snap := m.Snapshot()
			if snap.Health != domain.HealthHealthy {
				t.Errorf("expected healthy, got %s", snap.Health)
			}
			if snap.LastCommand == nil || snap.LastCommand.Success {
				t.Errorf("expected failed last command, got %+v", snap.LastCommand)
			}
		})
	}
}

func TestMachine_LinkEvent(t *testing.T) {
	m := newTestMachine()
	conn := domain.Connection{Address: "192.168.1.192:8899", Status: domain.LinkConnected}

	if !m.Apply(LinkEvent(conn)) {
		t.Fatal("expected link change")
	}
	if m.Apply(LinkEvent(conn)) {
		t.Error("identical link status reported a change")
	}
	if got := m.Snapshot().Link.Status; got != domain.LinkConnected {
		t.Errorf("expected connected, got %s", got)
	}
}

func TestMachine_UnknownEventCounted(t *testing.T) {
	m := newTestMachine()
	if m.Apply(Event{Kind: "firmware_update"}) {
		t.Error("unknown event reported a change")
	}
	if m.UnknownEvents() != 1 {
		t.Errorf("expected 1 unknown event, got %d", m.UnknownEvents())
	}
}

func TestMachine_SnapshotIsCopy(t *testing.T) {
	m := newTestMachine()
	f := &frames{}
	resp := f.status(domain.EngineRunning, domain.ModeAuto, "E01")
	resp.Readings = map[string]float64{"frequency": 50}
	m.Apply(ResponseEvent(resp))

	snap := m.Snapshot()
	snap.Readings["frequency"] = 0
	snap.ActiveAlarms[0].Label = "tampered"

	again := m.Snapshot()
	if again.Readings["frequency"] != 50 || again.ActiveAlarms[0].Label != "Low oil pressure" {
		t.Error("snapshot shares memory with the machine")
	}
}
