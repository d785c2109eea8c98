package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/codec"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/rs/zerolog"
)

// ============================================================
// Fake link
// ============================================================

// fakeLink plays the controller: respond maps each sent frame to the frames it answers with.
type fakeLink struct {
	mu         sync.Mutex
	sent       []string
	drops      int
	connectErr error

	respond func(frame string, n int) []string
	replies chan []byte

	// gate, when set, holds every reply until closed
	gate chan struct{}
}

func newFakeLink(respond func(frame string, n int) []string) *fakeLink {
	return &fakeLink{respond: respond, replies: make(chan []byte, 64)}
}

func (f *fakeLink) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeLink) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, string(frame))
	n := len(f.sent)
	f.mu.Unlock()

	if f.respond == nil {
		return nil
	}
	for _, reply := range f.respond(string(frame), n) {
		f.replies <- []byte(reply)
	}
	return nil
}

func (f *fakeLink) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-timer.C:
			return nil, domain.ErrReceiveTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case b := <-f.replies:
		return b, nil
	case <-timer.C:
		return nil, domain.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeLink) Drop(reason string) {
	f.mu.Lock()
	f.drops++
	f.mu.Unlock()
}

func (f *fakeLink) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = strings.TrimSuffix(s, "\r\n")
	}
	return out
}

// controller answers like a healthy device: status for STATUS?, OK otherwise.
func controller(frame string, _ int) []string {
	if strings.HasPrefix(frame, "STATUS?") {
		return []string{"RUN=1;MODE=AUTO;ALM=-\r\n"}
	}
	return []string{"OK\r\n"}
}

func newTestSession(t *testing.T, link Link, table *codec.Table, config SessionConfig) *Session {
	t.Helper()
	c, err := codec.New(table)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 200 * time.Millisecond
	}
	s := NewSession(link, c, config, zerolog.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================
// Request / response
// ============================================================

func TestSession_QueryStatus(t *testing.T) {
	link := newFakeLink(controller)
	s := newTestSession(t, link, nil, SessionConfig{})
	ctx := context.Background()

	resp, err := s.Execute(ctx, domain.NewCommand(domain.CommandQueryStatus), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Engine != domain.EngineRunning || resp.Mode != domain.ModeAuto {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Seq != 1 {
		t.Errorf("expected seq 1, got %d", resp.Seq)
	}

	resp, err = s.Execute(ctx, domain.NewCommand(domain.CommandQueryStatus), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Seq != 2 {
		t.Errorf("expected seq 2, got %d", resp.Seq)
	}
}

func TestSession_ControlCommandAck(t *testing.T) {
	link := newFakeLink(controller)
	s := newTestSession(t, link, nil, SessionConfig{})

	resp, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Kind != domain.ResponseAck {
		t.Errorf("expected ack, got %s", resp.Kind)
	}
	if got := link.frames(); len(got) != 1 || got[0] != "START" {
		t.Errorf("unexpected frames %v", got)
	}
}

func TestSession_Rejected(t *testing.T) {
	link := newFakeLink(func(string, int) []string { return []string{"ERR not in manual mode\r\n"} })
	s := newTestSession(t, link, nil, SessionConfig{})

	resp, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0)
	if !errors.Is(err, domain.ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected, got %v", err)
	}
	var rejected *domain.RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "not in manual mode" {
		t.Errorf("unexpected rejection %v", err)
	}
	if resp == nil || resp.Kind != domain.ResponseReject {
		t.Errorf("expected the reject response, got %+v", resp)
	}
}

func TestSession_NonIdempotentNeverRetried(t *testing.T) {
	kinds := []domain.CommandKind{
		domain.CommandStart,
		domain.CommandStop,
		domain.CommandEmergencyStop,
		domain.CommandSetAutoMode,
		domain.CommandSetManualMode,
		domain.CommandResetAlarm,
	}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			link := newFakeLink(nil)
			s := newTestSession(t, link, nil, SessionConfig{StatusRetries: 2, CommandTimeout: 20 * time.Millisecond})

			_, err := s.Execute(context.Background(), domain.NewCommand(kind), 0)
			if !errors.Is(err, domain.ErrCommandTimeout) {
				t.Fatalf("expected ErrCommandTimeout, got %v", err)
			}
			if n := len(link.frames()); n != 1 {
				t.Errorf("expected exactly one transmission, got %d", n)
			}
		})
	}
}

func TestSession_QueryStatusRetriedOnTimeout(t *testing.T) {
	link := newFakeLink(func(frame string, n int) []string {
		if n < 3 {
			return nil
		}
		return controller(frame, n)
	})
	s := newTestSession(t, link, nil, SessionConfig{StatusRetries: 2, CommandTimeout: 20 * time.Millisecond})

	resp, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandQueryStatus), 0)
	if err != nil {
		t.Fatalf("expected success on the last retry, got %v", err)
	}
	if resp.Engine != domain.EngineRunning {
		t.Errorf("unexpected response %+v", resp)
	}
	if n := len(link.frames()); n != 3 {
		t.Errorf("expected 3 transmissions, got %d", n)
	}
}

func TestSession_QueryStatusRetriedOnMalformed(t *testing.T) {
	link := newFakeLink(func(frame string, n int) []string {
		if n == 1 {
			return []string{"RUN=MAYBE\r\n"}
		}
		return controller(frame, n)
	})
	s := newTestSession(t, link, nil, SessionConfig{StatusRetries: 1})

	resp, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandQueryStatus), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Seq != 1 {
		t.Errorf("malformed frames must not consume a sequence number, got seq %d", resp.Seq)
	}
	if n := len(link.frames()); n != 2 {
		t.Errorf("expected 2 transmissions, got %d", n)
	}
}

func TestSession_ConnectErrorNotRetried(t *testing.T) {
	link := newFakeLink(controller)
	link.connectErr = domain.ErrConnect
	s := newTestSession(t, link, nil, SessionConfig{StatusRetries: 2})

	_, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandQueryStatus), 0)
	if !errors.Is(err, domain.ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if n := len(link.frames()); n != 0 {
		t.Errorf("nothing should be sent without a link, got %d frames", n)
	}
}

// ============================================================
// Ordering
// ============================================================

func TestSession_EmergencyStopJumpsQueue(t *testing.T) {
	link := newFakeLink(controller)
	link.gate = make(chan struct{})
	s := newTestSession(t, link, nil, SessionConfig{CommandTimeout: 2 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	exec := func(kind domain.CommandKind) {
		defer wg.Done()
		if _, err := s.Execute(ctx, domain.NewCommand(kind), 0); err != nil {
			t.Errorf("%s: %v", kind, err)
		}
	}

	wg.Add(1)
	go exec(domain.CommandStart)
	waitFor(t, "START in flight", func() bool { return len(link.frames()) == 1 })

	wg.Add(1)
	go exec(domain.CommandStop)
	waitFor(t, "STOP queued", func() bool { return len(s.queue) == 1 })

	wg.Add(1)
	go exec(domain.CommandEmergencyStop)
	waitFor(t, "EMERGENCY_STOP queued", func() bool { return len(s.priority) == 1 })

	close(link.gate)
	wg.Wait()

	expected := []string{"START", "EMERGENCY_STOP", "STOP"}
	got := link.frames()
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("frame %d: expected %s, got %s", i, expected[i], got[i])
		}
	}
}

func TestSession_CancelledWhileQueuedIsSkipped(t *testing.T) {
	link := newFakeLink(controller)
	link.gate = make(chan struct{})
	s := newTestSession(t, link, nil, SessionConfig{CommandTimeout: 2 * time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0)
	}()
	waitFor(t, "START in flight", func() bool { return len(link.frames()) == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, domain.NewCommand(domain.CommandStop), 0)
		errs <- err
	}()
	waitFor(t, "STOP queued", func() bool { return len(s.queue) == 1 })
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(link.gate)
	<-done

	if _, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandQueryStatus), 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, frame := range link.frames() {
		if frame == "STOP" {
			t.Errorf("cancelled STOP was sent: %v", link.frames())
		}
	}
}

// ============================================================
// Matching
// ============================================================

func TestSession_UnsolicitedStatusDuringAck(t *testing.T) {
	link := newFakeLink(func(string, int) []string {
		return []string{"RUN=1;MODE=MAN;ALM=E02\r\n", "OK\r\n"}
	})
	s := newTestSession(t, link, nil, SessionConfig{})

	resp, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Kind != domain.ResponseAck {
		t.Fatalf("expected ack, got %s", resp.Kind)
	}

	select {
	case status := <-s.Unsolicited():
		if status.Mode != domain.ModeManual || len(status.FaultCodes) != 1 {
			t.Errorf("unexpected unsolicited frame %+v", status)
		}
		if status.Seq >= resp.Seq {
			t.Errorf("unsolicited frame arrived first and must carry the lower seq (%d vs %d)", status.Seq, resp.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("unsolicited status not forwarded")
	}
}

func TestSession_CorrelationDiscardsForeignTags(t *testing.T) {
	table := codec.DefaultTable()
	table.Correlation.Enabled = true

	link := newFakeLink(func(frame string, _ int) []string {
		tag := strings.TrimPrefix(strings.Fields(frame)[0], "@")
		return []string{"@deadbeef OK\r\n", "@" + tag + " OK\r\n"}
	})
	s := newTestSession(t, link, table, SessionConfig{})

	cmd := domain.NewCommand(domain.CommandStop)
	resp, err := s.Execute(context.Background(), cmd, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.CorrelationID != s.codec.Tag(cmd.ID) {
		t.Errorf("matched the wrong reply: %q", resp.CorrelationID)
	}
}

func TestSession_ResyncAfterRepeatedTimeouts(t *testing.T) {
	link := newFakeLink(nil)
	s := newTestSession(t, link, nil, SessionConfig{CommandTimeout: 10 * time.Millisecond, ResyncAfterTimeouts: 3})

	for i := 0; i < 3; i++ {
		s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0)
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	if link.drops != 1 {
		t.Errorf("expected 1 drop after 3 timeouts, got %d", link.drops)
	}
}

// ============================================================
// Lifecycle
// ============================================================

func TestSession_ClosedSession(t *testing.T) {
	c, _ := codec.New(nil)
	s := NewSession(newFakeLink(controller), c, SessionConfig{}, zerolog.Nop(), nil)

	if _, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed before Start, got %v", err)
	}

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if _, err := s.Execute(context.Background(), domain.NewCommand(domain.CommandStart), 0); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after Stop, got %v", err)
	}
}

func TestSession_UnknownCommand(t *testing.T) {
	s := newTestSession(t, newFakeLink(controller), nil, SessionConfig{})
	_, err := s.Execute(context.Background(), domain.Command{ID: "x", Kind: "launch"}, 0)
	if !errors.Is(err, domain.ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}
