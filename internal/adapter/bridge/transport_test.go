package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/rs/zerolog"
)

// ============================================================
// Helpers
// ============================================================

// startBridge accepts one connection and hands it to the test.
func startBridge(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return ln.Addr().String(), conns
}

func newTestTransport(t *testing.T, address string) *Transport {
	t.Helper()
	tr, err := NewTransport(TransportConfig{
		Address:        address,
		ConnectTimeout: time.Second,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func accept(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never accepted a connection")
		return nil
	}
}

// ============================================================
// Transport Tests
// ============================================================

func TestTransport_SendReceive(t *testing.T) {
	addr, conns := startBridge(t)
	tr := newTestTransport(t, addr)
	ctx := context.Background()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := accept(t, conns)

	if got := tr.Status().Status; got != domain.LinkConnected {
		t.Errorf("expected connected, got %s", got)
	}

	if err := tr.Send(ctx, []byte("STATUS?\r\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "STATUS?\r\n" {
		t.Errorf("peer got %q", buf[:n])
	}

	if _, err := peer.Write([]byte("RUN=1\r\n")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	chunk, err := tr.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(chunk) != "RUN=1\r\n" {
		t.Errorf("expected RUN=1, got %q", chunk)
	}
	if tr.Status().LastSuccess.IsZero() {
		t.Error("expected LastSuccess to be set")
	}
}

func TestTransport_ReceiveTimeoutDegrades(t *testing.T) {
	addr, conns := startBridge(t)
	tr := newTestTransport(t, addr)
	ctx := context.Background()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := accept(t, conns)

	_, err := tr.Receive(ctx, 20*time.Millisecond)
	if !errors.Is(err, domain.ErrReceiveTimeout) {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
	status := tr.Status()
	if status.Status != domain.LinkDegraded {
		t.Errorf("expected degraded, got %s", status.Status)
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 failure, got %d", status.ConsecutiveFailures)
	}

	peer.Write([]byte("OK\r\n"))
	if _, err := tr.Receive(ctx, time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	status = tr.Status()
	if status.Status != domain.LinkConnected || status.ConsecutiveFailures != 0 {
		t.Errorf("expected recovered link, got %+v", status)
	}
}

func TestTransport_PeerCloseIsConnectionLost(t *testing.T) {
	addr, conns := startBridge(t)
	tr := newTestTransport(t, addr)
	ctx := context.Background()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := accept(t, conns)
	peer.Close()

	_, err := tr.Receive(ctx, time.Second)
	if !errors.Is(err, domain.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	status := tr.Status()
	if status.Status != domain.LinkDisconnected {
		t.Errorf("expected disconnected, got %s", status.Status)
	}
	if status.NextAttempt.IsZero() {
		t.Error("expected backoff to be armed")
	}

	if err := tr.Send(ctx, []byte("START\r\n")); !errors.Is(err, domain.ErrWrite) {
		t.Errorf("expected ErrWrite on a dropped link, got %v", err)
	}
}

func TestTransport_ReceiveHonoursContext(t *testing.T) {
	addr, conns := startBridge(t)
	tr := newTestTransport(t, addr)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	accept(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Receive(ctx, 5*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Receive did not return promptly on cancellation")
	}
	if tr.Status().Status != domain.LinkConnected {
		t.Errorf("cancellation should not change link status, got %s", tr.Status().Status)
	}
}

func TestTransport_ConnectBackoff(t *testing.T) {
	tr := newTestTransport(t, "127.0.0.1:1")
	tr.config.BackoffJitter = 0

	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	dials := 0
	tr.dial = func(ctx context.Context) (link, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	ctx := context.Background()
	err := tr.Connect(ctx)
	if !errors.Is(err, domain.ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if errors.Is(err, domain.ErrBackoff) {
		t.Fatal("first failure should not report backoff")
	}

	// inside the window: fail fast without dialing
	err = tr.Connect(ctx)
	if !errors.Is(err, domain.ErrConnect) || !errors.Is(err, domain.ErrBackoff) {
		t.Fatalf("expected ErrConnect wrapping ErrBackoff, got %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected 1 dial, got %d", dials)
	}

	now = now.Add(150 * time.Millisecond)
	tr.Connect(ctx)
	if dials != 2 {
		t.Fatalf("expected a second dial after the window, got %d", dials)
	}

	// second failure doubles the window
	if wait := tr.Status().NextAttempt.Sub(now); wait != 200*time.Millisecond {
		t.Errorf("expected 200ms backoff, got %v", wait)
	}
	if tr.Status().ConsecutiveFailures != 2 {
		t.Errorf("expected 2 failures, got %d", tr.Status().ConsecutiveFailures)
	}
}

func TestTransport_DropArmsBackoff(t *testing.T) {
	addr, conns := startBridge(t)
	tr := newTestTransport(t, addr)

	var mu sync.Mutex
	var seen []domain.LinkStatus
	tr.OnStatusChange(func(c domain.Connection) {
		mu.Lock()
		seen = append(seen, c.Status)
		mu.Unlock()
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	accept(t, conns)

	tr.Drop("resync")

	status := tr.Status()
	if status.Status != domain.LinkDisconnected || status.NextAttempt.IsZero() {
		t.Errorf("unexpected status after drop: %+v", status)
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, domain.ErrBackoff) {
		t.Errorf("expected backoff after drop, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	expected := []domain.LinkStatus{domain.LinkConnecting, domain.LinkConnected, domain.LinkDisconnected}
	if len(seen) != len(expected) {
		t.Fatalf("expected transitions %v, got %v", expected, seen)
	}
	for i := range expected {
		if seen[i] != expected[i] {
			t.Errorf("transition %d: expected %s, got %s", i, expected[i], seen[i])
		}
	}
}

func TestTransport_TimeoutsDoNotStretchBackoff(t *testing.T) {
	addr, conns := startBridge(t)
	tr := newTestTransport(t, addr)
	tr.config.BackoffJitter = 0
	ctx := context.Background()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	accept(t, conns)

	for i := 0; i < 3; i++ {
		if _, err := tr.Receive(ctx, 10*time.Millisecond); !errors.Is(err, domain.ErrReceiveTimeout) {
			t.Fatalf("receive %d: expected ErrReceiveTimeout, got %v", i, err)
		}
	}
	if got := tr.Status().ConsecutiveFailures; got != 3 {
		t.Errorf("expected 3 failures before the drop, got %d", got)
	}

	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }
	tr.Drop("resync")

	// the first reconnect after a resync waits the initial delay only
	if wait := tr.Status().NextAttempt.Sub(now); wait != 100*time.Millisecond {
		t.Errorf("expected 100ms backoff after one drop, got %v", wait)
	}
	if got := tr.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("expected 1 failure after the drop, got %d", got)
	}
}

func TestTransport_ClosedRejectsConnect(t *testing.T) {
	tr := newTestTransport(t, "127.0.0.1:1")
	tr.Close()
	if err := tr.Connect(context.Background()); !errors.Is(err, domain.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestNewTransport_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config TransportConfig
	}{
		{"no address", TransportConfig{}},
		{"bad jitter", TransportConfig{Address: "127.0.0.1:8899", BackoffJitter: 1.5}},
		{"bad parity", TransportConfig{Serial: SerialConfig{Port: "/dev/ttyUSB0", Parity: "mark"}}},
		{"bad stop bits", TransportConfig{Serial: SerialConfig{Port: "/dev/ttyUSB0", StopBits: 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTransport(tt.config, zerolog.Nop(), nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// ============================================================
// Backoff Tests
// ============================================================

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		failures int
		jitter   float64
		r        float64
		expected time.Duration
	}{
		{0, 0, 0, time.Second},
		{1, 0, 0, time.Second},
		{2, 0, 0, 2 * time.Second},
		{3, 0, 0, 4 * time.Second},
		{5, 0, 0, 16 * time.Second},
		{6, 0, 0, 30 * time.Second},
		{60, 0, 0, 30 * time.Second},
		{1, 0.2, 0, 800 * time.Millisecond},
		{1, 0.2, 0.5, time.Second},
		{2, 0.2, 1, 2400 * time.Millisecond},
	}

	for _, tt := range tests {
		got := calculateBackoff(tt.failures, time.Second, 30*time.Second, tt.jitter, tt.r)
		if got != tt.expected {
			t.Errorf("calculateBackoff(%d, jitter=%v, r=%v) = %v, expected %v", tt.failures, tt.jitter, tt.r, got, tt.expected)
		}
	}
}

// ============================================================
// Probe Tests
// ============================================================

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/", "/status.shtml":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>Baud 9600</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	report := Probe(context.Background(), ProbeConfig{
		Host:     host,
		Username: "admin",
		Password: "admin",
		WebPort:  port,
		Pages:    []string{"status.shtml", "status.json"},
		Ports:    []int{port},
		Timeout:  time.Second,
	})

	if !report.Reachable {
		t.Fatal("expected converter to be reachable")
	}
	if len(report.Pages) != 2 {
		t.Fatalf("expected 2 page results, got %d", len(report.Pages))
	}
	if report.Pages[0].StatusCode != http.StatusOK || report.Pages[0].Snippet != "<html>Baud 9600</html>" {
		t.Errorf("unexpected status page result %+v", report.Pages[0])
	}
	if report.Pages[1].StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for status.json, got %d", report.Pages[1].StatusCode)
	}
	if len(report.OpenPorts) != 1 || report.OpenPorts[0] != port {
		t.Errorf("expected open port %d, got %v", port, report.OpenPorts)
	}
}
