package panel

import (
	"context"
	"sync"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/metrics"
	"github.com/rs/zerolog"
)

// View is the read-only face of the panel handed to the API, MQTT and CLI.
type View interface {
	// Snapshot returns the latest published state
	Snapshot() domain.PanelSnapshot

	// Subscribe delivers the current snapshot and then every change until ctx ends.
	// Slow subscribers only see the latest snapshot.
	Subscribe(ctx context.Context) <-chan domain.PanelSnapshot

	// AlarmHistory returns recorded alarms, newest first
	AlarmHistory() []domain.AlarmRecord
}

// Store owns a Machine and publishes its snapshots. Apply has a single caller (the
// poll loop); readers may call the View methods from any goroutine.
type Store struct {
	mu       sync.RWMutex
	machine  *Machine
	snapshot domain.PanelSnapshot
	history  []domain.AlarmRecord

	subsMu sync.Mutex
	subs   map[uint64]chan domain.PanelSnapshot
	nextID uint64

	logger zerolog.Logger
	stats  *metrics.Registry
}

// NewStore creates a store around machine.
func NewStore(machine *Machine, logger zerolog.Logger, stats *metrics.Registry) *Store {
	s := &Store{
		machine:  machine,
		snapshot: machine.Snapshot(),
		history:  machine.AlarmHistory(),
		subs:     make(map[uint64]chan domain.PanelSnapshot),
		logger:   logger.With().Str("component", "panel-store").Logger(),
		stats:    stats,
	}
	s.stats.SetHealth(string(s.snapshot.Health))
	return s
}

// Apply folds ev into the machine and publishes a new snapshot when state changed.
func (s *Store) Apply(ev Event) bool {
	s.mu.Lock()
	changed := s.machine.Apply(ev)
	if !changed {
		s.mu.Unlock()
		return false
	}
	snap := s.machine.Snapshot()
	s.snapshot = snap
	s.history = s.machine.AlarmHistory()
	s.mu.Unlock()

	s.stats.IncStateChanges()
	s.stats.SetHealth(string(snap.Health))
	s.stats.SetActiveAlarms(len(snap.ActiveAlarms))

	s.publish(snap)
	return true
}

// Snapshot returns the latest snapshot. Callers must treat it as read-only.
func (s *Store) Snapshot() domain.PanelSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// AlarmHistory returns recorded alarms, newest first.
func (s *Store) AlarmHistory() []domain.AlarmRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]domain.AlarmRecord, len(s.history))
	copy(history, s.history)
	return history
}

// Subscribe delivers the current snapshot immediately and then every change.
// The channel is closed when ctx ends.
func (s *Store) Subscribe(ctx context.Context) <-chan domain.PanelSnapshot {
	ch := make(chan domain.PanelSnapshot, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.Snapshot()
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subsMu.Unlock()
	}()

	return ch
}

// publish hands snap to every subscriber, replacing anything they have not read yet.
func (s *Store) publish(snap domain.PanelSnapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// drop the stale snapshot, then retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}
