package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/panel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Broker is the part of Client used by the publisher and the command handler.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string)
}

// Topics are the MQTT topics derived from one prefix.
type Topics struct {
	State    string
	Alarms   string
	Command  string
	Response string
}

// NewTopics derives the topic set from prefix, e.g. "genpanel" -> "genpanel/state".
func NewTopics(prefix string) Topics {
	return Topics{
		State:    prefix + "/state",
		Alarms:   prefix + "/alarms",
		Command:  prefix + "/cmd",
		Response: prefix + "/cmd/response",
	}
}

// AlarmsMessage is the payload published on the alarms topic.
type AlarmsMessage struct {
	Active    []domain.AlarmRecord `json:"active"`
	History   []domain.AlarmRecord `json:"history"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatePublisher mirrors panel snapshots to retained MQTT topics.
type StatePublisher struct {
	broker Broker
	view   panel.View
	topics Topics
	logger zerolog.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// last published alarm set, owned by the publish goroutine
	lastAlarms string
}

// NewStatePublisher creates a publisher for view.
func NewStatePublisher(broker Broker, view panel.View, topics Topics, logger zerolog.Logger) *StatePublisher {
	return &StatePublisher{
		broker: broker,
		view:   view,
		topics: topics,
		logger: logger.With().Str("component", "mqtt-state-publisher").Logger(),
	}
}

// Start publishes the current snapshot and every change after it.
func (p *StatePublisher) Start(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started.Store(true)

	snapshots := p.view.Subscribe(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for snap := range snapshots {
			p.publish(snap)
		}
	}()

	p.logger.Info().Str("topic", p.topics.State).Msg("State publisher started")
	return nil
}

// Stop ends publishing.
func (p *StatePublisher) Stop() {
	if !p.started.Load() {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started.Store(false)
}

func (p *StatePublisher) publish(snap domain.PanelSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}
	if err := p.broker.Publish(p.topics.State, payload, true); err != nil {
		p.logger.Warn().Err(err).Uint64("version", snap.Version).Msg("Failed to publish snapshot")
	}

	key := alarmKey(snap.ActiveAlarms)
	if key == p.lastAlarms {
		return
	}

	payload, err = json.Marshal(AlarmsMessage{
		Active:    snap.ActiveAlarms,
		History:   p.view.AlarmHistory(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal alarms")
		return
	}
	if err := p.broker.Publish(p.topics.Alarms, payload, true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish alarms")
		return
	}
	p.lastAlarms = key
}

// alarmKey identifies an active alarm set; a re-raised code has a new FirstSeen.
func alarmKey(alarms []domain.AlarmRecord) string {
	key := "-"
	for _, a := range alarms {
		key += a.Code + "@" + a.FirstSeen.Format(time.RFC3339Nano) + ";"
	}
	return key
}
