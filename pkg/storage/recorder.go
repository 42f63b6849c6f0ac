package storage

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/events"
	"github.com/cuemby/wasm-watchdog/pkg/log"
)

// Recorder persists lifecycle events from a broker into a Store
type Recorder struct {
	store  Store
	broker *events.Broker
	sub    events.Subscriber
	done   chan struct{}
	logger zerolog.Logger
}

// NewRecorder subscribes to broker immediately so no event published after
// this call is missed
func NewRecorder(store Store, broker *events.Broker) *Recorder {
	return &Recorder{
		store:  store,
		broker: broker,
		sub:    broker.Subscribe(),
		done:   make(chan struct{}),
		logger: log.WithComponent("storage"),
	}
}

// Start consumes events until Stop
func (r *Recorder) Start() {
	go func() {
		defer close(r.done)
		for ev := range r.sub {
			if err := r.Record(ev); err != nil {
				r.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to persist event")
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain
func (r *Recorder) Stop() {
	r.broker.Unsubscribe(r.sub)
	<-r.done
}

// Record writes one event and the record it carries
func (r *Recorder) Record(ev *events.Event) error {
	if ev.Instance != nil {
		if err := r.store.SaveInstance(ev.Instance); err != nil {
			return err
		}
	}
	if ev.Module != nil {
		if err := r.store.SaveModule(ev.Module); err != nil {
			return err
		}
	}

	rec := &EventRecord{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Message:   ev.Message,
		Metadata:  ev.Metadata,
	}
	if ev.Instance != nil {
		rec.InstanceID = ev.Instance.ID
	}
	return r.store.AppendEvent(rec)
}
