// Package outbound publishes committed ledger mutations to NATS JetStream
// for downstream consumers (reporting, notifications). Publishing is best
// effort and happens after commit; a failed publish never unwinds a
// settlement, consumers can always re-derive from the ledger.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"BrokerLedger/internal/core"
	"BrokerLedger/internal/observability"
)

const streamName = "BROKER_LEDGER_EVENTS"

// Publisher drains the engine's event channel into JetStream subjects
// broker.ledger.events.{kind}.
type Publisher struct {
	js      jetstream.JetStream
	events  <-chan core.Event
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, events <-chan core.Event, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		events:  events,
		metrics: metrics,
		log:     observability.NewLogger("outbound"),
	}
}

// Run drains the event channel until ctx is done or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, ev); err != nil {
				p.log.Warn().
					Str("kind", ev.Kind).
					Str("account_id", ev.AccountID.String()).
					Err(err).
					Msg("outbound publish failed")
				continue
			}
			p.metrics.EventsPublished.WithLabelValues(ev.Kind).Inc()
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("broker.ledger.events.%s", ev.Kind)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"broker.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
