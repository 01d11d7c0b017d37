package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// RelayConfig configures the JetStream relay.
type RelayConfig struct {
	URL            string
	Stream         string
	SubjectPrefix  string
	ConnectionName string
	MaxReconnects  int
	ReconnectWait  time.Duration
	// Retry bounds for a single publish.
	RetryInitial time.Duration
	RetryMax     time.Duration
	RetryTimeout time.Duration
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Stream:         "REGISTRY_EVENTS",
		SubjectPrefix:  "registry.events",
		ConnectionName: "registryd",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		RetryInitial:   100 * time.Millisecond,
		RetryMax:       5 * time.Second,
		RetryTimeout:   30 * time.Second,
	}
}

// JetStream is the part of jetstream.JetStream the relay publishes with.
type JetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Connect dials NATS, opens JetStream and makes sure the relay stream
// exists.
func Connect(ctx context.Context, cfg RelayConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Events.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Events.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Events.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return nc, js, nil
}

// Relay republishes events to JetStream as JSON on
// <prefix>.<kind>. The event id is sent as the message id, so the stream
// deduplicates retried publishes.
type Relay struct {
	js  JetStream
	cfg RelayConfig
}

// NewRelay creates a relay publishing through js.
func NewRelay(js JetStream, cfg RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = def.RetryTimeout
	}
	return &Relay{js: js, cfg: cfg}
}

// Subject returns the subject an event of kind is published on.
func (r *Relay) Subject(kind Kind) string {
	return r.cfg.SubjectPrefix + "." + string(kind)
}

// Publish sends e, retrying with exponential backoff until it is acked,
// the retry budget runs out or ctx is cancelled.
func (r *Relay) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := r.Subject(e.Kind)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax
	b.MaxElapsedTime = r.cfg.RetryTimeout

	attempts := 0
	op := func() error {
		attempts++
		_, err := r.js.Publish(ctx, subject, data, jetstream.WithMsgID(e.ID.String()))
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Events.Warn().
			Err(err).
			Str("subject", subject).
			Int("attempt", attempts).
			Dur("next_retry_in", next).
			Msg("Event publish failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("publish %s after %d attempts: %w", subject, attempts, err)
	}
	return nil
}

// Run forwards every event from sub until ctx is done or the subscription
// closes. Failed publishes are logged and skipped.
func (r *Relay) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := r.Publish(ctx, e); err != nil {
				log.Events.Error().
					Err(err).
					Str("kind", string(e.Kind)).
					Str("event_id", e.ID.String()).
					Msg("Event relay gave up")
			}
		}
	}
}
