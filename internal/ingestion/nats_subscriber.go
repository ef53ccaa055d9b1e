package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes inbound deposit messages from JetStream and hands
// them to the intake loop over rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message. The handler must call exactly
// one of AckFunc or NakFunc.
type RawEvent struct {
	Subject   string
	Kind      MessageKind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed; do not redeliver
	NakFunc   func() // transient failure; redeliver
}

// SubjectConfig binds a subject filter to a message kind and durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         MessageKind
	ConsumerName string
	StreamName   string
}

const (
	StreamInbound       = "DEPOSIT_INBOUND"
	StreamEvents        = "DEPOSIT_EVENTS"
	StreamInstructions  = "LEDGER_INSTRUCTIONS"
	StreamNotifications = "DEPOSIT_NOTIFICATIONS"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "deposits.watcher.confirmations.>", Kind: KindConfirmation, ConsumerName: "intake-confirmations", StreamName: StreamInbound},
		{Subject: "deposits.review.>", Kind: KindReview, ConsumerName: "intake-review", StreamName: StreamInbound},
		{Subject: "deposits.triggers.complete.>", Kind: KindCompletion, ConsumerName: "intake-complete", StreamName: StreamInbound},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound and outbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:     StreamInbound,
			Subjects: []string{"deposits.watcher.>", "deposits.review.>", "deposits.triggers.>"},
		},
		{
			Name:     StreamEvents,
			Subjects: []string{"deposits.events.>"},
		},
		{
			Name:     StreamInstructions,
			Subjects: []string{"ledger.instructions.>"},
			// Instructions must survive until the ledger has taken them.
			MaxAge: 7 * 24 * time.Hour,
		},
		{
			Name:     StreamNotifications,
			Subjects: []string{"notifications.deposits.>"},
		},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.Replicas = 1
		if cfg.MaxAge == 0 {
			cfg.MaxAge = 72 * time.Hour
		}
		// Publishers set Nats-Msg-Id to the event id; redelivery by the
		// outbox relay inside this window is dropped by the server.
		cfg.Duplicates = 10 * time.Minute

		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("deposit-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
