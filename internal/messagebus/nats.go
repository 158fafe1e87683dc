// Package messagebus carries room jobs, payment confirmations, engagement
// events, and approval announcements over NATS JetStream.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agos-io/factory/internal/approval"
)

// Bus is the publishing surface workers and the gate manager use. Consumers
// subscribe on the concrete NatsMessageBus.
type Bus interface {
	PublishRoomJob(ctx context.Context, job *RoomJobMessage) error
	PublishPaymentConfirmed(ctx context.Context, msg *PaymentConfirmedMessage) error
	PublishInteractionEvent(ctx context.Context, msg *InteractionEventMessage) error
}

// NatsMessageBus implements the bus over NATS with JetStream durability.
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration.
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "FACTORY")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// NewNatsMessageBus connects and ensures the FACTORY stream exists.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "FACTORY"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}
	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[MessageBus] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy keeps
// payment confirmations replayable to multiple consumers.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{"factory.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[MessageBus] Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishRoomJob enqueues a lead for a room worker on factory.rooms.<room>.
func (mb *NatsMessageBus) PublishRoomJob(_ context.Context, job *RoomJobMessage) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return mb.publish(fmt.Sprintf("factory.rooms.%s", job.Room), job)
}

// PublishFollowUpJob announces a follow-up enqueue for the discovery room.
func (mb *NatsMessageBus) PublishFollowUpJob(ctx context.Context, leadID, reason string) error {
	return mb.PublishRoomJob(ctx, &RoomJobMessage{LeadID: leadID, Room: "discovery", Reason: reason})
}

// PublishPaymentConfirmed emits the payment event that drives
// accepted -> paid.
func (mb *NatsMessageBus) PublishPaymentConfirmed(_ context.Context, msg *PaymentConfirmedMessage) error {
	return mb.publish("factory.payments.confirmed", msg)
}

// PublishInteractionEvent emits a tracked engagement signal.
func (mb *NatsMessageBus) PublishInteractionEvent(_ context.Context, msg *InteractionEventMessage) error {
	return mb.publish(fmt.Sprintf("factory.interactions.%s", msg.Type), msg)
}

// NotifyApprovalRequested implements approval.Notifier.
func (mb *NatsMessageBus) NotifyApprovalRequested(_ context.Context, item *approval.Item) error {
	return mb.publish("factory.approvals.requested", &ApprovalEventMessage{
		ItemID:     item.ID,
		ContextRef: item.ContextRef,
		GateType:   item.GateType,
		ExpiresAt:  item.ExpiresAt,
		CreatedAt:  item.CreatedAt,
	})
}

func (mb *NatsMessageBus) publish(subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := mb.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeRoomJobs delivers jobs for one room to the handler with a durable
// consumer, at-least-once.
func (mb *NatsMessageBus) SubscribeRoomJobs(room string, handler func(*RoomJobMessage)) error {
	subject := fmt.Sprintf("factory.rooms.%s", room)
	return mb.subscribe(subject, fmt.Sprintf("rooms-%s", room), func(msg *nats.Msg) {
		var job RoomJobMessage
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal room job: %v", err)
			msg.Nak()
			return
		}
		handler(&job)
		msg.Ack()
	})
}

// SubscribePaymentConfirmations delivers payment events to the handler.
func (mb *NatsMessageBus) SubscribePaymentConfirmations(handler func(*PaymentConfirmedMessage)) error {
	return mb.subscribe("factory.payments.confirmed", "payments-confirmed", func(msg *nats.Msg) {
		var event PaymentConfirmedMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal payment event: %v", err)
			msg.Nak()
			return
		}
		handler(&event)
		msg.Ack()
	})
}

// SubscribeInteractionEvents delivers all engagement signals to the handler.
func (mb *NatsMessageBus) SubscribeInteractionEvents(handler func(*InteractionEventMessage)) error {
	return mb.subscribe("factory.interactions.*", "interactions-all", func(msg *nats.Msg) {
		var event InteractionEventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal interaction event: %v", err)
			msg.Nak()
			return
		}
		handler(&event)
		msg.Ack()
	})
}

func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	mb.subscriptions[subject] = sub
	log.Printf("[MessageBus] Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

// Unsubscribe removes a subscription.
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	sub, ok := mb.subscriptions[subject]
	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	delete(mb.subscriptions, subject)
	return nil
}

// Close drops all subscriptions and the connection.
func (mb *NatsMessageBus) Close() error {
	for subject := range mb.subscriptions {
		_ = mb.Unsubscribe(subject)
	}
	mb.conn.Close()
	log.Printf("[MessageBus] Closed NATS connection")
	return nil
}

// Health reports connection and stream status.
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}
