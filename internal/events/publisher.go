// Package events publishes moderation events to RabbitMQ. Publishing is
// best effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const Queue = "moderation.events"

type Kind string

const (
	UserApproved    Kind = "user.approved"
	UserBanned      Kind = "user.banned"
	UserDeleted     Kind = "user.deleted"
	PostDeleted     Kind = "post.deleted"
	PostReported    Kind = "post.reported"
	ReportDismissed Kind = "report.dismissed"
	ReportResolved  Kind = "report.resolved"
	AdminReconciled Kind = "admin.reconciled"
	NoticePublished Kind = "notice.published"
	OrphansResolved Kind = "reports.orphans_resolved"
)

// Event carries ids only; never alias, email or content.
type Event struct {
	Kind       Kind      `json:"kind"`
	ActorID    string    `json:"actorId,omitempty"`
	SubjectID  string    `json:"subjectId"`
	Count      int64     `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewPublisher returns an AMQP publisher, or a no-op one when url is empty.
func NewPublisher(url string) Publisher {
	if url == "" {
		return Nop{}
	}
	return &AMQPPublisher{url: url, queue: Queue}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// AMQPPublisher dials per publish; moderation actions are rare enough that
// a held connection is not worth its reconnect handling.
type AMQPPublisher struct {
	url   string
	queue string
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Emit publishes and logs a failure instead of returning it.
func Emit(ctx context.Context, publisher Publisher, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("kind", string(event.Kind)).Str("subject_id", event.SubjectID).Msg("events: publish failed")
	}
}
