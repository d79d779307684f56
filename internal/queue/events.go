package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/models"
)

// EventPublisher mirrors queue lifecycle transitions onto a NATS JetStream
// stream so downstream consumers (billing, notifications) can observe them.
// Publishing is best-effort: the reservation ledger stays the source of
// truth and a NATS outage never blocks dispatch.
type EventPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewEventPublisher connects to NATS and ensures the event stream exists.
func NewEventPublisher(url, stream string) (*EventPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &EventPublisher{nc: nc, js: js, stream: stream}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventPublisher) ensureStream() error {
	if info, err := p.js.StreamInfo(p.stream); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"ingest.queue.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishTaskState emits one queue lifecycle event. The message id carries
// the identity and state so JetStream deduplicates redeliveries.
func (p *EventPublisher) PublishTaskState(task *Task, state models.ReservationState) {
	event := map[string]interface{}{
		"ts":           time.Now().Unix(),
		"queue_job_id": task.ID,
		"account_id":   task.Descriptor.AccountID,
		"uid":          task.Descriptor.UID,
		"owner_email":  task.OwnerEmail,
		"job_kind":     task.Kind,
		"state":        state,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logrus.Errorf("Failed to marshal queue event: %v", err)
		return
	}

	subject := fmt.Sprintf("ingest.queue.%s", state)
	msgID := fmt.Sprintf("%d|%d|%s", task.Descriptor.AccountID, task.Descriptor.UID, state)
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		logrus.Warnf("Failed to publish queue event %s: %v", msgID, err)
	}
}

// Close closes the NATS connection.
func (p *EventPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
