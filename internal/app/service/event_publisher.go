package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kmetts/shrinkray/internal/app/model"
	"github.com/nats-io/nats.go"
)

// EventPublisher publishes URL lifecycle events to NATS JetStream.
type EventPublisher struct {
	js nats.JetStreamContext
}

// NewEventPublisher creates a lifecycle event publisher.
func NewEventPublisher(js nats.JetStreamContext) *EventPublisher {
	return &EventPublisher{js: js}
}

// EnsureStream creates the lifecycle stream when it does not exist.
func (p *EventPublisher) EnsureStream() error {
	_, err := p.js.StreamInfo(model.LifecycleStreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return err
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     model.LifecycleStreamName,
		Subjects: []string{model.LifecycleStreamSubject},
		MaxBytes: model.LifecycleStreamMaxBytes,
	})
	return err
}

// Publish emits a lifecycle event to the stream.
func (p *EventPublisher) Publish(eventType, shortCode string) error {
	event := model.LifecycleEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		ShortCode: shortCode,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(model.LifecycleStreamSubject, data)
	return err
}
