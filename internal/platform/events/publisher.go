// Package events provides a fire-and-forget NATS JetStream publisher for
// domain events. Gating decisions never depend on delivery.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Stream settings for every subject this service emits.
const (
	StreamName = "SLIDECONFIRM_EVENTS"
	streamAge  = 30 * 24 * time.Hour
)

// Subject constants for every event type.
const (
	SubjectItemViewed         = "gating.item_viewed"
	SubjectContainerCompleted = "gating.container_completed"
	SubjectProgressReset      = "gating.progress_reset"
	SubjectContainerPublished = "catalog.container_published"
	SubjectContainerDrafted   = "catalog.container_unpublished"
	SubjectContainerImported  = "catalog.container_imported"
)

var streamSubjects = []string{"gating.>", "catalog.>"}

// Event is the canonical envelope sent to every subject.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// jetStream is the subset of nats.JetStreamContext the publisher needs.
type jetStream interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// Publisher publishes events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js  jetStream
	log *zap.Logger
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub (useful in tests and without NATS).
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if js == nil {
		return &Publisher{log: log}
	}
	return &Publisher{js: js, log: log}
}

// EnsureStream creates the event stream or widens its subjects.
func EnsureStream(js nats.JetStreamContext) error {
	info, err := js.StreamInfo(StreamName)
	if err == nil {
		if hasSubjects(info.Config.Subjects) {
			return nil
		}
		cfg := info.Config
		cfg.Subjects = streamSubjects
		_, err = js.UpdateStream(&cfg)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: streamSubjects,
		Storage:  nats.FileStorage,
		MaxAge:   streamAge,
	})
	return err
}

func hasSubjects(have []string) bool {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range streamSubjects {
		if !seen[s] {
			return false
		}
	}
	return true
}

// Publish sends an event asynchronously (fire-and-forget).
// Failures are logged as warnings and never surface to the caller.
// The publisher is safe to call with a nil receiver.
func (p *Publisher) Publish(subject, userID string, props map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	ev := Event{
		EventID:    uuid.NewString(),
		EventName:  subject,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Properties: props,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("events: marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data, nats.MsgId(ev.EventID)); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
