package nats

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/resilience"
)

const (
	feedbackQueueGroup = "feedback-writers"
	syncQueueGroup     = "sync-workers"
)

// InvalidationEvent tells every API replica to drop one domain's cached
// result sets.
type InvalidationEvent struct {
	Domain     domain.Domain `json:"domain"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// FeedbackPublisher hands votes to the worker.
type FeedbackPublisher struct {
	bus     *Bus
	subject string
}

func NewFeedbackPublisher(bus *Bus, subject string) *FeedbackPublisher {
	return &FeedbackPublisher{bus: bus, subject: subject}
}

func (p *FeedbackPublisher) PublishVote(ctx context.Context, record domain.FeedbackRecord) error {
	return publishJSON(ctx, p.bus, p.subject, record)
}

// Invalidator broadcasts domain invalidations after a document sync.
type Invalidator struct {
	bus     *Bus
	subject string
	now     func() time.Time
}

func NewInvalidator(bus *Bus, subject string) *Invalidator {
	return &Invalidator{bus: bus, subject: subject, now: time.Now}
}

func (i *Invalidator) InvalidateDomain(ctx context.Context, d domain.Domain) error {
	return publishJSON(ctx, i.bus, i.subject, InvalidationEvent{
		Domain:     d,
		Reason:     "document_sync",
		OccurredAt: i.now().UTC(),
	})
}

// SubscribeVotes load-balances votes across worker replicas.
func (b *Bus) SubscribeVotes(ctx context.Context, subject string, handler func(context.Context, domain.FeedbackRecord) error) error {
	return subscribeJSON(ctx, b, subject, feedbackQueueGroup, handler)
}

// SubscribeDocuments load-balances document sync events across workers.
func (b *Bus) SubscribeDocuments(ctx context.Context, subject string, handler func(context.Context, domain.Document) error) error {
	return subscribeJSON(ctx, b, subject, syncQueueGroup, handler)
}

// SubscribeInvalidations delivers every invalidation to this process.
func (b *Bus) SubscribeInvalidations(ctx context.Context, subject string, handler func(context.Context, InvalidationEvent) error) error {
	return subscribeJSON(ctx, b, subject, "", handler)
}

func classifyNATSError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	if errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionReconnecting) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	return resilience.ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
