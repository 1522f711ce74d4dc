package nats

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

func startTestBus(t *testing.T) *Bus {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("start nats server: %v", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	bus := NewFromConn(conn, nil)
	t.Cleanup(func() {
		bus.Close()
		srv.Shutdown()
	})
	return bus
}

// runSubscriber starts a blocking subscription and waits until it is
// registered on the server.
func runSubscriber(t *testing.T, bus *Bus, subscribe func(context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	before := bus.conn.NumSubscriptions()
	go func() { done <- subscribe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.conn.NumSubscriptions() == before {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestFeedbackVoteRoundTrip(t *testing.T) {
	bus := startTestBus(t)
	received := make(chan domain.FeedbackRecord, 1)
	runSubscriber(t, bus, func(ctx context.Context) error {
		return bus.SubscribeVotes(ctx, "feedback.votes", func(_ context.Context, record domain.FeedbackRecord) error {
			received <- record
			return nil
		})
	})

	publisher := NewFeedbackPublisher(bus, "feedback.votes")
	want := domain.FeedbackRecord{SessionID: "s1", ChunkID: "c1", Domain: "hr", Vote: domain.VoteDown, SubmittedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	if err := publisher.PublishVote(context.Background(), want); err != nil {
		t.Fatalf("PublishVote() error = %v", err)
	}

	select {
	case got := <-received:
		if got.SessionID != want.SessionID || got.ChunkID != want.ChunkID || got.Vote != want.Vote || !got.SubmittedAt.Equal(want.SubmittedAt) {
			t.Fatalf("unexpected vote: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for vote")
	}
}

func TestInvalidationReachesEveryReplica(t *testing.T) {
	bus := startTestBus(t)
	received := make(chan domain.Domain, 2)
	for i := 0; i < 2; i++ {
		runSubscriber(t, bus, func(ctx context.Context) error {
			return bus.SubscribeInvalidations(ctx, "cache.invalidate", func(_ context.Context, event InvalidationEvent) error {
				received <- event.Domain
				return nil
			})
		})
	}

	if err := NewInvalidator(bus, "cache.invalidate").InvalidateDomain(context.Background(), "marketing"); err != nil {
		t.Fatalf("InvalidateDomain() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case d := <-received:
			if d != "marketing" {
				t.Fatalf("unexpected domain %q", d)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("replica %d did not receive invalidation", i)
		}
	}
}

func TestMalformedDocumentEventIsDropped(t *testing.T) {
	bus := startTestBus(t)
	received := make(chan domain.Document, 2)
	runSubscriber(t, bus, func(ctx context.Context) error {
		return bus.SubscribeDocuments(ctx, "documents.sync", func(_ context.Context, doc domain.Document) error {
			received <- doc
			return nil
		})
	})

	if err := bus.conn.Publish("documents.sync", []byte("{bad")); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}
	if err := publishJSON(context.Background(), bus, "documents.sync", domain.Document{ID: "doc-1", Domain: "it"}); err != nil {
		t.Fatalf("publish document: %v", err)
	}

	select {
	case doc := <-received:
		if doc.ID != "doc-1" {
			t.Fatalf("unexpected document: %+v", doc)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for document")
	}
	select {
	case doc := <-received:
		t.Fatalf("malformed message must be dropped, got %+v", doc)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOnClosedConnectionIsTransient(t *testing.T) {
	bus := startTestBus(t)
	bus.conn.Close()

	err := NewFeedbackPublisher(bus, "feedback.votes").PublishVote(context.Background(), domain.FeedbackRecord{SessionID: "s"})
	if !domain.IsKind(err, domain.ErrUpstreamTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
