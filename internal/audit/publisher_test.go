package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPersistsEmittedEvents(t *testing.T) {
	store := NewInMemoryStore(16)
	publisher := NewPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)), 16)
	worker := NewWorker(store, publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	publisher.Emit(Event{Action: ActionLoginSucceeded, UserID: "u1"})
	publisher.Emit(Event{Action: ActionCSRFRejected, SessionID: "s1"})

	require.Eventually(t, func() bool {
		return len(store.Events()) == 2
	}, time.Second, 10*time.Millisecond)

	events := store.Events()
	assert.Equal(t, ActionLoginSucceeded, events[0].Action)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, ActionCSRFRejected, events[1].Action)

	cancel()
	<-done
}

func TestInMemoryStoreBoundsBuffer(t *testing.T) {
	store := NewInMemoryStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(context.Background(), Event{Action: ActionLogout}))
	}
	assert.Len(t, store.Events(), 3)
}

func TestPublisherDropsWhenInboxFull(t *testing.T) {
	publisher := NewPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)), 1)
	publisher.Emit(Event{Action: ActionLogout})
	// No worker is draining; this must not block.
	publisher.Emit(Event{Action: ActionLogout})
}
