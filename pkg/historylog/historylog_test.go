package historylog

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeIndexer struct {
	mu   sync.Mutex
	docs []Entry
}

func (f *fakeIndexer) Index(_ context.Context, index, id string, doc any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc.(Entry))
	return nil
}

func (f *fakeIndexer) snapshot() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.docs))
	copy(out, f.docs)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLogFillsIDAndTimestamp(t *testing.T) {
	idx := &fakeIndexer{}
	w := NewWriter(idx, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Log(Entry{UserID: "alice", Method: "POST", Path: "/api/queries"})
	cancel()
	w.Close()

	docs := idx.snapshot()
	require.Len(t, docs, 1)
	require.NotEmpty(t, docs[0].ID)
	require.False(t, docs[0].Timestamp.IsZero())
	require.Equal(t, "alice", docs[0].UserID)
}

func TestCloseFlushesPendingEntries(t *testing.T) {
	idx := &fakeIndexer{}
	w := NewWriter(idx, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	for i := 0; i < 5; i++ {
		w.Log(Entry{UserID: "bob", Method: "GET", Path: "/api/sessions"})
	}
	cancel()
	w.Close()

	require.Len(t, idx.snapshot(), 5, "all entries should be flushed on shutdown even below flushBatch")
}

func TestFlushBatchTriggersBeforeTicker(t *testing.T) {
	idx := &fakeIndexer{}
	w := NewWriter(idx, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	for i := 0; i < flushBatch; i++ {
		w.Log(Entry{UserID: "carol", Method: "PUT", Path: "/api/queries/1"})
	}

	require.Eventually(t, func() bool {
		return len(idx.snapshot()) == flushBatch
	}, time.Second, 10*time.Millisecond, "a full batch should flush without waiting for the ticker")
}

func TestLogDropsWhenBufferFull(t *testing.T) {
	idx := &fakeIndexer{}
	// No background reader drains entries, so with a single-slot buffer the
	// first Log call fills it and every subsequent call must drop.
	w := &Writer{es: idx, logger: discardLogger(), entries: make(chan Entry, 1)}
	w.Log(Entry{UserID: "first"})
	w.Log(Entry{UserID: "dropped"})

	require.Len(t, w.entries, 1)
	queued := <-w.entries
	require.Equal(t, "first", queued.UserID)
}

func TestLogFromRequestExtractsClientIP(t *testing.T) {
	idx := &fakeIndexer{}
	w := NewWriter(idx, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	r := httptest.NewRequest("DELETE", "/api/sessions/abc?tag=x", nil)
	r.RemoteAddr = "192.0.2.7:4444"
	w.LogFromRequest(r, "dave", true)
	cancel()
	w.Close()

	docs := idx.snapshot()
	require.Len(t, docs, 1)
	require.Equal(t, "dave", docs[0].UserID)
	require.Equal(t, "DELETE", docs[0].Method)
	require.Equal(t, "/api/sessions/abc", docs[0].Path)
	require.Equal(t, "tag=x", docs[0].Query)
	require.Equal(t, "192.0.2.7", docs[0].IPAddress)
	require.True(t, docs[0].Expensive)
}

func TestClientIPPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"
	require.Equal(t, "203.0.113.50", clientIP(r))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"
	require.Equal(t, "192.0.2.1", clientIP(r))
}
