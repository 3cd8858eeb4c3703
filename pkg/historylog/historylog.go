// Package historylog implements the async buffered writer that records API
// calls (hunt creation, session tag, query edit, PCAP deletion, reads
// too...) to the "history" Elasticsearch index.
package historylog

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const indexName = "history"

// Indexer is the subset of esclient.Client that Writer depends on, narrowed
// so tests can supply a fake backend instead of a live Elasticsearch cluster.
type Indexer interface {
	Index(ctx context.Context, index, id string, doc any) error
}

// Entry is one recorded API call.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Query     string    `json:"query,omitempty"`
	Node      string    `json:"node,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Expensive bool      `json:"expensive,omitempty"`
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered history log writer. Entries are sent to an
// internal channel and flushed by a background goroutine so that logging a
// request never adds Elasticsearch round-trip latency to it.
type Writer struct {
	es      Indexer
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

func NewWriter(es Indexer, logger *slog.Logger) *Writer {
	return &Writer{
		es:      es,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush loop and returns immediately. The
// loop exits once ctx is canceled or Close is called, flushing what is
// buffered; Close waits for it.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background loop to drain and flush.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues entry for async writing. It never blocks the caller; a full
// buffer drops the entry with a warning rather than applying backpressure
// to the request path.
func (w *Writer) Log(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("history log buffer full, dropping entry", "method", entry.Method, "path", entry.Path)
	}
}

// LogFromRequest extracts the identity, path, and client IP from r and
// enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, userID string, expensive bool) {
	w.Log(Entry{
		UserID:    userID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		IPAddress: clientIP(r),
		Expensive: expensive,
	})
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		if err := w.es.Index(ctx, indexName, e.ID, e); err != nil {
			w.logger.Error("writing history log entry", "error", err, "method", e.Method, "path", e.Path)
		}
	}
}

// clientIP extracts the client address, preferring the common forwarding
// headers over the raw socket address, the way a reverse-proxied deployment
// expects.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
