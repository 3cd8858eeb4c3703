package hunt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/expr"
	"github.com/fleetcap/viewer/pkg/notifier"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

// pollInterval is the fallback cadence the engine uses to look for newly
// queued hunts when no wake signal arrives.
const pollInterval = 5 * time.Second

// serviceUserID signs peer requests the engine itself issues, as opposed to
// requests forwarded on behalf of an interactive user.
const serviceUserID = "hunt-engine"

// Engine runs at most one hunt at a time (the singleton contract), scanning
// its matching sessions and dispatching packetSearch locally or to the
// owning peer node.
type Engine struct {
	store      Store
	sessions   session.Store
	pcapStore  *pcap.Store
	resolver   *cluster.Resolver
	proxy      *cluster.Proxy
	notifiers  *notifier.Registry
	compiler   expr.Compiler
	logger     *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
}

func NewEngine(
	store Store,
	sessions session.Store,
	pcapStore *pcap.Store,
	resolver *cluster.Resolver,
	proxy *cluster.Proxy,
	notifiers *notifier.Registry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		sessions:  sessions,
		pcapStore: pcapStore,
		resolver:  resolver,
		proxy:     proxy,
		notifiers: notifiers,
		compiler:  expr.NewCompiler(),
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the engine to immediately check for queued hunts, called
// after a hunt is created, resumed, or paused.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run recovers any abandoned running hunt and then loops, processing queued
// hunts one at a time, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("hunt engine started")

	if err := e.recoverAbandoned(ctx); err != nil {
		e.logger.Error("recovering abandoned hunt", "error", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		e.processHuntJobs(ctx)

		select {
		case <-ctx.Done():
			e.logger.Info("hunt engine stopped")
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// recoverAbandoned resumes a hunt left in StatusRunning across a crash,
// continuing the scan from its persisted lastPacketTime.
func (e *Engine) recoverAbandoned(ctx context.Context) error {
	h, err := e.store.Running(ctx)
	if err != nil {
		return fmt.Errorf("looking up running hunt: %w", err)
	}
	if h == nil {
		return nil
	}
	e.logger.Info("resuming abandoned hunt", "hunt_id", h.ID, "last_packet_time", h.LastPacketTime)

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.runHunt(ctx, *h)
	return nil
}

// processHuntJobs is the singleton gate: if a hunt is already running it is
// a no-op, otherwise it claims the next queued hunt and runs it to
// completion (finished or paused).
func (e *Engine) processHuntJobs(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		h, err := e.store.NextQueued(ctx)
		if err != nil {
			e.logger.Error("finding next queued hunt", "error", err)
			return
		}
		if h == nil {
			return
		}
		e.runHunt(ctx, *h)

		if ctx.Err() != nil {
			return
		}
	}
}

// runHunt executes one hunt's scan from its current checkpoint through to
// a terminal per-tick state (finished or paused), then persists.
func (e *Engine) runHunt(ctx context.Context, h Hunt) {
	logger := e.logger.With("hunt_id", h.ID, "hunt_name", h.Name)

	filter, err := e.compiler.Compile(h.Expression)
	if err != nil {
		e.pause(ctx, &h, fmt.Sprintf("compiling expression: %s", err), true)
		return
	}

	pattern, err := CompilePattern(h.Search, h.SearchType)
	if err != nil {
		e.pause(ctx, &h, fmt.Sprintf("compiling search pattern: %s", err), true)
		return
	}

	h.Status = StatusRunning
	if err := e.checkpoint(ctx, &h); err != nil {
		logger.Error("persisting running status", "error", err)
	}

	s := newScan(e, &h, filter, pattern, logger)
	s.run(ctx)
}

func (e *Engine) pause(ctx context.Context, h *Hunt, reason string, unrunnable bool) {
	h.Status = StatusPaused
	h.Error = reason
	h.Unrunnable = unrunnable
	h.LastUpdated = time.Now().UnixMilli()

	if err := e.store.Update(ctx, h.ID, map[string]any{
		"status":     h.Status,
		"error":      h.Error,
		"unrunnable": h.Unrunnable,
		"lastUpdated": h.LastUpdated,
	}); err != nil {
		e.logger.Error("persisting paused hunt", "hunt_id", h.ID, "error", err)
	}
}

func (e *Engine) checkpoint(ctx context.Context, h *Hunt) error {
	h.LastUpdated = time.Now().UnixMilli()
	return e.store.Update(ctx, h.ID, map[string]any{
		"status":           h.Status,
		"lastUpdated":      h.LastUpdated,
		"searchedSessions": h.SearchedSessions,
		"matchedSessions":  h.MatchedSessions,
		"totalSessions":    h.TotalSessions,
		"lastPacketTime":   h.LastPacketTime,
	})
}

func (e *Engine) finish(ctx context.Context, h *Hunt) {
	h.Status = StatusFinished
	if err := e.checkpoint(ctx, h); err != nil {
		e.logger.Error("persisting finished hunt", "hunt_id", h.ID, "error", err)
	}

	if h.NotifierName == "" || e.notifiers == nil {
		return
	}
	n, err := e.notifiers.Get(h.NotifierName)
	if err != nil {
		e.logger.Warn("hunt notifier not found", "hunt_id", h.ID, "notifier", h.NotifierName)
		return
	}
	msg := notifier.CompletionMessage{
		Kind:         "hunt",
		ID:           h.ID,
		Name:         h.Name,
		UserID:       h.UserID,
		MatchedCount: h.MatchedSessions,
		FinishedAt:   time.Now(),
	}
	if err := n.Send(ctx, msg); err != nil {
		e.logger.Error("sending hunt completion notification", "hunt_id", h.ID, "error", err)
	}
}
