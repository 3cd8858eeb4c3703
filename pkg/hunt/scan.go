package hunt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetcap/viewer/pkg/session"
)

// scan carries the mutable state of one runHunt invocation: the scroll
// cursor, checkpoint clock, and failed-session list.
type scan struct {
	engine  *Engine
	hunt    *Hunt
	filter  map[string]any
	pattern Pattern
	logger  *slog.Logger

	lastCheckpoint time.Time
}

func newScan(e *Engine, h *Hunt, filter map[string]any, pattern Pattern, logger *slog.Logger) *scan {
	return &scan{engine: e, hunt: h, filter: filter, pattern: pattern, logger: logger}
}

func (s *scan) run(ctx context.Context) {
	lastPacketTime := s.hunt.LastPacketTime
	if lastPacketTime == 0 {
		lastPacketTime = s.hunt.StartTime * 1000
	}
	stopMillis := s.hunt.StopTime * 1000

	query := map[string]any{
		"bool": map[string]any{
			"filter": []any{
				s.filter,
				map[string]any{"range": map[string]any{
					"lastPacket": map[string]any{"gte": lastPacketTime, "lte": stopMillis},
				}},
			},
		},
	}

	page, err := s.engine.sessions.Search(ctx, query, []string{"lastPacket", "node", "huntId", "huntName", "fileId"}, scrollPageSize, true)
	if err != nil {
		s.fail(ctx, fmt.Sprintf("starting scroll: %s", err))
		return
	}

	s.hunt.TotalSessions = page.Total + s.hunt.SearchedSessions
	s.lastCheckpoint = time.Now()

	for {
		if len(page.Sessions) == 0 {
			break
		}

		aborted, err := s.processPage(ctx, page.Sessions)
		if err != nil {
			s.fail(ctx, err.Error())
			_ = s.engine.sessions.ClearScroll(ctx, page.ScrollID)
			return
		}
		if aborted {
			_ = s.engine.sessions.ClearScroll(ctx, page.ScrollID)
			return
		}

		if page.ScrollID == "" {
			break
		}
		page, err = s.engine.sessions.Scroll(ctx, page.ScrollID)
		if err != nil {
			s.fail(ctx, fmt.Sprintf("continuing scroll: %s", err))
			return
		}
	}

	if len(s.hunt.FailedSessionIDs) > 0 {
		if s.retryFailed(ctx) {
			return // paused or requeued inside retryFailed
		}
	}

	s.engine.finish(ctx, s.hunt)
}

// processPage dispatches every hit in a scroll page with bounded
// concurrency. Once the page is done, if checkpointInterval has elapsed
// since the last checkpoint, it checkpoints and reloads the hunt doc to
// pick up pause requests. Returns aborted=true if the hunt was paused
// mid-page.
func (s *scan) processPage(ctx context.Context, sessions []session.Session) (aborted bool, err error) {
	sem := semaphore.NewWeighted(perSessionConcurrency)
	results := make(chan MatchResult, len(sessions))

	for _, sess := range sessions {
		sess := sess
		if err := sem.Acquire(ctx, 1); err != nil {
			return false, err
		}
		go func() {
			defer sem.Release(1)
			results <- s.dispatch(ctx, sess)
		}()
	}

	for range sessions {
		r := <-results
		s.hunt.SearchedSessions++
		if r.Err != nil {
			s.hunt.FailedSessionIDs = append(s.hunt.FailedSessionIDs, r.SessionID)
			if len(s.hunt.FailedSessionIDs) > maxFailedSessions {
				return false, errors.New("too many failed sessions")
			}
			continue
		}
		if r.Matched {
			s.hunt.MatchedSessions++
			if err := s.engine.sessions.AddHuntToSession(ctx, r.SessionID, s.hunt.ID, s.hunt.Name); err != nil {
				s.logger.Error("tagging matched session", "session_id", r.SessionID, "error", err)
			}
		}
	}

	if time.Since(s.lastCheckpoint).Seconds() >= checkpointInterval {
		s.lastCheckpoint = time.Now()
		if err := s.engine.checkpoint(ctx, s.hunt); err != nil {
			s.logger.Error("checkpointing hunt", "error", err)
		}

		current, err := s.engine.store.Get(ctx, s.hunt.ID)
		if err != nil {
			s.logger.Error("reloading hunt for pause check", "error", err)
		} else if current.Status == StatusPaused {
			s.hunt.Status = StatusPaused
			return true, nil
		}
	}

	return false, nil
}

// dispatch runs packetSearch for one session, locally or via the owning
// peer, updating lastPacketTime as it goes.
func (s *scan) dispatch(ctx context.Context, sess session.Session) MatchResult {
	if sess.LastPacket > s.hunt.LastPacketTime {
		s.hunt.LastPacketTime = sess.LastPacket
	}

	if len(sess.FileID) == 0 {
		return MatchResult{SessionID: sess.ID, Matched: false}
	}

	owner := s.engine.resolver.Resolve(sess.Node)
	if s.engine.resolver.IsLocal(owner) {
		matched, err := PacketSearch(ctx, s.engine.pcapStore, sess, PacketSearchOptions{
			Pattern:  s.pattern,
			Mode:     s.hunt.PacketMode,
			Src:      s.hunt.Src,
			Dst:      s.hunt.Dst,
			MaxBytes: s.hunt.MaxBytes,
		})
		if err != nil {
			return MatchResult{SessionID: sess.ID, Err: err}
		}
		return MatchResult{SessionID: sess.ID, Matched: matched}
	}

	matched, err := s.remoteSearch(ctx, owner, sess.ID)
	return MatchResult{SessionID: sess.ID, Matched: matched, Err: err}
}

// remoteSearch calls the owning peer's per-session hunt endpoint.
func (s *scan) remoteSearch(ctx context.Context, node, sessionID string) (bool, error) {
	path := fmt.Sprintf("/%s/hunt/%s/remote/%s", node, s.hunt.ID, sessionID)
	resp, err := s.engine.proxy.Forward(ctx, node, serviceUserID, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("peer %s returned %s", node, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	var parsed struct {
		Matched bool   `json:"matched"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("decoding remote hunt response: %w", err)
	}
	if parsed.Error != "" {
		return false, errors.New(parsed.Error)
	}
	return parsed.Matched, nil
}

// retryFailed re-dispatches every session in FailedSessionIDs with bounded
// concurrency. Returns true if the hunt was paused (a pass that made zero
// progress) or requeued (a pass that cleared some but not all failures);
// false once every failed session succeeded, or if acquiring a slot failed.
func (s *scan) retryFailed(ctx context.Context) bool {
	before := len(s.hunt.FailedSessionIDs)
	sem := semaphore.NewWeighted(retryConcurrency)

	remaining := make([]string, 0, len(s.hunt.FailedSessionIDs))
	type outcome struct {
		id      string
		matched bool
		ok      bool
	}
	results := make(chan outcome, len(s.hunt.FailedSessionIDs))

	for _, id := range s.hunt.FailedSessionIDs {
		id := id
		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		go func() {
			defer sem.Release(1)
			sess, err := s.engine.sessions.Get(ctx, id)
			if err != nil {
				results <- outcome{id: id, ok: false}
				return
			}
			owner := s.engine.resolver.Resolve(sess.Node)
			var matched bool
			if s.engine.resolver.IsLocal(owner) {
				matched, err = PacketSearch(ctx, s.engine.pcapStore, sess, PacketSearchOptions{
					Pattern: s.pattern, Mode: s.hunt.PacketMode, Src: s.hunt.Src, Dst: s.hunt.Dst, MaxBytes: s.hunt.MaxBytes,
				})
			} else {
				matched, err = s.remoteSearch(ctx, owner, id)
			}
			results <- outcome{id: id, matched: matched, ok: err == nil}
		}()
	}

	for range s.hunt.FailedSessionIDs {
		o := <-results
		if !o.ok {
			remaining = append(remaining, o.id)
			continue
		}
		if o.matched {
			s.hunt.MatchedSessions++
			_ = s.engine.sessions.AddHuntToSession(ctx, o.id, s.hunt.ID, s.hunt.Name)
		}
	}

	s.hunt.FailedSessionIDs = remaining

	if len(remaining) == 0 {
		return false
	}
	if len(remaining) == before {
		s.engine.pause(ctx, s.hunt, "unreachable sessions", false)
		return true
	}
	// Made progress; the next scheduler tick re-enters via processHuntJobs.
	s.engine.pause(ctx, s.hunt, "", false)
	s.hunt.Status = StatusQueued
	if err := s.engine.store.Update(ctx, s.hunt.ID, map[string]any{"status": StatusQueued, "error": ""}); err != nil {
		s.logger.Error("requeuing hunt after partial failed-session progress", "error", err)
	}
	return true
}
