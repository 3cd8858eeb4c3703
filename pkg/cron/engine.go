package cron

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/expr"
	"github.com/fleetcap/viewer/pkg/notifier"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

const tickInterval = 60 * time.Second

// serviceUserID signs peer requests the engine itself issues when a
// forward action touches a session this node doesn't own.
const serviceUserID = "cron-engine"

// Engine is the singleton scheduled-query runner: it wakes every tick (and
// on demand after a query mutation), replaying every enabled query's
// expression over newly arrived sessions.
type Engine struct {
	store    Store
	sessions session.Store
	users    UserResolver
	pcap     *pcap.Store
	resolver *cluster.Resolver
	proxy    *cluster.Proxy
	remotes  RemoteClusters
	notifiers *notifier.Registry
	compiler expr.Compiler
	logger   *slog.Logger
	client   *http.Client

	wake chan struct{}

	mu      sync.Mutex
	running bool
}

func NewEngine(
	store Store,
	sessions session.Store,
	users UserResolver,
	pcapStore *pcap.Store,
	resolver *cluster.Resolver,
	proxy *cluster.Proxy,
	remotes RemoteClusters,
	notifiers *notifier.Registry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		sessions:  sessions,
		users:     users,
		pcap:      pcapStore,
		resolver:  resolver,
		proxy:     proxy,
		remotes:   remotes,
		notifiers: notifiers,
		compiler:  expr.NewCompiler(),
		logger:    logger,
		client:    &http.Client{Timeout: 30 * time.Second},
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the engine to run a tick immediately, called after a query is
// created, enabled, or its tags/action are edited.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("cron engine started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		e.tick(ctx)

		select {
		case <-ctx.Done():
			e.logger.Info("cron engine stopped")
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// tick is the singleton gate: repeats processing every enabled query until
// a full pass makes no progress, then clears the running flag.
func (e *Engine) tick(ctx context.Context) {
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
		progressed, err := e.pass(ctx)
		if err != nil {
			e.logger.Error("cron pass", "error", err)
			return
		}
		if !progressed || ctx.Err() != nil {
			return
		}
	}
}

// pass processes every enabled, not-yet-caught-up query once and reports
// whether any query advanced its checkpoint.
func (e *Engine) pass(ctx context.Context) (bool, error) {
	queries, err := e.store.List(ctx)
	if err != nil {
		return false, fmt.Errorf("listing cron queries: %w", err)
	}

	now := time.Now().Unix()
	endTime := now - cronDelay

	progressed := false
	for _, q := range queries {
		if !q.Enabled || q.LPValue >= endTime {
			continue
		}
		advanced, err := e.processQuery(ctx, q, endTime)
		if err != nil {
			e.logger.Error("processing cron query", "query_id", q.ID, "error", err)
			continue
		}
		if advanced {
			progressed = true
		}
	}
	return progressed, nil
}

// processQuery drains one sliced window of q and commits its checkpoint,
// returning whether the window advanced (false if the creator/expression
// was invalid and the query was skipped for this tick).
func (e *Engine) processQuery(ctx context.Context, q Query, endTime int64) (bool, error) {
	user, err := e.users.Resolve(ctx, q.Creator)
	if err != nil || !user.Enabled {
		return false, nil
	}

	queryFilter, err := e.compiler.Compile(q.Expression)
	if err != nil {
		return false, nil
	}
	filter := queryFilter
	if user.ForcedExpression != "" {
		forced, err := e.compiler.Compile(user.ForcedExpression)
		if err == nil {
			filter = expr.And(queryFilter, forced)
		}
	}

	singleEnd := endTime
	if q.LPValue+maxWindowSeconds < endTime {
		singleEnd = q.LPValue + maxWindowSeconds
	}

	rangeClause := expr.LastPacketRange(q.LPValue*1000, singleEnd*1000)
	query := expr.And(filter, rangeClause)

	matched, err := e.drainWindow(ctx, q, query)
	if err != nil {
		return false, err
	}

	update := map[string]any{
		"lpValue": singleEnd,
		"lastRun": time.Now().Unix(),
		"count":   q.Count + int64(matched),
	}
	if err := e.store.Update(ctx, q.ID, update); err != nil {
		return false, fmt.Errorf("committing checkpoint for query %s: %w", q.ID, err)
	}

	q.Count += int64(matched)
	q.LPValue = singleEnd
	e.maybeNotify(ctx, q)

	return true, nil
}

// drainWindow scrolls every session matching query, dispatching the
// query's action on each page, and returns the total matched count.
func (e *Engine) drainWindow(ctx context.Context, q Query, query map[string]any) (int, error) {
	page, err := e.sessions.Search(ctx, query, []string{"node"}, scrollPageSize, true)
	if err != nil {
		return 0, fmt.Errorf("starting cron scroll: %w", err)
	}

	total := 0
	for {
		if len(page.Sessions) == 0 {
			break
		}
		if err := e.dispatchAction(ctx, q, page.Sessions); err != nil {
			_ = e.sessions.ClearScroll(ctx, page.ScrollID)
			return total, err
		}
		total += len(page.Sessions)

		if page.ScrollID == "" {
			break
		}
		page, err = e.sessions.Scroll(ctx, page.ScrollID)
		if err != nil {
			return total, fmt.Errorf("continuing cron scroll: %w", err)
		}
	}
	return total, nil
}

func (e *Engine) dispatchAction(ctx context.Context, q Query, sessions []session.Session) error {
	if q.Action == ActionTag {
		return e.dispatchTag(ctx, q, sessions)
	}
	if clusterName, ok := q.Action.IsForward(); ok {
		return e.dispatchForward(ctx, q, clusterName, sessions)
	}
	return fmt.Errorf("unknown cron action %q", q.Action)
}

func (e *Engine) dispatchTag(ctx context.Context, q Query, sessions []session.Session) error {
	tags := session.SanitizeTags(q.Tags)
	if len(tags) == 0 {
		return nil
	}
	for _, sess := range sessions {
		if err := e.sessions.AddTagToSession(ctx, sess.ID, tags); err != nil {
			e.logger.Error("tagging cron match", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) dispatchForward(ctx context.Context, q Query, clusterName string, sessions []session.Session) error {
	remote, err := e.remotes.Lookup(clusterName)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(forwardConcurrency)
	perNode := make(map[string]*semaphore.Weighted)

	var wg sync.WaitGroup
	for _, sess := range sessions {
		sess := sess
		nodeSem, ok := perNode[sess.Node]
		if !ok {
			nodeSem = semaphore.NewWeighted(forwardPerNodeConcurrency)
			perNode[sess.Node] = nodeSem
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		if err := nodeSem.Acquire(ctx, 1); err != nil {
			sem.Release(1)
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer nodeSem.Release(1)
			if err := e.forwardOne(ctx, q, remote, sess); err != nil {
				e.logger.Error("forwarding cron match", "session_id", sess.ID, "cluster", clusterName, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (e *Engine) forwardOne(ctx context.Context, q Query, remote RemoteCluster, sess session.Session) error {
	if !e.resolver.IsLocal(e.resolver.Resolve(sess.Node)) {
		// Only the owning node holds the PCAP bytes; ask it to forward
		// directly rather than proxying the packet stream through us.
		path := fmt.Sprintf("/%s/cron/%s/forward/%s?cluster=%s", sess.Node, q.ID, sess.ID, remote.Name)
		resp, err := e.proxy.Forward(ctx, sess.Node, serviceUserID, http.MethodPost, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("peer forward returned %s", resp.Status)
		}
		return nil
	}

	packets, err := collectPackets(e.pcap, sess)
	if err != nil {
		return err
	}
	body, err := frameForward(sess, packets)
	if err != nil {
		return err
	}
	return postForward(ctx, e.client, remote, newSaveID(sess.Node), body)
}

// maybeNotify fires the query's notifier when its match count grew and
// enough time has passed since the last notification.
func (e *Engine) maybeNotify(ctx context.Context, q Query) {
	if q.NotifierName == "" || e.notifiers == nil {
		return
	}
	if q.Count <= q.LastNotifiedCount {
		return
	}
	if time.Now().Unix()-q.LastNotified < notifyMinInterval {
		return
	}

	n, err := e.notifiers.Get(q.NotifierName)
	if err != nil {
		e.logger.Warn("cron notifier not found", "query_id", q.ID, "notifier", q.NotifierName)
		return
	}
	msg := notifier.CompletionMessage{
		Kind:         "cron",
		ID:           q.ID,
		Name:         q.Name,
		UserID:       q.Creator,
		MatchedCount: int(q.Count - q.LastNotifiedCount),
		FinishedAt:   time.Now(),
	}
	if err := n.Send(ctx, msg); err != nil {
		e.logger.Error("sending cron notification", "query_id", q.ID, "error", err)
		return
	}

	_ = e.store.Update(ctx, q.ID, map[string]any{
		"lastNotifiedCount": q.Count,
		"lastNotified":      time.Now().Unix(),
	})
}
