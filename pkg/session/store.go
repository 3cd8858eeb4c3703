package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fleetcap/viewer/pkg/esclient"
)

const indexName = "sessions2-*"

// Page is one page of a search or scroll, with the scroll context needed to
// fetch the next page.
type Page struct {
	ScrollID string
	Total    int
	Sessions []Session
}

// Store is the typed facade over the session index: get, search, scroll,
// clearScroll, update, addTagToSession, addHuntToSession. HuntEngine and
// CronEngine depend only on this interface, not on the concrete ES client,
// so both can be tested against an in-memory fake.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Search(ctx context.Context, query map[string]any, source []string, size int, scroll bool) (Page, error)
	Scroll(ctx context.Context, scrollID string) (Page, error)
	ClearScroll(ctx context.Context, scrollID string) error
	// Put creates or replaces the full session document at id, used when a
	// peer forwards a session this node didn't capture itself.
	Put(ctx context.Context, id string, sess Session) error
	Update(ctx context.Context, id string, partial map[string]any) error
	AddTagToSession(ctx context.Context, id string, tags []string) error
	AddHuntToSession(ctx context.Context, id, huntID, huntName string) error
	Delete(ctx context.Context, id string) error
}

const scrollTTL = "1m"

// ESStore is the Elasticsearch-backed Store implementation.
type ESStore struct {
	es *esclient.Client
}

func NewESStore(es *esclient.Client) *ESStore {
	return &ESStore{es: es}
}

func (s *ESStore) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	if err := s.es.Get(ctx, indexName, id, &sess); err != nil {
		return Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	sess.ID = id
	return sess, nil
}

func (s *ESStore) Search(ctx context.Context, query map[string]any, source []string, size int, scroll bool) (Page, error) {
	req := esclient.SearchRequest{
		Index:  indexName,
		Query:  query,
		Source: source,
		Size:   size,
		Sort:   []map[string]any{{"lastPacket": "asc"}},
	}
	if scroll {
		req.ScrollTTL = scrollTTL
	}

	res, err := s.es.Search(ctx, req)
	if err != nil {
		return Page{}, fmt.Errorf("searching sessions: %w", err)
	}
	return toPage(res), nil
}

func (s *ESStore) Scroll(ctx context.Context, scrollID string) (Page, error) {
	res, err := s.es.Scroll(ctx, scrollID, scrollTTL)
	if err != nil {
		return Page{}, fmt.Errorf("scrolling sessions: %w", err)
	}
	return toPage(res), nil
}

func (s *ESStore) ClearScroll(ctx context.Context, scrollID string) error {
	return s.es.ClearScroll(ctx, scrollID)
}

// Put indexes sess into today's (by FirstPacket) daily sessions2-YYMMDD
// index, matching the rotation the capture process itself writes to; Get
// and Search still address the sessions2-* alias/pattern, so the new
// document is immediately visible to both.
func (s *ESStore) Put(ctx context.Context, id string, sess Session) error {
	index := dailyIndex(sess.FirstPacket)
	return s.es.Index(ctx, index, id, sess)
}

func dailyIndex(firstPacketMillis int64) string {
	t := time.UnixMilli(firstPacketMillis).UTC()
	if firstPacketMillis == 0 {
		t = time.Now().UTC()
	}
	return "sessions2-" + t.Format("060102")
}

func (s *ESStore) Update(ctx context.Context, id string, partial map[string]any) error {
	return s.es.Update(ctx, indexName, id, partial)
}

// AddTagToSession appends tags using a scripted compare-and-append update so
// concurrent writers (a cron query and a user, say) never clobber each
// other's additions.
func (s *ESStore) AddTagToSession(ctx context.Context, id string, tags []string) error {
	const script = `
		if (ctx._source.tags == null) { ctx._source.tags = []; }
		for (t in params.tags) {
			if (!ctx._source.tags.contains(t)) { ctx._source.tags.add(t); }
		}
	`
	return s.es.UpdateScript(ctx, indexName, id, script, map[string]any{"tags": tags})
}

// AddHuntToSession attaches {huntId, huntName} to a matched session, also
// via scripted append to preserve prior hunt attributions.
func (s *ESStore) AddHuntToSession(ctx context.Context, id, huntID, huntName string) error {
	const script = `
		if (ctx._source.huntId == null) { ctx._source.huntId = []; }
		if (ctx._source.huntName == null) { ctx._source.huntName = []; }
		if (!ctx._source.huntId.contains(params.huntId)) { ctx._source.huntId.add(params.huntId); }
		if (!ctx._source.huntName.contains(params.huntName)) { ctx._source.huntName.add(params.huntName); }
	`
	return s.es.UpdateScript(ctx, indexName, id, script, map[string]any{"huntId": huntID, "huntName": huntName})
}

func (s *ESStore) Delete(ctx context.Context, id string) error {
	return s.es.Delete(ctx, indexName, id)
}

// SanitizeTags restricts tag names to the character class the cron tag
// action is allowed to append: `[-a-zA-Z0-9_:,]`.
func SanitizeTags(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = sanitizeOne(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func sanitizeOne(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == ':':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func toPage(res esclient.SearchPage) Page {
	page := Page{ScrollID: res.ScrollID, Total: res.Total, Sessions: make([]Session, 0, len(res.Hits))}
	for _, h := range res.Hits {
		var sess Session
		if err := unmarshalSession(h.Source, &sess); err == nil {
			sess.ID = h.ID
			page.Sessions = append(page.Sessions, sess)
		}
	}
	return page
}
