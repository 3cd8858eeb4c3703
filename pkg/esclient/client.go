// Package esclient is the typed Elasticsearch facade every store in this
// repository builds on: sessions, hunts, cron queries, files, and history
// all go through the same low-level Search/Scroll/Update primitives.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	esv9 "github.com/elastic/go-elasticsearch/v9"
)

// Client wraps the low-level Elasticsearch transport with the handful of
// operations this viewer needs: document get/index/update, search, and
// scroll. It deliberately does not expose the raw esapi surface so that
// every caller goes through the same error-handling path.
type Client struct {
	es *esv9.Client
}

// New builds a Client from one or more Elasticsearch node URLs.
func New(urls []string) (*Client, error) {
	es, err := esv9.NewClient(esv9.Config{Addresses: urls})
	if err != nil {
		return nil, fmt.Errorf("building elasticsearch client: %w", err)
	}
	return &Client{es: es}, nil
}

// Ping verifies the cluster is reachable, satisfying httpserver.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("pinging elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned %s", res.Status())
	}
	return nil
}

// Get fetches a document by index and id, decoding its _source into dst.
// Returns ErrNotFound if no document exists at that id.
func (c *Client) Get(ctx context.Context, index, id string, dst any) error {
	res, err := c.es.Get(index, id, c.es.Get.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("getting %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return ErrNotFound
	}
	if res.IsError() {
		return fmt.Errorf("getting %s/%s: %s", index, id, res.Status())
	}

	var envelope struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s/%s response: %w", index, id, err)
	}
	return json.Unmarshal(envelope.Source, dst)
}

// Index creates or replaces a document.
func (c *Client) Index(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document for %s/%s: %w", index, id, err)
	}

	res, err := c.es.Index(index, bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("indexing %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("indexing %s/%s: %s", index, id, res.Status())
	}
	return nil
}

// Update applies a partial doc update (merge semantics), the way a hunt or
// cron checkpoint writes back only the fields it changed.
func (c *Client) Update(ctx context.Context, index, id string, partial any) error {
	body, err := json.Marshal(map[string]any{"doc": partial})
	if err != nil {
		return fmt.Errorf("marshaling update for %s/%s: %w", index, id, err)
	}

	res, err := c.es.Update(index, id, bytes.NewReader(body), c.es.Update.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("updating %s/%s: %s", index, id, res.Status())
	}
	return nil
}

// UpdateScript runs a scripted update, used for the session store's
// compare-and-append tag additions where concurrent writers must not clobber
// each other's tags.
func (c *Client) UpdateScript(ctx context.Context, index, id, source string, params map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"script": map[string]any{
			"source": source,
			"params": params,
			"lang":   "painless",
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling scripted update for %s/%s: %w", index, id, err)
	}

	res, err := c.es.Update(index, id, bytes.NewReader(body), c.es.Update.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("scripted update %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("scripted update %s/%s: %s", index, id, res.Status())
	}
	return nil
}

// Delete removes a document. A missing document is not an error.
func (c *Client) Delete(ctx context.Context, index, id string) error {
	res, err := c.es.Delete(index, id, c.es.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("deleting %s/%s: %s", index, id, res.Status())
	}
	return nil
}

// SearchPage is one page of search or scroll results.
type SearchPage struct {
	ScrollID string
	Total    int
	Hits     []Hit
}

// Hit is one matched document.
type Hit struct {
	ID     string
	Source json.RawMessage
}

// SearchRequest describes a query/search_after/scroll request. Query is a
// pre-built Elasticsearch query DSL fragment (the "query" object), produced
// by pkg/expr's ExpressionCompiler.
type SearchRequest struct {
	Index      string
	Query      map[string]any
	Source     []string
	Sort       []map[string]any
	Size       int
	ScrollTTL  string // e.g. "1m"; empty disables scroll
}

// Search executes the first page of a query, opening a scroll context when
// req.ScrollTTL is set.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchPage, error) {
	body := map[string]any{"query": req.Query}
	if len(req.Sort) > 0 {
		body["sort"] = req.Sort
	}
	if len(req.Source) > 0 {
		body["_source"] = req.Source
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return SearchPage{}, fmt.Errorf("marshaling search body: %w", err)
	}

	opts := []func(*esv9.SearchRequest){
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(req.Index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	}
	if req.Size > 0 {
		opts = append(opts, c.es.Search.WithSize(req.Size))
	}
	if req.ScrollTTL != "" {
		opts = append(opts, c.es.Search.WithScroll(mustParseDuration(req.ScrollTTL)))
	}

	res, err := c.es.Search(opts...)
	if err != nil {
		return SearchPage{}, fmt.Errorf("searching %s: %w", req.Index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return SearchPage{}, fmt.Errorf("searching %s: %s", req.Index, res.Status())
	}

	return decodeSearchResponse(res.Body)
}

// Scroll continues an open scroll context.
func (c *Client) Scroll(ctx context.Context, scrollID, ttl string) (SearchPage, error) {
	res, err := c.es.Scroll(
		c.es.Scroll.WithContext(ctx),
		c.es.Scroll.WithScrollID(scrollID),
		c.es.Scroll.WithScroll(mustParseDuration(ttl)),
	)
	if err != nil {
		return SearchPage{}, fmt.Errorf("scrolling: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return SearchPage{}, fmt.Errorf("scrolling: %s", res.Status())
	}
	return decodeSearchResponse(res.Body)
}

// ClearScroll releases a scroll context early (hunt pause, cron abort).
func (c *Client) ClearScroll(ctx context.Context, scrollID string) error {
	if scrollID == "" {
		return nil
	}
	res, err := c.es.ClearScroll(
		c.es.ClearScroll.WithContext(ctx),
		c.es.ClearScroll.WithScrollID(scrollID),
	)
	if err != nil {
		return fmt.Errorf("clearing scroll: %w", err)
	}
	defer res.Body.Close()
	return nil
}

func decodeSearchResponse(r io.Reader) (SearchPage, error) {
	var parsed struct {
		ScrollID string `json:"_scroll_id"`
		Hits     struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(r).Decode(&parsed); err != nil {
		return SearchPage{}, fmt.Errorf("decoding search response: %w", err)
	}

	page := SearchPage{
		ScrollID: parsed.ScrollID,
		Total:    parsed.Hits.Total.Value,
		Hits:     make([]Hit, 0, len(parsed.Hits.Hits)),
	}
	for _, h := range parsed.Hits.Hits {
		page.Hits = append(page.Hits, Hit{ID: h.ID, Source: h.Source})
	}
	return page, nil
}
