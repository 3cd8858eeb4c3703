package hunt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetcap/viewer/pkg/esclient"
)

const indexName = "hunts"

// Store persists Hunt documents.
type Store interface {
	Get(ctx context.Context, id string) (Hunt, error)
	List(ctx context.Context) ([]Hunt, error)
	Create(ctx context.Context, h Hunt) error
	Update(ctx context.Context, id string, partial map[string]any) error
	// Running returns the hunt currently in StatusRunning, if any, used for
	// crash recovery on startup.
	Running(ctx context.Context) (*Hunt, error)
	// NextQueued returns the oldest StatusQueued hunt, if any.
	NextQueued(ctx context.Context) (*Hunt, error)
}

// ESStore is the Elasticsearch-backed Store implementation.
type ESStore struct {
	es *esclient.Client
}

func NewESStore(es *esclient.Client) *ESStore {
	return &ESStore{es: es}
}

func (s *ESStore) Get(ctx context.Context, id string) (Hunt, error) {
	var h Hunt
	if err := s.es.Get(ctx, indexName, id, &h); err != nil {
		return Hunt{}, fmt.Errorf("getting hunt %s: %w", id, err)
	}
	h.ID = id
	return h, nil
}

func (s *ESStore) List(ctx context.Context) ([]Hunt, error) {
	page, err := s.es.Search(ctx, esclient.SearchRequest{
		Index: indexName,
		Query: map[string]any{"match_all": map[string]any{}},
		Size:  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("listing hunts: %w", err)
	}
	out := make([]Hunt, 0, len(page.Hits))
	for _, hit := range page.Hits {
		var h Hunt
		if err := json.Unmarshal(hit.Source, &h); err != nil {
			return nil, fmt.Errorf("decoding hunt %s: %w", hit.ID, err)
		}
		h.ID = hit.ID
		out = append(out, h)
	}
	return out, nil
}

func (s *ESStore) Create(ctx context.Context, h Hunt) error {
	if err := s.es.Index(ctx, indexName, h.ID, h); err != nil {
		return fmt.Errorf("creating hunt %s: %w", h.ID, err)
	}
	return nil
}

func (s *ESStore) Update(ctx context.Context, id string, partial map[string]any) error {
	if err := s.es.Update(ctx, indexName, id, partial); err != nil {
		return fmt.Errorf("updating hunt %s: %w", id, err)
	}
	return nil
}

func (s *ESStore) Running(ctx context.Context) (*Hunt, error) {
	return s.firstWithStatus(ctx, StatusRunning)
}

func (s *ESStore) NextQueued(ctx context.Context) (*Hunt, error) {
	return s.firstWithStatus(ctx, StatusQueued)
}

func (s *ESStore) firstWithStatus(ctx context.Context, status Status) (*Hunt, error) {
	page, err := s.es.Search(ctx, esclient.SearchRequest{
		Index: indexName,
		Query: map[string]any{"term": map[string]any{"status": string(status)}},
		Sort:  []map[string]any{{"lastUpdated": "asc"}},
		Size:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("finding %s hunt: %w", status, err)
	}
	if len(page.Hits) == 0 {
		return nil, nil
	}
	var h Hunt
	if err := json.Unmarshal(page.Hits[0].Source, &h); err != nil {
		return nil, fmt.Errorf("decoding hunt %s: %w", page.Hits[0].ID, err)
	}
	h.ID = page.Hits[0].ID
	return &h, nil
}
