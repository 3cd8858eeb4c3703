package cron

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetcap/viewer/pkg/esclient"
)

const indexName = "queries"

// Store persists cron Query documents.
type Store interface {
	List(ctx context.Context) ([]Query, error)
	Get(ctx context.Context, id string) (Query, error)
	Create(ctx context.Context, q Query) error
	Update(ctx context.Context, id string, partial map[string]any) error
}

// ESStore is the Elasticsearch-backed Store implementation.
type ESStore struct {
	es *esclient.Client
}

func NewESStore(es *esclient.Client) *ESStore {
	return &ESStore{es: es}
}

func (s *ESStore) List(ctx context.Context) ([]Query, error) {
	page, err := s.es.Search(ctx, esclient.SearchRequest{
		Index: indexName,
		Query: map[string]any{"match_all": map[string]any{}},
		Size:  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("listing cron queries: %w", err)
	}
	out := make([]Query, 0, len(page.Hits))
	for _, hit := range page.Hits {
		var q Query
		if err := json.Unmarshal(hit.Source, &q); err != nil {
			return nil, fmt.Errorf("decoding cron query %s: %w", hit.ID, err)
		}
		q.ID = hit.ID
		out = append(out, q)
	}
	return out, nil
}

func (s *ESStore) Get(ctx context.Context, id string) (Query, error) {
	var q Query
	if err := s.es.Get(ctx, indexName, id, &q); err != nil {
		return Query{}, fmt.Errorf("getting cron query %s: %w", id, err)
	}
	q.ID = id
	return q, nil
}

func (s *ESStore) Create(ctx context.Context, q Query) error {
	return s.es.Index(ctx, indexName, q.ID, q)
}

func (s *ESStore) Update(ctx context.Context, id string, partial map[string]any) error {
	return s.es.Update(ctx, indexName, id, partial)
}
