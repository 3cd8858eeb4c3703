package pcap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetcap/viewer/pkg/esclient"
)

const filesIndexName = "files"

// PcapFile is one row of the files index: the on-disk location and
// lifecycle state of a single capture file. ExpiryEngine reads and deletes
// these rows; capture (out of scope here) creates them.
type PcapFile struct {
	Node     string `json:"node"`
	Num      int    `json:"num"`
	Name     string `json:"name"` // absolute path on disk
	Size     int64  `json:"filesize"`
	Locked   bool   `json:"locked"`
	First    int64  `json:"first"` // first packet time, epoch seconds
	Encoding string `json:"encoding,omitempty"`
}

// FileStore is the files-index facade ExpiryEngine and the session pcap
// handler depend on.
type FileStore interface {
	// Oldest returns up to limit unlocked files owned by one of nodes whose
	// Name falls under one of pathPrefixes, sorted first:asc.
	Oldest(ctx context.Context, nodes []string, pathPrefixes []string, limit int) ([]PcapFile, error)
	// CountForNodes reports the total file rows (locked or not) owned by nodes.
	CountForNodes(ctx context.Context, nodes []string) (int, error)
	Delete(ctx context.Context, node string, num int) error
	// Get fetches a single file row, the way the session pcap download path
	// resolves a (node, fileNum) pair to an on-disk location.
	Get(ctx context.Context, node string, num int) (PcapFile, error)
	// Put creates or replaces a file row, used when a received session's
	// packet stream is written to a brand-new local file.
	Put(ctx context.Context, f PcapFile) error
}

// ESFileStore is the Elasticsearch-backed FileStore implementation.
type ESFileStore struct {
	es *esclient.Client
}

func NewESFileStore(es *esclient.Client) *ESFileStore {
	return &ESFileStore{es: es}
}

func (s *ESFileStore) Oldest(ctx context.Context, nodes []string, pathPrefixes []string, limit int) ([]PcapFile, error) {
	prefixClauses := make([]map[string]any, 0, len(pathPrefixes))
	for _, p := range pathPrefixes {
		prefixClauses = append(prefixClauses, map[string]any{"prefix": map[string]any{"name": p}})
	}

	query := map[string]any{
		"bool": map[string]any{
			"must": []map[string]any{
				{"terms": map[string]any{"node": nodes}},
			},
			"must_not": []map[string]any{
				{"term": map[string]any{"locked": true}},
			},
			"should":               prefixClauses,
			"minimum_should_match": 1,
		},
	}

	page, err := s.es.Search(ctx, esclient.SearchRequest{
		Index: filesIndexName,
		Query: query,
		Sort:  []map[string]any{{"first": "asc"}},
		Size:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing oldest pcap files: %w", err)
	}

	out := make([]PcapFile, 0, len(page.Hits))
	for _, hit := range page.Hits {
		var f PcapFile
		if err := json.Unmarshal(hit.Source, &f); err != nil {
			return nil, fmt.Errorf("decoding pcap file %s: %w", hit.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *ESFileStore) CountForNodes(ctx context.Context, nodes []string) (int, error) {
	page, err := s.es.Search(ctx, esclient.SearchRequest{
		Index: filesIndexName,
		Query: map[string]any{"terms": map[string]any{"node": nodes}},
		Size:  0,
	})
	if err != nil {
		return 0, fmt.Errorf("counting pcap files: %w", err)
	}
	return page.Total, nil
}

func (s *ESFileStore) Delete(ctx context.Context, node string, num int) error {
	id := fmt.Sprintf("%s-%d", node, num)
	return s.es.Delete(ctx, filesIndexName, id)
}

func (s *ESFileStore) Get(ctx context.Context, node string, num int) (PcapFile, error) {
	id := fmt.Sprintf("%s-%d", node, num)
	var f PcapFile
	if err := s.es.Get(ctx, filesIndexName, id, &f); err != nil {
		return PcapFile{}, fmt.Errorf("getting pcap file %s: %w", id, err)
	}
	return f, nil
}

func (s *ESFileStore) Put(ctx context.Context, f PcapFile) error {
	id := fmt.Sprintf("%s-%d", f.Node, f.Num)
	return s.es.Index(ctx, filesIndexName, id, f)
}

// ESPathResolver resolves (node, fileNum) to an on-disk path by looking up
// the corresponding files-index row, implementing PathResolver over live
// Elasticsearch-tracked file metadata.
type ESPathResolver struct {
	files FileStore
}

func NewESPathResolver(files FileStore) *ESPathResolver {
	return &ESPathResolver{files: files}
}

func (r *ESPathResolver) PathFor(node string, fileNum int) (string, error) {
	f, err := r.files.Get(context.Background(), node, fileNum)
	if err != nil {
		return "", fmt.Errorf("resolving path for node %q file %d: %w", node, fileNum, err)
	}
	return f.Name, nil
}
