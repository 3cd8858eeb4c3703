package session

import (
	"context"
	"fmt"
)

// FakeStore is an in-memory Store used by engine tests, grounded on the
// teacher's pattern of testing background engines against a narrow store
// interface rather than a live database.
type FakeStore struct {
	Sessions map[string]Session
	pages    map[string][]Session // scrollID -> remaining pages flattened per call
}

func NewFakeStore() *FakeStore {
	return &FakeStore{Sessions: make(map[string]Session)}
}

// Seed adds a fixture session directly, bypassing the Store interface, for
// test setup.
func (f *FakeStore) Seed(s Session) {
	f.Sessions[s.ID] = s
}

func (f *FakeStore) Put(_ context.Context, id string, sess Session) error {
	sess.ID = id
	f.Sessions[id] = sess
	return nil
}

func (f *FakeStore) Get(_ context.Context, id string) (Session, error) {
	s, ok := f.Sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

// Search returns every session once, ignoring query (tests seed a small
// fixed fixture and assert over the resulting hunt/cron state).
func (f *FakeStore) Search(_ context.Context, _ map[string]any, _ []string, size int, scroll bool) (Page, error) {
	all := f.sorted()
	if size <= 0 || size > len(all) {
		size = len(all)
	}
	page := all[:size]
	rest := all[size:]

	scrollID := ""
	if scroll && len(rest) > 0 {
		scrollID = "scroll-1"
		if f.pages == nil {
			f.pages = make(map[string][]Session)
		}
		f.pages[scrollID] = rest
	}

	return Page{ScrollID: scrollID, Total: len(all), Sessions: page}, nil
}

func (f *FakeStore) Scroll(_ context.Context, scrollID string) (Page, error) {
	rest := f.pages[scrollID]
	delete(f.pages, scrollID)
	return Page{ScrollID: "", Total: len(f.Sessions), Sessions: rest}, nil
}

func (f *FakeStore) ClearScroll(_ context.Context, scrollID string) error {
	delete(f.pages, scrollID)
	return nil
}

func (f *FakeStore) Update(_ context.Context, id string, partial map[string]any) error {
	s, ok := f.Sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if tags, ok := partial["tags"].([]string); ok {
		s.Tags = tags
	}
	if by, ok := partial["scrubby"].(string); ok {
		s.Scrubby = by
	}
	if at, ok := partial["scrubat"].(int64); ok {
		s.ScrubAt = at
	}
	f.Sessions[id] = s
	return nil
}

func (f *FakeStore) AddTagToSession(_ context.Context, id string, tags []string) error {
	s, ok := f.Sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	for _, t := range tags {
		if !s.HasTag(t) {
			s.Tags = append(s.Tags, t)
		}
	}
	f.Sessions[id] = s
	return nil
}

func (f *FakeStore) AddHuntToSession(_ context.Context, id, huntID, huntName string) error {
	s, ok := f.Sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.HuntID = append(s.HuntID, huntID)
	s.HuntName = append(s.HuntName, huntName)
	f.Sessions[id] = s
	return nil
}

func (f *FakeStore) Delete(_ context.Context, id string) error {
	delete(f.Sessions, id)
	return nil
}

func (f *FakeStore) sorted() []Session {
	out := make([]Session, 0, len(f.Sessions))
	for _, s := range f.Sessions {
		out = append(out, s)
	}
	// stable-ish order by lastPacket for deterministic tests
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].LastPacket > out[j].LastPacket; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
