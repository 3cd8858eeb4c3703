package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeTags(t *testing.T) {
	got := SanitizeTags("cron1, cron2, bad tag!, weird$name")
	require.Equal(t, []string{"cron1", "cron2", "badtag", "weirdname"}, got)
}

func TestHasTag(t *testing.T) {
	s := Session{Tags: []string{"a", "b"}}
	require.True(t, s.HasTag("a"))
	require.False(t, s.HasTag("c"))
}

func TestFakeStoreAddTagIsIdempotent(t *testing.T) {
	store := NewFakeStore()
	store.Seed(Session{ID: "s1", Tags: []string{"existing"}})

	ctx := context.Background()
	require.NoError(t, store.AddTagToSession(ctx, "s1", []string{"existing", "new"}))

	s, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"existing", "new"}, s.Tags)
}
