package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	saved, err := s.Save(&Plan{
		Title:     "Add caching layer",
		SessionID: "sess-1",
		Content:   "# Plan\n\n1. add cache\n2. wire invalidation\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", saved.ID)

	loaded, err := s.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Add caching layer", loaded.Title)
	assert.Equal(t, "sess-1", loaded.SessionID)
	assert.Contains(t, loaded.Content, "wire invalidation")

	// Body is a plain markdown file under the session's directory, readable
	// outside the store.
	body, err := os.ReadFile(filepath.Join(s.Dir(), "sess-1", planFile))
	require.NoError(t, err)
	assert.Contains(t, string(body), "# Plan")
}

func TestStore_OnePlanPerSession(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Save(&Plan{SessionID: "sess-1", Title: "v1", Content: "a"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// A second save for the same session overwrites, it does not accumulate.
	second, err := s.Save(&Plan{SessionID: "sess-1", Title: "v2 with a new title", Content: "b"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	loaded, err := s.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "v2 with a new title", loaded.Title)
	assert.Equal(t, "b", loaded.Content)

	plans, err := s.List()
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestStore_InvalidSessionID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save(&Plan{SessionID: "../escape", Content: "x"})
	assert.Equal(t, entity.CodeInvalidSessionID, entity.CodeOf(err))

	_, err = s.Load("a/b")
	assert.Equal(t, entity.CodeInvalidSessionID, entity.CodeOf(err))
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("ghost")
	assert.Equal(t, entity.CodeNotFound, entity.CodeOf(err))
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save(&Plan{SessionID: "old", Title: "old", Content: "x"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.Save(&Plan{SessionID: "new", Title: "new", Content: "y"})
	require.NoError(t, err)

	plans, err := s.List()
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "new", plans[0].ID)
	// List does not load bodies.
	assert.Empty(t, plans[0].Content)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save(&Plan{SessionID: "doomed", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Delete("doomed"))
	_, err = s.Load("doomed")
	assert.Equal(t, entity.CodeNotFound, entity.CodeOf(err))
	assert.Equal(t, entity.CodeNotFound, entity.CodeOf(s.Delete("doomed")))
}
