package conversation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(id, title string) json.RawMessage {
	doc, _ := json.Marshal(map[string]any{"id": id, "title": title})
	return doc
}

func TestInMemoryStoreSaveListGet(t *testing.T) {
	store := NewInMemoryStore(nil)
	ctx := context.Background()

	saved, err := store.Save(ctx, "client-a", payload("conv-1", "First"))
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"id":"conv-1"`)

	got, ok, err := store.Get(ctx, "client-a", "conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(got), `"title":"First"`)

	_, ok, err = store.Get(ctx, "client-b", "conv-1")
	require.NoError(t, err)
	assert.False(t, ok, "a different client must not see another client's conversation")

	list, err := store.List(ctx, "client-a")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInMemoryStoreRejectsClientMismatchOnSave(t *testing.T) {
	store := NewInMemoryStore(nil)
	ctx := context.Background()

	_, err := store.Save(ctx, "client-a", payload("conv-1", "First"))
	require.NoError(t, err)

	_, err = store.Save(ctx, "client-b", payload("conv-1", "Hijacked"))
	assert.ErrorIs(t, err, ErrClientMismatch)
}

func TestInMemoryStoreDeleteInvokesCleanup(t *testing.T) {
	var cleaned []Record
	store := NewInMemoryStore(func(rec Record) CleanupSummary {
		cleaned = append(cleaned, rec)
		return CleanupSummary{Removed: true}
	})
	ctx := context.Background()

	_, err := store.Save(ctx, "client-a", payload("conv-1", "First"))
	require.NoError(t, err)

	ok, summary, err := store.Delete(ctx, "client-a", "conv-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, summary.Removed)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "conv-1", cleaned[0].ID)

	ok, _, err = store.Delete(ctx, "client-a", "conv-1")
	require.NoError(t, err)
	assert.False(t, ok, "deleting an already-deleted conversation is a no-op")
}

func TestNewRecordBackfillsWorkspaceSideColumns(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"id":    "conv-2",
		"title": "Has workspace",
		"workspace": map[string]any{
			"paths": map[string]any{"internal_root": "/tmp/ws-1", "mount": "/mnt/okcvm-1", "session_id": "ws-1"},
			"git":   map[string]any{"commit": "abc123", "is_dirty": true},
		},
	})

	rec, err := NewRecord("client-a", raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws-1", rec.WorkspaceRoot)
	assert.Equal(t, "ws-1", rec.WorkspaceSession)
	assert.Equal(t, "abc123", rec.GitCommit)
	require.NotNil(t, rec.GitDirty)
	assert.True(t, *rec.GitDirty)

	backfilled, err := rec.WithBackfill()
	require.NoError(t, err)
	assert.Contains(t, string(backfilled), `"commit":"abc123"`)
}

func TestNewRecordRejectsMissingID(t *testing.T) {
	_, err := NewRecord("client-a", payload("", "No id"), time.Now())
	assert.ErrorIs(t, err, ErrMissingID)
}
