package deployment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestDeployCreatesRecordAndManifests(t *testing.T) {
	store := newStore(t)
	src := writeSite(t, map[string]string{"index.html": "<h1>hi</h1>", "assets/app.js": "console.log(1)"})

	record, err := store.Deploy(DeployOptions{SourceDir: src, SiteName: "My Site!", SessionID: "sess-1"})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[1-9]\d{5}$`), record.ID)
	assert.Equal(t, "My Site!", record.Name)
	assert.Equal(t, "my-site", record.Slug)
	assert.Equal(t, "index.html", record.EntryPath)
	assert.Equal(t, "/?s="+record.ID+"&path=index.html", record.PreviewURL)

	copied, err := os.ReadFile(filepath.Join(store.Root, record.ID, "assets", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(copied))

	var onDisk Record
	data, err := os.ReadFile(filepath.Join(store.Root, record.ID, "deployment.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, record.ID, onDisk.ID)
	assert.Equal(t, "sess-1", onDisk.SessionID)

	var index []Record
	data, err = os.ReadFile(filepath.Join(store.Root, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &index))
	require.Len(t, index, 1)
	assert.Equal(t, record.ID, index[0].ID)
}

func TestDeployPromotesSingleHTMLFile(t *testing.T) {
	store := newStore(t)
	src := writeSite(t, map[string]string{"landing.html": "<h1>landing</h1>"})

	record, err := store.Deploy(DeployOptions{SourceDir: src, SiteName: "landing", SessionID: "sess-2"})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(store.Root, record.ID, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>landing</h1>", string(content))
}

func TestDeployFailsWithoutEntryFile(t *testing.T) {
	store := newStore(t)
	src := writeSite(t, map[string]string{"a.html": "a", "b.html": "b"})

	_, err := store.Deploy(DeployOptions{SourceDir: src, SiteName: "ambiguous", SessionID: "sess-3"})
	assert.ErrorIs(t, err, ErrEntryFileNotFound)

	_, err = store.Deploy(DeployOptions{SourceDir: writeSite(t, map[string]string{"readme.txt": "no html"}), SessionID: "sess-3"})
	assert.ErrorIs(t, err, ErrEntryFileNotFound)
}

func TestDeployEntryHint(t *testing.T) {
	store := newStore(t)
	src := writeSite(t, map[string]string{"a.html": "a", "b.html": "chosen"})

	record, err := store.Deploy(DeployOptions{SourceDir: src, SiteName: "hinted", SessionID: "sess-4", EntryHint: "b.html"})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(store.Root, record.ID, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "chosen", string(content))
}

func TestResolve(t *testing.T) {
	store := newStore(t)
	src := writeSite(t, map[string]string{"index.html": "<h1>ok</h1>"})
	record, err := store.Deploy(DeployOptions{SourceDir: src, SiteName: "resolve", SessionID: "sess-5"})
	require.NoError(t, err)

	t.Run("empty path defaults to index.html", func(t *testing.T) {
		path, err := store.Resolve(record.ID, "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(store.Root, record.ID, "index.html"), path)
	})

	t.Run("trailing slash appends index.html", func(t *testing.T) {
		path, err := store.Resolve(record.ID, "sub/")
		assert.Error(t, err)
		assert.Empty(t, path)
	})

	t.Run("traversal is rejected", func(t *testing.T) {
		_, err := store.Resolve(record.ID, "../etc/passwd")
		assert.Error(t, err)
	})

	t.Run("absolute path is rejected", func(t *testing.T) {
		_, err := store.Resolve(record.ID, "/etc/passwd")
		assert.Error(t, err)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := store.Resolve(record.ID, "nope.css")
		assert.Error(t, err)
	})
}

func TestCleanupSessionCascades(t *testing.T) {
	store := newStore(t)
	mine, err := store.Deploy(DeployOptions{SourceDir: writeSite(t, map[string]string{"index.html": "mine"}), SiteName: "mine", SessionID: "sess-x"})
	require.NoError(t, err)
	other, err := store.Deploy(DeployOptions{SourceDir: writeSite(t, map[string]string{"index.html": "other"}), SiteName: "other", SessionID: "sess-y"})
	require.NoError(t, err)

	removed, failures := store.CleanupSession("sess-x")
	assert.Empty(t, failures)
	assert.Equal(t, []string{mine.ID}, removed)

	_, err = os.Stat(filepath.Join(store.Root, mine.ID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(store.Root, other.ID, "index.html"))
	assert.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, other.ID, records[0].ID)

	// Idempotent on a second pass.
	removed, failures = store.CleanupSession("sess-x")
	assert.Empty(t, removed)
	assert.Empty(t, failures)
}

func TestListNewestFirst(t *testing.T) {
	store := newStore(t)
	first, err := store.Deploy(DeployOptions{SourceDir: writeSite(t, map[string]string{"index.html": "1"}), SiteName: "one", SessionID: "s"})
	require.NoError(t, err)
	second, err := store.Deploy(DeployOptions{SourceDir: writeSite(t, map[string]string{"index.html": "2"}), SiteName: "two", SessionID: "s"})
	require.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	ids := []string{records[0].ID, records[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}
