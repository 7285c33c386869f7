package remotesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/memoryclient"
	"github.com/codaph/codaph/internal/mirror"
)

func newTestSyncer(t *testing.T, snapshotBody string) (*Syncer, *mirror.Store) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(snapshotBody))
	}))
	t.Cleanup(server.Close)

	client := memoryclient.New(memoryclient.Config{Endpoint: server.URL, APIKey: "k"})
	store := mirror.NewStore(t.TempDir())
	return New(store, client), store
}

func TestSync_ImportsMissingEntries(t *testing.T) {
	s, store := newTestSyncer(t, `{"timeline":[
		{"id":"e1","ts":"2026-07-31T10:00:00Z","event_type":"prompt.submitted","session_id":"s1","payload":{"text":"hi"}},
		{"id":"e2","ts":"2026-07-31T10:01:00Z","event_type":"item.completed","session_id":"s1","payload":{}}
	]}`)

	result, err := s.Sync(context.Background(), Options{RepoID: "repo1", RunID: "codaph:repo1:s1", Source: envelope.SourceCodexExec})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 0, result.Deduplicated)
	assert.Equal(t, 0, result.Skipped)

	idx, err := store.ReadSparseIndex("repo1")
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Sessions["s1"].EventCount)
}

func TestSync_IdempotentAcrossReruns(t *testing.T) {
	body := `{"timeline":[{"id":"e1","ts":"2026-07-31T10:00:00Z","event_type":"prompt.submitted","session_id":"s1","payload":{"text":"hi"}}]}`
	s, store := newTestSyncer(t, body)

	opts := Options{RepoID: "repo1", RunID: "codaph:repo1:s1", Source: envelope.SourceCodexExec}
	result1, err := s.Sync(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result1.Imported)

	result2, err := s.Sync(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, result2.Imported)
	assert.Equal(t, 1, result2.Deduplicated)

	idx, err := store.ReadSparseIndex("repo1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Sessions["s1"].EventCount)
}

func TestSync_DerivesStableIDWhenEntryHasNone(t *testing.T) {
	s, store := newTestSyncer(t, `{"timeline":[{"id":"","ts":"2026-07-31T10:00:00Z","event_type":"prompt.submitted","session_id":"s2","payload":{"text":"hi"}}]}`)

	result, err := s.Sync(context.Background(), Options{RepoID: "repo1", RunID: "codaph:repo1:s2", Source: envelope.SourceCodexExec})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)

	idx, err := store.ReadSparseIndex("repo1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Sessions["s2"].EventCount)
}

func TestSync_TracksProgress(t *testing.T) {
	s, _ := newTestSyncer(t, `{"timeline":[{"id":"e1","ts":"2026-07-31T10:00:00Z","event_type":"prompt.submitted","session_id":"s3","payload":{}}]}`)

	var calls int
	_, err := s.Sync(context.Background(), Options{
		RepoID: "repo1", RunID: "codaph:repo1:s3", Source: envelope.SourceCodexExec,
		OnProgress: func(imported, deduplicated, skipped int) { calls++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSync_DisabledClientReturnsError(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	s := New(store, memoryclient.New(memoryclient.Config{}))
	_, err := s.Sync(context.Background(), Options{RepoID: "repo1", RunID: "codaph:repo1:s1"})
	assert.Error(t, err)
}
