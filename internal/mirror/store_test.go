package mirror

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codaph/codaph/internal/envelope"
)

func newTestEnvelope(seq uint64, sessionID string) *envelope.Envelope {
	return &envelope.Envelope{
		Source:    envelope.SourceCodexExec,
		RepoID:    "repo1",
		SessionID: sessionID,
		ThreadID:  sessionID,
		TS:        time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		Sequence:  seq,
		EventType: "prompt.submitted",
		Payload:   map[string]any{"text": "hello"},
	}
}

func TestAppendEvent_DedupByEventID(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	ctx := context.Background()

	env := newTestEnvelope(1, "s1")
	res1, err := store.AppendEvent(ctx, env)
	require.NoError(t, err)
	assert.False(t, res1.Deduplicated)

	env2 := *env // same eventId after re-derivation since fields are identical
	env2.EventID = env.EventID
	res2, err := store.AppendEvent(ctx, &env2)
	require.NoError(t, err)
	assert.True(t, res2.Deduplicated)

	idx, err := store.ReadSparseIndex("repo1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Sessions["s1"].EventCount)
}

func TestAppendEvent_StrictlyIncreasingSequenceAcrossSession(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		_, err := store.AppendEvent(ctx, newTestEnvelope(i, "s1"))
		require.NoError(t, err)
	}

	idx, err := store.ReadSparseIndex("repo1")
	require.NoError(t, err)
	assert.Equal(t, 5, idx.Sessions["s1"].EventCount)

	man, err := store.ReadManifest("repo1")
	require.NoError(t, err)
	total := 0
	for _, meta := range man.Segments {
		total += meta.EventCount
	}
	assert.Equal(t, 5, total)
}

func TestAppendEvent_ReingestInAnyOrderConverges(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	ctx := context.Background()

	envs := []*envelope.Envelope{
		newTestEnvelope(1, "s1"),
		newTestEnvelope(2, "s1"),
		newTestEnvelope(3, "s1"),
	}
	for _, e := range envs {
		id, err := envelope.ComputeEventID(e)
		require.NoError(t, err)
		e.EventID = id
	}

	// ingest in reverse, then forward again (all dupes second time)
	for i := len(envs) - 1; i >= 0; i-- {
		_, err := store.AppendEvent(ctx, envs[i])
		require.NoError(t, err)
	}
	for _, e := range envs {
		_, err := store.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	idx, err := store.ReadSparseIndex("repo1")
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Sessions["s1"].EventCount)
}

func TestAppendEvent_TornTailRecovery(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	ctx := context.Background()

	env := newTestEnvelope(1, "s1")
	res, err := store.AppendEvent(ctx, env)
	require.NoError(t, err)

	abs := segmentAbsPath(root, res.Segment)
	info, err := os.Stat(abs)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(abs, info.Size()-3)) // simulate a crash mid-write

	// Reopening for append must truncate the torn line before writing more.
	f, err := openSegmentForAppend(root, res.Segment)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Empty(t, data, "torn single line should be fully truncated")
}

func TestAppendRawLine(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	require.NoError(t, store.AppendRawLine("s1", `{"type":"user"}`))
	require.NoError(t, store.AppendRawLine("s1", `{"type":"assistant"}`))

	data, err := os.ReadFile(root + "/raw/s1.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"user\"}\n{\"type\":\"assistant\"}\n", string(data))
}
