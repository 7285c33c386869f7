package queryservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/mirror"
)

func seedEnv(seq uint64, sessionID, actorID, eventType string, payload map[string]any, ts time.Time) *envelope.Envelope {
	return &envelope.Envelope{
		Source:    envelope.SourceCodexExec,
		RepoID:    "repo1",
		ActorID:   actorID,
		SessionID: sessionID,
		ThreadID:  sessionID,
		TS:        ts,
		Sequence:  seq,
		EventType: eventType,
		Payload:   payload,
	}
}

func TestListSessions_OrderedByRecency(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	_, err := store.AppendEvent(ctx, seedEnv(1, "s1", "agent-a", "prompt.submitted", map[string]any{"text": "x"}, base))
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, seedEnv(1, "s2", "agent-b", "prompt.submitted", map[string]any{"text": "y"}, base.Add(time.Hour)))
	require.NoError(t, err)

	svc := New(store)
	sessions, err := svc.ListSessions(ctx, "repo1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].SessionID, "most recently active session first")
	assert.Equal(t, []string{"agent-b"}, sessions[0].Contributors)
}

func TestGetTimeline_OrderedByTSThenSequence(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	e2 := seedEnv(2, "s1", "a", "item.completed", map[string]any{}, base)
	e1 := seedEnv(1, "s1", "a", "prompt.submitted", map[string]any{}, base)
	_, err := store.AppendEvent(ctx, e2)
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, e1)
	require.NoError(t, err)

	svc := New(store)
	timeline, err := svc.GetTimeline(ctx, "repo1", "s1")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, uint64(1), timeline[0].Sequence)
	assert.Equal(t, uint64(2), timeline[1].Sequence)
}

func TestGetDiffSummary_FiltersByPrefix(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	ctx := context.Background()
	env := seedEnv(1, "s1", "a", "item.completed", map[string]any{
		"item": map[string]any{
			"type": "file_change",
			"changes": []any{
				map[string]any{"path": "src/a.go", "kind": "add"},
				map[string]any{"path": "docs/readme.md", "kind": "update"},
			},
		},
	}, time.Now())
	_, err := store.AppendEvent(ctx, env)
	require.NoError(t, err)

	svc := New(store)
	summaries, _, err := svc.GetDiffSummary(ctx, "repo1", "s1", "src/")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "src/a.go", summaries[0].Path)
}

func TestListContributors(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	ctx := context.Background()
	_, err := store.AppendEvent(ctx, seedEnv(1, "s1", "agent-a", "prompt.submitted", map[string]any{}, time.Now()))
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, seedEnv(2, "s1", "agent-b", "prompt.submitted", map[string]any{}, time.Now()))
	require.NoError(t, err)

	svc := New(store)
	contributors, err := svc.ListContributors(ctx, "repo1", "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a", "agent-b"}, contributors)
}

func TestQueryTimeline_FiltersByExpression(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	_, err := store.AppendEvent(ctx, seedEnv(1, "s1", "agent-a", "prompt.submitted", map[string]any{}, base))
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, seedEnv(2, "s1", "agent-b", "item.completed", map[string]any{}, base.Add(time.Minute)))
	require.NoError(t, err)

	svc := New(store)
	filtered, err := svc.QueryTimeline(ctx, "repo1", "s1", "eventType=item.completed")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "agent-b", filtered[0].ActorID)
}

func TestListSessions_UnknownRepoReturnsEmpty(t *testing.T) {
	store := mirror.NewStore(t.TempDir())
	svc := New(store)
	sessions, err := svc.ListSessions(context.Background(), "no-such-repo")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
