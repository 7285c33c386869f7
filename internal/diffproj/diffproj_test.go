package diffproj

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codaph/codaph/internal/envelope"
)

func toolCallEnvelope(name, arguments string) *envelope.Envelope {
	return &envelope.Envelope{
		EventType: "item.completed",
		TS:        time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		Payload: map[string]any{
			"item": map[string]any{
				"type":      "tool_call",
				"name":      name,
				"arguments": arguments,
			},
		},
	}
}

func TestProject_ApplyPatchScenario(t *testing.T) {
	patch := "*** Begin Patch\n*** Add File: a.ts\n+x\n*** Update File: b.ts\n-y\n+z\n*** End Patch"
	envs := []*envelope.Envelope{toolCallEnvelope("apply_patch", patch)}

	summaries, fragments := Project(envs)

	require.Len(t, summaries, 2)
	byPath := map[string]FileDiffSummary{}
	for _, s := range summaries {
		byPath[s.Path] = s
	}
	assert.True(t, byPath["a.ts"].Kinds[envelope.ChangeAdd])
	assert.True(t, byPath["b.ts"].Kinds[envelope.ChangeUpdate])
	assert.Len(t, fragments, 2)
}

func TestProject_ToolResultStatusLetters(t *testing.T) {
	env := &envelope.Envelope{
		EventType: "item.completed",
		Payload: map[string]any{
			"item": map[string]any{
				"type":   "tool_result",
				"output": "M src/foo.go\nA src/bar.go\nD old/baz.go\n",
			},
		},
	}
	summaries, _ := Project([]*envelope.Envelope{env})
	require.Len(t, summaries, 3)
}

func TestProject_FileChangeItemFoldsKindsAndDedupsWithinEvent(t *testing.T) {
	env := &envelope.Envelope{
		EventType: "item.completed",
		Payload: map[string]any{
			"item": map[string]any{
				"type": "file_change",
				"changes": []any{
					map[string]any{"path": "x.go", "kind": "update"},
					map[string]any{"path": "x.go", "kind": "update"},
					map[string]any{"path": "x.go", "kind": "add"},
				},
			},
		},
	}
	summaries, _ := Project([]*envelope.Envelope{env})
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Occurrences)
	assert.True(t, summaries[0].Kinds[envelope.ChangeUpdate])
	assert.True(t, summaries[0].Kinds[envelope.ChangeAdd])
}

func TestProject_IdempotentAndOrderIndependent(t *testing.T) {
	patch := "*** Begin Patch\n*** Add File: a.ts\n+x\n*** End Patch"
	envs := []*envelope.Envelope{toolCallEnvelope("apply_patch", patch)}

	s1, _ := Project(envs)
	s2, _ := Project(envs)
	assert.Equal(t, s1, s2)
}

func TestFilter_ByPathPrefix(t *testing.T) {
	summaries := []FileDiffSummary{{Path: "src/a.go"}, {Path: "docs/readme.md"}}
	filtered := Filter(summaries, "src/")
	require.Len(t, filtered, 1)
	assert.Equal(t, "src/a.go", filtered[0].Path)
}
