// Package diffproj derives file-change summaries and unified-diff
// fragments from a session's or repo's event stream.
package diffproj

import (
	"sort"
	"strings"
	"time"

	"github.com/codaph/codaph/internal/envelope"
)

// FileDiffSummary aggregates every observed change to one path across a
// session's event stream.
type FileDiffSummary struct {
	Path        string
	Kinds       map[envelope.FileChangeKind]bool
	Occurrences int
}

// Fragment is one synthesised or parsed unified-diff fragment, labelled
// with its source event's timestamp and thread.
type Fragment struct {
	Path      string
	Kind      envelope.FileChangeKind
	Body      string
	TS        time.Time
	ThreadID  string
	SessionID string
}

// Project folds a stream of envelopes into file-change summaries and an
// ordered stream of diff fragments. Idempotent: running it twice over the
// same events yields identical output.
func Project(envs []*envelope.Envelope) ([]FileDiffSummary, []Fragment) {
	summaries := map[string]*FileDiffSummary{}
	var fragments []Fragment

	for _, env := range envs {
		if env.EventType != "item.completed" {
			continue
		}
		item := envelope.ItemOf(env.Payload)
		switch envelope.ItemTypeOf(item) {
		case envelope.ItemFileChange:
			for _, change := range fileChangesFromPayload(item) {
				fold(summaries, change)
			}
		case envelope.ItemToolCall:
			name, _ := item["name"].(string)
			if name != "apply_patch" {
				continue
			}
			args, _ := item["arguments"].(string)
			changes, frags := parseApplyPatch(args, env)
			for _, c := range changes {
				fold(summaries, c)
			}
			fragments = append(fragments, frags...)
		case envelope.ItemToolResult:
			output, _ := item["output"].(string)
			for _, c := range parseStatusLetterOutput(output) {
				fold(summaries, c)
			}
		}
	}

	out := make([]FileDiffSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, fragments
}

// Filter keeps only summaries whose path starts with prefix.
func Filter(summaries []FileDiffSummary, prefix string) []FileDiffSummary {
	if prefix == "" {
		return summaries
	}
	var out []FileDiffSummary
	for _, s := range summaries {
		if strings.HasPrefix(s.Path, prefix) {
			out = append(out, s)
		}
	}
	return out
}

func fold(summaries map[string]*FileDiffSummary, change envelope.FileChangeEntry) {
	s, ok := summaries[change.Path]
	if !ok {
		s = &FileDiffSummary{Path: change.Path, Kinds: map[envelope.FileChangeKind]bool{}}
		summaries[change.Path] = s
	}
	s.Kinds[change.Kind] = true
	s.Occurrences++
}

func fileChangesFromPayload(item map[string]any) []envelope.FileChangeEntry {
	raw, ok := item["changes"].([]any)
	if !ok {
		return nil
	}
	out := make([]envelope.FileChangeEntry, 0, len(raw))
	seen := map[envelope.FileChangeEntry]bool{}
	for _, c := range raw {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		path, _ := m["path"].(string)
		kind, _ := m["kind"].(string)
		entry := envelope.FileChangeEntry{Path: path, Kind: envelope.FileChangeKind(kind)}
		if path == "" || seen[entry] {
			continue
		}
		seen[entry] = true
		out = append(out, entry)
	}
	return out
}

// parseApplyPatch parses an apply_patch-format body, recognising
// `*** Add File:`, `*** Delete File:` and `*** Update File:` headers, and
// folding the +/- lines under each header into a unified-diff fragment.
func parseApplyPatch(body string, env *envelope.Envelope) ([]envelope.FileChangeEntry, []Fragment) {
	var changes []envelope.FileChangeEntry
	var fragments []Fragment

	var curPath string
	var curKind envelope.FileChangeKind
	var curBody strings.Builder
	flush := func() {
		if curPath == "" {
			return
		}
		changes = append(changes, envelope.FileChangeEntry{Path: curPath, Kind: curKind})
		fragments = append(fragments, Fragment{
			Path: curPath, Kind: curKind, Body: strings.TrimRight(curBody.String(), "\n"),
			TS: env.TS, ThreadID: env.ThreadID, SessionID: env.SessionID,
		})
	}

	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "*** Add File: "):
			flush()
			curPath = strings.TrimPrefix(line, "*** Add File: ")
			curKind = envelope.ChangeAdd
			curBody.Reset()
		case strings.HasPrefix(line, "*** Delete File: "):
			flush()
			curPath = strings.TrimPrefix(line, "*** Delete File: ")
			curKind = envelope.ChangeDelete
			curBody.Reset()
		case strings.HasPrefix(line, "*** Update File: "):
			flush()
			curPath = strings.TrimPrefix(line, "*** Update File: ")
			curKind = envelope.ChangeUpdate
			curBody.Reset()
		case strings.HasPrefix(line, "*** End Patch"):
			flush()
			curPath = ""
		case strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-"):
			curBody.WriteString(line)
			curBody.WriteByte('\n')
		default:
			// headers like "*** Begin Patch" and context lines are ignored
		}
	}
	flush()

	return dedupChanges(changes), fragments
}

func dedupChanges(in []envelope.FileChangeEntry) []envelope.FileChangeEntry {
	seen := map[envelope.FileChangeEntry]bool{}
	var out []envelope.FileChangeEntry
	for _, c := range in {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// parseStatusLetterOutput recovers file paths and kinds from status-letter
// prefixed lines ("M path", "A path", "D path") commonly emitted by
// tool_result outputs.
func parseStatusLetterOutput(output string) []envelope.FileChangeEntry {
	var out []envelope.FileChangeEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 3 || line[1] != ' ' {
			continue
		}
		var kind envelope.FileChangeKind
		switch line[0] {
		case 'M':
			kind = envelope.ChangeUpdate
		case 'A':
			kind = envelope.ChangeAdd
		case 'D':
			kind = envelope.ChangeDelete
		default:
			continue
		}
		path := strings.TrimSpace(line[2:])
		if path == "" {
			continue
		}
		out = append(out, envelope.FileChangeEntry{Path: path, Kind: kind})
	}
	return dedupChanges(out)
}
