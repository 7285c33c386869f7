// Package remotesync implements Remote Memory Sync:
// pulling a run's timeline from the Memory Engine and writing any
// entries missing from the local mirror. Idempotent across re-runs,
// since the mirror's eventId dedup absorbs repeated imports.
//
// Sync pulls a run's timeline from the memory engine and projects each
// entry into the local mirror, deriving a stable eventId when the
// engine supplies none.
package remotesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/memoryclient"
	"github.com/codaph/codaph/internal/mirror"
)

var tracer = otel.Tracer("github.com/codaph/codaph/remotesync")

// Options configures one Sync call.
type Options struct {
	RepoID        string
	RunID         string
	Source        envelope.Source
	TimelineLimit int
	Refresh       bool
	// OnProgress is called after each timeline entry is handled.
	OnProgress func(imported, deduplicated, skipped int)
}

// Result reports what a Sync call did: counts imported, deduplicated,
// and skipped.
type Result struct {
	Imported     int
	Deduplicated int
	Skipped      int
}

// Syncer pulls memory-engine timelines into a local mirror.
type Syncer struct {
	memory *memoryclient.Client
	store  *mirror.Store
}

// New constructs a Syncer over an already-open mirror store and memory
// client.
func New(store *mirror.Store, memory *memoryclient.Client) *Syncer {
	return &Syncer{memory: memory, store: store}
}

// Sync fetches opts.RunID's timeline and appends every entry missing
// from the mirror.
func (s *Syncer) Sync(ctx context.Context, opts Options) (Result, error) {
	ctx, span := tracer.Start(ctx, "remotesync.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("repoId", opts.RepoID), attribute.String("runId", opts.RunID))

	var result Result
	if s.memory == nil || !s.memory.IsEnabled() {
		return result, fmt.Errorf("remotesync: memory engine client is not enabled")
	}

	entries, err := s.memory.FetchContextSnapshot(ctx, memoryclient.SnapshotRequest{
		RunID:         opts.RunID,
		TimelineLimit: opts.TimelineLimit,
		Refresh:       opts.Refresh,
	})
	if err != nil {
		return result, fmt.Errorf("remotesync: fetch snapshot for %s: %w", opts.RunID, err)
	}

	for _, entry := range entries {
		env, err := s.projectEntry(opts, entry)
		if err != nil {
			result.Skipped++
			if opts.OnProgress != nil {
				opts.OnProgress(result.Imported, result.Deduplicated, result.Skipped)
			}
			continue
		}

		appendResult, err := s.store.AppendEvent(ctx, env)
		if err != nil {
			result.Skipped++
			if opts.OnProgress != nil {
				opts.OnProgress(result.Imported, result.Deduplicated, result.Skipped)
			}
			continue
		}
		if appendResult.Deduplicated {
			result.Deduplicated++
		} else {
			result.Imported++
		}
		if opts.OnProgress != nil {
			opts.OnProgress(result.Imported, result.Deduplicated, result.Skipped)
		}
	}

	return result, nil
}

// projectEntry turns one memory-engine timeline entry into an envelope,
// deriving a stable eventId when the entry carries none.
func (s *Syncer) projectEntry(opts Options, entry memoryclient.TimelineEntry) (*envelope.Envelope, error) {
	var payload map[string]any
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, fmt.Errorf("remotesync: unmarshal payload for entry %s: %w", entry.ID, err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	env := &envelope.Envelope{
		Source:    opts.Source,
		RepoID:    opts.RepoID,
		SessionID: entry.SessionID,
		ThreadID:  entry.SessionID,
		TS:        entry.TS,
		EventType: entry.EventType,
		Payload:   payload,
	}

	eventID, err := stableEventID(entry, env)
	if err != nil {
		return nil, err
	}
	env.EventID = eventID
	return env, nil
}

// stableEventID derives eventId via a stable hash of (timelineEntryId,
// ts, eventType, sessionId) when the memory engine doesn't supply one.
func stableEventID(entry memoryclient.TimelineEntry, env *envelope.Envelope) (string, error) {
	if entry.ID != "" {
		basis := struct {
			TimelineEntryID string `json:"timelineEntryId"`
			TS              string `json:"ts"`
			EventType       string `json:"eventType"`
			SessionID       string `json:"sessionId"`
		}{entry.ID, entry.TS.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), entry.EventType, entry.SessionID}
		b, err := json.Marshal(basis)
		if err != nil {
			return "", fmt.Errorf("remotesync: marshal id basis: %w", err)
		}
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:24]), nil
	}
	return envelope.ComputeEventID(env)
}
