// Package envelope defines the canonical event record that flows through
// the ingest pipeline, mirror store, diff projector and memory client.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Source tags which upstream adapter produced an event. The enum is
// open-ended: unrecognized values are passed through verbatim.
type Source string

const (
	SourceCodexSDK  Source = "codex_sdk"
	SourceCodexExec Source = "codex_exec"
)

// ReasoningAvailability indicates how much of an agent's internal
// reasoning survived into the envelope.
type ReasoningAvailability string

const (
	ReasoningFull        ReasoningAvailability = "full"
	ReasoningPartial     ReasoningAvailability = "partial"
	ReasoningUnavailable ReasoningAvailability = "unavailable"
)

// Reserved eventType prefixes. Unknown types pass through.
const (
	PrefixPrompt = "prompt."
	PrefixItem   = "item."
	PrefixTurn   = "turn."
	PrefixThread = "thread."
)

// Envelope is the canonical, redacted, persistent record of one agent
// observation.
type Envelope struct {
	EventID               string                `json:"eventId"`
	Source                Source                `json:"source"`
	RepoID                string                `json:"repoId"`
	ActorID               string                `json:"actorId,omitempty"`
	SessionID             string                `json:"sessionId"`
	ThreadID              string                `json:"threadId"`
	TS                    time.Time             `json:"ts"`
	Sequence              uint64                `json:"sequence"`
	EventType             string                `json:"eventType"`
	Payload               map[string]any        `json:"payload"`
	ReasoningAvailability ReasoningAvailability `json:"reasoningAvailability"`
}

// Meta carries the caller-supplied identifying fields for one ingest call
//. Everything else of the envelope is derived.
type Meta struct {
	Source    Source
	RepoID    string
	SessionID string
	ThreadID  string
	ActorID   string
	Sequence  uint64
	TS        time.Time
}

// Validate checks the required meta fields.
func (m Meta) Validate() error {
	if m.RepoID == "" {
		return fmt.Errorf("envelope: repoId is required")
	}
	if m.SessionID == "" {
		return fmt.Errorf("envelope: sessionId is required")
	}
	if m.Source == "" {
		return fmt.Errorf("envelope: source is required")
	}
	return nil
}

// EffectiveThreadID returns ThreadID, defaulting to SessionID.
func (m Meta) EffectiveThreadID() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.SessionID
}

// canonicalKeyOrder returns payload keys in fixed lexicographic order so
// that ComputeEventID and the on-disk line format are stable.
func canonicalKeyOrder(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CanonicalJSON serializes the envelope with lexicographically ordered
// object keys, producing the exact bytes hashed for EventID and written
// to a segment line.
func (e *Envelope) CanonicalJSON() ([]byte, error) {
	ordered := orderedMap{
		"actorId":               e.ActorID,
		"eventId":               e.EventID,
		"eventType":             e.EventType,
		"payload":               orderPayload(e.Payload),
		"reasoningAvailability": e.ReasoningAvailability,
		"repoId":                e.RepoID,
		"sequence":              e.Sequence,
		"sessionId":             e.SessionID,
		"source":                e.Source,
		"threadId":              e.ThreadID,
		"ts":                    e.TS.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(ordered)
}

// orderedMap marshals as a JSON object with keys in the iteration order
// given by its own field order; Go's json.Marshal on a struct preserves
// declaration order, so we express the ordering as a struct instead of a
// map[string]any (whose key order is undefined).
type orderedMap struct {
	ActorID               string                `json:"actorId,omitempty"`
	EventID               string                `json:"eventId"`
	EventType             string                `json:"eventType"`
	Payload               json.RawMessage       `json:"payload"`
	ReasoningAvailability ReasoningAvailability `json:"reasoningAvailability"`
	RepoID                string                `json:"repoId"`
	Sequence              uint64                `json:"sequence"`
	SessionID             string                `json:"sessionId"`
	Source                Source                `json:"source"`
	ThreadID              string                `json:"threadId"`
	TS                    string                `json:"ts"`
}

func (o orderedMap) MarshalJSON() ([]byte, error) {
	type alias orderedMap
	return json.Marshal(alias(o))
}

// orderPayload re-marshals a payload map with sorted keys at every level,
// so two equal maps always hash and print identically.
func orderPayload(payload map[string]any) json.RawMessage {
	b, err := marshalSorted(payload)
	if err != nil {
		b, _ = json.Marshal(payload)
	}
	return b
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := canonicalKeyOrder(t)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}

// ComputeEventID derives the content-hash primary idempotency key from
// (repoId, sessionId, sequence, eventType, redactedPayload, ts).
// Payload MUST already be redacted before calling this.
func ComputeEventID(e *Envelope) (string, error) {
	payloadBytes := orderPayload(e.Payload)
	basis := struct {
		RepoID    string          `json:"repoId"`
		SessionID string          `json:"sessionId"`
		Sequence  uint64          `json:"sequence"`
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
		TS        string          `json:"ts"`
	}{e.RepoID, e.SessionID, e.Sequence, e.EventType, payloadBytes, e.TS.UTC().Format(time.RFC3339Nano)}

	b, err := json.Marshal(basis)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal id basis: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:24]), nil
}
