// Package pipeline is the Ingest Pipeline hub: it turns a
// raw event report into a canonical envelope, validates per-session
// sequencing, redacts sensitive content, durably appends to the mirror,
// and forwards to the memory engine with batching and circuit-breaking.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/memoryclient"
	"github.com/codaph/codaph/internal/mirror"
	"github.com/codaph/codaph/internal/redact"
)

var tracer = otel.Tracer("github.com/codaph/codaph/pipeline")

// Error taxonomy: the pipeline never silently swallows a
// failure class it doesn't understand.
type ErrorKind string

const (
	ErrInvalidInput       ErrorKind = "invalid_input"
	ErrSequenceRegression ErrorKind = "sequence_regression"
	ErrRedactionFailure   ErrorKind = "redaction_failure"
	ErrMirrorWriteFailure ErrorKind = "mirror_write_failure"
	ErrMemoryTransient    ErrorKind = "memory_transient_error"
	ErrMemoryPermanent    ErrorKind = "memory_permanent_error"
)

// PipelineError wraps a classified ingest failure.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *PipelineError) Unwrap() error { return e.Err }

func classified(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Err: err}
}

// Meta is the caller-supplied identity context for one ingest call. It
// is envelope.Meta so Ingest can reuse its Validate/EffectiveThreadID
// logic directly.
type Meta = envelope.Meta

// MemoryWritePolicy controls how aggressively the pipeline forwards
// events to the memory engine.
type MemoryWritePolicy struct {
	Enabled       bool
	BatchSize     int
	FlushInterval time.Duration
	MaxConcurrent int

	// RetryMemoryWriteOnLocalDedup controls whether an envelope that the
	// mirror reported as a local duplicate (same eventId already
	// appended) is still forwarded to the memory engine. Default false:
	// a local dedup means this event was already written to memory on
	// its first ingest, so forwarding it again would be redundant.
	RetryMemoryWriteOnLocalDedup bool
}

func (p MemoryWritePolicy) normalized() MemoryWritePolicy {
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = 2 * time.Second
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 4
	}
	return p
}

// Pipeline is the ingest hub. One Pipeline instance owns one mirror
// root and one memory engine client.
type Pipeline struct {
	store  *mirror.Store
	memory *memoryclient.Client
	policy MemoryWritePolicy

	onMemoryError func(envelopeID string, err error)

	mu       sync.Mutex
	sequence map[string]uint64 // sessionId -> highest sequence seen
	pending  []*envelope.Envelope
	runIDFor func(*envelope.Envelope) string
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithOnMemoryError installs a callback invoked whenever a memory-engine
// write ultimately fails (after retries/circuit-breaking), so the caller
// can surface a degraded-mode signal.
func WithOnMemoryError(fn func(eventID string, err error)) Option {
	return func(p *Pipeline) { p.onMemoryError = fn }
}

// WithRunIDFunc overrides the default session-scoped run_id derivation.
func WithRunIDFunc(fn func(*envelope.Envelope) string) Option {
	return func(p *Pipeline) { p.runIDFor = fn }
}

// New constructs a Pipeline over an already-open mirror store and an
// optional memory engine client (a nil/disabled client degrades
// gracefully).
func New(store *mirror.Store, memory *memoryclient.Client, policy MemoryWritePolicy, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		memory:   memory,
		policy:   policy.normalized(),
		sequence: make(map[string]uint64),
	}
	for _, o := range opts {
		o(p)
	}
	if p.runIDFor == nil {
		p.runIDFor = func(e *envelope.Envelope) string {
			return memoryclient.RunID("", memoryclient.ScopeSession, e.RepoID, e.SessionID)
		}
	}
	return p
}

// Ingest builds a canonical envelope from an already-parsed payload,
// validates and redacts it, durably appends it to the mirror, and
// enqueues it for memory-engine delivery.
func (p *Pipeline) Ingest(ctx context.Context, eventType string, payload map[string]any, meta Meta) (*envelope.Envelope, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("eventType", eventType), attribute.String("sessionId", meta.SessionID))

	if err := meta.Validate(); err != nil {
		return nil, classified(ErrInvalidInput, err)
	}

	seq, err := p.nextSequence(meta.SessionID, meta.Sequence)
	if err != nil {
		return nil, classified(ErrSequenceRegression, err)
	}

	ts := meta.TS.UTC()
	if meta.TS.IsZero() {
		ts = time.Now().UTC()
	}

	env := &envelope.Envelope{
		Source:    meta.Source,
		RepoID:    meta.RepoID,
		ActorID:   meta.ActorID,
		SessionID: meta.SessionID,
		ThreadID:  meta.EffectiveThreadID(),
		TS:        ts,
		Sequence:  seq,
		EventType: eventType,
		Payload:   payload,
	}
	env.ReasoningAvailability = deriveReasoningAvailability(env)

	redacted, ok := redact.RedactTree(env.Payload).(map[string]any)
	if !ok {
		return nil, classified(ErrRedactionFailure, fmt.Errorf("pipeline: redaction changed payload shape"))
	}
	env.Payload = redacted

	id, err := envelope.ComputeEventID(env)
	if err != nil {
		return nil, classified(ErrRedactionFailure, fmt.Errorf("pipeline: compute eventId: %w", err))
	}
	env.EventID = id

	appendResult, err := p.store.AppendEvent(ctx, env)
	if err != nil {
		p.rollbackSequence(meta.SessionID, seq)
		return nil, classified(ErrMirrorWriteFailure, err)
	}

	if !appendResult.Deduplicated || p.policy.RetryMemoryWriteOnLocalDedup {
		p.enqueueForMemory(env)
	}

	return env, nil
}

// IngestRawLine mirrors one verbatim (already redacted or soon-to-be)
// line into the session's raw transcript mirror, independent of
// structured envelope construction.
func (p *Pipeline) IngestRawLine(sessionID, rawLine string) error {
	redacted := redact.RedactRawLine(rawLine)
	return p.store.AppendRawLine(sessionID, redacted)
}

// deriveReasoningAvailability inspects the payload for a reasoning item
// and classifies it.
func deriveReasoningAvailability(env *envelope.Envelope) envelope.ReasoningAvailability {
	item := envelope.ItemOf(env.Payload)
	if envelope.ItemTypeOf(item) != envelope.ItemReasoning {
		return envelope.ReasoningUnavailable
	}
	if _, ok := envelope.TextOf(item); ok {
		return envelope.ReasoningFull
	}
	if _, ok := item["summary"]; ok {
		return envelope.ReasoningPartial
	}
	return envelope.ReasoningUnavailable
}

// nextSequence enforces strictly increasing per-session sequence numbers.
// callerSeq is the caller-supplied Meta.Sequence; a zero value means the
// caller didn't track one itself, so the pipeline assigns last+1. A
// non-zero callerSeq that doesn't exceed the last observed sequence is
// rejected as out-of-order rather than silently reordered.
func (p *Pipeline) nextSequence(sessionID string, callerSeq uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.sequence[sessionID]

	next := last + 1
	if callerSeq != 0 {
		if callerSeq <= last {
			return 0, fmt.Errorf("pipeline: out of order sequence for session %s: got %d, last observed %d", sessionID, callerSeq, last)
		}
		next = callerSeq
	}

	p.sequence[sessionID] = next
	return next, nil
}

func (p *Pipeline) rollbackSequence(sessionID string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sequence[sessionID] == seq {
		p.sequence[sessionID] = seq - 1
	}
}

// SeedSequence primes the in-memory sequence counter from a previously
// observed high-water mark, e.g. after loading the sparse index on
// startup.
func (p *Pipeline) SeedSequence(sessionID string, highWaterMark uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if highWaterMark > p.sequence[sessionID] {
		p.sequence[sessionID] = highWaterMark
	}
}

func (p *Pipeline) enqueueForMemory(env *envelope.Envelope) {
	if p.memory == nil || !p.memory.IsEnabled() || !p.policy.Enabled {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, env)
	flush := len(p.pending) >= p.policy.BatchSize
	var batch []*envelope.Envelope
	if flush {
		batch = p.pending
		p.pending = nil
	}
	p.mu.Unlock()

	if flush {
		go p.flushBatch(context.Background(), batch)
	}
}

// Flush forces delivery of any events queued for the memory engine below
// the batch size threshold.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(batch) > 0 {
		p.flushBatch(ctx, batch)
	}
}

// flushBatch delivers a batch to the memory engine, bounding concurrency
// with golang.org/x/sync/errgroup. A failed write never blocks the
// mirror, which is already durable; failures are reported via
// onMemoryError.
func (p *Pipeline) flushBatch(ctx context.Context, batch []*envelope.Envelope) {
	if p.memory.CircuitOpen() {
		for _, env := range batch {
			p.reportMemoryError(env.EventID, classified(ErrMemoryTransient, fmt.Errorf("pipeline: circuit open, deferring")))
		}
		return
	}

	if len(batch) > 1 {
		if _, err := p.memory.WriteEventsBatch(ctx, batch, p.runIDFor); err != nil {
			p.classifyAndReport(batch[0].EventID, err)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.policy.MaxConcurrent)
	for _, env := range batch {
		env := env
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			_, err := p.memory.WriteEvent(callCtx, env, p.runIDFor(env))
			if err != nil {
				p.classifyAndReport(env.EventID, err)
			}
			return nil // never abort sibling writes over one failure
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) classifyAndReport(eventID string, err error) {
	kind := ErrMemoryPermanent
	if memoryclient.IsTransient(err) {
		kind = ErrMemoryTransient
	}
	p.reportMemoryError(eventID, classified(kind, err))
}

func (p *Pipeline) reportMemoryError(eventID string, err error) {
	if p.onMemoryError != nil {
		p.onMemoryError(eventID, err)
		return
	}
	log.Printf("pipeline: memory write failed for event %s: %v", eventID, err)
}
