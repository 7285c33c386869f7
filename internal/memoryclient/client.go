// Package memoryclient wraps the external semantic memory service
// contract: single-event write, batch write, query
// and health signalling, with retries, timeouts and circuit breaking.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/codaph/codaph/internal/envelope"
)

var (
	tracer = otel.Tracer("github.com/codaph/codaph/memoryclient")
	meter  = otel.Meter("github.com/codaph/codaph/memoryclient")
)

// RunScope selects how run_id is derived.
type RunScope string

const (
	ScopeSession RunScope = "session"
	ScopeProject RunScope = "project"
)

// DefaultRunIDPrefix is the stable namespace used when none is configured.
const DefaultRunIDPrefix = "codaph"

// WriteResult is the client's view of a single-event write response.
type WriteResult struct {
	Accepted     bool
	JobID        string
	Deduplicated bool
}

// QueryRequest is the parameter object for Query.
type QueryRequest struct {
	RunID      string
	Query      string
	Limit      int
	Mode       string
	DirectLane bool
}

// QueryResponse carries the memory engine's semantic query result.
type QueryResponse struct {
	FinalAnswer string
	Evidence    []string
	Confidence  *float64
}

// SnapshotRequest parameterizes fetchContextSnapshot.
type SnapshotRequest struct {
	RunID         string
	TimelineLimit int
	Refresh       bool
}

// TimelineEntry is one opaque memory record returned by a snapshot fetch.
type TimelineEntry struct {
	ID        string
	TS        time.Time
	EventType string
	SessionID string
	Payload   json.RawMessage
}

// ErrorKind distinguishes transient failures (worth retrying / counting
// toward the circuit) from permanent ones.
type ErrorKind int

const (
	ErrorTransient ErrorKind = iota
	ErrorPermanent
)

// ClientError is the typed failure the pipeline inspects to decide
// between MemoryTransientError and MemoryPermanentError.
type ClientError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClientError) Error() string { return e.Err.Error() }
func (e *ClientError) Unwrap() error { return e.Err }

func transientErr(err error) error { return &ClientError{Kind: ErrorTransient, Err: err} }
func permanentErr(err error) error { return &ClientError{Kind: ErrorPermanent, Err: err} }

// IsTransient reports whether err is a transient ClientError.
func IsTransient(err error) bool {
	var ce *ClientError
	if ok := asClientError(err, &ce); ok {
		return ce.Kind == ErrorTransient
	}
	return false
}

func asClientError(err error, target **ClientError) bool {
	for err != nil {
		if ce, ok := err.(*ClientError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Config configures a Client: explicit config, no ambient globals.
type Config struct {
	Endpoint             string
	APIKey               string
	RunIDPrefix          string
	HTTPClient           *http.Client
	MaxRetries           int
	CircuitMaxRequests   uint32
	CircuitInterval      time.Duration
	CircuitTimeout       time.Duration
	CircuitFailureThresh uint32
}

// Client is the HTTP-backed implementation of the memory engine contract.
// Transport is a functional doRequest with retries; retry policy is
// cenkalti/backoff/v4; circuit breaking is
// sony/gobreaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	writeLatency metric.Float64Histogram
}

// New constructs a Client. apiKey == "" is allowed; IsEnabled reports
// false in that case.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RunIDPrefix == "" {
		cfg.RunIDPrefix = DefaultRunIDPrefix
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CircuitMaxRequests == 0 {
		cfg.CircuitMaxRequests = 1
	}
	if cfg.CircuitInterval == 0 {
		cfg.CircuitInterval = 60 * time.Second
	}
	if cfg.CircuitTimeout == 0 {
		cfg.CircuitTimeout = 30 * time.Second
	}
	if cfg.CircuitFailureThresh == 0 {
		cfg.CircuitFailureThresh = 5
	}

	c := &Client{cfg: cfg, http: cfg.HTTPClient}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-engine",
		MaxRequests: cfg.CircuitMaxRequests,
		Interval:    cfg.CircuitInterval,
		Timeout:     cfg.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitFailureThresh
		},
	})

	hist, _ := meter.Float64Histogram("codaph.memory.write.duration",
		metric.WithDescription("memory engine write call duration"),
		metric.WithUnit("ms"),
	)
	c.writeLatency = hist
	return c
}

// IsEnabled reports runtime readiness: credentials and endpoint present.
func (c *Client) IsEnabled() bool {
	return c.cfg.Endpoint != "" && c.cfg.APIKey != ""
}

// CircuitOpen reports whether the circuit is currently open (skip writes).
func (c *Client) CircuitOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// RunID derives the memory engine's scope key.
func RunID(prefix string, scope RunScope, projectID, sessionID string) string {
	if prefix == "" {
		prefix = DefaultRunIDPrefix
	}
	if scope == ScopeSession {
		return fmt.Sprintf("%s:%s:%s", prefix, projectID, sessionID)
	}
	return fmt.Sprintf("%s:%s", prefix, projectID)
}

type writeRequestBody struct {
	IdempotencyKey string          `json:"idempotency_key"`
	RunID          string          `json:"run_id"`
	TS             string          `json:"ts"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	AgentID        string          `json:"agent_id"`
	ActorID        string          `json:"actor_id,omitempty"`
}

type writeResponseBody struct {
	Accepted     bool   `json:"accepted"`
	JobID        string `json:"job_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// WriteEvent writes one envelope to the memory engine.
func (c *Client) WriteEvent(ctx context.Context, env *envelope.Envelope, runID string) (WriteResult, error) {
	ctx, span := tracer.Start(ctx, "memoryclient.WriteEvent")
	defer span.End()
	span.SetAttributes(attribute.String("runId", runID), attribute.String("eventId", env.EventID))

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return WriteResult{}, permanentErr(fmt.Errorf("memoryclient: marshal payload: %w", err))
	}
	body := writeRequestBody{
		IdempotencyKey: env.EventID,
		RunID:          runID,
		TS:             env.TS.UTC().Format(time.RFC3339Nano),
		EventType:      env.EventType,
		Payload:        payload,
		AgentID:        string(env.Source),
		ActorID:        env.ActorID,
	}

	start := time.Now()
	respBody, err := c.doWithRetry(ctx, "POST", "/v1/events", body)
	if c.writeLatency != nil {
		c.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return WriteResult{}, err
	}

	var resp writeResponseBody
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return WriteResult{}, permanentErr(fmt.Errorf("memoryclient: parse write response: %w", err))
	}
	return WriteResult{Accepted: resp.Accepted, JobID: resp.JobID, Deduplicated: resp.Deduplicated}, nil
}

// WriteEventsBatch writes multiple envelopes in one call, preferred by
// the pipeline when batching is configured.
func (c *Client) WriteEventsBatch(ctx context.Context, envs []*envelope.Envelope, runIDFor func(*envelope.Envelope) string) ([]WriteResult, error) {
	ctx, span := tracer.Start(ctx, "memoryclient.WriteEventsBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("count", len(envs)))

	type item struct {
		writeRequestBody
	}
	items := make([]item, 0, len(envs))
	for _, env := range envs {
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, permanentErr(fmt.Errorf("memoryclient: marshal payload: %w", err))
		}
		items = append(items, item{writeRequestBody{
			IdempotencyKey: env.EventID,
			RunID:          runIDFor(env),
			TS:             env.TS.UTC().Format(time.RFC3339Nano),
			EventType:      env.EventType,
			Payload:        payload,
			AgentID:        string(env.Source),
			ActorID:        env.ActorID,
		}})
	}

	respBody, err := c.doWithRetry(ctx, "POST", "/v1/events/batch", items)
	if err != nil {
		return nil, err
	}

	var resp []writeResponseBody
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, permanentErr(fmt.Errorf("memoryclient: parse batch response: %w", err))
	}
	out := make([]WriteResult, len(resp))
	for i, r := range resp {
		out[i] = WriteResult{Accepted: r.Accepted, JobID: r.JobID, Deduplicated: r.Deduplicated}
	}
	return out, nil
}

// Query issues a semantic query against a run's memory.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	ctx, span := tracer.Start(ctx, "memoryclient.Query")
	defer span.End()

	respBody, err := c.doWithRetry(ctx, "POST", "/v1/query", req)
	if err != nil {
		return QueryResponse{}, err
	}
	var resp struct {
		FinalAnswer string   `json:"final_answer"`
		Evidence    []string `json:"evidence"`
		Confidence  *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return QueryResponse{}, permanentErr(fmt.Errorf("memoryclient: parse query response: %w", err))
	}
	return QueryResponse{FinalAnswer: resp.FinalAnswer, Evidence: resp.Evidence, Confidence: resp.Confidence}, nil
}

// FetchContextSnapshot pulls a run's timeline for remote sync to absorb
// into the local mirror.
func (c *Client) FetchContextSnapshot(ctx context.Context, req SnapshotRequest) ([]TimelineEntry, error) {
	ctx, span := tracer.Start(ctx, "memoryclient.FetchContextSnapshot")
	defer span.End()

	respBody, err := c.doWithRetry(ctx, "POST", "/v1/snapshot", req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Timeline []struct {
			ID        string          `json:"id"`
			TS        time.Time       `json:"ts"`
			EventType string          `json:"event_type"`
			SessionID string          `json:"session_id"`
			Payload   json.RawMessage `json:"payload"`
		} `json:"timeline"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, permanentErr(fmt.Errorf("memoryclient: parse snapshot response: %w", err))
	}
	out := make([]TimelineEntry, 0, len(resp.Timeline))
	for _, e := range resp.Timeline {
		out = append(out, TimelineEntry{ID: e.ID, TS: e.TS, EventType: e.EventType, SessionID: e.SessionID, Payload: e.Payload})
	}
	return out, nil
}

// doWithRetry executes an HTTP call through the circuit breaker, retrying
// transient failures with exponential backoff (cenkalti/backoff/v4),
// bounded by ctx's deadline.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body any) ([]byte, error) {
	if !c.IsEnabled() {
		return nil, permanentErr(fmt.Errorf("memoryclient: not enabled (missing endpoint or api key)"))
	}

	var result []byte
	op := func() error {
		resp, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, method, path, body)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(permanentErr(fmt.Errorf("memoryclient: circuit open: %w", err)))
			}
			if ce, ok := err.(*ClientError); ok && ce.Kind == ErrorPermanent {
				return backoff.Permanent(err)
			}
			return err // transient, retry
		}
		result = resp.([]byte)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if pe, ok := err.(*backoff.PermanentError); ok {
			perm = pe
			return nil, perm.Err
		}
		return nil, transientErr(err)
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, permanentErr(fmt.Errorf("memoryclient: marshal request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, reader)
	if err != nil {
		return nil, permanentErr(fmt.Errorf("memoryclient: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transientErr(fmt.Errorf("memoryclient: deadline exceeded: %w", ctx.Err()))
		}
		return nil, transientErr(fmt.Errorf("memoryclient: request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr(fmt.Errorf("memoryclient: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, permanentErr(fmt.Errorf("memoryclient: auth error (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return nil, permanentErr(fmt.Errorf("memoryclient: schema error (status %d): %s", resp.StatusCode, string(respBody)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transientErr(fmt.Errorf("memoryclient: transient error (status %d)", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, permanentErr(fmt.Errorf("memoryclient: unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}
