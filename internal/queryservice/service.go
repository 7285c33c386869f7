// Package queryservice implements the read-only Query Service: session
// listing, timeline assembly, diff summaries and contributor rollups,
// each minimizing the set of segments it has to
// open.
package queryservice

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/codaph/codaph/internal/diffproj"
	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/mirror"
	"github.com/codaph/codaph/internal/query"
)

var tracer = otel.Tracer("github.com/codaph/codaph/queryservice")

// SessionSummary is one entry in listSessions.
type SessionSummary struct {
	SessionID    string
	ThreadID     string
	From         int64
	To           int64
	EventCount   int
	Contributors []string
}

// Service answers read-only questions over one repo's mirror.
type Service struct {
	store *mirror.Store
}

// New constructs a query Service over an already-open mirror store.
func New(store *mirror.Store) *Service {
	return &Service{store: store}
}

// ListSessions returns every known session for repoID, most-recently
// active first.
func (s *Service) ListSessions(ctx context.Context, repoID string) ([]SessionSummary, error) {
	_, span := tracer.Start(ctx, "query.ListSessions")
	defer span.End()

	idx, err := s.store.ReadSparseIndex(repoID)
	if err != nil {
		return nil, err
	}

	order := idx.SessionsByRecency()
	out := make([]SessionSummary, 0, len(order))
	for _, sessionID := range order {
		sess := idx.Sessions[sessionID]
		contributors := make([]string, 0, len(sess.Contributors))
		for actor := range sess.Contributors {
			contributors = append(contributors, actor)
		}
		sort.Strings(contributors)
		out = append(out, SessionSummary{
			SessionID:    sessionID,
			From:         sess.From,
			To:           sess.To,
			EventCount:   sess.EventCount,
			Contributors: contributors,
		})
	}
	return out, nil
}

// GetTimeline returns every event for a session, ordered by timestamp
// ascending with sequence as a tie-break.
func (s *Service) GetTimeline(ctx context.Context, repoID, sessionID string) ([]*envelope.Envelope, error) {
	_, span := tracer.Start(ctx, "query.GetTimeline")
	defer span.End()

	idx, err := s.store.ReadSparseIndex(repoID)
	if err != nil {
		return nil, err
	}
	sess, ok := idx.Sessions[sessionID]
	if !ok {
		return nil, nil
	}

	var warnings []string
	envs, err := s.store.ReadEventsFromSegments(sess.Segments, func(w string) { warnings = append(warnings, w) })
	if err != nil {
		return nil, err
	}

	out := envs[:0]
	for _, e := range envs {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.Before(out[j].TS)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// QueryTimeline returns a session's timeline filtered by a small filter
// expression (e.g. "eventType=item.completed AND actorId=agent-1"),
// letting callers narrow a timeline without re-deriving one per field;
// see internal/query for the expression grammar.
func (s *Service) QueryTimeline(ctx context.Context, repoID, sessionID, filterExpr string) ([]*envelope.Envelope, error) {
	timeline, err := s.GetTimeline(ctx, repoID, sessionID)
	if err != nil {
		return nil, err
	}
	if filterExpr == "" {
		return timeline, nil
	}
	pred, err := query.EvaluateAt(filterExpr, time.Now())
	if err != nil {
		return nil, err
	}
	out := make([]*envelope.Envelope, 0, len(timeline))
	for _, env := range timeline {
		if pred(env) {
			out = append(out, env)
		}
	}
	return out, nil
}

// GetDiffSummary projects a session's file-level change summary and diff
// fragments.
func (s *Service) GetDiffSummary(ctx context.Context, repoID, sessionID, pathPrefix string) ([]diffproj.FileDiffSummary, []diffproj.Fragment, error) {
	envs, err := s.GetTimeline(ctx, repoID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	summaries, fragments := diffproj.Project(envs)
	return diffproj.Filter(summaries, pathPrefix), fragments, nil
}

// ListContributors returns the distinct actorIds observed for a session.
func (s *Service) ListContributors(ctx context.Context, repoID, sessionID string) ([]string, error) {
	idx, err := s.store.ReadSparseIndex(repoID)
	if err != nil {
		return nil, err
	}
	sess, ok := idx.Sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(sess.Contributors))
	for actor := range sess.Contributors {
		out = append(out, actor)
	}
	sort.Strings(out)
	return out, nil
}
