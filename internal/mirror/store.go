// Package mirror implements the append-only segmented log that backs one
// repo's event history: segment files, a manifest, and sparse indices
// over sessionId/threadId, plus a redacted raw transcript mirror.
package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/lockfile"
)

var tracer = otel.Tracer("github.com/codaph/codaph/mirror")

// AppendResult reports where an event landed, or that it was a no-op
// because the eventId was already known.
type AppendResult struct {
	Segment      string
	Offset       int64
	Checksum     uint32
	Deduplicated bool
}

// Store is a repo-scoped append-only mirror. One Store instance is the
// single in-process writer for a repo root; cross-process writers
// coordinate via an advisory lock on index/<repoId>/manifest.lock.
type Store struct {
	root string

	mu        sync.Mutex // guards repoLocks map
	repoLocks map[string]*sync.Mutex
}

// NewStore opens (without creating) a mirror rooted at root, conventionally
// <project>/<dot-dir>.
func NewStore(root string) *Store {
	return &Store{root: root, repoLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) repoLock(repoID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.repoLocks[repoID]
	if !ok {
		l = &sync.Mutex{}
		s.repoLocks[repoID] = l
	}
	return l
}

// crossProcessLock acquires (blocking) the OS-level advisory lock on
// index/<repoId>/manifest.lock. Callers must call the returned unlock
// func.
func (s *Store) crossProcessLock(repoID string) (unlock func(), err error) {
	path := filepath.Join(s.root, "index", repoID, "manifest.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("mirror: mkdir for lock: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("mirror: open manifest lock %s: %w", path, err)
	}
	if err := lockfile.FlockExclusiveBlocking(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mirror: acquire manifest lock %s: %w", path, err)
	}
	return func() {
		_ = lockfile.FlockUnlock(f)
		_ = f.Close()
	}, nil
}

// AppendEvent appends env to the mirror, updating the manifest and
// sparse indices, and returns a verdict including whether it was
// deduplicated by eventId.
func (s *Store) AppendEvent(ctx context.Context, env *envelope.Envelope) (AppendResult, error) {
	ctx, span := tracer.Start(ctx, "mirror.AppendEvent")
	defer span.End()
	span.SetAttributes(attribute.String("repoId", env.RepoID), attribute.String("sessionId", env.SessionID))

	if env.EventID == "" {
		id, err := envelope.ComputeEventID(env)
		if err != nil {
			return AppendResult{}, fmt.Errorf("mirror: compute eventId: %w", err)
		}
		env.EventID = id
	}

	lock := s.repoLock(env.RepoID)
	lock.Lock()
	defer lock.Unlock()

	unlock, err := s.crossProcessLock(env.RepoID)
	if err != nil {
		return AppendResult{}, err
	}
	defer unlock()

	idx, err := loadSparseIndex(s.root, env.RepoID)
	if err != nil {
		return AppendResult{}, err
	}

	if sess, ok := idx.Sessions[env.SessionID]; ok {
		if dup, err := s.segmentsContainEventID(sess.Segments, env.EventID); err != nil {
			return AppendResult{}, err
		} else if dup {
			return AppendResult{Deduplicated: true}, nil
		}
	}

	man, err := loadManifest(s.root, env.RepoID)
	if err != nil {
		return AppendResult{}, err
	}

	relPath := segmentRelPath(env.RepoID, env.TS)
	rotate, err := shouldRotate(s.root, relPath)
	if err != nil {
		return AppendResult{}, fmt.Errorf("mirror: check rotation: %w", err)
	}
	if rotate {
		relPath = nextRotatedPath(s.root, relPath)
	}

	line, err := env.CanonicalJSON()
	if err != nil {
		return AppendResult{}, fmt.Errorf("mirror: canonicalize envelope: %w", err)
	}
	checksum := lineChecksum(line)

	f, err := openSegmentForAppend(s.root, relPath)
	if err != nil {
		return AppendResult{}, fmt.Errorf("mirror: %w", err)
	}
	offset, werr := appendLine(f, line)
	closeErr := f.Close()
	if werr != nil {
		return AppendResult{}, fmt.Errorf("mirror: append to segment: %w", werr)
	}
	if closeErr != nil {
		return AppendResult{}, fmt.Errorf("mirror: close segment: %w", closeErr)
	}

	meta := man.Segments[relPath]
	if meta.EventCount == 0 || env.TS.UnixNano() < meta.From {
		meta.From = env.TS.UnixNano()
	}
	if env.TS.UnixNano() > meta.To {
		meta.To = env.TS.UnixNano()
	}
	meta.EventCount++
	meta.Checksum = fmt.Sprintf("%08x", checksum)
	man.Segments[relPath] = meta
	man.Generation++

	idx.update(env.SessionID, env.ThreadID, env.ActorID, relPath, env.TS.UnixNano())

	if err := saveManifest(s.root, env.RepoID, man); err != nil {
		// Segment bytes are already durable; manifest can be rebuilt by
		// replaying segments.
		return AppendResult{}, fmt.Errorf("mirror: persist manifest: %w", err)
	}
	if err := saveSparseIndex(s.root, env.RepoID, idx); err != nil {
		return AppendResult{}, fmt.Errorf("mirror: persist sparse index: %w", err)
	}

	return AppendResult{Segment: relPath, Offset: offset, Checksum: checksum}, nil
}

func appendLine(f *os.File, line []byte) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := info.Size()
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return offset, nil
}

// nextRotatedPath returns base with a numeric suffix inserted before the
// extension, e.g. "00.jsonl" -> "00.2.jsonl", picking the first suffix
// that doesn't already exceed the rotation threshold.
func nextRotatedPath(root, base string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s.%d%s", stem, n, ext)
		rotate, err := shouldRotate(root, candidate)
		if err != nil || !rotate {
			return candidate
		}
	}
}

// segmentsContainEventID scans the given segment files for eventId,
// short-circuiting on the first match.
func (s *Store) segmentsContainEventID(segments []string, eventID string) (bool, error) {
	for _, rel := range segments {
		abs := segmentAbsPath(s.root, rel)
		found, err := fileContainsEventID(abs, eventID)
		if err != nil {
			if os.IsNotExist(err) {
				continue // missing segment is non-fatal, elided with a warning
			}
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func fileContainsEventID(abs, eventID string) (bool, error) {
	f, err := os.Open(abs) // #nosec G304
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	needle := []byte(`"eventId":"` + eventID + `"`)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if bytesContains(scanner.Bytes(), needle) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func bytesContains(haystack, needle []byte) bool {
	return strings.Contains(string(haystack), string(needle))
}

// AppendRawLine appends a redacted verbatim upstream line to
// raw/<sessionId>.jsonl.
func (s *Store) AppendRawLine(sessionID, line string) error {
	path := filepath.Join(s.root, "raw", sessionID+".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mirror: mkdir for raw mirror: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304
	if err != nil {
		return fmt.Errorf("mirror: open raw mirror %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("mirror: append raw line: %w", err)
	}
	return f.Sync()
}

// ReadManifest returns the current manifest for repoID.
func (s *Store) ReadManifest(repoID string) (*Manifest, error) {
	return loadManifest(s.root, repoID)
}

// ReadSparseIndex returns the current sparse index for repoID.
func (s *Store) ReadSparseIndex(repoID string) (*SparseIndex, error) {
	return loadSparseIndex(s.root, repoID)
}

// ReadEventsFromSegments streams envelopes from the given repo-relative
// segment paths in the order given, skipping missing segments with a
// warning rather than failing.
func (s *Store) ReadEventsFromSegments(segments []string, onWarning func(string)) ([]*envelope.Envelope, error) {
	var out []*envelope.Envelope
	for _, rel := range segments {
		abs := segmentAbsPath(s.root, rel)
		f, err := os.Open(abs) // #nosec G304
		if err != nil {
			if os.IsNotExist(err) {
				if onWarning != nil {
					onWarning(fmt.Sprintf("mirror: segment missing, skipping: %s", rel))
				}
				continue
			}
			return nil, fmt.Errorf("mirror: open segment %s: %w", rel, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var env envelope.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				if onWarning != nil {
					onWarning(fmt.Sprintf("mirror: skipping malformed line in %s: %v", rel, err))
				}
				continue
			}
			out = append(out, &env)
		}
		serr := scanner.Err()
		_ = f.Close()
		if serr != nil {
			return nil, fmt.Errorf("mirror: scan segment %s: %w", rel, serr)
		}
	}
	return out, nil
}

// Root returns the mirror's on-disk root path.
func (s *Store) Root() string { return s.root }
