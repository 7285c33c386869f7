package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/btree"
)

// SparseSessionIndex is the sparse entry for one sessionId.
type SparseSessionIndex struct {
	From         int64           `json:"from"`
	To           int64           `json:"to"`
	EventCount   int             `json:"eventCount"`
	Segments     []string        `json:"segments"`
	Contributors map[string]bool `json:"contributors,omitempty"`
	Threads      map[string]bool `json:"threads,omitempty"`
}

// SparseThreadIndex is the sparse entry for one threadId.
type SparseThreadIndex struct {
	From       int64    `json:"from"`
	To         int64    `json:"to"`
	EventCount int      `json:"eventCount"`
	Segments   []string `json:"segments"`
}

// SparseIndex maps sessionId/threadId to the segments that contain their
// events, plus aggregate stats.
type SparseIndex struct {
	Sessions map[string]*SparseSessionIndex `json:"sessions"`
	Threads  map[string]*SparseThreadIndex  `json:"threads"`
}

func newSparseIndex() *SparseIndex {
	return &SparseIndex{
		Sessions: make(map[string]*SparseSessionIndex),
		Threads:  make(map[string]*SparseThreadIndex),
	}
}

func sparsePath(root, repoID string) string {
	return filepath.Join(root, "index", repoID, "sparse.json")
}

func loadSparseIndex(root, repoID string) (*SparseIndex, error) {
	path := sparsePath(root, repoID)
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return newSparseIndex(), nil
		}
		return nil, fmt.Errorf("mirror: read sparse index %s: %w", path, err)
	}
	var idx SparseIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("mirror: parse sparse index %s: %w", path, err)
	}
	if idx.Sessions == nil {
		idx.Sessions = make(map[string]*SparseSessionIndex)
	}
	if idx.Threads == nil {
		idx.Threads = make(map[string]*SparseThreadIndex)
	}
	return &idx, nil
}

func saveSparseIndex(root, repoID string, idx *SparseIndex) error {
	path := sparsePath(root, repoID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mirror: mkdir for sparse index: %w", err)
	}
	b, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("mirror: marshal sparse index: %w", err)
	}
	return atomicWriteFile(path, b)
}

// update extends the sparse entries for sessionId/threadId with one
// appended event.
func (idx *SparseIndex) update(sessionID, threadID, actorID, segPath string, tsUnixNano int64) {
	s, ok := idx.Sessions[sessionID]
	if !ok {
		s = &SparseSessionIndex{From: tsUnixNano, Contributors: map[string]bool{}, Threads: map[string]bool{}}
		idx.Sessions[sessionID] = s
	}
	if s.From == 0 || tsUnixNano < s.From {
		s.From = tsUnixNano
	}
	if tsUnixNano > s.To {
		s.To = tsUnixNano
	}
	s.EventCount++
	s.Segments = appendUnique(s.Segments, segPath)
	if s.Contributors == nil {
		s.Contributors = map[string]bool{}
	}
	if actorID != "" {
		s.Contributors[actorID] = true
	}
	if s.Threads == nil {
		s.Threads = map[string]bool{}
	}
	if threadID != "" {
		s.Threads[threadID] = true
	}

	t, ok := idx.Threads[threadID]
	if !ok {
		t = &SparseThreadIndex{From: tsUnixNano}
		idx.Threads[threadID] = t
	}
	if t.From == 0 || tsUnixNano < t.From {
		t.From = tsUnixNano
	}
	if tsUnixNano > t.To {
		t.To = tsUnixNano
	}
	t.EventCount++
	t.Segments = appendUnique(t.Segments, segPath)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// sessionItem adapts a SparseSessionIndex into a btree.Item ordered by
// `to` descending, backing listSessions without re-scanning the
// manifest.
type sessionItem struct {
	sessionID string
	to        int64
}

func (a sessionItem) Less(than btree.Item) bool {
	b := than.(sessionItem)
	if a.to != b.to {
		return a.to > b.to // descending by `to`
	}
	return a.sessionID < b.sessionID
}

// SessionsByRecency returns sessionIds ordered by `to` descending, using
// an in-memory B-tree built from the sparse index snapshot.
func (idx *SparseIndex) SessionsByRecency() []string {
	bt := btree.New(32)
	for id, s := range idx.Sessions {
		bt.ReplaceOrInsert(sessionItem{sessionID: id, to: s.To})
	}
	out := make([]string, 0, bt.Len())
	bt.Ascend(func(it btree.Item) bool {
		out = append(out, it.(sessionItem).sessionID)
		return true
	})
	return out
}
