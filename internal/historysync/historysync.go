// Package historysync implements the History Sync Projector: a stateful
// importer of external JSONL transcript files. It tracks a per-file
// cursor, classifies each file into a small state machine, projects raw
// records into pipeline calls, and persists its cursor atomically so
// re-entry after a crash or restart is idempotent.
//
// Scanning is line-oriented with a large scanner buffer for oversized
// lines, resuming each file from its own persisted cursor.
package historysync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/pipeline"
)

var tracer = otel.Tracer("github.com/codaph/codaph/historysync")

// FileState is a file's position in the per-file state machine.
type FileState string

const (
	StateDiscovered FileState = "discovered"
	StateIgnored    FileState = "ignored"
	StateBlocked    FileState = "blocked"
	StateActive     FileState = "active"
)

// Cursor is the resumable read position for one transcript file.
type Cursor struct {
	LineCount int    `json:"lineCount"`
	Sequence  uint64 `json:"sequence"`
}

// cursorFile is the on-disk shape at
// index/<repoId>/<history-sync-source>.json.
type cursorFile struct {
	Files map[string]Cursor `json:"files"`
}

// ProgressFunc is invoked as the projector imports events, throttled to
// at most once per 120ms and at least once every 50 imported events.
type ProgressFunc func(path string, totalImported int)

// CursorResetError reports that a file's cursor was reset to zero,
// either because the file was rotated/truncated or because the
// recovery branch fired.
type CursorResetError struct {
	Path   string
	Reason string
}

func (e *CursorResetError) Error() string {
	return fmt.Sprintf("historysync: cursor reset for %s: %s", e.Path, e.Reason)
}

// Config configures a Projector.
type Config struct {
	// RepoID is the repo this projector feeds events into.
	RepoID string
	// ProjectRoot is the prefix a record's cwd must match for its file
	// to be classified ACTIVE rather than IGNORED.
	ProjectRoot string
	// SourceDir is the external directory of transcript files to scan.
	SourceDir string
	// IndexPath is the path to this source's cursor file
	// (index/<repoId>/<history-sync-source>.json).
	IndexPath string
	// Pipeline receives projected envelopes.
	Pipeline *pipeline.Pipeline
	// OnProgress is optional throttled progress reporting.
	OnProgress ProgressFunc
	// LegacyCursorRecovery gates the permanent recovery branch for
	// cursors predating the sequence-tracking format; defaults to true.
	LegacyCursorRecovery *bool
}

// Projector scans SourceDir for transcript files, resumes each from its
// persisted cursor, and projects new lines into the pipeline.
type Projector struct {
	repoID      string
	projectRoot string
	sourceDir   string
	indexPath   string
	pl          *pipeline.Pipeline
	onProgress  ProgressFunc
	legacyRecov bool

	mu      sync.Mutex
	cursors map[string]Cursor // absolutePath -> cursor

	lastProgressAt time.Time
	sinceProgress  int
	totalImported  int
}

// New constructs a Projector, loading any persisted cursor state.
func New(cfg Config) (*Projector, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("historysync: pipeline is required")
	}
	if cfg.SourceDir == "" {
		return nil, fmt.Errorf("historysync: sourceDir is required")
	}
	if cfg.IndexPath == "" {
		return nil, fmt.Errorf("historysync: indexPath is required")
	}
	legacy := true
	if cfg.LegacyCursorRecovery != nil {
		legacy = *cfg.LegacyCursorRecovery
	}
	p := &Projector{
		repoID:      cfg.RepoID,
		projectRoot: cfg.ProjectRoot,
		sourceDir:   cfg.SourceDir,
		indexPath:   cfg.IndexPath,
		pl:          cfg.Pipeline,
		onProgress:  cfg.OnProgress,
		legacyRecov: legacy,
		cursors:     make(map[string]Cursor),
	}
	if err := p.loadCursors(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Projector) loadCursors() error {
	b, err := os.ReadFile(p.indexPath) // #nosec G304 - path supplied by caller config
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("historysync: read cursor file %s: %w", p.indexPath, err)
	}
	var cf cursorFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return fmt.Errorf("historysync: parse cursor file %s: %w", p.indexPath, err)
	}
	if cf.Files != nil {
		p.cursors = cf.Files
	}
	return nil
}

// saveCursors persists the cursor map via write-temp-then-rename,
// mirroring internal/mirror's manifest persistence.
func (p *Projector) saveCursors() error {
	if err := os.MkdirAll(filepath.Dir(p.indexPath), 0o750); err != nil {
		return fmt.Errorf("historysync: mkdir for cursor file: %w", err)
	}
	cf := cursorFile{Files: p.cursors}
	b, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("historysync: marshal cursor file: %w", err)
	}
	tmp := p.indexPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return fmt.Errorf("historysync: create temp cursor file %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("historysync: write temp cursor file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("historysync: fsync temp cursor file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("historysync: close temp cursor file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.indexPath); err != nil {
		return fmt.Errorf("historysync: rename %s to %s: %w", tmp, p.indexPath, err)
	}
	return nil
}

// rawRecord is one newline-delimited JSON line in a transcript file.
type rawRecord struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`

	// session_meta
	ThreadID   string `json:"threadId"`
	Cwd        string `json:"cwd"`
	Source     string `json:"source"`
	Originator string `json:"originator"`

	// turn_context
	TurnID string `json:"turnId"`
	Model  string `json:"model"`

	// event_msg
	Msg *eventMsg `json:"msg"`

	// response_item
	Item *responseItem `json:"item"`
}

type eventMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseItem struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Phase     string `json:"phase"`
	Text      string `json:"text"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
}

// ScanFile processes every new line of path since its persisted cursor,
// classifying the file, applying the projection rules, and persisting
// the cursor atomically afterward.
func (p *Projector) ScanFile(ctx context.Context, sessionID, path string) (FileState, int, error) {
	ctx, span := tracer.Start(ctx, "historysync.ScanFile")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	lines, err := readLines(path)
	if err != nil {
		return StateDiscovered, 0, fmt.Errorf("historysync: read %s: %w", path, err)
	}

	state, cwd, err := classify(lines, p.projectRoot)
	if err != nil {
		return StateDiscovered, 0, err
	}
	if state != StateActive {
		log.Printf("historysync: %s classified %s (cwd=%q)", path, state, cwd)
		return state, 0, nil
	}

	p.mu.Lock()
	cursor := p.cursors[path]
	p.mu.Unlock()

	if len(lines) < cursor.LineCount {
		log.Print(&CursorResetError{Path: path, Reason: fmt.Sprintf("file truncated: fileLines=%d < cursor.lineCount=%d", len(lines), cursor.LineCount)})
		cursor = Cursor{}
	} else if cursor.Sequence == 0 && cursor.LineCount > 0 {
		if p.legacyRecov {
			log.Print(&CursorResetError{Path: path, Reason: fmt.Sprintf("legacy recovery: sequence=0, lineCount=%d", cursor.LineCount)})
			cursor.LineCount = 0
		}
	}

	imported := 0
	seq := cursor.Sequence
	for i := cursor.LineCount; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			cursor.LineCount = i + 1
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("historysync: skipping malformed line %d in %s: %v", i, path, err)
			cursor.LineCount = i + 1
			continue
		}

		emits := project(rec)
		for _, em := range emits {
			seq++
			if err := p.pl.IngestRawLine(sessionID, line); err != nil {
				return StateActive, imported, fmt.Errorf("historysync: ingestRawLine %s:%d: %w", path, i, err)
			}
			meta := pipeline.Meta{
				Source:    envelope.Source(cwd2source(rec.Source)),
				RepoID:    p.repoID,
				SessionID: sessionID,
				ThreadID:  rec.ThreadID,
				TS:        parseRecordTimestamp(rec.Timestamp),
			}
			if _, err := p.pl.Ingest(ctx, em.eventType, em.payload, meta); err != nil {
				return StateActive, imported, fmt.Errorf("historysync: ingest %s:%d: %w", path, i, err)
			}
			imported++
			p.reportProgress(path)
		}
		cursor.LineCount = i + 1
		cursor.Sequence = seq
	}

	p.mu.Lock()
	p.cursors[path] = cursor
	err = p.saveCursors()
	p.mu.Unlock()
	if err != nil {
		return StateActive, imported, err
	}

	return StateActive, imported, nil
}

func cwd2source(s string) string {
	if s == "" {
		return string(envelope.SourceCodexExec)
	}
	return s
}

// parseRecordTimestamp parses a transcript record's timestamp field,
// returning the zero time for an empty or unparseable value so the
// pipeline falls back to the ingest clock.
func parseRecordTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (p *Projector) reportProgress(path string) {
	if p.onProgress == nil {
		return
	}
	p.totalImported++
	p.sinceProgress++
	now := time.Now()
	if p.sinceProgress < 50 && now.Sub(p.lastProgressAt) < 120*time.Millisecond {
		return
	}
	p.sinceProgress = 0
	p.lastProgressAt = now
	p.onProgress(path, p.totalImported)
}

// classify implements the DISCOVERED -> IGNORED/BLOCKED/ACTIVE state
// machine: a file is BLOCKED until a session_meta record
// establishes its cwd, then IGNORED if that cwd doesn't fall under the
// project root, else ACTIVE.
func classify(lines []string, projectRoot string) (FileState, string, error) {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type == "session_meta" {
			if projectRoot == "" || strings.HasPrefix(rec.Cwd, projectRoot) {
				return StateActive, rec.Cwd, nil
			}
			return StateIgnored, rec.Cwd, nil
		}
	}
	return StateBlocked, "", nil
}

// emission is one projected envelope, pending pipeline.Ingest.
type emission struct {
	eventType string
	payload   map[string]any
}

// project implements the rawRecord -> envelope projection table.
func project(rec rawRecord) []emission {
	switch rec.Type {
	case "session_meta":
		return []emission{{
			eventType: "thread.started",
			payload: map[string]any{
				"thread_id":  rec.ThreadID,
				"cwd":        rec.Cwd,
				"source":     rec.Source,
				"originator": rec.Originator,
			},
		}}
	case "turn_context":
		return []emission{{
			eventType: "turn.started",
			payload:   map[string]any{"turnId": rec.TurnID, "cwd": rec.Cwd, "model": rec.Model},
		}}
	case "event_msg":
		return projectEventMsg(rec.Msg)
	case "response_item":
		return projectResponseItem(rec.Item)
	default:
		return nil
	}
}

func projectEventMsg(msg *eventMsg) []emission {
	if msg == nil {
		return nil
	}
	switch msg.Type {
	case "user_message":
		if msg.Text == "" {
			return nil
		}
		return []emission{{eventType: "prompt.submitted", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemUserMessage), "text": msg.Text}}}}
	case "agent_reasoning":
		if msg.Text == "" {
			return nil
		}
		return []emission{{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemReasoning), "text": msg.Text}}}}
	case "agent_message":
		if msg.Text == "" {
			return nil
		}
		return []emission{{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemAgentMessage), "text": msg.Text}}}}
	case "task_complete":
		return []emission{{eventType: "turn.completed", payload: map[string]any{}}}
	default:
		return nil
	}
}

func projectResponseItem(item *responseItem) []emission {
	if item == nil {
		return nil
	}
	switch item.Type {
	case "reasoning":
		if item.Text == "" {
			return nil
		}
		return []emission{{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemReasoning), "text": item.Text}}}}
	case "function_call":
		out := []emission{{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemToolCall), "arguments": item.Arguments}}}}
		if strings.Contains(item.Arguments, "*** Begin Patch") {
			if changes := parsePatchChanges(item.Arguments); len(changes) > 0 {
				out = append(out, emission{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemFileChange), "changes": changes}}})
			}
		}
		return out
	case "function_call_output":
		out := []emission{{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemToolResult), "output": item.Output}}}}
		if changes := parseDiffPrefixes(item.Output); len(changes) > 0 {
			out = append(out, emission{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemFileChange), "changes": changes}}})
		}
		return out
	case "message":
		if item.Role == "assistant" && item.Phase == "final_answer" && item.Text != "" {
			return []emission{{eventType: "item.completed", payload: map[string]any{"item": map[string]any{"type": string(envelope.ItemAgentMessage), "text": item.Text}}}}
		}
		return nil
	default:
		return nil
	}
}

// parsePatchChanges extracts file paths from a "*** Begin Patch" body,
// recognising the "*** Add File:"/"*** Delete File:"/"*** Update File:"
// markers.
func parsePatchChanges(args string) []map[string]any {
	var changes []map[string]any
	for _, line := range strings.Split(args, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "*** Add File:"):
			changes = append(changes, map[string]any{"path": strings.TrimSpace(strings.TrimPrefix(line, "*** Add File:")), "kind": string(envelope.ChangeAdd)})
		case strings.HasPrefix(line, "*** Delete File:"):
			changes = append(changes, map[string]any{"path": strings.TrimSpace(strings.TrimPrefix(line, "*** Delete File:")), "kind": string(envelope.ChangeDelete)})
		case strings.HasPrefix(line, "*** Update File:"):
			changes = append(changes, map[string]any{"path": strings.TrimSpace(strings.TrimPrefix(line, "*** Update File:")), "kind": string(envelope.ChangeUpdate)})
		}
	}
	return changes
}

// parseDiffPrefixes extracts file paths from "M path"/"A path"/"D path"
// lines in a function_call_output body.
func parseDiffPrefixes(output string) []map[string]any {
	var changes []map[string]any
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		prefix, rest := line[0], line[1:]
		if rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		path := strings.TrimSpace(rest)
		if path == "" {
			continue
		}
		var kind envelope.FileChangeKind
		switch prefix {
		case 'M':
			kind = envelope.ChangeUpdate
		case 'A':
			kind = envelope.ChangeAdd
		case 'D':
			kind = envelope.ChangeDelete
		default:
			continue
		}
		changes = append(changes, map[string]any{"path": path, "kind": string(kind)})
	}
	return changes
}

// readLines reads a file into its newline-delimited lines, matching the
// teacher's large-buffer scanning convention (internal/jsonl/reader.go)
// so oversized transcript lines don't truncate silently.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 - path supplied by caller config
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// sessionIDForPath derives a stable session id from a transcript file's
// path, used when the caller doesn't already know the session id for a
// file discovered by the watcher.
func sessionIDForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Watcher watches SourceDir for new or modified transcript files between
// scheduled scans.
type Watcher struct {
	proj    *Projector
	watcher *fsnotify.Watcher
	onError func(error)
}

// NewWatcher creates a Watcher bound to proj's source directory.
func NewWatcher(proj *Projector, onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("historysync: create fsnotify watcher: %w", err)
	}
	if err := fw.Add(proj.sourceDir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("historysync: watch %s: %w", proj.sourceDir, err)
	}
	return &Watcher{proj: proj, watcher: fw, onError: onError}, nil
}

// Run processes fsnotify events until ctx is cancelled, rescanning any
// file that was written to or created.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			sessionID := sessionIDForPath(ev.Name)
			if _, _, err := w.proj.ScanFile(ctx, sessionID, ev.Name); err != nil && w.onError != nil {
				w.onError(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}
