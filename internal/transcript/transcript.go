// Package transcript implements the append-only, crash-recoverable
// per-session transcript writer. Each entry is appended and fsync'd
// individually as one JSON Lines record, grounded on the teacher's
// checkpoint package's "compress, write, never corrupt the previous
// write" discipline, adapted from a single gzip blob to an append-only
// line format so a crash mid-write only loses the last unterminated
// line, never the whole file.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/descartes-run/descartes/internal/errkind"
)

// Role is the speaker/kind of a transcript entry.
type Role string

const (
	RoleUser          Role = "user"
	RoleAssistant     Role = "assistant"
	RoleToolCall      Role = "tool_call"
	RoleToolResult    Role = "tool_result"
	RoleSubagentSpawn Role = "subagent_spawn"
	RoleError         Role = "error"
)

// Entry is one recorded transcript event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolName  *string   `json:"tool_name,omitempty"`
	ToolID    *string   `json:"tool_id,omitempty"`
}

// Metadata is the single header line written once per transcript file.
type Metadata struct {
	SessionID           string    `json:"session_id"`
	CreatedAt           time.Time `json:"created_at"`
	Backend             string    `json:"backend,omitempty"`
	Model               string    `json:"model,omitempty"`
	Task                string    `json:"task,omitempty"`
	ParentSessionID     string    `json:"parent_session_id,omitempty"`
	ToolPermissionLevel string    `json:"tool_permission_level,omitempty"`
}

// Writer appends entries to a single session's transcript file.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the transcript file for a session
// under dir, writing the metadata header line if the file is new. The
// file is named by CreatedAt and a short id, not by SessionID, so
// Open must be called at most once per session; reopening an existing
// session's transcript is done via its discovered path, not Open.
func Open(dir string, meta Metadata) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errkind.New(errkind.IO, "transcript.Open", err)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	path := filepath.Join(dir, FileName(meta.CreatedAt, meta.SessionID))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errkind.New(errkind.IO, "transcript.Open", err)
	}

	w := &Writer{path: path, f: f}
	if err := w.writeLine(metaLine{Metadata: &meta}); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// FileName returns the conventional transcript file name for a session
// created at t: YYYY-MM-DD-HH-MM-SS-<short-id>.jsonl. shortID is
// derived from sessionID when non-empty, or a fresh short id otherwise,
// so two sessions created in the same second never collide.
func FileName(t time.Time, sessionID string) string {
	shortID := sessionID
	if shortID == "" {
		shortID = uuid.NewString()
	}
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("%s-%s.jsonl", t.UTC().Format("2006-01-02-15-04-05"), shortID)
}

// metaLine and entryLine share one JSON-line schema: exactly one of the
// two pointer fields is populated per line.
type metaLine struct {
	Metadata *Metadata `json:"metadata,omitempty"`
	Entry    *Entry    `json:"entry,omitempty"`
}

func (w *Writer) writeLine(v metaLine) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errkind.New(errkind.Internal, "transcript.writeLine", err)
	}
	if _, err := w.f.Write(append(raw, '\n')); err != nil {
		return errkind.New(errkind.IO, "transcript.writeLine", err)
	}
	return w.f.Sync()
}

// Append writes one entry, fsync'ing before returning.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return w.writeLine(metaLine{Entry: &e})
}

// Path returns the transcript file's on-disk path.
func (w *Writer) Path() string { return w.path }

// Close closes the underlying file.
func (w *Writer) Close() error { return w.f.Close() }

// Transcript is the fully reassembled in-memory view produced by Read.
type Transcript struct {
	Metadata Metadata
	Entries  []Entry
}

// Read parses an entire transcript file, tolerating (and skipping) a
// truncated final line left by a crash mid-append.
func Read(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.New(errkind.IO, "transcript.Read", err)
	}
	defer f.Close()

	var t Transcript
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ml metaLine
		if err := json.Unmarshal(line, &ml); err != nil {
			continue // truncated/corrupt line: skip it and keep reading
		}
		if ml.Metadata != nil {
			t.Metadata = *ml.Metadata
		}
		if ml.Entry != nil {
			t.Entries = append(t.Entries, *ml.Entry)
		}
	}
	return &t, nil
}

// Replay invokes fn for each entry in order, sleeping between entries
// scaled by speedFactor (1.0 == real time, 0 == as fast as possible).
func Replay(t *Transcript, speedFactor float64, fn func(Entry)) {
	var prev time.Time
	for i, e := range t.Entries {
		if i > 0 && speedFactor > 0 && !prev.IsZero() {
			gap := e.Timestamp.Sub(prev)
			if gap > 0 {
				sleepScaled(gap, speedFactor)
			}
		}
		fn(e)
		prev = e.Timestamp
	}
}

func sleepScaled(d time.Duration, speedFactor float64) {
	scaled := time.Duration(float64(d) / speedFactor)
	if scaled > 0 {
		<-time.After(scaled)
	}
}

// List returns the transcript file paths under dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.New(errkind.IO, "transcript.List", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}
