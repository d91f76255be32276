package transcript

import (
	"os"
	"testing"
	"time"
)

func openForAppendTest(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Metadata{SessionID: "sess1", Backend: "claude-code", Model: "sonnet"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	toolName := "grep"
	entries := []Entry{
		{Role: RoleUser, Content: "find the bug"},
		{Role: RoleToolCall, Content: "grep -rn bug", ToolName: &toolName},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if got.Metadata.SessionID != "sess1" || got.Metadata.Backend != "claude-code" {
		t.Errorf("unexpected metadata: %+v", got.Metadata)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(got.Entries))
	}
	if got.Entries[0].Role != RoleUser || got.Entries[1].Role != RoleToolCall {
		t.Errorf("entries out of order: %+v", got.Entries)
	}
	if got.Entries[1].ToolName == nil || *got.Entries[1].ToolName != "grep" {
		t.Errorf("ToolName = %v, want grep", got.Entries[1].ToolName)
	}
}

func TestReadToleratesTruncatedFinalLine(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Metadata{SessionID: "sess2"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	_ = w.Append(Entry{Role: RoleUser, Content: "hi"})
	path := w.Path()
	w.Close()

	// Simulate a crash mid-append by corrupting the file with a
	// truncated trailing line.
	f, err := openForAppendTest(path)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	f.WriteString(`{"entry":{"role":"use`)
	f.Close()

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(got.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1 (truncated line skipped)", len(got.Entries))
	}
}

func TestReplayOrdersEntries(t *testing.T) {
	tr := &Transcript{Entries: []Entry{
		{Timestamp: time.Unix(1, 0), Role: RoleUser, Content: "a"},
		{Timestamp: time.Unix(2, 0), Role: RoleAssistant, Content: "b"},
	}}

	var seen []string
	Replay(tr, 0, func(e Entry) { seen = append(seen, e.Content) })

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("Replay order = %v, want [a b]", seen)
	}
}

func TestFileNameUsesTimestampAndShortID(t *testing.T) {
	ts := time.Date(2026, 7, 29, 14, 30, 5, 0, time.UTC)
	name := FileName(ts, "abcdef1234567890")
	want := "2026-07-29-14-30-05-abcdef12.jsonl"
	if name != want {
		t.Errorf("FileName() = %q, want %q", name, want)
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, Metadata{SessionID: "a", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("Open(a): %v", err)
	}
	w1.Close()
	w2, err := Open(dir, Metadata{SessionID: "b", CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("Open(b): %v", err)
	}
	w2.Close()

	paths, err := List(dir)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("len(paths) = %d, want 2", len(paths))
	}
	if paths[0] != w2.Path() {
		t.Errorf("List()[0] = %q, want newest %q", paths[0], w2.Path())
	}
}
