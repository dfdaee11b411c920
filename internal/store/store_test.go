package store

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsepassi/rebuild-go/internal/hashx"
	"github.com/rsepassi/rebuild-go/internal/logger"
)

func init() {
	logger.Init("error", "text", io.Discard)
}

// newTestStore builds a Store rooted at a temp directory, bypassing Init's
// XDG resolution so tests don't depend on the environment.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s := &Store{
		Root:        root,
		TracesDir:   filepath.Join(root, tracesDirName),
		ObjectsDir:  filepath.Join(root, objectsDirName),
		ScratchRoot: filepath.Join(root, tmpDirName),
	}
	for _, dir := range []string{s.TracesDir, s.ObjectsDir, s.ScratchRoot} {
		if err := os.MkdirAll(dir, DirMode); err != nil {
			t.Fatalf("failed to create %q: %v", dir, err)
		}
	}
	return s
}

func TestTracePath_Sharding(t *testing.T) {
	s := newTestStore(t)
	h := hashx.HashBytes([]byte("target-a"))
	got := s.TracePath(h)

	want := filepath.Join(s.TracesDir, h.String()[:2], h.String()[2:])
	if got != want {
		t.Errorf("TracePath() = %q, want %q", got, want)
	}
}

func TestObjectPath_Sharding(t *testing.T) {
	s := newTestStore(t)
	h := hashx.HashBytes([]byte("output-a"))
	got := s.ObjectPath(h)

	want := filepath.Join(s.ObjectsDir, h.String()[:2], h.String()[2:])
	if got != want {
		t.Errorf("ObjectPath() = %q, want %q", got, want)
	}
}

func TestEnsureTraceDir_CreatesShardOnly(t *testing.T) {
	s := newTestStore(t)
	h := hashx.HashBytes([]byte("target-a"))

	if err := s.EnsureTraceDir(h); err != nil {
		t.Fatalf("EnsureTraceDir() error = %v", err)
	}

	shardDir := filepath.Dir(s.TracePath(h))
	if info, err := os.Stat(shardDir); err != nil || !info.IsDir() {
		t.Errorf("shard directory %q was not created", shardDir)
	}
	if s.TraceExists(h) {
		t.Error("EnsureTraceDir() should not create the trace file itself")
	}
}

func TestTraceExists_ObjectExists(t *testing.T) {
	s := newTestStore(t)
	h := hashx.HashBytes([]byte("x"))

	if s.TraceExists(h) {
		t.Error("TraceExists() = true before anything was written")
	}
	if err := s.EnsureTraceDir(h); err != nil {
		t.Fatalf("EnsureTraceDir() error = %v", err)
	}
	if err := os.WriteFile(s.TracePath(h), []byte("trace"), 0644); err != nil {
		t.Fatalf("failed to write trace: %v", err)
	}
	if !s.TraceExists(h) {
		t.Error("TraceExists() = false after writing the trace file")
	}

	if s.ObjectExists(h) {
		t.Error("ObjectExists() = true before anything was written")
	}
	if err := s.EnsureObjectDir(h); err != nil {
		t.Fatalf("EnsureObjectDir() error = %v", err)
	}
	if err := os.WriteFile(s.ObjectPath(h), []byte("object"), 0644); err != nil {
		t.Fatalf("failed to write object: %v", err)
	}
	if !s.ObjectExists(h) {
		t.Error("ObjectExists() = false after writing the object file")
	}
}

func TestScratchDir_Unique(t *testing.T) {
	s := newTestStore(t)

	dir1, err := s.ScratchDir("leaf")
	if err != nil {
		t.Fatalf("ScratchDir() error = %v", err)
	}
	dir2, err := s.ScratchDir("leaf")
	if err != nil {
		t.Fatalf("ScratchDir() error = %v", err)
	}

	if dir1 == dir2 {
		t.Error("ScratchDir() returned the same path for two calls with the same target name")
	}
	for _, d := range []string{dir1, dir2} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("ScratchDir() %q was not created", d)
		}
	}
}

func TestInit_IdempotentUnderSameXDGDataHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", filepath.Join(t.TempDir(), "xdg"))

	s1, err := Init()
	if err != nil {
		t.Fatalf("first Init() error = %v", err)
	}
	s2, err := Init()
	if err != nil {
		t.Fatalf("second Init() error = %v", err)
	}

	if s1.Root != s2.Root || s1.TracesDir != s2.TracesDir || s1.ObjectsDir != s2.ObjectsDir || s1.ScratchRoot != s2.ScratchRoot {
		t.Errorf("Init() called twice against the same XDG_DATA_HOME produced different layouts: %+v vs %+v", s1, s2)
	}
}

func TestScratchDir_SanitizesTargetName(t *testing.T) {
	s := newTestStore(t)

	dir, err := s.ScratchDir("sub/dir/leaf")
	if err != nil {
		t.Fatalf("ScratchDir() error = %v", err)
	}
	if filepath.Dir(dir) != s.ScratchRoot {
		t.Errorf("ScratchDir() with a slash-containing name escaped ScratchRoot: %q", dir)
	}
}
