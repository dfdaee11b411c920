package trace

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsepassi/rebuild-go/internal/hashx"
	"github.com/rsepassi/rebuild-go/internal/logger"
	"github.com/rsepassi/rebuild-go/internal/store"
)

func init() {
	logger.Init("error", "text", io.Discard)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	root := t.TempDir()
	s := &store.Store{
		Root:        root,
		TracesDir:   filepath.Join(root, "traces"),
		ObjectsDir:  filepath.Join(root, "objects"),
		ScratchRoot: filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{s.TracesDir, s.ObjectsDir, s.ScratchRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %q: %v", dir, err)
		}
	}
	return s
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	tr := &Trace{
		RequestKey:     hashx.HashBytes([]byte("request")),
		OutputTreeHash: hashx.HashBytes([]byte("output")),
		CPUTimeMS:      123,
		WallTimeMS:     456,
	}
	tr.AddDependency("src/a.c", hashx.HashBytes([]byte("a")))
	tr.AddDependency("src/b.c", hashx.HashBytes([]byte("b")))

	if err := Save(tr, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(tr.RequestKey, s)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !got.RequestKey.Equal(tr.RequestKey) {
		t.Error("Load() request key mismatch")
	}
	if !got.OutputTreeHash.Equal(tr.OutputTreeHash) {
		t.Error("Load() output tree hash mismatch")
	}
	if got.CPUTimeMS != tr.CPUTimeMS || got.WallTimeMS != tr.WallTimeMS {
		t.Error("Load() timing mismatch")
	}
	if len(got.Deps) != len(tr.Deps) {
		t.Fatalf("Load() dep count = %d, want %d", len(got.Deps), len(tr.Deps))
	}
	for i, dep := range tr.Deps {
		if got.Deps[i].Path != dep.Path || !got.Deps[i].Hash.Equal(dep.Hash) {
			t.Errorf("Load() dep[%d] = %+v, want %+v", i, got.Deps[i], dep)
		}
	}
}

func TestSaveLoad_NoDependencies(t *testing.T) {
	s := newTestStore(t)
	tr := &Trace{RequestKey: hashx.HashBytes([]byte("empty"))}

	if err := Save(tr, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(tr.RequestKey, s)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Deps) != 0 {
		t.Errorf("Load() deps = %v, want empty", got.Deps)
	}
}

func TestLoad_Nonexistent(t *testing.T) {
	s := newTestStore(t)
	_, err := Load(hashx.HashBytes([]byte("missing")), s)
	if err == nil {
		t.Error("Load() expected error for nonexistent trace")
	}
}

func TestLoad_BadMagic(t *testing.T) {
	s := newTestStore(t)
	key := hashx.HashBytes([]byte("corrupt"))
	if err := s.EnsureTraceDir(key); err != nil {
		t.Fatalf("EnsureTraceDir() error = %v", err)
	}
	if err := os.WriteFile(s.TracePath(key), []byte("XXXXgarbage"), 0644); err != nil {
		t.Fatalf("failed to write corrupt trace: %v", err)
	}

	_, err := Load(key, s)
	if err == nil {
		t.Error("Load() expected error for bad magic bytes")
	}
}

func TestLoad_PathLengthTooLarge(t *testing.T) {
	s := newTestStore(t)
	key := hashx.HashBytes([]byte("oversized"))

	var buf []byte
	buf = append(buf, Magic[:]...)
	buf = append(buf, encodeU32(Version)...)
	buf = append(buf, key[:]...)
	buf = append(buf, encodeU64(1)...) // dep_count = 1
	buf = append(buf, encodeU32(MaxPathLength+1)...)

	if err := s.EnsureTraceDir(key); err != nil {
		t.Fatalf("EnsureTraceDir() error = %v", err)
	}
	if err := os.WriteFile(s.TracePath(key), buf, 0644); err != nil {
		t.Fatalf("failed to write trace: %v", err)
	}

	_, err := Load(key, s)
	if err == nil {
		t.Error("Load() expected error for oversized path length")
	}
}

func TestValidate_UnchangedDependency(t *testing.T) {
	tmpDir := t.TempDir()
	depPath := filepath.Join(tmpDir, "dep.txt")
	if err := os.WriteFile(depPath, []byte("content"), 0644); err != nil {
		t.Fatalf("failed to write dep: %v", err)
	}

	h, err := hashx.HashFile(depPath)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}

	tr := &Trace{RequestKey: hashx.HashBytes([]byte("k"))}
	tr.AddDependency(depPath, h)

	if !Validate(tr) {
		t.Error("Validate() = false for an unchanged dependency")
	}
}

func TestValidate_ChangedDependency(t *testing.T) {
	tmpDir := t.TempDir()
	depPath := filepath.Join(tmpDir, "dep.txt")
	if err := os.WriteFile(depPath, []byte("content"), 0644); err != nil {
		t.Fatalf("failed to write dep: %v", err)
	}

	h, err := hashx.HashFile(depPath)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}

	tr := &Trace{RequestKey: hashx.HashBytes([]byte("k"))}
	tr.AddDependency(depPath, h)

	if err := os.WriteFile(depPath, []byte("different content"), 0644); err != nil {
		t.Fatalf("failed to rewrite dep: %v", err)
	}

	if Validate(tr) {
		t.Error("Validate() = true for a changed dependency")
	}
}

func TestValidate_MissingDependency(t *testing.T) {
	tmpDir := t.TempDir()
	tr := &Trace{RequestKey: hashx.HashBytes([]byte("k"))}
	tr.AddDependency(filepath.Join(tmpDir, "nonexistent.txt"), hashx.Hash{})

	if Validate(tr) {
		t.Error("Validate() = true for a missing dependency")
	}
}

func TestValidate_NoDependencies(t *testing.T) {
	tr := &Trace{RequestKey: hashx.HashBytes([]byte("k"))}
	if !Validate(tr) {
		t.Error("Validate() = false for a trace with no dependencies")
	}
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
