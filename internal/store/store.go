// Package store resolves the on-disk layout backing the build engine's
// cache: where traces and output objects live, and how scratch directories
// for in-flight recipe bodies are named. Layout resolution follows cruxd's
// internal/paths package (XDG-rooted, via github.com/adrg/xdg); path
// hygiene and directory-creation style follow the teacher CLI's
// cmd/root.go conventions.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/rsepassi/rebuild-go/internal/hashx"
	"github.com/rsepassi/rebuild-go/internal/logger"
	"github.com/rsepassi/rebuild-go/internal/rebuilderr"
)

const (
	appDirName = "rebuild"

	tracesDirName  = "traces"
	objectsDirName = "objects"
	tmpDirName     = "tmp"

	// DirMode is the permission mode used for every directory the store
	// creates.
	DirMode os.FileMode = 0755
)

// Store is the resolved root of the build engine's persistent cache: a
// directory of traces, a directory of content-addressed output objects,
// and a scratch directory for in-flight recipe bodies. The store never
// deletes anything it creates; garbage collection is out of scope.
type Store struct {
	Root        string
	TracesDir   string
	ObjectsDir  string
	ScratchRoot string
}

// Init resolves the store root under the XDG data home (or
// $HOME/.local/share as a fallback, handled internally by xdg.DataHome)
// and ensures traces/, objects/, and tmp/ exist. An unset HOME is an Io
// error.
func Init() (*Store, error) {
	if os.Getenv("HOME") == "" {
		return nil, rebuilderr.New(rebuilderr.Io, "HOME is not set")
	}

	// xdg's package-level paths are resolved once at process start; Reload
	// re-reads the environment so a freshly set XDG_DATA_HOME (or one set
	// after this package was imported, as in tests) takes effect.
	xdg.Reload()

	root := filepath.Join(xdg.DataHome, appDirName)
	s := &Store{
		Root:        root,
		TracesDir:   filepath.Join(root, tracesDirName),
		ObjectsDir:  filepath.Join(root, objectsDirName),
		ScratchRoot: filepath.Join(root, tmpDirName),
	}

	for _, dir := range []string{s.TracesDir, s.ObjectsDir, s.ScratchRoot} {
		if err := os.MkdirAll(dir, DirMode); err != nil {
			return nil, rebuilderr.Wrap(rebuilderr.Io, fmt.Sprintf("failed to create store directory %q", dir), err)
		}
	}

	logger.Debug("store initialized", "root", root)
	return s, nil
}

// shardedPath returns <base>/<hex[:2]>/<hex[2:]> for a hash, sharding the
// first byte into a subdirectory so no directory accumulates one entry per
// distinct hash ever seen.
func shardedPath(base string, h hashx.Hash) string {
	hex := h.String()
	return filepath.Join(base, hex[:2], hex[2:])
}

// TracePath returns the path a trace for request key h would be saved at.
// It does not create the path or its parent directory.
func (s *Store) TracePath(h hashx.Hash) string {
	return shardedPath(s.TracesDir, h)
}

// ObjectPath returns the path an output object with tree hash h would be
// saved at. It does not create the path or its parent directory.
func (s *Store) ObjectPath(h hashx.Hash) string {
	return shardedPath(s.ObjectsDir, h)
}

// EnsureTraceDir creates the shard directory that will hold the trace for
// h, without creating the trace file itself.
func (s *Store) EnsureTraceDir(h hashx.Hash) error {
	return ensureShardDir(s.TracePath(h))
}

// EnsureObjectDir creates the shard directory that will hold the object
// for h, without creating the object file itself.
func (s *Store) EnsureObjectDir(h hashx.Hash) error {
	return ensureShardDir(s.ObjectPath(h))
}

func ensureShardDir(leafPath string) error {
	dir := filepath.Dir(leafPath)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return rebuilderr.Wrap(rebuilderr.Io, fmt.Sprintf("failed to create shard directory %q", dir), err)
	}
	return nil
}

// TraceExists reports whether a trace for request key h is present.
func (s *Store) TraceExists(h hashx.Hash) bool {
	return pathExists(s.TracePath(h))
}

// ObjectExists reports whether an output object with tree hash h is
// present.
func (s *Store) ObjectExists(h hashx.Hash) bool {
	return pathExists(s.ObjectPath(h))
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ScratchDir creates and returns a fresh scratch directory for targetName,
// unique per (target, clock, pid) so concurrent invocations of the same
// target across processes never collide.
func (s *Store) ScratchDir(targetName string) (string, error) {
	dirName := fmt.Sprintf("%s_%d_%d", sanitizeTargetName(targetName), time.Now().UnixNano(), os.Getpid())
	dir := filepath.Join(s.ScratchRoot, dirName)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", rebuilderr.Wrap(rebuilderr.Io, fmt.Sprintf("failed to create scratch directory %q", dir), err)
	}
	return dir, nil
}

// sanitizeTargetName replaces path separators in a target name so it can't
// escape the scratch root or collide with directory structure.
func sanitizeTargetName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == os.PathSeparator {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
