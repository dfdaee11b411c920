// Package trace implements the on-disk binary encoding of a constructive
// build trace: a cache entry recording a recipe's declared dependencies,
// their content hashes at the time of the build, the resulting output tree
// hash, and timing. The wire format is translated byte-for-byte from
// original_source/src/trace.c's trace_save/trace_load; the Go idiom
// (encoding/binary, io.Reader/io.Writer, explicit error returns tagged with
// rebuilderr.Kind) follows the deterministic, explicit-byte-order hashing
// style already established by internal/hashx.
package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/rsepassi/rebuild-go/internal/hashx"
	"github.com/rsepassi/rebuild-go/internal/logger"
	"github.com/rsepassi/rebuild-go/internal/rebuilderr"
	"github.com/rsepassi/rebuild-go/internal/store"
)

// Magic is the 4-byte file identifier at the start of every trace file.
var Magic = [4]byte{'R', 'B', 'T', 'R'}

// Version is the current trace binary format version.
const Version uint32 = 1

// MaxPathLength bounds a single dependency path's encoded length, guarding
// against corrupt files driving huge allocations.
const MaxPathLength = 4096

// Dependency is one recorded input to a recipe invocation: the path it was
// read from, and the content hash it had when the trace was recorded.
type Dependency struct {
	Path string
	Hash hashx.Hash
}

// Trace is a constructive cache entry: given the same RequestKey, a cache
// hit skips recomputing the body and (once Validate confirms every
// dependency is unchanged) returns OutputTreeHash directly.
type Trace struct {
	RequestKey     hashx.Hash
	Deps           []Dependency
	OutputTreeHash hashx.Hash
	CPUTimeMS      uint64
	WallTimeMS     uint64
}

// AddDependency appends a dependency to t.
func (t *Trace) AddDependency(path string, h hashx.Hash) {
	t.Deps = append(t.Deps, Dependency{Path: path, Hash: h})
}

// Save encodes t in the binary trace format and writes it to its path in
// s, creating the shard directory if needed.
func Save(t *Trace, s *store.Store) error {
	if err := s.EnsureTraceDir(t.RequestKey); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := encode(&buf, t); err != nil {
		return err
	}

	path := s.TracePath(t.RequestKey)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return rebuilderr.Wrap(rebuilderr.Io, fmt.Sprintf("failed to write trace file %q", path), err)
	}

	logger.Debug("trace saved", "request_key", t.RequestKey.String(), "deps", len(t.Deps), "path", path)
	return nil
}

func encode(w io.Writer, t *Trace) error {
	if err := writeAll(w, Magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, Version); err != nil {
		return rebuilderr.Wrap(rebuilderr.Trace, "failed to write version", err)
	}
	if err := writeAll(w, t.RequestKey[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(t.Deps))); err != nil {
		return rebuilderr.Wrap(rebuilderr.Trace, "failed to write dep count", err)
	}
	for _, dep := range t.Deps {
		if len(dep.Path) > MaxPathLength {
			return rebuilderr.New(rebuilderr.Trace, fmt.Sprintf("dependency path %q exceeds max length %d", dep.Path, MaxPathLength))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(dep.Path))); err != nil {
			return rebuilderr.Wrap(rebuilderr.Trace, "failed to write path length", err)
		}
		if err := writeAll(w, []byte(dep.Path)); err != nil {
			return err
		}
		if err := writeAll(w, dep.Hash[:]); err != nil {
			return err
		}
	}
	if err := writeAll(w, t.OutputTreeHash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, t.CPUTimeMS); err != nil {
		return rebuilderr.Wrap(rebuilderr.Trace, "failed to write cpu time", err)
	}
	if err := binary.Write(w, binary.LittleEndian, t.WallTimeMS); err != nil {
		return rebuilderr.Wrap(rebuilderr.Trace, "failed to write wall time", err)
	}
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return rebuilderr.Wrap(rebuilderr.Trace, "short write", err)
	}
	return nil
}

// Load reads and decodes the trace for requestKey from s. It returns a
// *rebuilderr.Error with Kind Trace (never a panic) on a missing file, bad
// magic, unsupported version, request-key mismatch, oversized path length,
// or short read — all of these are recoverable cache-miss signals to the
// caller, not fatal errors.
func Load(requestKey hashx.Hash, s *store.Store) (*Trace, error) {
	path := s.TracePath(requestKey)
	f, err := os.Open(path)
	if err != nil {
		return nil, rebuilderr.Wrap(rebuilderr.Trace, fmt.Sprintf("failed to open trace file %q", path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Warn("failed to close trace file", "path", path, "error", cerr)
		}
	}()

	t, err := decode(f)
	if err != nil {
		return nil, err
	}
	if !t.RequestKey.Equal(requestKey) {
		return nil, rebuilderr.New(rebuilderr.Trace, fmt.Sprintf("request key mismatch in trace file %q", path))
	}

	logger.Debug("trace loaded", "request_key", requestKey.String(), "deps", len(t.Deps), "path", path)
	return t, nil
}

func decode(r io.Reader) (*Trace, error) {
	var magic [4]byte
	if err := readAll(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, rebuilderr.New(rebuilderr.Trace, "invalid magic bytes")
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, rebuilderr.Wrap(rebuilderr.Trace, "failed to read version", err)
	}
	if version != Version {
		return nil, rebuilderr.New(rebuilderr.Trace, fmt.Sprintf("unsupported trace version %d", version))
	}

	t := &Trace{}
	if err := readAll(r, t.RequestKey[:]); err != nil {
		return nil, err
	}

	var depCount uint64
	if err := binary.Read(r, binary.LittleEndian, &depCount); err != nil {
		return nil, rebuilderr.Wrap(rebuilderr.Trace, "failed to read dep count", err)
	}

	t.Deps = make([]Dependency, 0, depCount)
	for i := uint64(0); i < depCount; i++ {
		var pathLen uint32
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			return nil, rebuilderr.Wrap(rebuilderr.Trace, "failed to read path length", err)
		}
		if pathLen > MaxPathLength {
			return nil, rebuilderr.New(rebuilderr.Trace, fmt.Sprintf("path length too large: %d", pathLen))
		}

		pathBytes := make([]byte, pathLen)
		if err := readAll(r, pathBytes); err != nil {
			return nil, err
		}

		var h hashx.Hash
		if err := readAll(r, h[:]); err != nil {
			return nil, err
		}

		t.Deps = append(t.Deps, Dependency{Path: string(pathBytes), Hash: h})
	}

	if err := readAll(r, t.OutputTreeHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &t.CPUTimeMS); err != nil {
		return nil, rebuilderr.Wrap(rebuilderr.Trace, "failed to read cpu time", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &t.WallTimeMS); err != nil {
		return nil, rebuilderr.Wrap(rebuilderr.Trace, "failed to read wall time", err)
	}

	return t, nil
}

func readAll(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return rebuilderr.Wrap(rebuilderr.Trace, "unexpected end of trace file", err)
	}
	return nil
}

// Validate re-hashes every recorded dependency and reports whether all of
// them still match their recorded hash. Any missing path, unreadable path,
// or hash mismatch short-circuits to false — the caller treats this as a
// cache miss, not an error.
func Validate(t *Trace) bool {
	for _, dep := range t.Deps {
		info, err := os.Lstat(dep.Path)
		if err != nil {
			logger.Debug("trace validate: dependency missing", "path", dep.Path)
			return false
		}

		var actual hashx.Hash
		switch {
		case info.IsDir():
			actual, err = hashx.HashTree(dep.Path)
		case info.Mode().IsRegular():
			actual, err = hashx.HashFile(dep.Path)
		default:
			logger.Debug("trace validate: dependency is neither file nor directory", "path", dep.Path)
			return false
		}
		if err != nil {
			logger.Warn("trace validate: failed to hash dependency", "path", dep.Path, "error", err)
			return false
		}

		if !actual.Equal(dep.Hash) {
			logger.Debug("trace validate: dependency changed", "path", dep.Path)
			return false
		}
	}

	logger.Debug("trace validate: all dependencies valid", "count", len(t.Deps))
	return true
}
