// Package hashx provides deterministic 256-bit hashing of bytes, files, and
// directory trees. It is the hashing substrate the trace codec and
// scheduler build request keys and output fingerprints on top of. The
// engine mechanics (pooled read buffer, bounded concurrency, BLAKE3) are
// adapted from the Merkle hashing engine in the teacher CLI this module
// grew out of; the combination rule (XOR after name-sort) and the opaque
// 32-byte Hash type follow the constructive-trace cache design this
// package now serves.
package hashx

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rsepassi/rebuild-go/internal/logger"
	"github.com/rsepassi/rebuild-go/internal/rebuilderr"
	"github.com/zeebo/blake3"
)

const (
	// Size is the length in bytes of a Hash. BLAKE3 produces 32-byte digests
	// by default.
	Size = 32

	// DefaultBufferSize is the buffer size used when streaming a file through
	// the hasher.
	DefaultBufferSize = 256 * 1024

	// DefaultMaxWorkers bounds concurrent file hashing to avoid IO thrashing.
	DefaultMaxWorkers = 8
)

// Hash is an opaque 256-bit content identity. All identity in the system —
// request keys, dependency fingerprints, output tree hashes — is a Hash.
type Hash [Size]byte

// Equal reports whether two hashes are byte-for-byte identical.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// String returns the lowercase hex encoding of h (64 characters).
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash (e.g. an uninitialized
// output tree hash for a recipe with no output directory).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHex parses a 64-character lowercase-or-mixed-case hex string into a
// Hash. It is strict: any length other than 64, or any non-hex digit,
// is an error.
func ParseHex(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, rebuilderr.New(rebuilderr.Hash, fmt.Sprintf("hash hex must be %d characters, got %d", Size*2, len(s)))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, rebuilderr.Wrap(rebuilderr.Hash, "invalid hex digest", err)
	}
	copy(h[:], decoded)
	return h, nil
}

// Combine XORs src into dst, in place. Combine is commutative and
// associative, which is what makes compute_request_key invariant under
// declared-dependency insertion order, and hash_tree invariant under
// directory entry order once entries are name-sorted first.
func Combine(dst *Hash, src Hash) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// HashBytes returns the BLAKE3 hash of data.
func HashBytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(sum)
}

// Engine hashes files and directory trees with bounded concurrency and a
// pooled read buffer. A zero-value Engine is not usable; construct one
// with NewEngine.
type Engine struct {
	bufferPool *sync.Pool
	sem        chan struct{}
}

// NewEngine creates an Engine with DefaultMaxWorkers concurrency.
func NewEngine() *Engine {
	return NewEngineWithWorkers(DefaultMaxWorkers)
}

// NewEngineWithWorkers creates an Engine with a custom worker count. A
// non-positive count falls back to DefaultMaxWorkers.
func NewEngineWithWorkers(maxWorkers int) *Engine {
	if maxWorkers < 1 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Engine{
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, DefaultBufferSize)
				return &buf
			},
		},
		sem: make(chan struct{}, maxWorkers),
	}
}

// defaultEngine is shared by the package-level HashFile/HashTree helpers.
var defaultEngine = NewEngine()

// HashFile computes the hash of a single file's contents using the default
// engine. For more control over concurrency, use Engine.HashFile directly.
func HashFile(path string) (Hash, error) {
	return defaultEngine.HashFile(path)
}

// HashTree computes the Merkle-style hash of a file or directory tree using
// the default engine.
func HashTree(path string) (Hash, error) {
	return defaultEngine.HashTree(path)
}

// HashFile streams path through BLAKE3 using a pooled buffer, and must
// equal HashBytes(full file contents).
func (e *Engine) HashFile(path string) (Hash, error) {
	log := logger.With("path", path, "operation", "hash_file")

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	f, err := os.Open(path)
	if err != nil {
		return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, fmt.Sprintf("failed to open file %q", path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn("failed to close file", "error", cerr)
		}
	}()

	bufPtr, ok := e.bufferPool.Get().(*[]byte)
	if !ok {
		return Hash{}, rebuilderr.New(rebuilderr.Memory, "failed to get buffer from pool")
	}
	defer e.bufferPool.Put(bufPtr)
	buf := *bufPtr

	h := blake3.New()
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, "failed to hash file content", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, fmt.Sprintf("failed to read file %q", path), rerr)
		}
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashTree computes the hash of path. If path is a regular file, this
// equals HashFile. If it is a directory, entries are enumerated (excluding
// "." and ".."), sorted by byte-wise ascending name, and for each entry in
// sorted order the result is XOR-combined first with HashBytes(entry name)
// and then with the recursive HashTree(entry path). Symlinks are hashed as
// leaves (their target string is hashed, never followed). Special files
// (pipes, sockets, devices) are skipped with a warning — a documented
// weakness, not a silent fix.
func (e *Engine) HashTree(path string) (Hash, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, fmt.Sprintf("failed to stat path %q", path), err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return e.hashSymlink(path)
	}
	if info.IsDir() {
		return e.hashDir(path)
	}
	return e.HashFile(path)
}

func (e *Engine) hashSymlink(path string) (Hash, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, fmt.Sprintf("failed to read symlink %q", path), err)
	}
	return HashBytes([]byte(target)), nil
}

func (e *Engine) hashDir(path string) (Hash, error) {
	log := logger.With("path", path, "operation", "hash_dir")

	entries, err := os.ReadDir(path)
	if err != nil {
		return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, fmt.Sprintf("failed to read directory %q", path), err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var result Hash
	for _, entry := range entries {
		if entry.Type()&(os.ModeNamedPipe|os.ModeSocket|os.ModeDevice) != 0 {
			log.Warn("skipping special file, cannot hash", "entry", entry.Name(), "type", entry.Type())
			continue
		}

		childPath := filepath.Join(path, entry.Name())
		childHash, err := e.HashTree(childPath)
		if err != nil {
			return Hash{}, rebuilderr.Wrap(rebuilderr.Hash, fmt.Sprintf("failed to hash entry %q in %q", entry.Name(), path), err)
		}

		Combine(&result, HashBytes([]byte(entry.Name())))
		Combine(&result, childHash)
	}

	return result, nil
}

// FormatSize formats a byte count as a human-readable binary-unit string
// (e.g. "1.5 MB"), used by CLI diagnostics.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	size := float64(bytes)
	exp := 0
	for size >= unit && exp < len(units)-1 {
		size /= unit
		exp++
	}

	if exp == 1 {
		if size == float64(int64(size)) {
			return fmt.Sprintf("%.0f %s", size, units[exp])
		}
		return fmt.Sprintf("%.1f %s", size, units[exp])
	}
	return fmt.Sprintf("%.1f %s", size, units[exp])
}
