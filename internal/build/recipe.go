// Package build implements the constructive-trace build engine's core: the
// per-invocation Recipe state, the target Registry, the RecipeProvider
// contract, and the cooperative single-threaded Scheduler that drives
// everything. The state-machine shape and request-key algorithm are
// translated from original_source/src/recipe.c and
// original_source/src/scheduler.c; Go idiom (explicit error returns,
// map[string]struct{} as a string set, sync.RWMutex guarding the registry)
// follows the teacher CLI's conventions.
package build

import (
	"sort"

	"github.com/rsepassi/rebuild-go/internal/hashx"
)

// RecipeState is a Recipe's position in its lifecycle:
// Pending -> Running -> (Suspended <-> Running) -> {Complete, Failed}.
type RecipeState int

const (
	Pending RecipeState = iota
	Running
	StateSuspended
	Complete
	Failed
)

func (s RecipeState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case StateSuspended:
		return "suspended"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Recipe is the runtime state of one target's build invocation. The
// scheduler exclusively owns every Recipe it creates; any other reference
// to one (the waiting map, a provider's ExecHandle) is non-owning.
type Recipe struct {
	TargetName string
	State      RecipeState
	RequestKey hashx.Hash

	// DeclaredDeps and PendingDeps are string sets: key presence is the
	// only thing that matters for membership and for ComputeRequestKey,
	// which sorts before combining. depOrder separately tracks first-seen
	// insertion order, which spec.md §3 requires a saved Trace's deps to
	// preserve (Go maps don't, so the set alone can't serve both roles).
	// PendingDeps shrinks as dependencies complete; DeclaredDeps and
	// depOrder only grow.
	DeclaredDeps map[string]struct{}
	PendingDeps  map[string]struct{}
	depOrder     []string

	OutputDir string
	TempDir   *string

	StartTimeMS uint64

	// ExecHandle is an opaque slot the RecipeProvider uses to resume a
	// suspended invocation. The scheduler never inspects it.
	ExecHandle any
}

// NewRecipe creates a Recipe for target in the Pending state with empty
// dependency sets.
func NewRecipe(target string) *Recipe {
	return &Recipe{
		TargetName:   target,
		State:        Pending,
		DeclaredDeps: make(map[string]struct{}),
		PendingDeps:  make(map[string]struct{}),
	}
}

// AddDependency records path as a dependency of r that may still be
// in-flight (another target) and so enters both DeclaredDeps and
// PendingDeps. Idempotent.
func (r *Recipe) AddDependency(path string) {
	r.addDeclared(path)
	r.PendingDeps[path] = struct{}{}
}

// AddFileDependency records path as a plain input-file dependency of r: it
// enters DeclaredDeps (and the trace) but never PendingDeps, since a file
// has nothing to wait on — spec.md §3 describes pending_deps as shrinking
// "as dependencies complete", which only applies to dependencies that are
// themselves recipes. Idempotent.
func (r *Recipe) AddFileDependency(path string) {
	r.addDeclared(path)
}

func (r *Recipe) addDeclared(path string) {
	if _, ok := r.DeclaredDeps[path]; !ok {
		r.depOrder = append(r.depOrder, path)
	}
	r.DeclaredDeps[path] = struct{}{}
}

// DepOrder returns r's declared dependencies in first-declared order, the
// order a saved Trace must preserve per spec.md §3.
func (r *Recipe) DepOrder() []string {
	return r.depOrder
}

// HasDependency reports whether path has been declared as a dependency.
func (r *Recipe) HasDependency(path string) bool {
	_, ok := r.DeclaredDeps[path]
	return ok
}

// SetOutputDir replaces r's output directory.
func (r *Recipe) SetOutputDir(dir string) {
	r.OutputDir = dir
}

// SetTempDir replaces r's temp directory.
func (r *Recipe) SetTempDir(dir string) {
	r.TempDir = &dir
}

// ComputeRequestKey derives r's request key from recipeBodyHash, r's target
// name, and r's declared dependencies, and stores it on r. The algorithm is
// order-independent in the dependency set: declared deps are snapshotted,
// sorted ascending by byte-wise path comparison, then XOR-combined in
// sorted order — so the same body, target, and dependency set always
// produce the same key regardless of declaration order.
func (r *Recipe) ComputeRequestKey(recipeBodyHash hashx.Hash) hashx.Hash {
	key := recipeBodyHash
	hashx.Combine(&key, hashx.HashBytes([]byte(r.TargetName)))

	paths := make([]string, 0, len(r.DeclaredDeps))
	for p := range r.DeclaredDeps {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		hashx.Combine(&key, hashx.HashBytes([]byte(p)))
	}

	r.RequestKey = key
	return key
}
