package build

// InvokeResult reports how far a RecipeProvider.Invoke call got.
type InvokeResult int

const (
	// Done means the recipe body ran to completion (success or failure is
	// reported separately via the scheduler's completion path).
	Done InvokeResult = iota
	// Suspended means the recipe body hit a suspension point (an
	// OnDependRequest on a not-yet-complete dependency) and must be
	// re-invoked later.
	Suspended
)

func (r InvokeResult) String() string {
	switch r {
	case Done:
		return "done"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// RecipeProvider is the abstract contract standing in for the scripting
// host this spec excludes. A provider loads a recipe source, registers the
// targets it defines, and invokes a named target's body, routing every
// host call (declare dependency, run subprocess, request a dependency)
// through the Scheduler callbacks passed to Invoke.
//
// The scheduler owns the "current recipe" context for the duration of an
// Invoke call; a provider must not call scheduler callbacks outside an
// Invoke frame.
type RecipeProvider interface {
	// Load reads and parses the recipe source at path.
	Load(path string) error

	// RegisterTargets registers every target this provider's source
	// defines into reg.
	RegisterTargets(reg *Registry) error

	// Invoke drives the recipe body identified by bodyID one logical step:
	// to completion, to a suspension point, or to an error. s holds the
	// current-recipe context for the duration of this call; host calls the
	// body makes (OnDependRequest, OnSys) go through s and are scoped to
	// whichever recipe s is currently executing.
	Invoke(s *Scheduler, bodyID string) (InvokeResult, error)
}
