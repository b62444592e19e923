/*
Package branch holds the fixed set of physical locations stock is kept at,
and the per-device choice of which location a terminal works for.

KEY TYPES:
  Registry: closed set of valid Branch identifiers (immutable after New)
  Binder:   device -> branch bindings with a local, synchronous view and a
            best-effort copy in the document store (deviceBranches)

WHY LOCAL FIRST?
  A cashier who switches the terminal to another branch expects the switch
  to take effect immediately, even if the network is flaky. CurrentBranch
  therefore never touches the network; Bind applies the selection locally
  and then upserts the remote binding, returning any store error so the UI
  can show it.

SEE ALSO:
  - binder.go: Bind, CurrentBranch, Subscribe
  - ledger/service.go: validates every call's branch against the Registry
*/
package branch

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// BRANCH
// =============================================================================

// Branch identifies a physical location, e.g. "SANCAK".
type Branch string

func (b Branch) String() string { return string(b) }

// Normalize trims and upper-cases a raw branch value.
func Normalize(value string) Branch {
	return Branch(strings.ToUpper(strings.TrimSpace(value)))
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidBranch is returned for a branch outside the registry.
	ErrInvalidBranch = errors.New("invalid branch")

	// ErrInvalidBinding is returned when a device binding lacks a tenant or device.
	ErrInvalidBinding = errors.New("invalid device binding")
)

// InvalidBranchError names the rejected value.
type InvalidBranchError struct {
	Value string
}

func (e *InvalidBranchError) Error() string {
	return fmt.Sprintf("invalid branch %q", e.Value)
}

func (e *InvalidBranchError) Unwrap() error {
	return ErrInvalidBranch
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the closed set of branches. Safe for concurrent use; it is
// never mutated after construction.
type Registry struct {
	branches []Branch
	set      map[Branch]struct{}
}

// NewRegistry builds a registry from raw names. Names are normalized;
// empty and duplicate names are rejected.
func NewRegistry(names ...string) (*Registry, error) {
	r := &Registry{set: make(map[Branch]struct{}, len(names))}
	for _, name := range names {
		b := Normalize(name)
		if b == "" {
			return nil, fmt.Errorf("empty branch name")
		}
		if _, dup := r.set[b]; dup {
			return nil, fmt.Errorf("duplicate branch %q", b)
		}
		r.set[b] = struct{}{}
		r.branches = append(r.branches, b)
	}
	if len(r.branches) == 0 {
		return nil, fmt.Errorf("at least one branch is required")
	}
	return r, nil
}

// MustRegistry is NewRegistry for static configuration.
func MustRegistry(names ...string) *Registry {
	r, err := NewRegistry(names...)
	if err != nil {
		panic(err)
	}
	return r
}

// IsValid reports whether value names a registered branch. The value must
// already be in canonical form.
func (r *Registry) IsValid(value string) bool {
	_, ok := r.set[Branch(value)]
	return ok
}

// Parse normalizes value and checks it against the registry.
func (r *Registry) Parse(value string) (Branch, error) {
	b := Normalize(value)
	if !r.IsValid(string(b)) {
		return "", &InvalidBranchError{Value: value}
	}
	return b, nil
}

// All returns the branches in registration order.
func (r *Registry) All() []Branch {
	out := make([]Branch, len(r.branches))
	copy(out, r.branches)
	return out
}
