// Package roles implements the three-tier permission model. The tiers
// form a strict superset chain: owner covers admin covers worker.
package roles

import (
	"fmt"

	"worktab/internal/domain"
)

type Role int

const (
	Worker Role = iota
	Admin
	Owner
)

func (r Role) String() string {
	switch r {
	case Worker:
		return domain.RoleWorker
	case Admin:
		return domain.RoleAdmin
	case Owner:
		return domain.RoleOwner
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Parse converts a stored role name into the closed enum.
func Parse(s string) (Role, error) {
	switch s {
	case domain.RoleWorker:
		return Worker, nil
	case domain.RoleAdmin:
		return Admin, nil
	case domain.RoleOwner:
		return Owner, nil
	}
	return Worker, fmt.Errorf("unknown role %q", s)
}

// Covers reports whether holding r grants the privileges of other.
func (r Role) Covers(other Role) bool {
	return r >= other
}

// Evaluator answers role checks against the worker registry plus the
// configured owner id. The owner id is fixed by configuration and
// counts as owner even without an explicit role entry.
type Evaluator struct {
	OwnerID string
}

// Has reports whether the worker holds at least the given role. A
// registered worker always holds Worker; Admin and Owner require a
// matching or covering entry in the role set, or the configured owner
// identity.
func (e Evaluator) Has(w domain.Worker, want Role) bool {
	if w.ID == "" {
		return false
	}
	held := Worker
	if e.OwnerID != "" && w.ID == e.OwnerID {
		held = Owner
	}
	for _, name := range w.Roles {
		r, err := Parse(name)
		if err != nil {
			continue
		}
		if r > held {
			held = r
		}
	}
	return held.Covers(want)
}
