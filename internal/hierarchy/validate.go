package hierarchy

import (
	"fmt"

	"github.com/prmindmap/pkg/models"
	"go.uber.org/multierr"
)

// ViolationKind names a broken tree invariant
type ViolationKind string

const (
	ViolationOrphan         ViolationKind = "orphan"
	ViolationCycle          ViolationKind = "cycle"
	ViolationLevel          ViolationKind = "level"
	ViolationParentMismatch ViolationKind = "parent_mismatch"
	ViolationDuplicateID    ViolationKind = "duplicate_id"
)

// Violation is one integrity problem found in a hierarchy
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	NodeID string        `json:"node_id"`
	Detail string        `json:"detail"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s at %s: %s", v.Kind, v.NodeID, v.Detail)
}

// Validate checks every invariant of the forest and returns all violations
// combined, or nil. Nothing is repaired.
func Validate(roots []*models.ConsolidatedTheme) error {
	var errs error
	byID := make(map[string]*models.ConsolidatedTheme)
	var nodes []*models.ConsolidatedTheme

	// Walk the Children links with a visited set so a cyclic structure
	// terminates.
	visited := make(map[*models.ConsolidatedTheme]bool)
	var walk func(n *models.ConsolidatedTheme, owner *models.ConsolidatedTheme)
	walk = func(n, owner *models.ConsolidatedTheme) {
		if n == nil {
			return
		}
		if visited[n] {
			errs = multierr.Append(errs, &Violation{Kind: ViolationCycle, NodeID: n.ID,
				Detail: "node is reachable more than once through children"})
			return
		}
		visited[n] = true
		if prev, ok := byID[n.ID]; ok && prev != n {
			errs = multierr.Append(errs, &Violation{Kind: ViolationDuplicateID, NodeID: n.ID,
				Detail: "two distinct nodes share this id"})
		} else {
			byID[n.ID] = n
		}
		nodes = append(nodes, n)

		if owner != nil && n.ParentID != owner.ID {
			errs = multierr.Append(errs, &Violation{Kind: ViolationParentMismatch, NodeID: n.ID,
				Detail: fmt.Sprintf("listed under %s but parent_id is %q", owner.ID, n.ParentID)})
		}
		for _, child := range n.Children {
			walk(child, n)
		}
	}
	for _, r := range roots {
		walk(r, nil)
	}

	for _, n := range nodes {
		if n.ParentID == "" {
			if n.Level != 0 {
				errs = multierr.Append(errs, &Violation{Kind: ViolationLevel, NodeID: n.ID,
					Detail: fmt.Sprintf("root node has level %d", n.Level)})
			}
			continue
		}
		parent, ok := byID[n.ParentID]
		if !ok {
			errs = multierr.Append(errs, &Violation{Kind: ViolationOrphan, NodeID: n.ID,
				Detail: fmt.Sprintf("parent %s does not exist", n.ParentID)})
			continue
		}
		if n.Level != parent.Level+1 {
			errs = multierr.Append(errs, &Violation{Kind: ViolationLevel, NodeID: n.ID,
				Detail: fmt.Sprintf("level %d under parent %s at level %d", n.Level, parent.ID, parent.Level)})
		}
		if onParentCycle(n, byID) {
			errs = multierr.Append(errs, &Violation{Kind: ViolationCycle, NodeID: n.ID,
				Detail: "node is its own ancestor"})
		}
	}
	return errs
}

// onParentCycle follows parent ids from n and reports whether it comes back
// to n.
func onParentCycle(n *models.ConsolidatedTheme, byID map[string]*models.ConsolidatedTheme) bool {
	seen := map[string]bool{}
	for cur := n.ParentID; cur != ""; {
		if cur == n.ID {
			return true
		}
		if seen[cur] {
			// a cycle above n that does not include it
			return false
		}
		seen[cur] = true
		p, ok := byID[cur]
		if !ok {
			return false
		}
		cur = p.ParentID
	}
	return false
}

// Violations unpacks the result of Validate
func Violations(err error) []*Violation {
	var out []*Violation
	for _, e := range multierr.Errors(err) {
		if v, ok := e.(*Violation); ok {
			out = append(out, v)
		}
	}
	return out
}
