package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConsolidationMethod describes how a ConsolidatedTheme came to exist
type ConsolidationMethod string

const (
	MethodSingle    ConsolidationMethod = "single"
	MethodMerge     ConsolidationMethod = "merge"
	MethodHierarchy ConsolidationMethod = "hierarchy"
	MethodExpansion ConsolidationMethod = "expansion"
)

// Theme is one coherent unit of code change produced by the upstream analyzer.
// It is treated as immutable input.
type Theme struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	AffectedFiles  []string  `json:"affected_files"`
	CodeSnippets   []string  `json:"code_snippets"`
	Confidence     float64   `json:"confidence"`
	BusinessImpact string    `json:"business_impact"`
	Context        string    `json:"context,omitempty"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}

// ConsolidatedTheme is a node of the mindmap tree.
type ConsolidatedTheme struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Level       int    `json:"level"`
	ParentID    string `json:"parent_id,omitempty"`

	// Children are exclusively owned by this node.
	Children []*ConsolidatedTheme `json:"children,omitempty"`

	AffectedFiles  []string `json:"affected_files"`
	CodeSnippets   []string `json:"code_snippets"`
	Confidence     float64  `json:"confidence"`
	BusinessImpact string   `json:"business_impact"`
	Context        string   `json:"context,omitempty"`

	SourceThemes        []string            `json:"source_themes"`
	ConsolidationMethod ConsolidationMethod `json:"consolidation_method"`

	IsAtomic        bool      `json:"is_atomic"`
	ExpansionReason string    `json:"expansion_reason,omitempty"`
	LastAnalysis    time.Time `json:"last_analysis"`
}

// SubThemeStub is a child proposed by the expansion-decision collaborator
type SubThemeStub struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	BusinessImpact string   `json:"business_impact,omitempty"`
	Files          []string `json:"files"`
	Rationale      string   `json:"rationale,omitempty"`
}

// ExpansionDecision is the per (theme, depth) answer of whether to decompose a node.
type ExpansionDecision struct {
	ShouldExpand bool           `json:"should_expand"`
	IsAtomic     bool           `json:"is_atomic"`
	Reasoning    string         `json:"reasoning"`
	SubThemes    []SubThemeStub `json:"sub_themes,omitempty"`
}

// NewID returns a globally unique node id. Safe for concurrent use.
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}

// FromTheme wraps a flat theme into a single-source root node.
func FromTheme(t Theme) *ConsolidatedTheme {
	analyzed := t.AnalyzedAt
	if analyzed.IsZero() {
		analyzed = time.Now()
	}
	return &ConsolidatedTheme{
		ID:                  NewID("theme"),
		Name:                t.Name,
		Description:         t.Description,
		Level:               0,
		AffectedFiles:       UniqueStrings(t.AffectedFiles),
		CodeSnippets:        append([]string(nil), t.CodeSnippets...),
		Confidence:          t.Confidence,
		BusinessImpact:      t.BusinessImpact,
		Context:             t.Context,
		SourceThemes:        []string{t.ID},
		ConsolidationMethod: MethodSingle,
		LastAnalysis:        analyzed,
	}
}

// Clone returns a copy of the node. Children are copied recursively so the
// copy can be modified without touching the original tree.
func (t *ConsolidatedTheme) Clone() *ConsolidatedTheme {
	if t == nil {
		return nil
	}
	c := *t
	c.AffectedFiles = append([]string(nil), t.AffectedFiles...)
	c.CodeSnippets = append([]string(nil), t.CodeSnippets...)
	c.SourceThemes = append([]string(nil), t.SourceThemes...)
	c.Children = nil
	if len(t.Children) > 0 {
		c.Children = make([]*ConsolidatedTheme, len(t.Children))
		for i, child := range t.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// LineCount returns the number of non-empty lines across all code snippets.
func (t *ConsolidatedTheme) LineCount() int {
	total := 0
	for _, snippet := range t.CodeSnippets {
		for _, line := range strings.Split(snippet, "\n") {
			if strings.TrimSpace(line) != "" {
				total++
			}
		}
	}
	return total
}

// SetPosition places the node under parentID at level and re-levels the
// whole subtree so that every child sits exactly one level below its parent.
func (t *ConsolidatedTheme) SetPosition(parentID string, level int) {
	t.ParentID = parentID
	t.Level = level
	for _, child := range t.Children {
		child.SetPosition(t.ID, level+1)
	}
}

// Walk visits the node and every descendant depth-first, pre-order.
// Returning false from fn stops descent below that node.
func (t *ConsolidatedTheme) Walk(fn func(node *ConsolidatedTheme) bool) {
	if t == nil {
		return
	}
	if !fn(t) {
		return
	}
	for _, child := range t.Children {
		child.Walk(fn)
	}
}

// Flatten returns every node of the forest in pre-order.
func Flatten(roots []*ConsolidatedTheme) []*ConsolidatedTheme {
	var nodes []*ConsolidatedTheme
	for _, root := range roots {
		root.Walk(func(n *ConsolidatedTheme) bool {
			nodes = append(nodes, n)
			return true
		})
	}
	return nodes
}

// MaxDepth returns the deepest level in the forest, or -1 when empty.
func MaxDepth(roots []*ConsolidatedTheme) int {
	depth := -1
	for _, n := range Flatten(roots) {
		if n.Level > depth {
			depth = n.Level
		}
	}
	return depth
}

// UniqueStrings returns values with duplicates and blanks removed, preserving first-seen order.
func UniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// UnionStrings concatenates the given lists and removes duplicates.
func UnionStrings(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	return UniqueStrings(all)
}
