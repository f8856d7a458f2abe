package models

import (
	"strings"
	"time"
)

// MergeNodes folds nodes into one new node with the aggregated payload:
// union of files and provenance, concatenated snippets and children,
// averaged confidence, combined impact and context. Name and description
// are taken from the first node; callers usually replace them. The result
// sits at the first node's position and owns all children.
func MergeNodes(method ConsolidationMethod, nodes ...*ConsolidatedTheme) *ConsolidatedTheme {
	if len(nodes) == 0 {
		return nil
	}
	first := nodes[0]
	merged := &ConsolidatedTheme{
		ID:                  NewID("theme"),
		Name:                first.Name,
		Description:         first.Description,
		Level:               first.Level,
		ParentID:            first.ParentID,
		ConsolidationMethod: method,
		LastAnalysis:        time.Now(),
	}

	var (
		files, sources []string
		impacts        []string
		contexts       []string
		confidence     float64
	)
	for _, n := range nodes {
		files = append(files, n.AffectedFiles...)
		sources = append(sources, n.SourceThemes...)
		merged.CodeSnippets = append(merged.CodeSnippets, n.CodeSnippets...)
		merged.Children = append(merged.Children, n.Children...)
		impacts = append(impacts, n.BusinessImpact)
		contexts = append(contexts, n.Context)
		confidence += n.Confidence
	}
	merged.AffectedFiles = UniqueStrings(files)
	merged.SourceThemes = UniqueStrings(sources)
	merged.BusinessImpact = strings.Join(UniqueStrings(impacts), "; ")
	merged.Context = strings.Join(UniqueStrings(contexts), "\n")
	merged.Confidence = confidence / float64(len(nodes))
	merged.SetPosition(merged.ParentID, merged.Level)
	return merged
}

// CombineDescriptions joins distinct descriptions into one paragraph
func CombineDescriptions(nodes ...*ConsolidatedTheme) string {
	descs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		descs = append(descs, n.Description)
	}
	return strings.Join(UniqueStrings(descs), " ")
}

// Absorb folds other into t in place, keeping t's identity and position.
// Confidence becomes the max of the two. other's children move under t, so
// an atomic t that gains children stops being atomic.
func (t *ConsolidatedTheme) Absorb(other *ConsolidatedTheme) {
	if other.Description != "" && !strings.Contains(t.Description, other.Description) {
		if t.Description == "" {
			t.Description = other.Description
		} else {
			t.Description = t.Description + " " + other.Description
		}
	}
	t.AffectedFiles = UnionStrings(t.AffectedFiles, other.AffectedFiles)
	t.SourceThemes = UnionStrings(t.SourceThemes, other.SourceThemes)
	t.CodeSnippets = append(t.CodeSnippets, other.CodeSnippets...)
	if other.Confidence > t.Confidence {
		t.Confidence = other.Confidence
	}
	if len(other.Children) > 0 {
		t.Children = append(t.Children, other.Children...)
		t.IsAtomic = false
	}
	t.SetPosition(t.ParentID, t.Level)
}

// IDs returns the ids of nodes in order
func IDs(nodes []*ConsolidatedTheme) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
