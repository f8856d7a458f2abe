package llm

import (
	"fmt"
	"strings"

	"github.com/prmindmap/pkg/models"
)

// Typed response shapes for every request kind sent to the model. Internal
// code decodes into these through Decode and never touches untyped maps.

// SimilarityResponse answers "should these two themes merge?"
type SimilarityResponse struct {
	ShouldMerge bool    `json:"should_merge"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

func (r *SimilarityResponse) Validate() error {
	return checkUnit("confidence", r.Confidence)
}

// BatchSimilarityItem is one pair verdict inside a batched similarity call
type BatchSimilarityItem struct {
	PairID      string  `json:"pair_id"`
	ShouldMerge bool    `json:"should_merge"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// BatchSimilarityResponse is the response to a batched similarity call
type BatchSimilarityResponse struct {
	Results []BatchSimilarityItem `json:"results"`
}

func (r *BatchSimilarityResponse) Validate() error {
	for i, item := range r.Results {
		if strings.TrimSpace(item.PairID) == "" {
			return fmt.Errorf("results[%d]: pair_id is empty", i)
		}
		if err := checkUnit("confidence", item.Confidence); err != nil {
			return fmt.Errorf("results[%d]: %w", i, err)
		}
	}
	return nil
}

// ExpansionDecisionResponse is the model's answer on decomposing one theme
type ExpansionDecisionResponse struct {
	ShouldExpand bool                  `json:"should_expand"`
	IsAtomic     bool                  `json:"is_atomic"`
	Reasoning    string                `json:"reasoning"`
	SubThemes    []models.SubThemeStub `json:"sub_themes"`
}

func (r *ExpansionDecisionResponse) Validate() error {
	for i, st := range r.SubThemes {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("sub_themes[%d]: name is empty", i)
		}
	}
	return nil
}

// Decision converts the response into the domain decision type.
func (r ExpansionDecisionResponse) Decision() models.ExpansionDecision {
	return models.ExpansionDecision{
		ShouldExpand: r.ShouldExpand && !r.IsAtomic,
		IsAtomic:     r.IsAtomic || !r.ShouldExpand,
		Reasoning:    r.Reasoning,
		SubThemes:    r.SubThemes,
	}
}

// SubThemesResponse lists children when the decision did not include them
type SubThemesResponse struct {
	SubThemes []models.SubThemeStub `json:"sub_themes"`
}

func (r *SubThemesResponse) Validate() error {
	for i, st := range r.SubThemes {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("sub_themes[%d]: name is empty", i)
		}
	}
	return nil
}

// DuplicateGroupsResponse lists groups of item indices that describe the same change
type DuplicateGroupsResponse struct {
	DuplicateGroups [][]int `json:"duplicate_groups"`
	Reasoning       string  `json:"reasoning"`
}

// ValidateIndices checks every index is within [0, n) and appears at most once.
func (r *DuplicateGroupsResponse) ValidateIndices(n int) error {
	seen := make(map[int]bool)
	for gi, group := range r.DuplicateGroups {
		for _, idx := range group {
			if idx < 0 || idx >= n {
				return fmt.Errorf("duplicate_groups[%d]: index %d out of range", gi, idx)
			}
			if seen[idx] {
				return fmt.Errorf("duplicate_groups[%d]: index %d listed twice", gi, idx)
			}
			seen[idx] = true
		}
	}
	return nil
}

// NamingResponse carries a unified name for merged themes
type NamingResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r *NamingResponse) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is empty")
	}
	return nil
}

// DomainResponse carries a business-domain classification
type DomainResponse struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

func (r *DomainResponse) Validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return fmt.Errorf("domain is empty")
	}
	return checkUnit("confidence", r.Confidence)
}

// Relationship classifies how two nodes in different branches relate
type Relationship string

const (
	RelationshipDuplicate Relationship = "duplicate"
	RelationshipOverlap   Relationship = "overlap"
	RelationshipRelated   Relationship = "related"
	RelationshipDistinct  Relationship = "distinct"
)

// MergeAction is the merge direction proposed for a cross-level pair
type MergeAction string

const (
	ActionMergeUp      MergeAction = "merge_up"
	ActionMergeDown    MergeAction = "merge_down"
	ActionMergeSibling MergeAction = "merge_sibling"
	ActionKeepSeparate MergeAction = "keep_separate"
)

// CrossLevelItem is one pair verdict of the hierarchy cleanup pass
type CrossLevelItem struct {
	PairID          string       `json:"pair_id"`
	Relationship    Relationship `json:"relationship"`
	Action          MergeAction  `json:"action"`
	SimilarityScore float64      `json:"similarity_score"`
	Reasoning       string       `json:"reasoning"`
}

// CrossLevelResponse is the response to a batched cross-level similarity call
type CrossLevelResponse struct {
	Results []CrossLevelItem `json:"results"`
}

func (r *CrossLevelResponse) Validate() error {
	for i, item := range r.Results {
		switch item.Relationship {
		case RelationshipDuplicate, RelationshipOverlap, RelationshipRelated, RelationshipDistinct:
		default:
			return fmt.Errorf("results[%d]: unknown relationship %q", i, item.Relationship)
		}
		switch item.Action {
		case ActionMergeUp, ActionMergeDown, ActionMergeSibling, ActionKeepSeparate:
		default:
			return fmt.Errorf("results[%d]: unknown action %q", i, item.Action)
		}
		if err := checkUnit("similarity_score", item.SimilarityScore); err != nil {
			return fmt.Errorf("results[%d]: %w", i, err)
		}
	}
	return nil
}

func checkUnit(field string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %.3f outside [0,1]", field, v)
	}
	return nil
}
