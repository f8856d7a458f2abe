package prompts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prmindmap/pkg/models"
)

const (
	maxSnippetChars = 1500
	maxFilesListed  = 20
)

// PromptBuilder provides methods for building every prompt the pipeline sends
type PromptBuilder struct{}

// NewPromptBuilder creates a new prompt builder instance
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// Pair is one numbered comparison inside a batched prompt
type Pair struct {
	ID string
	A  *models.ConsolidatedTheme
	B  *models.ConsolidatedTheme
}

// String renders the pair as it appears in a cross-level prompt
func (p Pair) String() string {
	return describePairs([]Pair{p}, true)
}

func (pb *PromptBuilder) Similarity(a, b *models.ConsolidatedTheme) string {
	return Render(SimilarityTemplate, map[string]string{
		"theme_a": DescribeTheme(a, true),
		"theme_b": DescribeTheme(b, true),
	})
}

func (pb *PromptBuilder) BatchSimilarity(pairs []Pair) string {
	return Render(BatchSimilarityTemplate, map[string]string{"pairs": describePairs(pairs, false)})
}

// ExpansionDecision asks whether node should be decomposed. Parent and
// siblings give the model enough context to avoid overlapping suggestions.
func (pb *PromptBuilder) ExpansionDecision(node *models.ConsolidatedTheme, depth int, parent *models.ConsolidatedTheme, siblings []*models.ConsolidatedTheme) string {
	vars := map[string]string{
		"depth":    strconv.Itoa(depth),
		"guidance": DepthGuidance(depth),
		"theme":    DescribeTheme(node, true),
	}
	if parent != nil {
		vars["parent"] = DescribeTheme(parent, false)
	}
	if len(siblings) > 0 {
		var sb strings.Builder
		for _, s := range siblings {
			fmt.Fprintf(&sb, "- %s: %s\n", s.Name, oneLine(s.Description))
		}
		vars["siblings"] = sb.String()
	}
	return Render(ExpansionDecisionTemplate, vars)
}

func (pb *PromptBuilder) SubThemes(node *models.ConsolidatedTheme, depth int) string {
	return Render(SubThemesTemplate, map[string]string{
		"depth":    strconv.Itoa(depth),
		"guidance": DepthGuidance(depth),
		"theme":    DescribeTheme(node, true),
	})
}

// DuplicateGroups lists items by index. The conservative variant is used for
// the second pass across batches and asks for an even higher bar.
func (pb *PromptBuilder) DuplicateGroups(items []*models.ConsolidatedTheme, conservative bool) string {
	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "[%d] %s\n    %s\n    files: %s\n", i, it.Name, oneLine(it.Description), listFiles(it.AffectedFiles))
	}
	vars := map[string]string{"items": sb.String()}
	if conservative {
		vars["caution"] = "This is a second, conservative pass: only group items that are unmistakably identical."
	}
	return Render(DuplicateGroupsTemplate, vars)
}

func (pb *PromptBuilder) Naming(themes []*models.ConsolidatedTheme) string {
	var sb strings.Builder
	for i, t := range themes {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, t.Name, oneLine(t.Description))
	}
	return Render(NamingTemplate, map[string]string{"themes": sb.String()})
}

func (pb *PromptBuilder) Domain(context string) string {
	return Render(DomainTemplate, map[string]string{"context": context})
}

func (pb *PromptBuilder) CrossLevel(pairs []Pair) string {
	return Render(CrossLevelTemplate, map[string]string{"pairs": describePairs(pairs, true)})
}

// DepthGuidance frames what one unit means at a given depth
func DepthGuidance(depth int) string {
	switch {
	case depth <= 1:
		return "Think in business capabilities: each sub-theme should be a user-facing capability or a major component."
	case depth <= 3:
		return "Think in features and components: each sub-theme should be a cohesive feature, module or workflow step."
	default:
		return "Think in atomic changes: each sub-theme should be a single testable change a reviewer can verify on its own."
	}
}

// DescribeTheme renders a theme for a prompt. Snippets are included only when
// withCode is set and are truncated.
func DescribeTheme(t *models.ConsolidatedTheme, withCode bool) string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name: %s\n", t.Name)
	fmt.Fprintf(&sb, "Description: %s\n", oneLine(t.Description))
	if t.BusinessImpact != "" {
		fmt.Fprintf(&sb, "Business impact: %s\n", oneLine(t.BusinessImpact))
	}
	fmt.Fprintf(&sb, "Level: %d\n", t.Level)
	fmt.Fprintf(&sb, "Files (%d): %s\n", len(t.AffectedFiles), listFiles(t.AffectedFiles))
	if withCode && len(t.CodeSnippets) > 0 {
		code := strings.Join(t.CodeSnippets, "\n")
		if len(code) > maxSnippetChars {
			code = code[:maxSnippetChars] + "\n... (truncated)"
		}
		sb.WriteString("Code:\n```\n")
		sb.WriteString(code)
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

func describePairs(pairs []Pair, withLevels bool) string {
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "PAIR %s\n", p.ID)
		for _, side := range []struct {
			label string
			t     *models.ConsolidatedTheme
		}{{"A", p.A}, {"B", p.B}} {
			fmt.Fprintf(&sb, "  %s: %s: %s\n", side.label, side.t.Name, oneLine(side.t.Description))
			if withLevels {
				fmt.Fprintf(&sb, "     level %d, files: %s\n", side.t.Level, listFiles(side.t.AffectedFiles))
			} else {
				fmt.Fprintf(&sb, "     files: %s\n", listFiles(side.t.AffectedFiles))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func listFiles(files []string) string {
	if len(files) == 0 {
		return "(none)"
	}
	if len(files) > maxFilesListed {
		return strings.Join(files[:maxFilesListed], ", ") + fmt.Sprintf(" (+%d more)", len(files)-maxFilesListed)
	}
	return strings.Join(files, ", ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
