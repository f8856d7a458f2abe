package similarity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prmindmap/internal/classifier"
	"github.com/prmindmap/internal/concurrency"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/logging"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
)

// FormGroups partitions n items into merge groups. Each item not yet grouped
// starts a group and absorbs every later ungrouped item whose score with it
// reaches threshold. The first group to reach an item keeps it, so with
// non-transitive scores (A~B, B~C, A!~C) the result depends on input order.
func FormGroups(n int, score func(i, j int) float64, threshold float64) [][]int {
	grouped := make([]bool, n)
	var groups [][]int
	for i := 0; i < n; i++ {
		if grouped[i] {
			continue
		}
		grouped[i] = true
		group := []int{i}
		for j := i + 1; j < n; j++ {
			if !grouped[j] && score(i, j) >= threshold {
				grouped[j] = true
				group = append(group, j)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// MergeGroup folds the members of one merge group into a single node with a
// generated name. A single member is returned unchanged.
func (s *Service) MergeGroup(ctx context.Context, members []*models.ConsolidatedTheme) (*models.ConsolidatedTheme, error) {
	if len(members) == 1 {
		return members[0], nil
	}

	naming, err := s.classifier.GenerateName(ctx, members)
	if err != nil {
		return nil, err
	}

	merged := models.MergeNodes(models.MethodMerge, members...)
	merged.Name = naming.Name
	merged.Description = naming.Description
	if merged.Description == "" {
		merged.Description = models.CombineDescriptions(members...)
	}

	logging.FromContext(ctx).LogMerge(merged.ID, models.IDs(members),
		fmt.Sprintf("pairwise similarity >= %.2f", s.config.MergeThreshold))
	return merged, nil
}

// GroupByDomain classifies every node and gives each domain with at least
// MinThemesForParent members a synthetic parent. Smaller domains stay roots.
func (s *Service) GroupByDomain(ctx context.Context, nodes []*models.ConsolidatedTheme) ([]*models.ConsolidatedTheme, error) {
	results := concurrency.Process(ctx, s.manager, nodes, s.classifier.ClassifyTheme, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})

	var order []string
	buckets := make(map[string][]*models.ConsolidatedTheme)
	for _, r := range results {
		domain := classifier.DefaultDomain
		if r.Err != nil {
			if inference.IsPermanent(r.Err) {
				return nil, r.Err
			}
		} else if r.Value.Domain != "" {
			domain = r.Value.Domain
		}
		if _, ok := buckets[domain]; !ok {
			order = append(order, domain)
		}
		buckets[domain] = append(buckets[domain], r.Item)
	}

	roots := make([]*models.ConsolidatedTheme, 0, len(nodes))
	for _, domain := range order {
		members := buckets[domain]
		if len(members) < s.config.MinThemesForParent {
			for _, m := range members {
				m.SetPosition("", 0)
				roots = append(roots, m)
			}
			continue
		}
		roots = append(roots, domainParent(domain, members))
	}
	return roots, nil
}

func domainParent(domain string, members []*models.ConsolidatedTheme) *models.ConsolidatedTheme {
	parent := &models.ConsolidatedTheme{
		ID:                  models.NewID("domain"),
		Name:                domain,
		Description:         fmt.Sprintf("%d related changes in %s", len(members), domain),
		ConsolidationMethod: models.MethodHierarchy,
		Children:            members,
		LastAnalysis:        time.Now(),
	}

	var files, sources, impacts []string
	confidence := 0.0
	for _, m := range members {
		files = append(files, m.AffectedFiles...)
		sources = append(sources, m.SourceThemes...)
		impacts = append(impacts, m.BusinessImpact)
		confidence += m.Confidence
	}
	parent.AffectedFiles = models.UniqueStrings(files)
	parent.SourceThemes = models.UniqueStrings(sources)
	parent.BusinessImpact = strings.Join(models.UniqueStrings(impacts), "; ")
	parent.Confidence = confidence / float64(len(members))
	parent.SetPosition("", 0)
	return parent
}
