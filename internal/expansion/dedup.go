package expansion

import (
	"context"

	"github.com/prmindmap/internal/concurrency"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/llm"
	"github.com/prmindmap/internal/logging"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

// DedupBatchSize returns how many siblings are compared per call
func DedupBatchSize(siblings int) int {
	switch {
	case siblings < 20:
		return 4
	case siblings < 50:
		return 6
	case siblings < 100:
		return 8
	default:
		return 10
	}
}

// deduplicate merges siblings that describe the same change. Batches are
// checked independently, then a conservative pass over every survivor
// catches duplicates that landed in different batches.
func (s *Service) deduplicate(ctx context.Context, parent *models.ConsolidatedTheme, children []*models.ConsolidatedTheme) ([]*models.ConsolidatedTheme, error) {
	chunks := chunk(children, DedupBatchSize(len(children)))

	results := concurrency.Process(ctx, s.manager, chunks, func(ctx context.Context, items []*models.ConsolidatedTheme) ([]*models.ConsolidatedTheme, error) {
		return s.dedupPass(ctx, parent, items, false)
	}, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})

	var survivors []*models.ConsolidatedTheme
	for _, r := range results {
		if r.Err != nil {
			if inference.IsPermanent(r.Err) {
				return nil, r.Err
			}
			survivors = append(survivors, r.Item...)
			continue
		}
		survivors = append(survivors, r.Value...)
	}

	if len(chunks) > 1 && len(survivors) > 1 {
		return s.dedupPass(ctx, parent, survivors, true)
	}
	return survivors, nil
}

func (s *Service) dedupPass(ctx context.Context, parent *models.ConsolidatedTheme, items []*models.ConsolidatedTheme, conservative bool) ([]*models.ConsolidatedTheme, error) {
	if len(items) < 2 {
		return items, nil
	}
	groups, err := s.findDuplicates(ctx, items, conservative)
	if err != nil || len(groups) == 0 {
		return items, err
	}
	return s.mergeDuplicates(ctx, parent, items, groups)
}

// findDuplicates returns groups of at least two indices. Any failure means
// "no duplicates".
func (s *Service) findDuplicates(ctx context.Context, items []*models.ConsolidatedTheme, conservative bool) ([][]int, error) {
	raw, err := s.completer.Complete(ctx, tagDedup, s.prompts.DuplicateGroups(items, conservative))
	if err != nil {
		if inference.IsPermanent(err) {
			return nil, err
		}
		logging.FromContext(ctx).LogError("duplicate detection", err)
		return nil, nil
	}

	resp, res := llm.Decode[llm.DuplicateGroupsResponse](raw, llm.ShapeObject, "duplicate_groups")
	if !res.Success {
		log.Debug().Err(res.Error).Str("preview", res.Preview).Msg("Duplicate response unusable, keeping siblings separate")
		return nil, nil
	}
	if err := resp.ValidateIndices(len(items)); err != nil {
		log.Debug().Err(err).Msg("Duplicate groups invalid, keeping siblings separate")
		return nil, nil
	}

	var groups [][]int
	for _, g := range resp.DuplicateGroups {
		if len(g) >= 2 {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// mergeDuplicates replaces each group with one merged node placed where the
// group's first member was.
func (s *Service) mergeDuplicates(ctx context.Context, parent *models.ConsolidatedTheme, items []*models.ConsolidatedTheme, groups [][]int) ([]*models.ConsolidatedTheme, error) {
	groupOf := make(map[int]int)
	for gi, g := range groups {
		for _, idx := range g {
			groupOf[idx] = gi
		}
	}

	out := make([]*models.ConsolidatedTheme, 0, len(items))
	emitted := make(map[int]bool)
	for i, it := range items {
		gi, grouped := groupOf[i]
		if !grouped {
			out = append(out, it)
			continue
		}
		if emitted[gi] {
			continue
		}
		emitted[gi] = true

		members := make([]*models.ConsolidatedTheme, 0, len(groups[gi]))
		for _, idx := range groups[gi] {
			members = append(members, items[idx])
		}
		merged, err := s.mergeSiblings(ctx, parent, members)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// mergeSiblings folds duplicates into one node. A merged leaf that now
// exceeds the atomic limits is sent back through the expansion decision.
func (s *Service) mergeSiblings(ctx context.Context, parent *models.ConsolidatedTheme, members []*models.ConsolidatedTheme) (*models.ConsolidatedTheme, error) {
	naming, err := s.namer.GenerateName(ctx, members)
	if err != nil {
		return nil, err
	}

	merged := models.MergeNodes(models.MethodMerge, members...)
	merged.Name = naming.Name
	merged.Description = models.CombineDescriptions(members...)
	merged.ExpansionReason = "merged duplicate siblings"
	merged.IsAtomic = len(merged.Children) == 0
	s.mergeCount.Add(1)

	audit := logging.FromContext(ctx)
	audit.LogMerge(merged.ID, models.IDs(members), "siblings describe the same change")

	if merged.IsAtomic && s.config.StrictAtomicLimits && s.exceedsAtomicLimits(merged) {
		audit.Log("Re-evaluating merged node %s: %d lines, %d files exceed atomic limits",
			merged.ID, merged.LineCount(), len(merged.AffectedFiles))
		s.reexpandedCount.Add(1)
		merged.IsAtomic = false
		merged.ExpansionReason = ""
		return s.expand(ctx, merged, parent, nil)
	}
	return merged, nil
}

func chunk(items []*models.ConsolidatedTheme, size int) [][]*models.ConsolidatedTheme {
	var out [][]*models.ConsolidatedTheme
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
