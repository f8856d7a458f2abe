package similarity

import (
	"context"
	"path"
	"strings"

	"github.com/prmindmap/internal/batch"
	"github.com/prmindmap/internal/llm"
	"github.com/prmindmap/internal/prompts"
	"github.com/prmindmap/pkg/models"
)

// pairPayload is the batch item for one pairwise question
type pairPayload struct {
	A *models.ConsolidatedTheme
	B *models.ConsolidatedTheme
}

// String feeds the batch token counter
func (p pairPayload) String() string {
	return prompts.DescribeTheme(p.A, false) + prompts.DescribeTheme(p.B, false)
}

// executeBatch asks about every pair in one call. An unusable response fails
// each item individually so callers fall back per pair; only a failed call
// fails the batch.
func (s *Service) executeBatch(ctx context.Context, items []*batch.Item) ([]batch.ItemResult, error) {
	pairs := make([]prompts.Pair, 0, len(items))
	for _, it := range items {
		p := it.Payload.(pairPayload)
		pairs = append(pairs, prompts.Pair{ID: it.ID, A: p.A, B: p.B})
	}

	raw, err := s.completer.Complete(ctx, tagSimilarityBatch, s.prompts.BatchSimilarity(pairs))
	if err != nil {
		return nil, err
	}

	resp, res := llm.Decode[llm.BatchSimilarityResponse](raw, llm.ShapeObject, "results")
	if !res.Success {
		out := make([]batch.ItemResult, len(items))
		for i, it := range items {
			out[i] = batch.ItemResult{ID: it.ID, Err: res.Error}
		}
		return out, nil
	}

	out := make([]batch.ItemResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, batch.ItemResult{
			ID: r.PairID,
			Value: llm.SimilarityResponse{
				ShouldMerge: r.ShouldMerge,
				Confidence:  r.Confidence,
				Reasoning:   r.Reasoning,
			},
		})
	}
	return out, nil
}

// groupKey keeps pairs from the same top-level directory in one call
func groupKey(it *batch.Item) string {
	p, ok := it.Payload.(pairPayload)
	if !ok || len(p.A.AffectedFiles) == 0 {
		return ""
	}
	dir := path.Dir(p.A.AffectedFiles[0])
	if i := strings.Index(dir, "/"); i > 0 {
		dir = dir[:i]
	}
	return dir
}
