package hierarchy

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/prmindmap/internal/batch"
	"github.com/prmindmap/internal/concurrency"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/llm"
	"github.com/prmindmap/internal/logging"
	"github.com/prmindmap/internal/prompts"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

const tagCrossLevel = "cross_level"

// Config tunes the cross-level cleanup pass
type Config struct {
	MergeThreshold float64 // scores must exceed this to merge (default: 0.85)
	PairsPerCall   int     // pairs per prompt when not batching (default: 8)
}

func DefaultConfig() Config {
	return Config{MergeThreshold: 0.85, PairsPerCall: 8}
}

// Verdict is the classification of one candidate pair
type Verdict struct {
	A            *models.ConsolidatedTheme
	B            *models.ConsolidatedTheme
	Relationship llm.Relationship
	Action       llm.MergeAction
	Score        float64
	Reasoning    string
}

// Report summarizes one cleanup pass
type Report struct {
	Candidates int `json:"candidates"`
	Classified int `json:"classified"`
	Merges     int `json:"merges"`
}

// Service finds duplicated work across branches of a finished hierarchy and
// folds it together.
type Service struct {
	completer inference.Completer
	manager   *concurrency.Manager
	batches   *batch.Processor
	prompts   *prompts.PromptBuilder
	config    Config

	pairSeq    atomic.Uint64
	mergeCount atomic.Int64
}

func NewService(completer inference.Completer, manager *concurrency.Manager, config Config) *Service {
	def := DefaultConfig()
	if config.MergeThreshold <= 0 {
		config.MergeThreshold = def.MergeThreshold
	}
	if config.PairsPerCall <= 0 {
		config.PairsPerCall = def.PairsPerCall
	}
	return &Service{
		completer: completer,
		manager:   manager,
		prompts:   prompts.NewPromptBuilder(),
		config:    config,
	}
}

// EnableBatching routes pair classification through p
func (s *Service) EnableBatching(p *batch.Processor) {
	p.Register(batch.TypeCrossLevel, batch.HandlerFunc(s.executeBatch))
	s.batches = p
}

// CandidatePairs lists node pairs worth comparing: not siblings (already
// deduplicated), not parent and child, and at most one level apart.
func CandidatePairs(roots []*models.ConsolidatedTheme) []prompts.Pair {
	nodes := models.Flatten(roots)
	var pairs []prompts.Pair
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			a, b := nodes[i], nodes[j]
			if a.Level == b.Level && a.ParentID == b.ParentID {
				continue
			}
			if a.ParentID == b.ID || b.ParentID == a.ID {
				continue
			}
			if diff := a.Level - b.Level; diff > 1 || diff < -1 {
				continue
			}
			pairs = append(pairs, prompts.Pair{ID: fmt.Sprintf("%s|%s", a.ID, b.ID), A: a, B: b})
		}
	}
	return pairs
}

// Classify asks about every pair. Pairs whose classification failed are
// left out, which keeps them separate.
func (s *Service) Classify(ctx context.Context, pairs []prompts.Pair) ([]Verdict, error) {
	if s.batches != nil {
		return s.classifyBatched(ctx, pairs)
	}

	results := concurrency.Process(ctx, s.manager, chunkPairs(pairs, s.config.PairsPerCall), s.classifyChunk, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})

	var verdicts []Verdict
	for _, r := range results {
		if r.Err != nil {
			if inference.IsPermanent(r.Err) {
				return nil, r.Err
			}
			logging.FromContext(ctx).LogError("cross-level classification", r.Err)
			continue
		}
		verdicts = append(verdicts, r.Value...)
	}
	return verdicts, nil
}

func (s *Service) classifyChunk(ctx context.Context, pairs []prompts.Pair) ([]Verdict, error) {
	raw, err := s.completer.Complete(ctx, tagCrossLevel, s.prompts.CrossLevel(pairs))
	if err != nil {
		return nil, err
	}
	resp, res := llm.Decode[llm.CrossLevelResponse](raw, llm.ShapeObject, "results")
	if !res.Success {
		log.Debug().Err(res.Error).Str("preview", res.Preview).Msg("Cross-level response unusable, keeping pairs separate")
		return nil, nil
	}

	byID := make(map[string]prompts.Pair, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}
	var out []Verdict
	for _, item := range resp.Results {
		p, ok := byID[item.PairID]
		if !ok {
			continue
		}
		out = append(out, toVerdict(p, item))
	}
	return out, nil
}

func (s *Service) classifyBatched(ctx context.Context, pairs []prompts.Pair) ([]Verdict, error) {
	results := concurrency.Process(ctx, s.manager, pairs, func(ctx context.Context, p prompts.Pair) (Verdict, error) {
		item, err := batch.EnqueueAs[llm.CrossLevelItem](ctx, s.batches, batch.TypeCrossLevel, batch.Request{
			ID:      fmt.Sprintf("x%d", s.pairSeq.Add(1)),
			Payload: p,
		})
		if err != nil {
			return Verdict{}, err
		}
		return toVerdict(p, item), nil
	}, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})

	var verdicts []Verdict
	for _, r := range results {
		if r.Err != nil {
			if inference.IsPermanent(r.Err) {
				return nil, r.Err
			}
			continue
		}
		verdicts = append(verdicts, r.Value)
	}
	return verdicts, nil
}

// executeBatch classifies the queued pairs in one call. The batch item id
// replaces the pair id in the prompt so results demultiplex by id.
func (s *Service) executeBatch(ctx context.Context, items []*batch.Item) ([]batch.ItemResult, error) {
	pairs := make([]prompts.Pair, 0, len(items))
	for _, it := range items {
		p := it.Payload.(prompts.Pair)
		pairs = append(pairs, prompts.Pair{ID: it.ID, A: p.A, B: p.B})
	}

	raw, err := s.completer.Complete(ctx, tagCrossLevel, s.prompts.CrossLevel(pairs))
	if err != nil {
		return nil, err
	}
	resp, res := llm.Decode[llm.CrossLevelResponse](raw, llm.ShapeObject, "results")
	if !res.Success {
		out := make([]batch.ItemResult, len(items))
		for i, it := range items {
			out[i] = batch.ItemResult{ID: it.ID, Err: res.Error}
		}
		return out, nil
	}

	out := make([]batch.ItemResult, 0, len(resp.Results))
	for _, item := range resp.Results {
		out = append(out, batch.ItemResult{ID: item.PairID, Value: item})
	}
	return out, nil
}

func toVerdict(p prompts.Pair, item llm.CrossLevelItem) Verdict {
	return Verdict{
		A:            p.A,
		B:            p.B,
		Relationship: item.Relationship,
		Action:       item.Action,
		Score:        item.SimilarityScore,
		Reasoning:    item.Reasoning,
	}
}

// Mergeable reports whether a verdict justifies folding the pair together
func (s *Service) Mergeable(v Verdict) bool {
	if v.Relationship != llm.RelationshipDuplicate && v.Relationship != llm.RelationshipOverlap {
		return false
	}
	return v.Score > s.config.MergeThreshold
}

// Primary picks the surviving node of a merge. merge_up keeps the node
// closer to the root, merge_down the deeper one; anything else keeps the
// node closer to the root, A on a tie.
func Primary(v Verdict) (primary, secondary *models.ConsolidatedTheme) {
	higher, lower := v.A, v.B
	if v.B.Level < v.A.Level {
		higher, lower = v.B, v.A
	}
	if v.Action == llm.ActionMergeDown && higher.Level != lower.Level {
		return lower, higher
	}
	return higher, lower
}

// Cleanup classifies every candidate pair of a copy of roots and merges the
// duplicates, strongest first. Only permanent inference errors are returned.
//
// The primary of a merge can be an atomic leaf. When the absorbed node had
// children they move under it and it is no longer atomic, so a leaf that
// expansion judged cohesive may come back as a parent.
func (s *Service) Cleanup(ctx context.Context, roots []*models.ConsolidatedTheme) ([]*models.ConsolidatedTheme, Report, error) {
	audit := logging.FromContext(ctx)
	audit.LogSection("CROSS-LEVEL CLEANUP")

	forest := make([]*models.ConsolidatedTheme, len(roots))
	for i, r := range roots {
		forest[i] = r.Clone()
	}

	pairs := CandidatePairs(forest)
	report := Report{Candidates: len(pairs)}
	if len(pairs) == 0 {
		return forest, report, nil
	}

	verdicts, err := s.Classify(ctx, pairs)
	if err != nil {
		return nil, report, err
	}
	report.Classified = len(verdicts)

	var merges []Verdict
	for _, v := range verdicts {
		if s.Mergeable(v) {
			merges = append(merges, v)
		}
	}
	sort.SliceStable(merges, func(i, j int) bool { return merges[i].Score > merges[j].Score })

	absorbed := make(map[string]bool)
	for _, v := range merges {
		if absorbed[v.A.ID] || absorbed[v.B.ID] {
			continue
		}
		// An earlier merge may have moved one node under the other.
		if contains(v.A, v.B) || contains(v.B, v.A) {
			continue
		}
		primary, secondary := Primary(v)
		if !detach(&forest, secondary) {
			continue
		}
		primary.Absorb(secondary)
		absorbed[secondary.ID] = true
		report.Merges++
		s.mergeCount.Add(1)
		audit.LogMerge(primary.ID, []string{secondary.ID},
			fmt.Sprintf("%s across levels (%.2f): %s", v.Relationship, v.Score, v.Reasoning))
	}

	log.Info().
		Int("candidates", report.Candidates).
		Int("classified", report.Classified).
		Int("merges", report.Merges).
		Msg("Cross-level cleanup complete")
	return forest, report, nil
}

// Merges returns the number of cross-level merges since creation
func (s *Service) Merges() int64 {
	return s.mergeCount.Load()
}

func contains(ancestor, n *models.ConsolidatedTheme) bool {
	found := false
	ancestor.Walk(func(cur *models.ConsolidatedTheme) bool {
		if cur != ancestor && cur == n {
			found = true
		}
		return !found
	})
	return found
}

// detach removes n from its parent's children, or from the roots
func detach(forest *[]*models.ConsolidatedTheme, n *models.ConsolidatedTheme) bool {
	if n.ParentID == "" {
		for i, r := range *forest {
			if r == n {
				*forest = append((*forest)[:i:i], (*forest)[i+1:]...)
				return true
			}
		}
		return false
	}
	for _, cur := range models.Flatten(*forest) {
		if cur.ID != n.ParentID {
			continue
		}
		for i, c := range cur.Children {
			if c == n {
				cur.Children = append(cur.Children[:i:i], cur.Children[i+1:]...)
				return true
			}
		}
	}
	return false
}

func chunkPairs(pairs []prompts.Pair, size int) [][]prompts.Pair {
	var out [][]prompts.Pair
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		out = append(out, pairs[start:end])
	}
	return out
}
