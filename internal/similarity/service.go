package similarity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/prmindmap/internal/batch"
	"github.com/prmindmap/internal/cache"
	"github.com/prmindmap/internal/classifier"
	"github.com/prmindmap/internal/concurrency"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/llm"
	"github.com/prmindmap/internal/logging"
	"github.com/prmindmap/internal/prompts"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	tagSimilarity      = "similarity"
	tagSimilarityBatch = "similarity_batch"

	// noMergeDamping scales (1 - confidence) when the model advises against a merge
	noMergeDamping = 0.3
)

// Config holds the merge-group tunables
type Config struct {
	MergeThreshold          float64 // pairwise score needed to join a group (default: 0.7)
	MinThemesForParent      int     // domain size that gets a synthetic parent (default: 2)
	PrefilterNameSimilarity float64 // name overlap below which file-disjoint pairs skip inference (default: 0.1)
}

// DefaultConfig returns the default merge-group tunables
func DefaultConfig() Config {
	return Config{
		MergeThreshold:          0.7,
		MinThemesForParent:      2,
		PrefilterNameSimilarity: 0.1,
	}
}

// Classifier is the domain and naming collaborator
type Classifier interface {
	ClassifyTheme(ctx context.Context, t *models.ConsolidatedTheme) (classifier.DomainResult, error)
	GenerateName(ctx context.Context, themes []*models.ConsolidatedTheme) (classifier.NamingResult, error)
}

// Service decides which flat themes describe the same change, merges them
// and buckets the result by business domain.
type Service struct {
	completer  inference.Completer
	classifier Classifier
	cache      *cache.SimilarityCache
	manager    *concurrency.Manager
	batches    *batch.Processor
	prompts    *prompts.PromptBuilder
	config     Config
	pairSeq    atomic.Uint64
}

// NewService creates a similarity service
func NewService(completer inference.Completer, cls Classifier, simCache *cache.SimilarityCache, manager *concurrency.Manager, config Config) *Service {
	def := DefaultConfig()
	if config.MergeThreshold <= 0 {
		config.MergeThreshold = def.MergeThreshold
	}
	if config.MinThemesForParent <= 0 {
		config.MinThemesForParent = def.MinThemesForParent
	}
	return &Service{
		completer:  completer,
		classifier: cls,
		cache:      simCache,
		manager:    manager,
		prompts:    prompts.NewPromptBuilder(),
		config:     config,
	}
}

// EnableBatching routes pairwise questions through p, several pairs per call.
func (s *Service) EnableBatching(p *batch.Processor) {
	p.Register(batch.TypeSimilarity, batch.HandlerFunc(s.executeBatch))
	p.SetGroupKey(batch.TypeSimilarity, groupKey)
	s.batches = p
}

// CombinedScore maps a merge verdict onto one score. A "no" is damped so
// that a confident rejection scores near zero.
func CombinedScore(shouldMerge bool, confidence float64) float64 {
	if shouldMerge {
		return confidence
	}
	return (1 - confidence) * noMergeDamping
}

// NameSimilarity is the Jaccard overlap of the two names' word sets
func NameSimilarity(a, b string) float64 {
	return cache.Jaccard(cache.Tokenize(a), cache.Tokenize(b))
}

// Score returns the merge score for a pair. Transient failures yield a
// conservative "distinct" answer; only permanent errors are returned.
func (s *Service) Score(ctx context.Context, a, b *models.ConsolidatedTheme) (cache.SimilarityResult, error) {
	ka, kb := themeKey(a), themeKey(b)
	if cached, ok := s.cache.Get(ka, kb); ok {
		return cached, nil
	}
	files := models.UnionStrings(a.AffectedFiles, b.AffectedFiles)

	if s.prefiltered(a, b) {
		result := cache.SimilarityResult{Score: 0, Confidence: 1, Reasoning: "no shared files and unrelated names"}
		s.cache.Set(ka, kb, result, files)
		return result, nil
	}

	resp, err := s.ask(ctx, a, b)
	if err != nil {
		if inference.IsPermanent(err) {
			return cache.SimilarityResult{}, err
		}
		log.Debug().Err(err).Str("a", a.ID).Str("b", b.ID).Msg("Similarity unavailable, treating pair as distinct")
		return cache.SimilarityResult{Score: 0, Confidence: 0.1, Reasoning: "similarity unavailable: " + err.Error()}, nil
	}

	result := cache.SimilarityResult{
		Score:       CombinedScore(resp.ShouldMerge, resp.Confidence),
		ShouldMerge: resp.ShouldMerge,
		Confidence:  resp.Confidence,
		Reasoning:   resp.Reasoning,
	}
	s.cache.Set(ka, kb, result, files)
	return result, nil
}

func (s *Service) prefiltered(a, b *models.ConsolidatedTheme) bool {
	return !SharesFile(a, b) && NameSimilarity(a.Name, b.Name) < s.config.PrefilterNameSimilarity
}

// SharesFile reports whether a and b touch at least one common file
func SharesFile(a, b *models.ConsolidatedTheme) bool {
	seen := make(map[string]bool, len(a.AffectedFiles))
	for _, f := range a.AffectedFiles {
		seen[f] = true
	}
	for _, f := range b.AffectedFiles {
		if seen[f] {
			return true
		}
	}
	return false
}

func (s *Service) ask(ctx context.Context, a, b *models.ConsolidatedTheme) (llm.SimilarityResponse, error) {
	if s.batches != nil {
		return batch.EnqueueAs[llm.SimilarityResponse](ctx, s.batches, batch.TypeSimilarity, batch.Request{
			ID:      fmt.Sprintf("p%d", s.pairSeq.Add(1)),
			Payload: pairPayload{A: a, B: b},
		})
	}

	raw, err := s.completer.Complete(ctx, tagSimilarity, s.prompts.Similarity(a, b))
	if err != nil {
		return llm.SimilarityResponse{}, err
	}
	resp, res := llm.Decode[llm.SimilarityResponse](raw, llm.ShapeObject, "should_merge", "confidence")
	if !res.Success {
		return llm.SimilarityResponse{}, res.Error
	}
	return resp, nil
}

// Scores holds pairwise scores keyed by cache.PairKey of the node ids
type Scores map[string]float64

// Get returns the score of a pair in either order
func (sc Scores) Get(a, b string) float64 {
	return sc[cache.PairKey(a, b)]
}

type pair struct {
	a, b *models.ConsolidatedTheme
}

// ScorePairs scores every unordered pair of nodes concurrently
func (s *Service) ScorePairs(ctx context.Context, nodes []*models.ConsolidatedTheme) (Scores, error) {
	var pairs []pair
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			pairs = append(pairs, pair{nodes[i], nodes[j]})
		}
	}

	results := concurrency.Process(ctx, s.manager, pairs, func(ctx context.Context, p pair) (float64, error) {
		r, err := s.Score(ctx, p.a, p.b)
		return r.Score, err
	}, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})

	failed := concurrency.Failures(results)
	for _, r := range failed {
		if inference.IsPermanent(r.Err) {
			return nil, r.Err
		}
	}
	if len(failed) > 0 {
		logging.FromContext(ctx).Log("%d of %d pairs unscored, treated as distinct", len(failed), len(pairs))
		log.Warn().Int("failed", len(failed)).Int("pairs", len(pairs)).Msg("Some theme pairs could not be scored")
	}

	scores := make(Scores, len(pairs))
	for _, r := range results {
		if r.OK() {
			scores[cache.PairKey(r.Item.a.ID, r.Item.b.ID)] = r.Value
		}
	}
	return scores, nil
}

// Result is the outcome of Consolidate
type Result struct {
	Roots  []*models.ConsolidatedTheme
	Groups [][]int
	Merges int
}

// Consolidate turns flat themes into a two-level forest: near-duplicates
// merged, and domains with enough members gathered under a parent.
func (s *Service) Consolidate(ctx context.Context, themes []models.Theme) (*Result, error) {
	audit := logging.FromContext(ctx)
	audit.LogSection("CONSOLIDATION")

	nodes := make([]*models.ConsolidatedTheme, len(themes))
	for i, t := range themes {
		nodes[i] = models.FromTheme(t)
	}

	scores, err := s.ScorePairs(ctx, nodes)
	if err != nil {
		return nil, err
	}
	groups := FormGroups(len(nodes), func(i, j int) float64 {
		return scores.Get(nodes[i].ID, nodes[j].ID)
	}, s.config.MergeThreshold)

	members := make([][]*models.ConsolidatedTheme, len(groups))
	merges := 0
	for gi, g := range groups {
		for _, idx := range g {
			members[gi] = append(members[gi], nodes[idx])
		}
		if len(g) > 1 {
			merges++
		}
	}

	merged := concurrency.Process(ctx, s.manager, members, s.MergeGroup, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})
	consolidated := make([]*models.ConsolidatedTheme, 0, len(merged))
	for _, r := range merged {
		if r.Err != nil {
			if inference.IsPermanent(r.Err) {
				return nil, r.Err
			}
			// Keep the members separate rather than lose them.
			consolidated = append(consolidated, r.Item...)
			continue
		}
		consolidated = append(consolidated, r.Value)
	}

	roots, err := s.GroupByDomain(ctx, consolidated)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("themes", len(themes)).
		Int("groups", len(groups)).
		Int("merges", merges).
		Int("roots", len(roots)).
		Msg("Consolidated themes")

	return &Result{Roots: roots, Groups: groups, Merges: merges}, nil
}

// InvalidateByFiles purges cached pair scores touching paths
func (s *Service) InvalidateByFiles(paths []string) int {
	return s.cache.InvalidateByFiles(paths)
}

// themeKey identifies a node by its provenance so cached scores survive
// across runs, where node ids are regenerated.
func themeKey(t *models.ConsolidatedTheme) string {
	if len(t.SourceThemes) == 0 {
		return t.ID
	}
	ids := append([]string(nil), t.SourceThemes...)
	sort.Strings(ids)
	return strings.Join(ids, "+") + "#" + t.Name
}
