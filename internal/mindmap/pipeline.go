package mindmap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prmindmap/internal/batch"
	"github.com/prmindmap/internal/cache"
	"github.com/prmindmap/internal/classifier"
	"github.com/prmindmap/internal/concurrency"
	"github.com/prmindmap/internal/expansion"
	"github.com/prmindmap/internal/hierarchy"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/logging"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/internal/similarity"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config wires every tunable of the pipeline. Zero values take each
// component's defaults.
type Config struct {
	Inference         inference.Config
	Concurrency       concurrency.Config
	RetryPolicies     retry.PolicyTable
	Batch             *batch.Config // nil disables request batching
	CacheTTL          cache.TTLPolicy
	SemanticThreshold float64

	Similarity similarity.Config
	Expansion  expansion.Config
	Hierarchy  hierarchy.Config

	CrossLevelCleanup bool
	RunTimeout        time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	b := batch.DefaultConfig()
	return Config{
		Inference:         inference.DefaultConfig(),
		Concurrency:       concurrency.DefaultConfig(),
		RetryPolicies:     retry.DefaultPolicies(),
		Batch:             &b,
		CacheTTL:          cache.DefaultTTLPolicy(),
		SemanticThreshold: cache.DefaultSemanticThreshold,
		Similarity:        similarity.DefaultConfig(),
		Expansion:         expansion.DefaultConfig(),
		Hierarchy:         hierarchy.DefaultConfig(),
		CrossLevelCleanup: true,
		RunTimeout:        30 * time.Minute,
	}
}

// RunOptions identify one run
type RunOptions struct {
	RunID    string // generated when empty
	AuditDir string // no audit file when empty
}

// Stats describes the outcome of one run
type Stats struct {
	InputThemes         int           `json:"input_themes"`
	Roots               int           `json:"roots"`
	Nodes               int           `json:"nodes"`
	AtomicNodes         int           `json:"atomic_nodes"`
	MaxDepth            int           `json:"max_depth"`
	Merges              int           `json:"merges"`
	CrossLevelCandidate int           `json:"cross_level_candidates"`
	CrossLevelMerges    int           `json:"cross_level_merges"`
	Violations          int           `json:"violations"`
	Duration            time.Duration `json:"duration"`
	TimedOut            bool          `json:"timed_out,omitempty"` // RunTimeout cut the run short
}

// Result is a finished mindmap
type Result struct {
	RunID      string                      `json:"run_id"`
	Roots      []*models.ConsolidatedTheme `json:"roots"`
	Stats      Stats                       `json:"stats"`
	Violations []*hierarchy.Violation      `json:"violations,omitempty"`
	AuditLog   string                      `json:"audit_log,omitempty"`
}

// Diagnostics aggregates the counters of the shared services since creation
type Diagnostics struct {
	Inference       map[string]inference.ContextStats     `json:"inference,omitempty"`
	Expansion       expansion.Stats                       `json:"expansion"`
	SimilarityCache cache.Stats                           `json:"similarity_cache"`
	DomainCache     cache.Stats                           `json:"domain_cache"`
	NamingCache     cache.Stats                           `json:"naming_cache"`
	Batches         map[batch.RequestType]batch.TypeStats `json:"batches,omitempty"`
	CrossLevel      int64                                 `json:"cross_level_merges"`
}

// Pipeline owns the services shared by every run: one dispatch queue, one
// batch processor and one set of caches.
type Pipeline struct {
	client     *inference.Client
	batches    *batch.Processor
	simCache   *cache.SimilarityCache
	classifier *classifier.Service
	similarity *similarity.Service
	expansion  *expansion.Service
	hierarchy  *hierarchy.Service
	config     Config
}

// New builds a pipeline in front of backend. Close releases the dispatch
// loop and the batch processor.
func New(backend inference.Backend, config Config) *Pipeline {
	client := inference.NewClient(backend, config.Inference)
	return newPipeline(client, client, config)
}

// NewWithCompleter builds a pipeline over an existing completer
func NewWithCompleter(completer inference.Completer, config Config) *Pipeline {
	return newPipeline(completer, nil, config)
}

func newPipeline(completer inference.Completer, client *inference.Client, config Config) *Pipeline {
	if config.CacheTTL == nil {
		config.CacheTTL = cache.DefaultTTLPolicy()
	}
	manager := concurrency.NewManager(config.Concurrency, config.RetryPolicies)
	simCache := cache.NewSimilarityCache(config.CacheTTL.For(cache.KindSimilarity))
	cls := classifier.NewService(completer, config.CacheTTL, config.SemanticThreshold)

	p := &Pipeline{
		client:     client,
		simCache:   simCache,
		classifier: cls,
		similarity: similarity.NewService(completer, cls, simCache, manager, config.Similarity),
		expansion:  expansion.NewService(completer, cls, manager, config.CacheTTL.For(cache.KindExpansion), config.Expansion),
		hierarchy:  hierarchy.NewService(completer, manager, config.Hierarchy),
		config:     config,
	}

	if config.Batch != nil {
		p.batches = batch.NewProcessor(*config.Batch, p.load)
		p.similarity.EnableBatching(p.batches)
		p.hierarchy.EnableBatching(p.batches)
		p.batches.Start(context.Background())
	}
	return p
}

// Run turns flat themes into a mindmap. It always produces a hierarchy:
// failed steps degrade to a flatter tree, and so does hitting RunTimeout.
// Only permanent inference errors and cancellation of ctx are returned.
func (p *Pipeline) Run(ctx context.Context, themes []models.Theme, opts RunOptions) (*Result, error) {
	start := time.Now()
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	result := &Result{RunID: runID}

	var audit *logging.RunLogger
	if opts.AuditDir != "" {
		var err error
		if audit, err = logging.StartRunLogging(opts.AuditDir, runID); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("Audit log unavailable, continuing without it")
		} else {
			defer audit.Close()
			result.AuditLog = audit.Path()
		}
	}
	ctx = logging.WithRunLogger(ctx, audit)
	caller := ctx

	if p.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RunTimeout)
		defer cancel()
	}

	audit.LogSection("INPUT")
	audit.Log("%d themes", len(themes))
	log.Info().Str("run_id", runID).Int("themes", len(themes)).Msg("Starting mindmap run")
	p.sweepCaches()

	roots, merges, err := p.consolidate(ctx, caller, themes)
	if err != nil {
		return nil, err
	}
	result.Stats.Merges = merges

	expanded, err := p.expansion.Expand(ctx, roots)
	switch {
	case err == nil:
		roots = expanded
	case inference.IsPermanent(err):
		return nil, fmt.Errorf("expansion: %w", err)
	default:
		audit.LogError("expansion", err)
		log.Warn().Err(err).Str("run_id", runID).Msg("Expansion failed, keeping consolidated tree")
	}

	if p.config.CrossLevelCleanup {
		cleaned, report, err := p.hierarchy.Cleanup(ctx, roots)
		switch {
		case err == nil:
			roots = cleaned
			result.Stats.CrossLevelCandidate = report.Candidates
			result.Stats.CrossLevelMerges = report.Merges
		case inference.IsPermanent(err):
			return nil, fmt.Errorf("cross-level cleanup: %w", err)
		default:
			audit.LogError("cross-level cleanup", err)
		}
	}

	if err := caller.Err(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		result.Stats.TimedOut = true
		audit.LogError("run", fmt.Errorf("timeout of %s reached, returning the partial hierarchy", p.config.RunTimeout))
		log.Warn().Str("run_id", runID).Dur("timeout", p.config.RunTimeout).Msg("Run timed out, returning partial hierarchy")
	}

	result.Roots = roots
	result.Violations = hierarchy.Violations(hierarchy.Validate(roots))
	if len(result.Violations) > 0 {
		audit.LogSection("INTEGRITY")
		for _, v := range result.Violations {
			audit.Log("VIOLATION %s", v.Error())
		}
		log.Warn().Str("run_id", runID).Int("violations", len(result.Violations)).Msg("Hierarchy has integrity violations")
	}

	result.Stats.fill(themes, roots, len(result.Violations), time.Since(start))
	audit.LogSection("SUMMARY")
	audit.Log("roots=%d nodes=%d depth=%d merges=%d cross_level=%d violations=%d duration=%s",
		result.Stats.Roots, result.Stats.Nodes, result.Stats.MaxDepth, result.Stats.Merges,
		result.Stats.CrossLevelMerges, result.Stats.Violations, result.Stats.Duration)
	log.Info().
		Str("run_id", runID).
		Int("roots", result.Stats.Roots).
		Int("nodes", result.Stats.Nodes).
		Int("max_depth", result.Stats.MaxDepth).
		Dur("duration", result.Stats.Duration).
		Msg("Mindmap run complete")
	return result, nil
}

// consolidate falls back to one root per theme when consolidation fails
// for a recoverable reason. Running out of run time is recoverable; caller
// cancellation is not.
func (p *Pipeline) consolidate(ctx, caller context.Context, themes []models.Theme) ([]*models.ConsolidatedTheme, int, error) {
	res, err := p.similarity.Consolidate(ctx, themes)
	if err == nil {
		return res.Roots, res.Merges, nil
	}
	if inference.IsPermanent(err) {
		return nil, 0, fmt.Errorf("consolidation: %w", err)
	}
	if caller.Err() != nil {
		return nil, 0, caller.Err()
	}

	logging.FromContext(ctx).LogError("consolidation", err)
	log.Warn().Err(err).Msg("Consolidation failed, using one root per theme")
	roots := make([]*models.ConsolidatedTheme, len(themes))
	for i, t := range themes {
		roots[i] = models.FromTheme(t)
	}
	return roots, 0, nil
}

func (s *Stats) fill(themes []models.Theme, roots []*models.ConsolidatedTheme, violations int, d time.Duration) {
	nodes := models.Flatten(roots)
	s.InputThemes = len(themes)
	s.Roots = len(roots)
	s.Nodes = len(nodes)
	for _, n := range nodes {
		if n.IsAtomic {
			s.AtomicNodes++
		}
	}
	s.MaxDepth = models.MaxDepth(roots)
	s.Violations = violations
	s.Duration = d
}

// load adds the dispatch backlog of the inference client to the runtime
// sample the batch processor sizes batches from.
func (p *Pipeline) load() batch.LoadSignals {
	signals := batch.RuntimeLoad()
	if p.client != nil {
		signals.PendingCalls = p.client.QueueLength()
	}
	return signals
}

// sweepCaches drops expired entries so long-lived pipelines do not hold
// answers no run can use anymore.
func (p *Pipeline) sweepCaches() int {
	n := p.simCache.DeleteExpired()
	n += p.classifier.DeleteExpired()
	n += p.expansion.DeleteExpired()
	if n > 0 {
		log.Debug().Int("entries", n).Msg("Swept expired cache entries")
	}
	return n
}

// InvalidateFiles drops every cached answer that involved one of paths, so
// a run after new commits recomputes them.
func (p *Pipeline) InvalidateFiles(paths []string) int {
	n := p.similarity.InvalidateByFiles(paths)
	n += p.classifier.InvalidateByFiles(paths)
	n += p.expansion.InvalidateByFiles(paths)
	log.Debug().Strs("paths", paths).Int("entries", n).Msg("Invalidated cached analyses")
	return n
}

// Diagnostics returns the counters of the shared services
func (p *Pipeline) Diagnostics() Diagnostics {
	d := Diagnostics{
		Expansion:       p.expansion.Stats(),
		SimilarityCache: p.simCache.Stats(),
		CrossLevel:      p.hierarchy.Merges(),
	}
	d.DomainCache, d.NamingCache = p.classifier.Stats()
	if p.client != nil {
		d.Inference = p.client.Stats()
	}
	if p.batches != nil {
		d.Batches = p.batches.Stats()
	}
	return d
}

// Close stops the batch processor and, when the pipeline created it, the
// dispatch queue.
func (p *Pipeline) Close(ctx context.Context) {
	if p.batches != nil {
		p.batches.Stop(ctx)
	}
	if p.client != nil {
		p.client.Close()
	}
}
