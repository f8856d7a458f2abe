package expansion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

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
	tagExpansion = "expansion"
	tagSubThemes = "sub_themes"
	tagDedup     = "dedup"
)

// Config enumerates the expansion tunables
type Config struct {
	MaxDepth            int  // safety valve against runaway recursion (default: 20)
	AtomicLineThreshold int  // single-file nodes under this many lines skip inference (default: 10)
	MaxAtomicLines      int  // merged nodes above this are re-evaluated (default: 200)
	MaxAtomicFiles      int  // merged nodes above this are re-evaluated (default: 5)
	SkipDeduplication   bool // leave siblings as proposed
	StrictAtomicLimits  bool // re-evaluate oversized merged nodes (default: true)
}

// DefaultConfig returns the default expansion tunables
func DefaultConfig() Config {
	return Config{
		MaxDepth:            20,
		AtomicLineThreshold: 10,
		MaxAtomicLines:      200,
		MaxAtomicFiles:      5,
		StrictAtomicLimits:  true,
	}
}

// Namer generates unified names for merged siblings
type Namer interface {
	GenerateName(ctx context.Context, themes []*models.ConsolidatedTheme) (classifier.NamingResult, error)
}

// Stats counts what the service did since it was created
type Stats struct {
	Decisions  int64 `json:"decisions"`
	Guardrail  int64 `json:"guardrail"`
	Atomic     int64 `json:"atomic"`
	Expanded   int64 `json:"expanded"`
	Merges     int64 `json:"merges"`
	Reexpanded int64 `json:"reexpanded"`
}

// Service recursively decides, per node, whether to decompose it and builds
// the children bottom-up.
type Service struct {
	completer inference.Completer
	namer     Namer
	manager   *concurrency.Manager
	decisions *cache.TTLCache[models.ExpansionDecision]
	prompts   *prompts.PromptBuilder
	config    Config

	decisionCount   atomic.Int64
	guardrailCount  atomic.Int64
	atomicCount     atomic.Int64
	expandedCount   atomic.Int64
	mergeCount      atomic.Int64
	reexpandedCount atomic.Int64
}

// NewService creates an expansion service. Zero config fields take defaults.
func NewService(completer inference.Completer, namer Namer, manager *concurrency.Manager, decisionTTL time.Duration, config Config) *Service {
	def := DefaultConfig()
	if config.MaxDepth <= 0 {
		config.MaxDepth = def.MaxDepth
	}
	if config.AtomicLineThreshold <= 0 {
		config.AtomicLineThreshold = def.AtomicLineThreshold
	}
	if config.MaxAtomicLines <= 0 {
		config.MaxAtomicLines = def.MaxAtomicLines
	}
	if config.MaxAtomicFiles <= 0 {
		config.MaxAtomicFiles = def.MaxAtomicFiles
	}
	return &Service{
		completer: completer,
		namer:     namer,
		manager:   manager,
		decisions: cache.NewTTLCache[models.ExpansionDecision](decisionTTL),
		prompts:   prompts.NewPromptBuilder(),
		config:    config,
	}
}

// Expand deepens every root concurrently. The input trees are not modified.
// A root whose expansion fails is returned unexpanded; only permanent
// inference errors are returned.
func (s *Service) Expand(ctx context.Context, roots []*models.ConsolidatedTheme) ([]*models.ConsolidatedTheme, error) {
	logging.FromContext(ctx).LogSection("EXPANSION")
	return s.expandAll(ctx, nil, roots)
}

// expandNode expands a copy of node in the context of its parent and the
// summaries of its siblings.
func (s *Service) expandNode(ctx context.Context, node, parent *models.ConsolidatedTheme, siblings []*models.ConsolidatedTheme) (*models.ConsolidatedTheme, error) {
	return s.expand(ctx, node.Clone(), parent, siblings)
}

func (s *Service) expandAll(ctx context.Context, parent *models.ConsolidatedTheme, nodes []*models.ConsolidatedTheme) ([]*models.ConsolidatedTheme, error) {
	all := summaries(nodes)
	results := concurrency.Process(ctx, s.manager, nodes, func(ctx context.Context, n *models.ConsolidatedTheme) (*models.ConsolidatedTheme, error) {
		return s.expandNode(ctx, n, parent, without(all, n.ID))
	}, concurrency.Options{
		Context: retry.ContextThemeProcessing,
		RetryIf: func(error) bool { return false },
	})

	out := make([]*models.ConsolidatedTheme, len(results))
	for i, r := range results {
		if r.Err != nil {
			if inference.IsPermanent(r.Err) {
				return nil, r.Err
			}
			log.Warn().Err(r.Err).Str("node", r.Item.ID).Msg("Expansion failed, keeping node unexpanded")
			logging.FromContext(ctx).LogError("expansion of "+r.Item.ID, r.Err)
			out[i] = r.Item.Clone()
			continue
		}
		out[i] = r.Value
	}
	return out, nil
}

// expand owns n: nothing else reads or writes it until it is returned.
func (s *Service) expand(ctx context.Context, n, parent *models.ConsolidatedTheme, siblings []*models.ConsolidatedTheme) (*models.ConsolidatedTheme, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.IsAtomic {
		return n, nil
	}
	if n.Level >= s.config.MaxDepth {
		s.markAtomic(ctx, n, "maximum depth reached")
		return n, nil
	}

	// Nodes that already have children (domain parents) are not re-decided.
	if len(n.Children) > 0 {
		children, err := s.expandAll(ctx, n, n.Children)
		if err != nil {
			return nil, err
		}
		n.Children = children
		n.SetPosition(n.ParentID, n.Level)
		return n, nil
	}

	if s.guardrail(n) {
		s.guardrailCount.Add(1)
		s.markAtomic(ctx, n, fmt.Sprintf("single file with %d lines", n.LineCount()))
		return n, nil
	}

	decision, err := s.decide(ctx, n, parent, siblings)
	if err != nil {
		return nil, err
	}
	if !decision.ShouldExpand {
		s.markAtomic(ctx, n, decision.Reasoning)
		return n, nil
	}

	stubs := decision.SubThemes
	if len(stubs) == 0 {
		if stubs, err = s.enumerate(ctx, n); err != nil {
			return nil, err
		}
	}
	if len(stubs) < 2 {
		s.markAtomic(ctx, n, "no distinct sub-themes proposed")
		return n, nil
	}

	children, err := s.expandAll(ctx, n, buildChildren(n, stubs))
	if err != nil {
		return nil, err
	}
	if !s.config.SkipDeduplication && len(children) > 1 {
		if children, err = s.deduplicate(ctx, n, children); err != nil {
			return nil, err
		}
	}

	n.Children = children
	n.IsAtomic = false
	n.ExpansionReason = decision.Reasoning
	n.SetPosition(n.ParentID, n.Level)
	s.expandedCount.Add(1)
	return n, nil
}

func (s *Service) guardrail(n *models.ConsolidatedTheme) bool {
	return len(n.AffectedFiles) == 1 && n.LineCount() < s.config.AtomicLineThreshold
}

func (s *Service) exceedsAtomicLimits(n *models.ConsolidatedTheme) bool {
	return n.LineCount() > s.config.MaxAtomicLines || len(n.AffectedFiles) > s.config.MaxAtomicFiles
}

func (s *Service) markAtomic(ctx context.Context, n *models.ConsolidatedTheme, reason string) {
	n.IsAtomic = true
	n.ExpansionReason = reason
	s.atomicCount.Add(1)
	logging.FromContext(ctx).LogDecision(n.ID, n.Level, "atomic", reason, len(n.AffectedFiles), n.LineCount())
}

// decide returns the cached or freshly requested decision for n at its depth.
// An unusable answer is treated as atomic.
func (s *Service) decide(ctx context.Context, n, parent *models.ConsolidatedTheme, siblings []*models.ConsolidatedTheme) (models.ExpansionDecision, error) {
	key := decisionKey(n)
	if cached, ok := s.decisions.Get(key); ok {
		return cached, nil
	}

	s.decisionCount.Add(1)
	raw, err := s.completer.Complete(ctx, tagExpansion, s.prompts.ExpansionDecision(n, n.Level, parent, siblings))
	if err != nil {
		if inference.IsPermanent(err) {
			return models.ExpansionDecision{}, err
		}
		logging.FromContext(ctx).LogError("expansion decision for "+n.ID, err)
		return models.ExpansionDecision{IsAtomic: true, Reasoning: "decision unavailable: " + err.Error()}, nil
	}

	resp, res := llm.Decode[llm.ExpansionDecisionResponse](raw, llm.ShapeObject, "should_expand")
	if !res.Success {
		log.Debug().Err(res.Error).Str("node", n.ID).Str("preview", res.Preview).Msg("Expansion decision unusable, marking atomic")
		return models.ExpansionDecision{IsAtomic: true, Reasoning: "decision unparseable"}, nil
	}

	decision := resp.Decision()
	verdict := "expand"
	if !decision.ShouldExpand {
		verdict = "keep"
	}
	logging.FromContext(ctx).LogDecision(n.ID, n.Level, verdict, decision.Reasoning, len(n.AffectedFiles), n.LineCount())
	s.decisions.Set(key, decision, 0, n.AffectedFiles...)
	return decision, nil
}

// decisionKey identifies a node by what it covers rather than by its id,
// which is fresh on every run: source themes, name, file set and depth.
func decisionKey(n *models.ConsolidatedTheme) string {
	if len(n.SourceThemes) == 0 {
		return fmt.Sprintf("%s:%d", n.ID, n.Level)
	}
	sources := append([]string(nil), n.SourceThemes...)
	sort.Strings(sources)
	files := models.UniqueStrings(n.AffectedFiles)
	sort.Strings(files)
	sum := sha256.Sum256([]byte(strings.Join(files, "\n")))
	return fmt.Sprintf("%s#%s#%s:%d", strings.Join(sources, "+"), n.Name, hex.EncodeToString(sum[:8]), n.Level)
}

// enumerate asks for children when the decision did not include any
func (s *Service) enumerate(ctx context.Context, n *models.ConsolidatedTheme) ([]models.SubThemeStub, error) {
	raw, err := s.completer.Complete(ctx, tagSubThemes, s.prompts.SubThemes(n, n.Level))
	if err != nil {
		if inference.IsPermanent(err) {
			return nil, err
		}
		logging.FromContext(ctx).LogError("sub-theme enumeration for "+n.ID, err)
		return nil, nil
	}
	resp, res := llm.Decode[llm.SubThemesResponse](raw, llm.ShapeObject, "sub_themes")
	if !res.Success {
		log.Debug().Err(res.Error).Str("node", n.ID).Msg("Sub-theme response unusable")
		return nil, nil
	}
	return resp.SubThemes, nil
}

// buildChildren turns stubs into nodes one level below parent. A stub may
// only claim files the parent touches; an invalid claim falls back to the
// parent's first file.
func buildChildren(parent *models.ConsolidatedTheme, stubs []models.SubThemeStub) []*models.ConsolidatedTheme {
	owned := make(map[string]bool, len(parent.AffectedFiles))
	for _, f := range parent.AffectedFiles {
		owned[f] = true
	}

	now := time.Now()
	children := make([]*models.ConsolidatedTheme, 0, len(stubs))
	for _, stub := range stubs {
		var files []string
		for _, f := range models.UniqueStrings(stub.Files) {
			if owned[f] {
				files = append(files, f)
			}
		}
		if len(files) == 0 && len(parent.AffectedFiles) > 0 {
			files = []string{parent.AffectedFiles[0]}
		}

		impact := stub.BusinessImpact
		if impact == "" {
			impact = parent.BusinessImpact
		}
		children = append(children, &models.ConsolidatedTheme{
			ID:                  models.NewID("theme"),
			Name:                stub.Name,
			Description:         stub.Description,
			Level:               parent.Level + 1,
			ParentID:            parent.ID,
			AffectedFiles:       files,
			CodeSnippets:        snippetsFor(parent, files),
			Confidence:          parent.Confidence,
			BusinessImpact:      impact,
			Context:             parent.Context,
			SourceThemes:        append([]string(nil), parent.SourceThemes...),
			ConsolidationMethod: models.MethodExpansion,
			ExpansionReason:     stub.Rationale,
			LastAnalysis:        now,
		})
	}
	return children
}

// snippetsFor picks the parent's snippets that mention one of files. A child
// covering every parent file inherits all of them.
func snippetsFor(parent *models.ConsolidatedTheme, files []string) []string {
	if len(files) >= len(parent.AffectedFiles) {
		return append([]string(nil), parent.CodeSnippets...)
	}
	var out []string
	for _, snippet := range parent.CodeSnippets {
		for _, f := range files {
			if strings.Contains(snippet, f) {
				out = append(out, snippet)
				break
			}
		}
	}
	return out
}

// summaries returns name-and-description copies safe to read while the
// originals are being expanded by other tasks.
func summaries(nodes []*models.ConsolidatedTheme) []*models.ConsolidatedTheme {
	out := make([]*models.ConsolidatedTheme, len(nodes))
	for i, n := range nodes {
		out[i] = &models.ConsolidatedTheme{ID: n.ID, Name: n.Name, Description: n.Description}
	}
	return out
}

func without(nodes []*models.ConsolidatedTheme, id string) []*models.ConsolidatedTheme {
	out := make([]*models.ConsolidatedTheme, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// InvalidateByFiles drops cached decisions for nodes touching paths
func (s *Service) InvalidateByFiles(paths []string) int {
	return len(s.decisions.InvalidateByFiles(paths))
}

// DeleteExpired drops decisions past their TTL
func (s *Service) DeleteExpired() int {
	return len(s.decisions.DeleteExpired())
}

// Stats returns the counters accumulated so far
func (s *Service) Stats() Stats {
	return Stats{
		Decisions:  s.decisionCount.Load(),
		Guardrail:  s.guardrailCount.Load(),
		Atomic:     s.atomicCount.Load(),
		Expanded:   s.expandedCount.Load(),
		Merges:     s.mergeCount.Load(),
		Reexpanded: s.reexpandedCount.Load(),
	}
}
