package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/prmindmap/internal/cache"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/llm"
	"github.com/prmindmap/internal/logging"
	"github.com/prmindmap/internal/prompts"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDomain is used when neither the model nor the keyword table can place a theme
	DefaultDomain = "General"

	minNameLength = 3
	maxNameLength = 50

	tagDomain = "domain"
	tagNaming = "naming"
)

var (
	ErrNameLength      = errors.New("name length out of range")
	ErrNamePunctuation = errors.New("name reads like a sentence")
	ErrNameBanned      = errors.New("name contains a banned word")
)

// bannedNameWords are words a model tends to emit when it failed to answer
var bannedNameWords = map[string]bool{
	"error":     true,
	"failed":    true,
	"failure":   true,
	"unknown":   true,
	"untitled":  true,
	"undefined": true,
	"null":      true,
	"none":      true,
}

// DomainResult is a business-domain classification
type DomainResult struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback"`
}

// NamingResult is a unified name for merged themes
type NamingResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Fallback    bool   `json:"fallback"`
}

// Service classifies domains and names merged themes through the model, with
// deterministic fallbacks. Only permanent inference errors are returned.
type Service struct {
	completer inference.Completer
	prompts   *prompts.PromptBuilder
	domains   *cache.SemanticCache[DomainResult]
	names     *cache.TTLCache[NamingResult]
}

// NewService creates a classifier. threshold is the semantic cache Jaccard cut-off.
func NewService(completer inference.Completer, ttl cache.TTLPolicy, threshold float64) *Service {
	return &Service{
		completer: completer,
		prompts:   prompts.NewPromptBuilder(),
		domains:   cache.NewSemanticCache[DomainResult](ttl.For(cache.KindDomain), threshold),
		names:     cache.NewTTLCache[NamingResult](ttl.For(cache.KindNaming)),
	}
}

// ClassifyTheme returns the business domain of t. Near-identical themes
// share a cached answer.
func (s *Service) ClassifyTheme(ctx context.Context, t *models.ConsolidatedTheme) (DomainResult, error) {
	key := "domain:" + strings.Join(t.SourceThemes, ",") + ":" + t.Name
	text := append([]string{t.Name, t.Description, t.BusinessImpact}, cache.FileStems(t.AffectedFiles)...)

	if cached, ok := s.domains.Get(key, text...); ok {
		return cached, nil
	}

	desc := fmt.Sprintf("Name: %s\nDescription: %s\nBusiness impact: %s\nFiles: %s",
		t.Name, t.Description, t.BusinessImpact, strings.Join(t.AffectedFiles, ", "))
	result, err := s.ClassifyDomain(ctx, desc)
	if err != nil {
		return result, err
	}
	if !result.Fallback {
		s.domains.Set(key, result, t.AffectedFiles, text...)
	}
	return result, nil
}

// ClassifyDomain asks the model for the domain of free text, falling back to
// the keyword table when the answer is unusable.
func (s *Service) ClassifyDomain(ctx context.Context, text string) (DomainResult, error) {
	raw, err := s.completer.Complete(ctx, tagDomain, s.prompts.Domain(text))
	if err != nil {
		if inference.IsPermanent(err) {
			return DomainResult{}, err
		}
		logging.FromContext(ctx).LogError("domain classification", err)
		return keywordDomain(text), nil
	}

	resp, res := llm.Decode[llm.DomainResponse](raw, llm.ShapeObject, "domain")
	if !res.Success {
		log.Debug().Err(res.Error).Str("preview", res.Preview).Msg("Domain response unusable, using keyword fallback")
		return keywordDomain(text), nil
	}
	return DomainResult{Domain: normalizeDomain(resp.Domain), Confidence: resp.Confidence}, nil
}

// GenerateName asks the model for a unified name for themes that are being
// merged. An invalid suggestion falls back to the first theme's name.
func (s *Service) GenerateName(ctx context.Context, themes []*models.ConsolidatedTheme) (NamingResult, error) {
	if len(themes) == 0 {
		return NamingResult{}, nil
	}
	fallback := NamingResult{
		Name:        themes[0].Name,
		Description: models.CombineDescriptions(themes...),
		Fallback:    true,
	}
	if len(themes) == 1 {
		return fallback, nil
	}

	key := namingKey(themes)
	if cached, ok := s.names.Get(key); ok {
		return cached, nil
	}

	raw, err := s.completer.Complete(ctx, tagNaming, s.prompts.Naming(themes))
	if err != nil {
		if inference.IsPermanent(err) {
			return NamingResult{}, err
		}
		logging.FromContext(ctx).LogError("naming", err)
		return fallback, nil
	}

	resp, res := llm.Decode[llm.NamingResponse](raw, llm.ShapeObject, "name")
	if !res.Success {
		logging.FromContext(ctx).Log("naming fallback to first theme: %v", res.Error)
		return fallback, nil
	}
	name := strings.TrimSpace(resp.Name)
	if err := ValidateName(name); err != nil {
		logging.FromContext(ctx).Log("naming fallback to first theme: %q rejected: %v", logging.Truncate(name, 60), err)
		return fallback, nil
	}

	result := NamingResult{Name: name, Description: strings.TrimSpace(resp.Description)}
	if result.Description == "" {
		result.Description = fallback.Description
	}
	var files []string
	for _, t := range themes {
		files = append(files, t.AffectedFiles...)
	}
	s.names.Set(key, result, 0, files...)
	return result, nil
}

// InvalidateByFiles purges cached answers for themes touching paths
func (s *Service) InvalidateByFiles(paths []string) int {
	return s.domains.InvalidateByFiles(paths) + len(s.names.InvalidateByFiles(paths))
}

// DeleteExpired drops domain and naming answers past their TTL
func (s *Service) DeleteExpired() int {
	return s.domains.DeleteExpired() + len(s.names.DeleteExpired())
}

// Stats reports the domain and naming cache counters
func (s *Service) Stats() (domain, naming cache.Stats) {
	return s.domains.Stats(), s.names.Stats()
}

// ValidateName checks a generated name: 3 to 50 characters, no sentence
// punctuation, no banned words.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < minNameLength || n > maxNameLength {
		return fmt.Errorf("%w: %d characters", ErrNameLength, n)
	}
	if strings.ContainsAny(name, ".!?;\n") {
		return ErrNamePunctuation
	}
	for _, word := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if bannedNameWords[word] {
			return fmt.Errorf("%w: %q", ErrNameBanned, word)
		}
	}
	return nil
}

func namingKey(themes []*models.ConsolidatedTheme) string {
	var ids []string
	for _, t := range themes {
		ids = append(ids, t.SourceThemes...)
	}
	ids = models.UniqueStrings(ids)
	sort.Strings(ids)
	return "naming:" + strings.Join(ids, ",")
}

func normalizeDomain(domain string) string {
	domain = strings.Join(strings.Fields(domain), " ")
	if domain == "" {
		return DefaultDomain
	}
	words := strings.Split(domain, " ")
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// SetClock replaces the cache time source
func (s *Service) SetClock(now func() time.Time) {
	s.domains.SetClock(now)
	s.names.SetClock(now)
}
