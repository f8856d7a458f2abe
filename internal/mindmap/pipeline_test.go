package mindmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prmindmap/internal/batch"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type routedCompleter struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (r *routedCompleter) Complete(_ context.Context, tag, prompt string) (string, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[tag]++
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}

	switch tag {
	case "similarity":
		dup := (strings.Contains(prompt, "Name: Token refresh") && strings.Contains(prompt, "Name: Refresh auth tokens")) ||
			(strings.Contains(prompt, "Name: Invoice export") && strings.Contains(prompt, "Name: Export invoices to CSV"))
		if dup {
			return `{"should_merge": true, "confidence": 0.9, "reasoning": "same change"}`, nil
		}
		return `{"should_merge": false, "confidence": 0.9, "reasoning": "different"}`, nil
	case "naming":
		if strings.Contains(prompt, "Token refresh") {
			return `{"name": "Auth token refresh", "description": "Refreshes auth tokens"}`, nil
		}
		return `{"name": "Invoice CSV export", "description": "Exports invoices"}`, nil
	case "domain":
		switch {
		case strings.Contains(prompt, "auth/"):
			return `{"domain": "Authentication", "confidence": 0.9}`, nil
		case strings.Contains(prompt, "billing/"):
			return `{"domain": "Billing", "confidence": 0.9}`, nil
		case strings.Contains(prompt, "ui/"):
			return `{"domain": "User Interface", "confidence": 0.9}`, nil
		}
		return `{"domain": "Notifications", "confidence": 0.9}`, nil
	case "expansion":
		return `{"should_expand": false, "is_atomic": true, "reasoning": "cohesive"}`, nil
	case "dedup":
		return `{"duplicate_groups": []}`, nil
	case "cross_level":
		return `{"results": []}`, nil
	}
	return "", fmt.Errorf("unexpected tag %s", tag)
}

func (r *routedCompleter) count(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[tag]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Batch = nil
	cfg.RetryPolicies = retry.DefaultPolicies().Scaled(0.001)
	return cfg
}

func snippet(file string) []string {
	return []string{fmt.Sprintf("--- %s\n+ added\n- removed", file)}
}

func sixThemes() []models.Theme {
	theme := func(id, name, file string) models.Theme {
		return models.Theme{ID: id, Name: name, Description: name, AffectedFiles: []string{file}, CodeSnippets: snippet(file), Confidence: 0.8}
	}
	return []models.Theme{
		theme("t1", "Token refresh", "auth/token.go"),
		theme("t2", "Refresh auth tokens", "auth/token.go"),
		theme("t3", "Invoice export", "billing/export.go"),
		theme("t4", "Export invoices to CSV", "billing/export.go"),
		theme("t5", "Dark mode toggle", "ui/theme.css"),
		theme("t6", "Retry webhook delivery", "hooks/retry.go"),
	}
}

func leafSources(roots []*models.ConsolidatedTheme) []string {
	var out []string
	for _, n := range models.Flatten(roots) {
		if len(n.Children) == 0 {
			out = append(out, n.SourceThemes...)
		}
	}
	return out
}

func TestRun_CollapsesNearDuplicates(t *testing.T) {
	fc := &routedCompleter{}
	p := NewWithCompleter(fc, testConfig())
	defer p.Close(context.Background())

	result, err := p.Run(context.Background(), sixThemes(), RunOptions{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", result.RunID)
	assert.LessOrEqual(t, len(result.Roots), 4)
	assert.Equal(t, 2, result.Stats.Merges)
	assert.Equal(t, 6, result.Stats.InputThemes)
	assert.Empty(t, result.Violations)

	var merged [][]string
	for _, r := range result.Roots {
		if len(r.SourceThemes) == 2 {
			merged = append(merged, r.SourceThemes)
		}
	}
	assert.ElementsMatch(t, [][]string{{"t1", "t2"}, {"t3", "t4"}}, merged)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "t5", "t6"}, leafSources(result.Roots))

	// Every node is a small single-file change: no expansion decision needed.
	assert.Equal(t, 0, fc.count("expansion"))
	assert.Equal(t, 2, fc.count("similarity"))
}

func TestRun_SmallThemeSkipsInference(t *testing.T) {
	fc := &routedCompleter{}
	p := NewWithCompleter(fc, testConfig())
	defer p.Close(context.Background())

	themes := []models.Theme{{
		ID: "t1", Name: "Fix typo", Description: "Fix a typo", AffectedFiles: []string{"README.md"},
		CodeSnippets: []string{"- teh\n+ the\n context"},
	}}
	result, err := p.Run(context.Background(), themes, RunOptions{})
	require.NoError(t, err)

	require.Len(t, result.Roots, 1)
	assert.True(t, result.Roots[0].IsAtomic)
	assert.Equal(t, 0, fc.count("expansion"))
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, result.Stats.AtomicNodes)
}

func TestRun_NeverFailsOnTransientErrors(t *testing.T) {
	fc := &routedCompleter{err: errors.New("503 service unavailable")}
	p := NewWithCompleter(fc, testConfig())
	defer p.Close(context.Background())

	result, err := p.Run(context.Background(), sixThemes(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Stats.Merges)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "t5", "t6"}, leafSources(result.Roots))
	assert.Empty(t, result.Violations)
}

func TestRun_PermanentErrorEscapes(t *testing.T) {
	fc := &routedCompleter{err: &inference.PermanentError{Err: errors.New("401 invalid api key")}}
	p := NewWithCompleter(fc, testConfig())
	defer p.Close(context.Background())

	_, err := p.Run(context.Background(), sixThemes(), RunOptions{})
	require.Error(t, err)
	assert.True(t, inference.IsPermanent(err))
}

func TestRun_WritesAuditLog(t *testing.T) {
	p := NewWithCompleter(&routedCompleter{}, testConfig())
	defer p.Close(context.Background())

	result, err := p.Run(context.Background(), sixThemes(), RunOptions{RunID: "audit", AuditDir: t.TempDir()})
	require.NoError(t, err)
	require.NotEmpty(t, result.AuditLog)

	body, err := os.ReadFile(result.AuditLog)
	require.NoError(t, err)
	for _, section := range []string{"CONSOLIDATION", "EXPANSION", "SUMMARY", "MERGE into="} {
		assert.Contains(t, string(body), section)
	}
}

func TestInvalidateFiles(t *testing.T) {
	p := NewWithCompleter(&routedCompleter{}, testConfig())
	defer p.Close(context.Background())

	_, err := p.Run(context.Background(), sixThemes(), RunOptions{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, p.InvalidateFiles([]string{"auth/token.go"}), 1)
	assert.Equal(t, 0, p.InvalidateFiles([]string{"nothing/here.go"}))
}

func TestPipeline_BatchedRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	b := batch.DefaultConfig()
	b.TickInterval = 5 * time.Millisecond
	cfg.Batch = &b
	p := NewWithCompleter(&routedCompleter{}, cfg)

	result, err := p.Run(context.Background(), sixThemes()[4:], RunOptions{})
	require.NoError(t, err)
	assert.Len(t, leafSources(result.Roots), 2)

	d := p.Diagnostics()
	assert.NotNil(t, d.Batches)
	p.Close(context.Background())
}

// slowCompleter answers like routedCompleter after a delay, or fails with
// the context error when the context ends first.
type slowCompleter struct {
	routedCompleter
	delay time.Duration
}

func (s *slowCompleter) Complete(ctx context.Context, tag, prompt string) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.routedCompleter.Complete(ctx, tag, prompt)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestRun_TimeoutReturnsPartialHierarchy(t *testing.T) {
	cfg := testConfig()
	cfg.RunTimeout = 100 * time.Millisecond
	p := NewWithCompleter(&slowCompleter{delay: 80 * time.Millisecond}, cfg)
	defer p.Close(context.Background())

	result, err := p.Run(context.Background(), sixThemes(), RunOptions{AuditDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Stats.TimedOut)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "t5", "t6"}, leafSources(result.Roots))
	assert.Empty(t, result.Violations)

	body, err := os.ReadFile(result.AuditLog)
	require.NoError(t, err)
	assert.Contains(t, string(body), "returning the partial hierarchy")
}

func TestRun_CallerCancellationEscapes(t *testing.T) {
	p := NewWithCompleter(&slowCompleter{delay: 10 * time.Millisecond}, testConfig())
	defer p.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := p.Run(ctx, sixThemes(), RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
}

func TestRun_CompletedRunIsNotTimedOut(t *testing.T) {
	p := NewWithCompleter(&routedCompleter{}, testConfig())
	defer p.Close(context.Background())

	result, err := p.Run(context.Background(), sixThemes(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, result.Stats.TimedOut)
}

func TestRun_ReusesExpansionDecisionsAcrossRuns(t *testing.T) {
	fc := &routedCompleter{}
	p := NewWithCompleter(fc, testConfig())
	defer p.Close(context.Background())

	themes := []models.Theme{{
		ID: "t1", Name: "Session storage", Description: "Moves sessions to Redis",
		AffectedFiles: []string{"auth/session.go", "auth/store.go"},
		CodeSnippets:  append(snippet("auth/session.go"), snippet("auth/store.go")...),
	}}
	for i := 0; i < 2; i++ {
		_, err := p.Run(context.Background(), themes, RunOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fc.count("expansion"))

	p.InvalidateFiles([]string{"auth/store.go"})
	_, err := p.Run(context.Background(), themes, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, fc.count("expansion"))
}

func TestPipeline_SweepsExpiredCacheEntries(t *testing.T) {
	p := NewWithCompleter(&routedCompleter{}, testConfig())
	defer p.Close(context.Background())

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p.simCache.SetClock(clock)
	p.classifier.SetClock(clock)

	_, err := p.Run(context.Background(), sixThemes(), RunOptions{})
	require.NoError(t, err)
	require.Greater(t, p.simCache.Stats().Entries, 0)

	mu.Lock()
	now = now.Add(3 * time.Hour)
	mu.Unlock()

	assert.Greater(t, p.sweepCaches(), 0)
	assert.Zero(t, p.simCache.Stats().Entries)
	domain, naming := p.classifier.Stats()
	assert.Zero(t, domain.Entries)
	assert.Zero(t, naming.Entries)
}

func TestPipeline_LoadReportsPendingInferenceCalls(t *testing.T) {
	release := make(chan struct{})
	backend := inference.BackendFunc(func(ctx context.Context, _ string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return `{}`, nil
	})
	cfg := testConfig()
	cfg.Inference = inference.Config{MaxConcurrent: 1}
	p := New(backend, cfg)
	defer p.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = p.client.Complete(context.Background(), "similarity", fmt.Sprintf("prompt %d", i))
		}(i)
	}

	assert.Eventually(t, func() bool {
		return p.load().PendingCalls == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()
	assert.Zero(t, p.load().PendingCalls)
}
