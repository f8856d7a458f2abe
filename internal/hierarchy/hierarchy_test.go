package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prmindmap/internal/batch"
	"github.com/prmindmap/internal/concurrency"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/llm"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pairPattern = regexp.MustCompile(`PAIR (\S+)\n  A: ([^:\n]+):[^\n]*\n[^\n]*\n  B: ([^:\n]+):`)

type verdictFunc func(a, b string) (rel, action string, score float64)

type fakeCompleter struct {
	mu    sync.Mutex
	calls int
	judge verdictFunc
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, tag, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if tag != tagCrossLevel {
		return "", fmt.Errorf("unexpected tag %s", tag)
	}
	var parts []string
	for _, m := range pairPattern.FindAllStringSubmatch(prompt, -1) {
		rel, action, score := f.judge(m[2], m[3])
		parts = append(parts, fmt.Sprintf(`{"pair_id": %q, "relationship": %q, "action": %q, "similarity_score": %.2f, "reasoning": "r"}`,
			m[1], rel, action, score))
	}
	return `{"results": [` + strings.Join(parts, ",") + `]}`, nil
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// pairJudge flags exactly one pair and calls everything else distinct
func pairJudge(x, y, rel, action string, score float64) verdictFunc {
	return func(a, b string) (string, string, float64) {
		if (a == x && b == y) || (a == y && b == x) {
			return rel, action, score
		}
		return "distinct", "keep_separate", 0.1
	}
}

func newTestService(judge verdictFunc) (*Service, *fakeCompleter) {
	fc := &fakeCompleter{judge: judge}
	manager := concurrency.NewManager(concurrency.DefaultConfig(), retry.DefaultPolicies().Scaled(0.001))
	return NewService(fc, manager, DefaultConfig()), fc
}

func leaf(id, name string, sources ...string) *models.ConsolidatedTheme {
	return &models.ConsolidatedTheme{
		ID: id, Name: name, Description: name,
		AffectedFiles: []string{id + ".go"}, SourceThemes: sources, IsAtomic: true,
	}
}

// twoBranches builds
//
//	auth: Authentication  -> a1 Token refresh, a2 Login form
//	sess: Session handling -> b1 Refresh auth tokens
func twoBranches() []*models.ConsolidatedTheme {
	auth := &models.ConsolidatedTheme{ID: "auth", Name: "Authentication",
		Children: []*models.ConsolidatedTheme{leaf("a1", "Token refresh", "t1"), leaf("a2", "Login form", "t2")}}
	sess := &models.ConsolidatedTheme{ID: "sess", Name: "Session handling",
		Children: []*models.ConsolidatedTheme{leaf("b1", "Refresh auth tokens", "t3")}}
	auth.SetPosition("", 0)
	sess.SetPosition("", 0)
	return []*models.ConsolidatedTheme{auth, sess}
}

func pairIDs(pairs []struct{ a, b string }) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.a + "|" + p.b
	}
	return out
}

func TestCandidatePairs(t *testing.T) {
	roots := twoBranches()
	deep := leaf("a1x", "Refresh retry")
	roots[0].Children[0].Children = []*models.ConsolidatedTheme{deep}
	roots[0].SetPosition("", 0)

	var got []string
	for _, p := range CandidatePairs(roots) {
		got = append(got, p.ID)
	}

	want := pairIDs([]struct{ a, b string }{
		{"auth", "b1"},
		{"a1", "sess"}, {"a1", "b1"},
		{"a1x", "a2"}, {"a1x", "b1"},
		{"a2", "sess"}, {"a2", "b1"},
	})
	assert.ElementsMatch(t, want, got)
}

func TestPrimary(t *testing.T) {
	up := leaf("up", "x")
	down := leaf("down", "y")
	down.Level = 1

	p, s := Primary(Verdict{A: down, B: up, Action: llm.ActionMergeUp})
	assert.Equal(t, "up", p.ID)
	assert.Equal(t, "down", s.ID)

	p, _ = Primary(Verdict{A: up, B: down, Action: llm.ActionMergeDown})
	assert.Equal(t, "down", p.ID)

	p, _ = Primary(Verdict{A: down, B: up, Action: llm.ActionKeepSeparate})
	assert.Equal(t, "up", p.ID)

	peer := leaf("peer", "z")
	peer.Level = 1
	p, _ = Primary(Verdict{A: down, B: peer, Action: llm.ActionMergeDown})
	assert.Equal(t, "down", p.ID, "same level keeps A")
}

func TestCleanup_MergesCrossBranchDuplicate(t *testing.T) {
	svc, fc := newTestService(pairJudge("Token refresh", "Refresh auth tokens", "duplicate", "merge_sibling", 0.95))
	input := twoBranches()

	out, report, err := svc.Cleanup(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, Report{Candidates: 5, Classified: 5, Merges: 1}, report)
	assert.Equal(t, 1, fc.count(), "five pairs fit one call")
	require.Len(t, out, 2)

	a1 := out[0].Children[0]
	assert.Equal(t, "a1", a1.ID)
	assert.ElementsMatch(t, []string{"t1", "t3"}, a1.SourceThemes)
	assert.ElementsMatch(t, []string{"a1.go", "b1.go"}, a1.AffectedFiles)
	assert.Empty(t, out[1].Children)
	assert.NoError(t, Validate(out))

	assert.Len(t, input[1].Children, 1, "input must not be modified")
}

func TestCleanup_MergeDownKeepsDeeperNode(t *testing.T) {
	svc, _ := newTestService(pairJudge("Authentication", "Refresh auth tokens", "overlap", "merge_down", 0.9))

	out, report, err := svc.Cleanup(context.Background(), twoBranches())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merges)

	require.Len(t, out, 1)
	sess := out[0]
	assert.Equal(t, "sess", sess.ID)
	require.Len(t, sess.Children, 1)
	b1 := sess.Children[0]
	assert.Equal(t, "b1", b1.ID)
	assert.False(t, b1.IsAtomic)
	require.Len(t, b1.Children, 2)
	for _, c := range b1.Children {
		assert.Equal(t, 2, c.Level)
		assert.Equal(t, "b1", c.ParentID)
	}
	assert.NoError(t, Validate(out))
}

func TestCleanup_NoMergeBelowThresholdOrUnrelated(t *testing.T) {
	cases := map[string]verdictFunc{
		"at threshold": pairJudge("Token refresh", "Refresh auth tokens", "duplicate", "merge_sibling", 0.85),
		"related":      pairJudge("Token refresh", "Refresh auth tokens", "related", "merge_sibling", 0.99),
	}
	for name, judge := range cases {
		t.Run(name, func(t *testing.T) {
			svc, _ := newTestService(judge)
			out, report, err := svc.Cleanup(context.Background(), twoBranches())
			require.NoError(t, err)
			assert.Equal(t, 0, report.Merges)
			assert.Len(t, out[1].Children, 1)
		})
	}
}

func TestCleanup_Failures(t *testing.T) {
	t.Run("transient error keeps everything", func(t *testing.T) {
		svc, fc := newTestService(nil)
		fc.err = errors.New("connection reset by peer")
		out, report, err := svc.Cleanup(context.Background(), twoBranches())
		require.NoError(t, err)
		assert.Equal(t, 0, report.Classified)
		assert.Len(t, out, 2)
	})

	t.Run("malformed response keeps everything", func(t *testing.T) {
		svc, _ := newTestService(func(a, b string) (string, string, float64) {
			return "identical", "explode", 2
		})
		_, report, err := svc.Cleanup(context.Background(), twoBranches())
		require.NoError(t, err)
		assert.Equal(t, 0, report.Merges)
	})

	t.Run("permanent error escapes", func(t *testing.T) {
		svc, fc := newTestService(nil)
		fc.err = &inference.PermanentError{Err: errors.New("403 forbidden")}
		_, _, err := svc.Cleanup(context.Background(), twoBranches())
		assert.True(t, inference.IsPermanent(err))
	})
}

func TestCleanup_Batched(t *testing.T) {
	svc, fc := newTestService(pairJudge("Token refresh", "Refresh auth tokens", "duplicate", "merge_up", 0.97))

	cfg := batch.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	tc := cfg.Types[batch.TypeCrossLevel]
	tc.Timeout = 10 * time.Millisecond
	cfg.Types[batch.TypeCrossLevel] = tc
	processor := batch.NewProcessor(cfg, nil)
	svc.EnableBatching(processor)
	processor.Start(context.Background())
	defer processor.Stop(context.Background())

	out, report, err := svc.Cleanup(context.Background(), twoBranches())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Classified)
	assert.Equal(t, 1, report.Merges)
	assert.Empty(t, out[1].Children)
	assert.LessOrEqual(t, fc.count(), 5)
	assert.Equal(t, int64(1), svc.Merges())
}

func kinds(err error) []ViolationKind {
	var out []ViolationKind
	for _, v := range Violations(err) {
		out = append(out, v.Kind)
	}
	return out
}

func TestValidate(t *testing.T) {
	t.Run("valid tree", func(t *testing.T) {
		assert.NoError(t, Validate(twoBranches()))
	})

	t.Run("orphan", func(t *testing.T) {
		stray := leaf("stray", "Stray")
		stray.ParentID = "ghost"
		stray.Level = 1
		assert.Equal(t, []ViolationKind{ViolationOrphan}, kinds(Validate([]*models.ConsolidatedTheme{stray})))
	})

	t.Run("level mismatch", func(t *testing.T) {
		roots := twoBranches()
		roots[0].Children[1].Level = 3
		err := Validate(roots)
		assert.Equal(t, []ViolationKind{ViolationLevel}, kinds(err))
		assert.Contains(t, err.Error(), "a2")
	})

	t.Run("parent mismatch", func(t *testing.T) {
		roots := twoBranches()
		roots[0].Children[0].ParentID = "sess"
		assert.Contains(t, kinds(Validate(roots)), ViolationParentMismatch)
	})

	t.Run("cycle", func(t *testing.T) {
		a := &models.ConsolidatedTheme{ID: "a", ParentID: "b"}
		b := &models.ConsolidatedTheme{ID: "b", ParentID: "a", Level: 1}
		a.Children = []*models.ConsolidatedTheme{b}
		b.Children = []*models.ConsolidatedTheme{a}
		assert.Contains(t, kinds(Validate([]*models.ConsolidatedTheme{a})), ViolationCycle)
	})

	t.Run("duplicate id", func(t *testing.T) {
		roots := twoBranches()
		roots[1].Children[0].ID = "a1"
		assert.Contains(t, kinds(Validate(roots)), ViolationDuplicateID)
	})
}
