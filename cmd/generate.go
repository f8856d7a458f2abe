package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/prmindmap/internal/cache"
	"github.com/prmindmap/internal/mindmap"
	"github.com/prmindmap/pkg/models"
)

// GenerateCommand returns the generate command
func GenerateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Build a mindmap from a JSON file of themes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Themes JSON `FILE` (array or {\"themes\": [...]}), - for stdin",
				Value:   "-",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the mindmap to `FILE` instead of stdout",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Print run and service statistics to stderr",
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"d"},
				Usage:   "Use the offline backend: no network calls, every node stays atomic",
			},
			&cli.StringFlag{
				Name:  "audit-dir",
				Usage: "Write the per-run audit log into `DIR`",
			},
			&cli.StringSliceFlag{
				Name:  "modified",
				Usage: "Files modified since the previous run; their cached analyses are dropped first",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging for this command",
			},
		},
		Action: runGenerate,
	}
}

func runGenerate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	themes, err := readThemesFrom(c.String("input"))
	if err != nil {
		return err
	}

	backend, err := newBackend(c.Context, cfg)
	if err != nil {
		return err
	}
	pipeline := mindmap.New(backend, cfg.MindmapConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipeline.Close(ctx)
	}()

	if modified := c.StringSlice("modified"); len(modified) > 0 {
		pipeline.InvalidateFiles(modified)
	}

	auditDir := c.String("audit-dir")
	if auditDir == "" {
		auditDir = cfg.Logging.AuditDir
	}
	result, err := pipeline.Run(c.Context, themes, mindmap.RunOptions{AuditDir: auditDir})
	if err != nil {
		return fmt.Errorf("mindmap generation failed: %w", err)
	}

	if err := writeResult(c.String("output"), result); err != nil {
		return err
	}

	if c.Bool("stats") {
		printStats(os.Stderr, result, pipeline.Diagnostics())
	}
	return nil
}

func readThemesFrom(path string) ([]models.Theme, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	return readThemes(r)
}

// readThemes accepts either a bare JSON array or an object with a themes key
func readThemes(r io.Reader) ([]models.Theme, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("input is empty")
	}

	var themes []models.Theme
	if body[0] == '[' {
		err = json.Unmarshal(body, &themes)
	} else {
		var wrapped struct {
			Themes []models.Theme `json:"themes"`
		}
		err = json.Unmarshal(body, &wrapped)
		themes = wrapped.Themes
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse themes: %w", err)
	}
	if len(themes) == 0 {
		return nil, fmt.Errorf("input contains no themes")
	}
	for i, t := range themes {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("theme %d has no id", i)
		}
	}
	return themes, nil
}

func writeResult(path string, result *mindmap.Result) error {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode mindmap: %w", err)
	}
	body = append(body, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(body)
		return err
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote mindmap %s to %s\n", result.RunID, path)
	return nil
}

func printStats(w io.Writer, result *mindmap.Result, d mindmap.Diagnostics) {
	s := result.Stats
	fmt.Fprintf(w, "Run %s\n", result.RunID)
	fmt.Fprintf(w, "  themes %d -> roots %d, nodes %d (%d atomic), depth %d\n",
		s.InputThemes, s.Roots, s.Nodes, s.AtomicNodes, s.MaxDepth)
	fmt.Fprintf(w, "  merges %d, cross-level merges %d of %d candidates, violations %d\n",
		s.Merges, s.CrossLevelMerges, s.CrossLevelCandidate, s.Violations)
	fmt.Fprintf(w, "  duration %s\n", s.Duration.Round(time.Millisecond))
	if s.TimedOut {
		fmt.Fprintln(w, "  timed out, hierarchy is partial")
	}
	if result.AuditLog != "" {
		fmt.Fprintf(w, "  audit log %s\n", result.AuditLog)
	}

	if len(d.Inference) > 0 {
		fmt.Fprintln(w, "Inference")
		for tag, st := range d.Inference {
			fmt.Fprintf(w, "  %-18s %+v\n", tag, st)
		}
	}
	fmt.Fprintf(w, "Expansion %+v\n", d.Expansion)
	for _, c := range []struct {
		name  string
		stats cache.Stats
	}{{"similarity", d.SimilarityCache}, {"domain", d.DomainCache}, {"naming", d.NamingCache}} {
		fmt.Fprintf(w, "Cache %-10s hit rate %.0f%% %+v\n", c.name, 100*c.stats.HitRate(), c.stats)
	}
	for typ, st := range d.Batches {
		fmt.Fprintf(w, "Batch %-12s %+v\n", typ, st)
	}
}
