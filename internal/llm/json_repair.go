package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats describes what RepairJSON had to do to a model response
type RepairStats struct {
	OriginalBytes    int           `json:"original_bytes"`
	RepairedBytes    int           `json:"repaired_bytes"`
	CommentsLost     int           `json:"comments_lost"`
	FieldsRecovered  int           `json:"fields_recovered"`
	ErrorsFixed      int           `json:"errors_fixed"`
	RepairTime       time.Duration `json:"repair_time"`
	RepairStrategies []string      `json:"repair_strategies"`
	WasRepaired      bool          `json:"was_repaired"`
}

var (
	trailingComma      = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKey        = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)(\s*:)`)
	singleQuotedString = regexp.MustCompile(`'([^']*)'`)
	// one pair of inner quotes inside the free-text fields models like to quote things in
	freeTextFieldQuotes = regexp.MustCompile(`("(?:description|reasoning|rationale|business_impact)":\s*")([^"]*)"([^"]*)"([^"]*)("[\s,}])`)
)

// repairStep rewrites s; it reports how many fields it recovered or
// comments it dropped through stats.
type repairStep struct {
	name  string
	apply func(s string, stats *RepairStats) string
}

// repairSteps run in order until the text parses. The library repair is the
// last resort.
var repairSteps = []repairStep{
	{"comments_removed", func(s string, stats *RepairStats) string {
		out, n := stripComments(s)
		stats.CommentsLost += n
		return out
	}},
	{"trailing_commas", func(s string, _ *RepairStats) string {
		return trailingComma.ReplaceAllString(s, "$1")
	}},
	{"unescaped_quotes", func(s string, _ *RepairStats) string {
		return freeTextFieldQuotes.ReplaceAllString(s, `$1$2\"$3\"$4$5`)
	}},
	{"completion", func(s string, _ *RepairStats) string {
		return closeOpenStructures(s)
	}},
	{"key_quotes", func(s string, stats *RepairStats) string {
		stats.FieldsRecovered += len(unquotedKey.FindAllStringIndex(s, -1))
		return unquotedKey.ReplaceAllString(s, `$1"$2"$3`)
	}},
	{"single_quotes", func(s string, _ *RepairStats) string {
		return singleQuotedString.ReplaceAllString(s, `"$1"`)
	}},
	{"jsonrepair_library", func(s string, _ *RepairStats) string {
		out, err := jsonrepair.JSONRepair(s)
		if err != nil {
			return s
		}
		return out
	}},
}

func parses(s string) bool {
	return json.Valid([]byte(s))
}

// RepairJSON returns raw unchanged when it is valid JSON. Otherwise it applies
// the repair steps one at a time, keeping each change, and stops at the first
// result that parses.
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}
	repaired := raw

	if !parses(raw) {
		stats.WasRepaired = true
		for _, step := range repairSteps {
			next := step.apply(repaired, &stats)
			if next == repaired {
				continue
			}
			repaired = next
			stats.RepairStrategies = append(stats.RepairStrategies, step.name)
			stats.ErrorsFixed++
			if parses(repaired) {
				break
			}
		}
	}

	stats.RepairedBytes = len(repaired)
	stats.RepairTime = time.Since(start)
	if !parses(repaired) {
		return repaired, stats, fmt.Errorf("JSON repair failed after %d strategies", len(stats.RepairStrategies))
	}
	return repaired, stats, nil
}

// scanStrings calls visit for every byte of s together with whether that byte
// sits inside a double-quoted string. It returns true if s ends inside one.
func scanStrings(s string, visit func(i int, inString bool)) bool {
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		visit(i, inString)
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		}
	}
	return inString
}

// stripComments drops // and /* */ comments that are not inside strings
func stripComments(s string) (string, int) {
	if !strings.Contains(s, "//") && !strings.Contains(s, "/*") {
		return s, 0
	}
	var b strings.Builder
	count := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString && c == '/' && i+1 < len(s) && (s[i+1] == '/' || s[i+1] == '*') {
			count++
			if s[i+1] == '/' {
				end := strings.IndexByte(s[i:], '\n')
				if end < 0 {
					break
				}
				i += end - 1
				continue
			}
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				break
			}
			i += 2 + end + 1
			continue
		}
		b.WriteByte(c)
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		}
	}
	return b.String(), count
}

// closeOpenStructures terminates an unfinished string and closes unbalanced
// brackets and braces, innermost first. Truncated model output usually
// breaks off this way.
func closeOpenStructures(s string) string {
	s = strings.TrimSpace(s)
	var stack []byte
	openString := scanStrings(s, func(i int, inString bool) {
		if inString {
			return
		}
		switch s[i] {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if n := len(stack); n > 0 && stack[n-1] == s[i] {
				stack = stack[:n-1]
			}
		}
	})
	if openString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}
