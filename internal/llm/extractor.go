package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Shape is the top-level JSON kind a caller expects from the model
type Shape string

const (
	ShapeObject Shape = "object"
	ShapeArray  Shape = "array"
)

var (
	// ErrNoJSON is returned when the response holds no JSON value at all
	ErrNoJSON = errors.New("no JSON found in response")
	// ErrShapeMismatch is returned when the JSON value is not the expected kind
	ErrShapeMismatch = errors.New("unexpected JSON shape")
	// ErrMissingField is returned when a required field is absent
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidResponse is returned when a typed response fails validation
	ErrInvalidResponse = errors.New("invalid response")
)

const previewLength = 200

// Validator is implemented by typed responses that check their own invariants
type Validator interface {
	Validate() error
}

// ExtractResult is the outcome of pulling JSON out of raw model text.
// A failed extraction is reported through Success/Error, never by panicking.
type ExtractResult struct {
	Success          bool            `json:"success"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            error           `json:"-"`
	Preview          string          `json:"preview,omitempty"`
	OriginalResponse string          `json:"-"`
	RepairStats      RepairStats     `json:"repair_stats"`
}

// Extract locates the first balanced JSON value of the expected shape inside
// raw (tolerating prose and markdown fences), repairs it if needed and checks
// that every required field is present.
func Extract(raw string, shape Shape, requiredFields ...string) ExtractResult {
	result := ExtractResult{OriginalResponse: raw}

	candidate := locateJSON(raw, shape)
	if candidate == "" {
		return result.fail(ErrNoJSON, raw)
	}

	repaired, stats, err := RepairJSON(candidate)
	result.RepairStats = stats
	if err != nil {
		return result.fail(fmt.Errorf("JSON repair failed: %w", err), candidate)
	}
	if stats.WasRepaired {
		log.Debug().
			Strs("strategies", stats.RepairStrategies).
			Int("errors_fixed", stats.ErrorsFixed).
			Msg("Repaired model JSON")
	}

	var value interface{}
	if err := json.Unmarshal([]byte(repaired), &value); err != nil {
		return result.fail(fmt.Errorf("JSON parsing failed after repair: %w", err), repaired)
	}

	value, ok := coerceShape(value, shape)
	if !ok {
		return result.fail(fmt.Errorf("%w: expected %s", ErrShapeMismatch, shape), repaired)
	}

	if err := checkRequired(value, requiredFields); err != nil {
		return result.fail(err, repaired)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return result.fail(err, repaired)
	}

	result.Success = true
	result.Data = data
	return result
}

// Decode extracts and unmarshals the model response into T. When T implements
// Validator its Validate method must also pass.
func Decode[T any](raw string, shape Shape, requiredFields ...string) (T, ExtractResult) {
	var target T

	result := Extract(raw, shape, requiredFields...)
	if !result.Success {
		return target, result
	}

	if err := json.Unmarshal(result.Data, &target); err != nil {
		return target, result.fail(fmt.Errorf("%w: %v", ErrInvalidResponse, err), string(result.Data))
	}

	if v, ok := any(&target).(Validator); ok {
		if err := v.Validate(); err != nil {
			return target, result.fail(fmt.Errorf("%w: %v", ErrInvalidResponse, err), string(result.Data))
		}
	}

	return target, result
}

func (r ExtractResult) fail(err error, offending string) ExtractResult {
	r.Success = false
	r.Error = err
	r.Data = nil
	r.Preview = truncateForLog(offending, previewLength)
	log.Debug().Err(err).Str("preview", r.Preview).Msg("Model response extraction failed")
	return r
}

// locateJSON returns the best JSON candidate substring of raw.
func locateJSON(raw string, shape Shape) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	// Prefer the content of a fenced block when one carries JSON.
	if fenced := fencedBlock(raw); fenced != "" && strings.ContainsAny(fenced, "{[") {
		raw = fenced
	}

	open := byte('{')
	alt := byte('[')
	if shape == ShapeArray {
		open, alt = '[', '{'
	}

	start := strings.IndexByte(raw, open)
	if start == -1 {
		start = strings.IndexByte(raw, alt)
		if start == -1 {
			return ""
		}
	}

	if end := balancedEnd(raw, start); end != -1 {
		return raw[start : end+1]
	}
	// Truncated output: hand the tail to the repairer to complete.
	return raw[start:]
}

// fencedBlock returns the content of the first ``` fenced block in s.
func fencedBlock(s string) string {
	lines := strings.Split(s, "\n")
	var block []string
	inBlock := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inBlock {
				return strings.Join(block, "\n")
			}
			inBlock = true
			continue
		}
		if inBlock {
			block = append(block, line)
		}
	}
	if inBlock {
		return strings.Join(block, "\n")
	}
	return ""
}

// balancedEnd returns the index closing the value opened at start, skipping
// brackets inside string literals, or -1 when the value never closes.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// coerceShape checks value against shape. An object wrapping exactly one
// array field is unwrapped when an array is expected; models do that often.
func coerceShape(value interface{}, shape Shape) (interface{}, bool) {
	switch shape {
	case ShapeArray:
		if arr, ok := value.([]interface{}); ok {
			return arr, true
		}
		if obj, ok := value.(map[string]interface{}); ok {
			var found []interface{}
			count := 0
			for _, v := range obj {
				if arr, ok := v.([]interface{}); ok {
					found = arr
					count++
				}
			}
			if count == 1 {
				return found, true
			}
		}
		return nil, false
	case ShapeObject:
		_, ok := value.(map[string]interface{})
		return value, ok
	default:
		return value, true
	}
}

func checkRequired(value interface{}, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for _, f := range fields {
			if _, ok := v[f]; !ok {
				return fmt.Errorf("%w: %s", ErrMissingField, f)
			}
		}
	case []interface{}:
		for i, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return fmt.Errorf("%w: element %d is not an object", ErrShapeMismatch, i)
			}
			for _, f := range fields {
				if _, ok := obj[f]; !ok {
					return fmt.Errorf("%w: %s (element %d)", ErrMissingField, f, i)
				}
			}
		}
	}
	return nil
}

// truncateForLog cuts text to at most maxLen bytes for logging, backing off
// to a rune boundary.
func truncateForLog(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
