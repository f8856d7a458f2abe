package batch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// TokenCounter is an interface for counting tokens in different content types
type TokenCounter interface {
	CountTokens(content string) int
}

// SimpleTokenCounter is a basic implementation of TokenCounter
// that estimates tokens based on word count and special characters
type SimpleTokenCounter struct{}

var specialChars = regexp.MustCompile(`[.,!?;:(){}\[\]<>+\-*/=@#$%^&|~]`)

// CountTokens estimates the number of tokens in the given content.
// This is a simple heuristic and not as accurate as model-specific tokenizers
func (c *SimpleTokenCounter) CountTokens(content string) int {
	return len(strings.Fields(content)) + len(specialChars.FindAllString(content, -1))
}

// GroupKeyFunc returns the grouping key for an item. Items sharing a key are
// kept together in one batch when possible.
type GroupKeyFunc func(item *Item) string

// Strategy decides which queued items form the next batch
type Strategy struct {
	// GroupKeys holds an optional grouping function per request type.
	GroupKeys map[RequestType]GroupKeyFunc
	// Counter estimates payload size against MaxTokens.
	Counter TokenCounter
	// MaxTokens caps the estimated tokens of one batch; 0 disables the cap.
	MaxTokens int
}

// NewStrategy creates a strategy with the simple token counter
func NewStrategy(maxTokens int) *Strategy {
	return &Strategy{
		GroupKeys: make(map[RequestType]GroupKeyFunc),
		Counter:   &SimpleTokenCounter{},
		MaxTokens: maxTokens,
	}
}

// Select picks up to size items from queued (already in dequeue order).
// With a grouping function the largest group wins, ties going to the group
// whose first item is earliest; the remainder is filled in dequeue order.
// The token cap is applied last, but the first item is always taken.
func (s *Strategy) Select(t RequestType, queued []*Item, size int) []*Item {
	if size <= 0 || len(queued) == 0 {
		return nil
	}

	ordered := queued
	if keyFn, ok := s.GroupKeys[t]; ok && keyFn != nil {
		ordered = groupFirst(queued, keyFn)
	}

	if len(ordered) > size {
		ordered = ordered[:size]
	}
	return s.applyTokenCap(ordered)
}

func groupFirst(queued []*Item, keyFn GroupKeyFunc) []*Item {
	groups := make(map[string][]*Item)
	var order []string
	for _, it := range queued {
		k := keyFn(it)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}

	best := order[0]
	for _, k := range order[1:] {
		if len(groups[k]) > len(groups[best]) {
			best = k
		}
	}

	out := make([]*Item, 0, len(queued))
	out = append(out, groups[best]...)
	for _, it := range queued {
		if keyFn(it) != best {
			out = append(out, it)
		}
	}
	return out
}

func (s *Strategy) applyTokenCap(items []*Item) []*Item {
	if s.MaxTokens <= 0 || s.Counter == nil {
		return items
	}
	total := 0
	for i, it := range items {
		total += s.Counter.CountTokens(payloadText(it.Payload))
		if total > s.MaxTokens && i > 0 {
			return items[:i]
		}
	}
	return items
}

func payloadText(payload interface{}) string {
	switch p := payload.(type) {
	case string:
		return p
	case fmt.Stringer:
		return p.String()
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(b)
	}
}
