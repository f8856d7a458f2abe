package llm

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestRepairJSON_ValidJSON(t *testing.T) {
	validJSON := `{"sub_themes": [{"name": "Token refresh", "files": ["auth.go"]}]}`

	repaired, stats, err := RepairJSON(validJSON)

	if err != nil {
		t.Errorf("Expected no error for valid JSON, got: %v", err)
	}
	if stats.WasRepaired {
		t.Error("Expected WasRepaired to be false for valid JSON")
	}
	if repaired != validJSON {
		t.Error("Expected repaired JSON to be identical to original for valid JSON")
	}
	if stats.OriginalBytes != len(validJSON) || stats.RepairedBytes != len(validJSON) {
		t.Error("Expected byte counts to match original")
	}
}

func TestRepairJSON_TrailingCommas(t *testing.T) {
	malformedJSON := `{"should_merge": true, "confidence": 0.9,}`
	expected := `{"should_merge": true, "confidence": 0.9}`

	repaired, stats, err := RepairJSON(malformedJSON)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if !stats.WasRepaired {
		t.Error("Expected WasRepaired to be true")
	}
	if repaired != expected {
		t.Errorf("Expected %s, got %s", expected, repaired)
	}
	if len(stats.RepairStrategies) == 0 || stats.RepairStrategies[0] != "trailing_commas" {
		t.Error("Expected trailing_commas repair strategy")
	}
}

func TestRepairJSON_IncompleteObject(t *testing.T) {
	malformedJSON := `{"duplicate_groups": [[0, 2]`
	expected := `{"duplicate_groups": [[0, 2]]}`

	repaired, stats, err := RepairJSON(malformedJSON)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if !stats.WasRepaired {
		t.Error("Expected WasRepaired to be true")
	}
	if repaired != expected {
		t.Errorf("Expected %s, got %s", expected, repaired)
	}
}

func TestRepairJSON_Comments(t *testing.T) {
	malformedJSON := `{
		// decision
		"should_expand": false /* atomic */
	}`

	repaired, stats, err := RepairJSON(malformedJSON)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if stats.CommentsLost != 2 {
		t.Errorf("Expected 2 comments lost, got %d", stats.CommentsLost)
	}

	var result interface{}
	if json.Unmarshal([]byte(repaired), &result) != nil {
		t.Error("Repaired JSON should be valid")
	}
}

func TestRepairJSON_UnquotedKeysAndSingleQuotes(t *testing.T) {
	malformedJSON := `{domain: 'Authentication', confidence: 0.8}`

	repaired, stats, err := RepairJSON(malformedJSON)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if len(stats.RepairStrategies) < 2 {
		t.Errorf("Expected multiple repair strategies, got %v", stats.RepairStrategies)
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		t.Fatalf("Repaired JSON should be valid: %v", err)
	}
	if result["domain"] != "Authentication" {
		t.Errorf("Expected domain Authentication, got %v", result["domain"])
	}
}

func TestRepairJSON_EmbeddedQuotesInReasoning(t *testing.T) {
	malformedJSON := `{"should_merge": false, "reasoning": "the "login" flow differs"}`

	repaired, _, err := RepairJSON(malformedJSON)
	if err != nil {
		t.Fatalf("Expected repair to succeed, got: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		t.Fatalf("Repaired JSON should be valid: %v", err)
	}
	if result["should_merge"] != false {
		t.Errorf("Expected should_merge=false, got %v", result["should_merge"])
	}
}

func TestRepairJSON_Performance(t *testing.T) {
	largeJSON := `{"results": [`
	for i := 0; i < 100; i++ {
		if i > 0 {
			largeJSON += ","
		}
		largeJSON += fmt.Sprintf(`{"pair_id": "p%d", "should_merge": false, "confidence": 0.2}`, i)
	}
	largeJSON += `]}`

	start := time.Now()
	repaired, _, err := RepairJSON(largeJSON)
	duration := time.Since(start)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if duration > time.Millisecond*100 {
		t.Errorf("Repair took too long: %v", duration)
	}
	if repaired != largeJSON {
		t.Error("Valid JSON should not be modified")
	}
}

func TestRepairJSON_RepairableWithLibrary(t *testing.T) {
	plainText := `this is just plain text with no structure whatsoever`

	repaired, stats, err := RepairJSON(plainText)

	if err != nil {
		t.Errorf("Expected library to repair plain text, got error: %v", err)
	}

	hasLibraryStrategy := false
	for _, strategy := range stats.RepairStrategies {
		if strategy == "jsonrepair_library" {
			hasLibraryStrategy = true
			break
		}
	}
	if !hasLibraryStrategy {
		t.Error("Expected jsonrepair_library strategy to be used for plain text")
	}

	var result interface{}
	if json.Unmarshal([]byte(repaired), &result) != nil {
		t.Error("Repaired JSON should be valid")
	}
}
