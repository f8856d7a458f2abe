package aiconnectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaModel is one entry of the Ollama /api/tags listing
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

type ollamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// FetchOllamaModels lists the models available on an Ollama server
func FetchOllamaModels(ctx context.Context, baseURL string, token string) ([]OllamaModel, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL += "/api"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama API returned status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	return tags.Models, nil
}

// ValidateOllamaConnection checks that the server answers and has at least one model
func ValidateOllamaConnection(ctx context.Context, baseURL string, token string) error {
	models, err := FetchOllamaModels(ctx, baseURL, token)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("no models found in Ollama instance at %s", baseURL)
	}
	return nil
}
