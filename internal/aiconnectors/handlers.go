package aiconnectors

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ValidateAPIKeyRequest represents the request for API key validation
type ValidateAPIKeyRequest struct {
	Provider Provider `json:"provider"`
	APIKey   string   `json:"api_key"`
	BaseURL  string   `json:"base_url,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// ValidateAPIKeyResponse represents the response for API key validation
type ValidateAPIKeyResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ProviderInfo describes one supported provider
type ProviderInfo struct {
	Provider     Provider `json:"provider"`
	DefaultModel string   `json:"default_model,omitempty"`
	NeedsAPIKey  bool     `json:"needs_api_key"`
}

// Providers lists every supported provider
func Providers() []ProviderInfo {
	all := []Provider{ProviderOpenAI, ProviderGemini, ProviderClaude, ProviderCohere, ProviderOllama, ProviderOffline}
	out := make([]ProviderInfo, len(all))
	for i, p := range all {
		out[i] = ProviderInfo{
			Provider:     p,
			DefaultModel: DefaultModel(p),
			NeedsAPIKey:  p != ProviderOllama && p != ProviderOffline,
		}
	}
	return out
}

// pingFunc is replaced in tests
var pingFunc = Ping

// RegisterHandlers registers the connector routes on g
func RegisterHandlers(g *echo.Group) {
	g.GET("/aiconnectors/providers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, Providers())
	})
	g.POST("/aiconnectors/validate-key", validateAPIKeyHandler)
}

func validateAPIKeyHandler(c echo.Context) error {
	var req ValidateAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ValidateAPIKeyResponse{
			Valid:   false,
			Message: "Invalid request body",
		})
	}

	if req.Provider == "" {
		return c.JSON(http.StatusBadRequest, ValidateAPIKeyResponse{
			Valid:   false,
			Message: "Provider is required",
		})
	}

	if req.APIKey == "" && req.Provider != ProviderOllama {
		return c.JSON(http.StatusBadRequest, ValidateAPIKeyResponse{
			Valid:   false,
			Message: "API key is required",
		})
	}

	log.Info().
		Str("provider", string(req.Provider)).
		Str("api_key_prefix", keyPrefix(req.APIKey)+"...").
		Msg("Validating API key")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	err := pingFunc(ctx, ConnectorOptions{
		Provider:    req.Provider,
		APIKey:      req.APIKey,
		BaseURL:     req.BaseURL,
		ModelConfig: ModelConfig{Model: req.Model},
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", string(req.Provider)).Msg("API key validation failed")
		return c.JSON(http.StatusOK, ValidateAPIKeyResponse{
			Valid:   false,
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ValidateAPIKeyResponse{
		Valid:   true,
		Message: "API key is valid",
	})
}
