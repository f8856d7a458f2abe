package aiconnectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prmindmap/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnector_UnsupportedProvider(t *testing.T) {
	_, err := NewConnector(context.Background(), ConnectorOptions{Provider: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestNewConnector_FillsDefaultModel(t *testing.T) {
	c, err := NewConnector(context.Background(), ConnectorOptions{
		Provider: ProviderOllama,
		BaseURL:  "http://127.0.0.1:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "llama3", c.GetModel())
	assert.Equal(t, ProviderOllama, c.GetProvider())
}

func TestOffline_AnswersConservatively(t *testing.T) {
	raw, err := Offline{}.Generate(context.Background(), "anything")
	require.NoError(t, err)

	decision, result := llm.Decode[llm.ExpansionDecisionResponse](raw, llm.ShapeObject, "should_expand")
	require.True(t, result.Success)
	assert.True(t, decision.Decision().IsAtomic)

	sim, result := llm.Decode[llm.SimilarityResponse](raw, llm.ShapeObject, "should_merge")
	require.True(t, result.Success)
	assert.False(t, sim.ShouldMerge)
}

func TestOffline_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Offline{}.Generate(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchOllamaModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models": [{"name": "llama3:latest", "size": 42}]}`))
	}))
	defer srv.Close()

	models, err := FetchOllamaModels(context.Background(), srv.URL, "secret")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3:latest", models[0].Name)

	assert.NoError(t, ValidateOllamaConnection(context.Background(), srv.URL+"/api/", "secret"))
}

func TestValidateOllamaConnection_NoModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models": []}`))
	}))
	defer srv.Close()

	assert.ErrorContains(t, ValidateOllamaConnection(context.Background(), srv.URL, ""), "no models")
}

func fastPingRetry(t *testing.T) {
	saved := pingRetry
	pingRetry.BaseDelay = time.Millisecond
	pingRetry.MaxDelay = 5 * time.Millisecond
	t.Cleanup(func() { pingRetry = saved })
}

func TestPing_RetriesTransientFailures(t *testing.T) {
	fastPingRetry(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"models": [{"name": "llama3:latest"}]}`))
	}))
	defer srv.Close()

	err := Ping(context.Background(), ConnectorOptions{Provider: ProviderOllama, BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPing_DoesNotRetryRejectedCredentials(t *testing.T) {
	fastPingRetry(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := Ping(context.Background(), ConnectorOptions{Provider: ProviderOllama, BaseURL: srv.URL, APIKey: "bad"})
	assert.ErrorContains(t, err, "status 401")
	assert.Equal(t, int32(1), hits.Load())
}
