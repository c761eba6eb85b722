package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gemini-gateway/core/adapter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContentErrorExtraction(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`))
	}))
	defer upstream.Close()

	client := NewGeminiClient(upstream.Client(), fakeSettings{"GOOGLE_API_HOST": upstream.URL}, testLogger())

	_, err := client.GenerateContent(context.Background(), "key-aaaa-0001", "gemini-2.0-flash", &adapter.GeminiRequest{})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusTooManyRequests, upstreamErr.StatusCode)
	assert.Equal(t, "Resource has been exhausted", upstreamErr.Message)
}

func TestGenerateContentNonJSONError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer upstream.Close()

	client := NewGeminiClient(upstream.Client(), fakeSettings{"GOOGLE_API_HOST": upstream.URL}, testLogger())

	_, err := client.GenerateContent(context.Background(), "key-aaaa-0001", "gemini-2.0-flash", &adapter.GeminiRequest{})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "<html>Bad Gateway</html>", upstreamErr.Message)
}

func TestEndpointInjectsKey(t *testing.T) {
	var gotPath, gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	client := NewGeminiClient(upstream.Client(), fakeSettings{"GOOGLE_API_HOST": upstream.URL}, testLogger())

	_, err := client.GenerateContent(context.Background(), "key-aaaa-0001", "gemini-2.0-flash", &adapter.GeminiRequest{})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "key-aaaa-0001", gotKey)
}

func TestProbeUsesConfiguredModel(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer upstream.Close()

	client := NewGeminiClient(upstream.Client(), fakeSettings{
		"GOOGLE_API_HOST":    upstream.URL,
		"HEALTH_CHECK_MODEL": "gemini-2.0-flash-lite",
	}, testLogger())

	require.NoError(t, client.Probe(context.Background(), "key-aaaa-0001"))
	assert.Equal(t, "/v1beta/models/gemini-2.0-flash-lite:generateContent", gotPath)
}

func TestProbeFailsOnBadKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"message": "API key not valid"}}`))
	}))
	defer upstream.Close()

	client := NewGeminiClient(upstream.Client(), fakeSettings{"GOOGLE_API_HOST": upstream.URL}, testLogger())

	assert.Error(t, client.Probe(context.Background(), "key-bad-0001"))
}
