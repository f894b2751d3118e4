package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Classifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	var got map[string]any
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": DefaultModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": ` {"intent":"refund","recommended_action":"send_email","confidence":0.8} `,
				},
			}},
		})
	})

	raw, err := c.Classify(context.Background(), "Refund order 42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"refund","recommended_action":"send_email","confidence":0.8}`, string(raw))

	assert.Equal(t, DefaultModel, got["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])

	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, SystemPrompt, messages[0].(map[string]any)["content"])
	assert.Equal(t, "Refund order 42", messages[1].(map[string]any)["content"])
}

func TestClassifyEmptyChoices(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := c.Classify(context.Background(), "hello")
	assert.ErrorIs(t, err, connectors.ErrEmptyResponse)
}

func TestClassifyProviderError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	})

	_, err := c.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, connectors.ErrNotConfigured)
}
