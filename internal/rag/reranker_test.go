package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIReranker_Rerank(t *testing.T) {
	ctx := context.Background()

	t.Run("sends the whole batch in one request", func(t *testing.T) {
		var calls int
		var gotPath, gotAuth string
		var gotBody map[string]interface{}

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"results": []map[string]interface{}{
					{"index": 1, "relevance_score": 0.91},
					{"index": 0, "relevance_score": 0.15},
				},
			})
		}))
		defer server.Close()

		r := NewAPIReranker(&RerankerConfig{BaseURL: server.URL, APIKey: "secret"}, quietLogger())
		results, err := r.Rerank(ctx, "question", []string{"doc un", "doc deux"}, "BAAI/bge-reranker-v2-m3", 8)
		require.NoError(t, err)

		assert.Equal(t, 1, calls)
		assert.Equal(t, "/rerank", gotPath)
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "question", gotBody["query"])
		assert.Equal(t, []interface{}{"doc un", "doc deux"}, gotBody["documents"])
		assert.Equal(t, "BAAI/bge-reranker-v2-m3", gotBody["model"])
		assert.Equal(t, float64(8), gotBody["top_n"])

		require.Len(t, results, 2)
		assert.Equal(t, 1, results[0].Index)
		assert.Equal(t, 0.91, results[0].RelevanceScore)
	})

	t.Run("accepts the legacy data response key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data": [{"index": 0, "relevance_score": 0.7}]}`))
		}))
		defer server.Close()

		r := NewAPIReranker(&RerankerConfig{BaseURL: server.URL}, quietLogger())
		results, err := r.Rerank(ctx, "q", []string{"doc"}, "m", 0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 0.7, results[0].RelevanceScore)
	})

	t.Run("negative top n is sent as zero", func(t *testing.T) {
		var gotBody map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_, _ = w.Write([]byte(`{"results": []}`))
		}))
		defer server.Close()

		r := NewAPIReranker(&RerankerConfig{BaseURL: server.URL}, quietLogger())
		_, err := r.Rerank(ctx, "q", []string{"doc"}, "m", -3)
		require.NoError(t, err)
		assert.Equal(t, float64(0), gotBody["top_n"])
	})

	t.Run("empty batch skips the request", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))
		defer server.Close()

		r := NewAPIReranker(&RerankerConfig{BaseURL: server.URL}, quietLogger())
		results, err := r.Rerank(ctx, "q", nil, "m", 8)
		require.NoError(t, err)
		assert.Nil(t, results)
		assert.Zero(t, calls)
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer server.Close()

		r := NewAPIReranker(&RerankerConfig{BaseURL: server.URL}, quietLogger())
		_, err := r.Rerank(ctx, "q", []string{"doc"}, "m", 8)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, err.Error(), "model not found")
	})

	t.Run("malformed body is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results": `))
		}))
		defer server.Close()

		r := NewAPIReranker(&RerankerConfig{BaseURL: server.URL}, quietLogger())
		_, err := r.Rerank(ctx, "q", []string{"doc"}, "m", 8)
		assert.Error(t, err)
	})
}
