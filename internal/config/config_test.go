package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ktulu-Analog/Chaton/internal/rag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rag.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		require.NoError(t, err)

		assert.Equal(t, BackendQdrant, cfg.Backend)
		assert.Equal(t, "hybrid", cfg.Retrieval.Method)
		assert.Equal(t, 40, cfg.Retrieval.TopK)
		assert.Equal(t, 0.1, cfg.Retrieval.MinScore)
		assert.Equal(t, 8, cfg.Reranking.TopN)
		assert.Equal(t, 8000, cfg.Context.MaxTokens)
		assert.Equal(t, 1800, cfg.Context.MaxCharsPerDoc)
		assert.Equal(t, "BAAI/bge-m3", cfg.Models.EmbeddingModel)
		assert.Equal(t, "BAAI/bge-reranker-v2-m3", cfg.Models.RerankingModel)
		assert.True(t, cfg.Retrieval.ExpandContext.Enabled)
		assert.Contains(t, cfg.Context.SystemTemplate, "{context}")
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `
backend: remote
retrieval:
  method: dense
  top_k: 15
  min_score: 0.3
  expand_context:
    enabled: false
reranking:
  top_n: 4
context:
  max_tokens: 2000
  max_chars_per_doc: 1800
  system_template: "Docs:\n{context}"
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, BackendRemote, cfg.Backend)
		assert.Equal(t, "dense", cfg.Retrieval.Method)
		assert.Equal(t, 15, cfg.Retrieval.TopK)
		assert.Equal(t, 0.3, cfg.Retrieval.MinScore)
		assert.False(t, cfg.Retrieval.ExpandContext.Enabled)
		assert.Equal(t, 4, cfg.Reranking.TopN)
		assert.Equal(t, 2000, cfg.Context.MaxTokens)
		assert.Equal(t, "Docs:\n{context}", cfg.Context.SystemTemplate)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, `
api:
  base_url: "https://file.example/v1"
qdrant:
  host: filehost
  http_port: 6333
`)
		t.Setenv("BASE_URL", "https://env.example/v1")
		t.Setenv("API_KEY", "env-key")
		t.Setenv("QDRANT_HOST", "envhost")
		t.Setenv("QDRANT_PORT", "7333")
		t.Setenv("QDRANT_API_KEY", "qdrant-key")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "https://env.example/v1", cfg.API.BaseURL)
		assert.Equal(t, "env-key", cfg.API.APIKey)
		assert.Equal(t, "envhost", cfg.Qdrant.Host)
		assert.Equal(t, 7333, cfg.Qdrant.HTTPPort)
		assert.Equal(t, "qdrant-key", cfg.Qdrant.APIKey)
	})

	t.Run("backend override via environment", func(t *testing.T) {
		t.Setenv("RAG_BACKEND", "remote")
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		require.NoError(t, err)
		assert.Equal(t, BackendRemote, cfg.Backend)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := writeConfig(t, "backend: carrier-pigeon\n")
		_, err := Load(path)
		assert.Error(t, err)

		path = writeConfig(t, "retrieval:\n  method: fulltext\n")
		_, err = Load(path)
		assert.Error(t, err)

		path = writeConfig(t, "context:\n  max_tokens: 0\n")
		_, err = Load(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := writeConfig(t, "retrieval: [not a map\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestConfig_Options(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.Method = "dense"
	cfg.Retrieval.TopK = 25
	cfg.Reranking.TopN = 5
	cfg.Context.MaxTokens = 4000

	opts := cfg.Options()
	assert.Equal(t, rag.MethodDense, opts.Method)
	assert.Equal(t, 25, opts.TopK)
	assert.Equal(t, 5, opts.TopN)
	assert.Equal(t, 4000, opts.MaxTokens)
	assert.Equal(t, cfg.Context.SystemTemplate, opts.Template)
	assert.Equal(t, cfg.Retrieval.ExpandContext, opts.Expand)
}
