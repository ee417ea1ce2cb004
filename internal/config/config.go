// Package config loads the pipeline configuration from rag.yml, with
// environment overrides for endpoints and secrets. A missing file is not an
// error; every section has working defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ktulu-Analog/Chaton/internal/rag"
	"github.com/Ktulu-Analog/Chaton/internal/vectordb/qdrant"
)

// Duration adds YAML support for duration strings ("30s", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Backend selects which VectorStore implementation the CLI wires.
type Backend string

const (
	BackendQdrant Backend = "qdrant"
	BackendRemote Backend = "remote"
)

// APIConfig holds the endpoint serving /embeddings and /rerank (and /search
// for the remote backend).
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// QdrantConfig is the qdrant section of rag.yml.
type QdrantConfig struct {
	Host             string   `yaml:"host"`
	HTTPPort         int      `yaml:"http_port"`
	APIKey           string   `yaml:"api_key"`
	UseTLS           bool     `yaml:"use_tls"`
	Timeout          Duration `yaml:"timeout"`
	SparseVectorName string   `yaml:"sparse_vector_name"`
}

// ClientConfig converts the section into a client configuration.
func (q *QdrantConfig) ClientConfig() *qdrant.Config {
	return &qdrant.Config{
		Host:             q.Host,
		HTTPPort:         q.HTTPPort,
		APIKey:           q.APIKey,
		UseTLS:           q.UseTLS,
		Timeout:          q.Timeout.Std(),
		SparseVectorName: q.SparseVectorName,
	}
}

// ModelsConfig names the models used for encoding and reranking.
type ModelsConfig struct {
	EmbeddingModel      string `yaml:"embedding_model"`
	RerankingModel      string `yaml:"reranking_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
}

// RetrievalConfig tunes the search stage.
type RetrievalConfig struct {
	Method        string            `yaml:"method"`
	TopK          int               `yaml:"top_k"`
	MinScore      float64           `yaml:"min_score"`
	ExpandContext rag.ExpandOptions `yaml:"expand_context"`
}

// RerankingConfig tunes the reranking stage.
type RerankingConfig struct {
	TopN           int     `yaml:"top_n"`
	MinRerankScore float64 `yaml:"min_rerank_score"`
}

// ContextConfig tunes the assembly stage.
type ContextConfig struct {
	MaxTokens      int    `yaml:"max_tokens"`
	MaxCharsPerDoc int    `yaml:"max_chars_per_doc"`
	SystemTemplate string `yaml:"system_template"`
}

// Config is the full pipeline configuration.
type Config struct {
	Backend   Backend         `yaml:"backend"`
	API       APIConfig       `yaml:"api"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Models    ModelsConfig    `yaml:"models"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Reranking RerankingConfig `yaml:"reranking"`
	Context   ContextConfig   `yaml:"context"`
}

// Default returns the configuration used when rag.yml is absent.
func Default() *Config {
	opts := rag.DefaultOptions()
	qd := qdrant.DefaultConfig()
	return &Config{
		Backend: BackendQdrant,
		API: APIConfig{
			BaseURL: "https://albert.api.etalab.gouv.fr/v1",
			Timeout: Duration(30 * time.Second),
		},
		Qdrant: QdrantConfig{
			Host:             qd.Host,
			HTTPPort:         qd.HTTPPort,
			Timeout:          Duration(qd.Timeout),
			SparseVectorName: qd.SparseVectorName,
		},
		Models: ModelsConfig{
			EmbeddingModel: opts.EmbeddingModel,
			RerankingModel: opts.RerankModel,
		},
		Retrieval: RetrievalConfig{
			Method:        string(opts.Method),
			TopK:          opts.TopK,
			MinScore:      opts.MinScore,
			ExpandContext: opts.Expand,
		},
		Reranking: RerankingConfig{
			TopN:           opts.TopN,
			MinRerankScore: opts.MinRerankScore,
		},
		Context: ContextConfig{
			MaxTokens:      opts.MaxTokens,
			MaxCharsPerDoc: opts.MaxCharsPerDoc,
			SystemTemplate: opts.Template,
		},
	}
}

// Load reads path, applies environment overrides and validates. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the loaded file. The variable
// names match what the deployment already exports.
func (c *Config) applyEnv() {
	if v := os.Getenv("BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv("RAG_BACKEND"); v != "" {
		c.Backend = Backend(v)
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		c.Qdrant.Host = v
	}
	if v := os.Getenv("QDRANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Qdrant.HTTPPort = port
		}
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		c.Qdrant.APIKey = v
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendQdrant, BackendRemote:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch rag.Method(c.Retrieval.Method) {
	case rag.MethodDense, rag.MethodSparse, rag.MethodHybrid:
	default:
		return fmt.Errorf("unknown retrieval method %q", c.Retrieval.Method)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if c.Backend == BackendQdrant {
		if err := c.Qdrant.ClientConfig().Validate(); err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
	}
	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive")
	}
	return nil
}

// Options converts the configuration into per-run pipeline options.
func (c *Config) Options() *rag.Options {
	return &rag.Options{
		Method:         rag.Method(c.Retrieval.Method),
		TopK:           c.Retrieval.TopK,
		MinScore:       c.Retrieval.MinScore,
		TopN:           c.Reranking.TopN,
		MinRerankScore: c.Reranking.MinRerankScore,
		Expand:         c.Retrieval.ExpandContext,
		MaxTokens:      c.Context.MaxTokens,
		MaxCharsPerDoc: c.Context.MaxCharsPerDoc,
		Template:       c.Context.SystemTemplate,
		EmbeddingModel: c.Models.EmbeddingModel,
		RerankModel:    c.Models.RerankingModel,
	}
}
