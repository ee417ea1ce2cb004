// Package rag assembles retrieval-augmented context blocks: hybrid
// dense/sparse retrieval, reciprocal-rank fusion, adjacent-chunk expansion,
// API reranking and token-budgeted packing.
package rag

import (
	"context"
	"errors"
)

// ErrSparseUnsupported is returned by encoders that have no sparse model.
// The pipeline treats it as "sparse leg unavailable", not as a failure.
var ErrSparseUnsupported = errors.New("sparse encoding not supported")

// SourceKey identifies a chunk inside a source document.
type SourceKey struct {
	Filepath string `json:"filepath"`
	ChunkID  int    `json:"chunk_id"`
}

// Valid reports whether the key can address a chunk. Points indexed without
// filepath or chunk_id payload fields produce invalid keys; those documents
// pass through the pipeline but are never expanded or deduplicated by key.
func (k SourceKey) Valid() bool {
	return k.Filepath != "" && k.ChunkID >= 0
}

// Less orders keys by filepath, then chunk id. Used for deterministic
// tie-breaking after fusion and reranking.
func (k SourceKey) Less(other SourceKey) bool {
	if k.Filepath != other.Filepath {
		return k.Filepath < other.Filepath
	}
	return k.ChunkID < other.ChunkID
}

// Modality tags which search produced a candidate.
type Modality string

const (
	ModalityDense  Modality = "dense"
	ModalitySparse Modality = "sparse"
)

// Candidate is one raw hit from a single search modality.
type Candidate struct {
	ID             string    `json:"id"`
	Key            SourceKey `json:"key"`
	Text           string    `json:"text"`
	Score          float64   `json:"score"`
	Filename       string    `json:"filename,omitempty"`
	EmbeddingModel string    `json:"model,omitempty"`
	Modality       Modality  `json:"modality,omitempty"`
}

// ExpansionState records what the context expander did to a document.
type ExpansionState string

const (
	ExpansionNone   ExpansionState = ""
	ExpansionMerged ExpansionState = "merged"
	ExpansionMain   ExpansionState = "main"
	ExpansionBefore ExpansionState = "before-context"
	ExpansionAfter  ExpansionState = "after-context"
)

// RankedDocument is the unit flowing through the pipeline after fusion.
type RankedDocument struct {
	Key            SourceKey      `json:"key"`
	Text           string         `json:"text"`
	FusedScore     float64        `json:"fused_score"`
	RerankScore    *float64       `json:"rerank_score,omitempty"`
	Filename       string         `json:"filename,omitempty"`
	EmbeddingModel string         `json:"model,omitempty"`
	Expansion      ExpansionState `json:"expansion,omitempty"`
	ChunksIncluded int            `json:"chunks_included,omitempty"`
}

// DisplayScore returns the score shown in the assembled context: the rerank
// score when present, the fused score otherwise.
func (d *RankedDocument) DisplayScore() float64 {
	if d.RerankScore != nil {
		return *d.RerankScore
	}
	return d.FusedScore
}

// ContextBlock is the assembled output of the pipeline.
type ContextBlock struct {
	Content       string            `json:"content"`
	TokenEstimate int               `json:"token_estimate"`
	Documents     []*RankedDocument `json:"documents"`
}

// Empty reports whether no context could be produced. Callers decide whether
// to proceed without augmentation; an empty block is not an error.
func (b *ContextBlock) Empty() bool {
	return b == nil || b.Content == ""
}

// Method selects the retrieval modality combination.
type Method string

const (
	MethodDense  Method = "dense"
	MethodSparse Method = "sparse"
	MethodHybrid Method = "hybrid"
)

// ExpandOptions configures adjacent-chunk expansion.
type ExpandOptions struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	ChunksBefore  int  `json:"chunks_before" yaml:"chunks_before"`
	ChunksAfter   int  `json:"chunks_after" yaml:"chunks_after"`
	MergeAdjacent bool `json:"merge_adjacent" yaml:"merge_adjacent"`
}

// Options configures one BuildContext run.
type Options struct {
	Method         Method        `json:"method"`
	TopK           int           `json:"top_k"`
	MinScore       float64       `json:"min_score"`
	TopN           int           `json:"top_n"`
	MinRerankScore float64       `json:"min_rerank_score"`
	Expand         ExpandOptions `json:"expand"`
	MaxTokens      int           `json:"max_tokens"`
	MaxCharsPerDoc int           `json:"max_chars_per_doc"`
	Template       string        `json:"template"`
	EmbeddingModel string        `json:"embedding_model"`
	RerankModel    string        `json:"rerank_model"`
}

// DefaultTemplate matches the system prompt the chat layer prepends.
const DefaultTemplate = "Les informations suivantes proviennent de documents internes.\n" +
	"Utilise-les exclusivement pour répondre.\n\n{context}"

// DefaultOptions returns the configuration used when the caller passes nil.
func DefaultOptions() *Options {
	return &Options{
		Method:         MethodHybrid,
		TopK:           40,
		MinScore:       0.1,
		TopN:           8,
		MinRerankScore: 0.0,
		Expand: ExpandOptions{
			Enabled:       true,
			ChunksBefore:  1,
			ChunksAfter:   1,
			MergeAdjacent: true,
		},
		MaxTokens:      8000,
		MaxCharsPerDoc: 1800,
		Template:       DefaultTemplate,
		EmbeddingModel: "BAAI/bge-m3",
		RerankModel:    "BAAI/bge-reranker-v2-m3",
	}
}

// QueryEncoder produces query vectors. Sparse encoding is an optional
// capability; implementations without one return ErrSparseUnsupported.
type QueryEncoder interface {
	EncodeDense(ctx context.Context, text, model string) ([]float32, error)
	EncodeSparse(ctx context.Context, text string) (indices []int, values []float32, err error)
}

// VectorStore executes similarity searches and point lookups against a named
// collection. Implementations must be safe for concurrent use.
type VectorStore interface {
	SearchDense(ctx context.Context, collection string, vector []float32, limit int) ([]Candidate, error)
	SearchSparse(ctx context.Context, collection string, indices []int, values []float32, limit int) ([]Candidate, error)
	GetByKey(ctx context.Context, collection, filepath string, chunkID int) (Candidate, bool, error)
}

// RerankResult is one scored entry from the reranker, referencing the input
// batch by position.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankerClient scores (query, document) relevance through an external
// model. topN <= 0 requests scores for the whole batch.
type RerankerClient interface {
	Rerank(ctx context.Context, query string, documents []string, model string, topN int) ([]RerankResult, error)
}
