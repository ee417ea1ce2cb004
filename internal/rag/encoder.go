package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EncoderConfig configures the embeddings API client.
type EncoderConfig struct {
	// BaseURL of an OpenAI-compatible API, e.g. "https://albert.api.etalab.gouv.fr/v1".
	BaseURL string
	APIKey  string
	// Dimensions requests reduced-dimension embeddings when > 0.
	Dimensions int
	Timeout    time.Duration
}

// DefaultEncoderConfig returns the default encoder configuration.
func DefaultEncoderConfig() *EncoderConfig {
	return &EncoderConfig{Timeout: 30 * time.Second}
}

// APIEncoder encodes queries through an OpenAI-compatible /embeddings
// endpoint. It has no sparse model: EncodeSparse reports the capability as
// unsupported unless a SparseEncoder is attached.
type APIEncoder struct {
	config     *EncoderConfig
	sparse     *SparseEncoder
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewAPIEncoder creates an encoder client.
func NewAPIEncoder(config *EncoderConfig, logger *logrus.Logger) *APIEncoder {
	if config == nil {
		config = DefaultEncoderConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &APIEncoder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// WithSparse attaches a local sparse encoder, enabling the hybrid method
// against stores that index a matching sparse vector.
func (e *APIEncoder) WithSparse(sparse *SparseEncoder) *APIEncoder {
	e.sparse = sparse
	return e
}

// EncodeDense returns the dense embedding of text under the given model.
func (e *APIEncoder) EncodeDense(ctx context.Context, text, model string) ([]float32, error) {
	reqBody := map[string]interface{}{
		"input":           []string{text},
		"model":           model,
		"encoding_format": "float",
	}
	if e.config.Dimensions > 0 {
		reqBody["dimensions"] = e.config.Dimensions
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(e.config.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("embeddings API returned no data")
	}

	e.logger.WithFields(logrus.Fields{
		"model":      model,
		"dimensions": len(response.Data[0].Embedding),
	}).Debug("Query encoded")

	return response.Data[0].Embedding, nil
}

// EncodeSparse delegates to the attached sparse encoder, or reports the
// capability as unsupported.
func (e *APIEncoder) EncodeSparse(ctx context.Context, text string) ([]int, []float32, error) {
	if e.sparse == nil {
		return nil, nil, ErrSparseUnsupported
	}
	return e.sparse.EncodeSparse(ctx, text)
}

// SparseEncoder builds term-weighted sparse query vectors by hashing
// lowercase tokens into a fixed index space, with sublinear term-frequency
// weights. The same hashing must be applied at indexing time for the sparse
// search to be meaningful.
type SparseEncoder struct {
	indexSpace uint32
}

// DefaultSparseIndexSpace is the size of the hashed term index space.
const DefaultSparseIndexSpace = 1 << 20

// NewSparseEncoder creates a sparse encoder. indexSpace <= 0 selects the
// default space.
func NewSparseEncoder(indexSpace int) *SparseEncoder {
	if indexSpace <= 0 {
		indexSpace = DefaultSparseIndexSpace
	}
	return &SparseEncoder{indexSpace: uint32(indexSpace)}
}

// EncodeSparse returns hashed term indices and 1+ln(tf) weights, with
// indices sorted ascending.
func (s *SparseEncoder) EncodeSparse(_ context.Context, text string) ([]int, []float32, error) {
	freqs := make(map[uint32]int)
	for _, term := range tokenizeTerms(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		freqs[h.Sum32()%s.indexSpace]++
	}
	if len(freqs) == 0 {
		return nil, nil, nil
	}

	indices := make([]int, 0, len(freqs))
	for idx := range freqs {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = float32(1 + math.Log(float64(freqs[uint32(idx)])))
	}
	return indices, values, nil
}

// tokenizeTerms lowercases and strips punctuation, the same normalization
// the indexer applies.
func tokenizeTerms(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		cleaned := strings.Trim(word, ".,!?;:\"'()[]{}#$%&*+-/<>=@\\^_`|~")
		if cleaned != "" {
			tokens = append(tokens, cleaned)
		}
	}
	return tokens
}
