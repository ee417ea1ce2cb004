package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RerankerConfig configures the reranking API client.
type RerankerConfig struct {
	// BaseURL of the API exposing POST /rerank.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultRerankerConfig returns the default reranker configuration.
func DefaultRerankerConfig() *RerankerConfig {
	return &RerankerConfig{Timeout: 30 * time.Second}
}

// APIReranker scores query/document relevance through a remote cross-encoder
// behind a /rerank endpoint.
type APIReranker struct {
	config     *RerankerConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewAPIReranker creates a reranker client.
func NewAPIReranker(config *RerankerConfig, logger *logrus.Logger) *APIReranker {
	if config == nil {
		config = DefaultRerankerConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &APIReranker{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Rerank submits the whole batch in one request. topN <= 0 asks the API for
// scores over all documents.
func (r *APIReranker) Rerank(ctx context.Context, query string, documents []string, model string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN < 0 {
		topN = 0
	}

	reqBody := map[string]interface{}{
		"query":     query,
		"documents": documents,
		"model":     model,
		"top_n":     topN,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(r.config.BaseURL, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(body))
	}

	// Some deployments answer under "results", older ones under "data".
	var response struct {
		Results []RerankResult `json:"results"`
		Data    []RerankResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	results := response.Results
	if results == nil {
		results = response.Data
	}

	r.logger.WithFields(logrus.Fields{
		"model":     model,
		"submitted": len(documents),
		"scored":    len(results),
	}).Debug("Rerank batch scored")

	return results, nil
}
