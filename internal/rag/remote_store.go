package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteStoreConfig configures the remote search API client.
type RemoteStoreConfig struct {
	// BaseURL of the API exposing /collections, /search and /chunks.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultRemoteStoreConfig returns the default remote store configuration.
func DefaultRemoteStoreConfig() *RemoteStoreConfig {
	return &RemoteStoreConfig{Timeout: 30 * time.Second}
}

// RemoteStore implements VectorStore against a hosted search API that manages
// its own collections. Collections are addressed by name; the store resolves
// names to API collection IDs by paging GET /collections and caches the
// mapping for the life of the process.
type RemoteStore struct {
	config     *RemoteStoreConfig
	httpClient *http.Client
	logger     *logrus.Logger

	mu  sync.Mutex
	ids map[string]int64
}

// NewRemoteStore creates a remote store client.
func NewRemoteStore(config *RemoteStoreConfig, logger *logrus.Logger) *RemoteStore {
	if config == nil {
		config = DefaultRemoteStoreConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RemoteStore{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		ids:        make(map[string]int64),
	}
}

const collectionPageSize = 100

// resolveCollection maps a collection name to its API ID, paging through
// GET /collections until the name is found.
func (s *RemoteStore) resolveCollection(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	if id, ok := s.ids[name]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	for offset := 0; ; offset += collectionPageSize {
		params := url.Values{}
		params.Set("offset", strconv.Itoa(offset))
		params.Set("limit", strconv.Itoa(collectionPageSize))

		body, err := s.doRequest(ctx, http.MethodGet, "/collections?"+params.Encode(), nil)
		if err != nil {
			return 0, fmt.Errorf("list collections: %w", err)
		}

		var response struct {
			Data []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &response); err != nil {
			return 0, fmt.Errorf("parse collections: %w", err)
		}
		if len(response.Data) == 0 {
			break
		}

		for _, col := range response.Data {
			if col.Name == name {
				s.mu.Lock()
				s.ids[name] = col.ID
				s.mu.Unlock()
				return col.ID, nil
			}
		}
	}

	return 0, fmt.Errorf("collection %q not found", name)
}

// SearchDense searches the collection with a dense query vector.
func (s *RemoteStore) SearchDense(ctx context.Context, collection string, vector []float32, limit int) ([]Candidate, error) {
	id, err := s.resolveCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"collections": []int64{id},
		"vector":      vector,
		"limit":       limit,
		"method":      "semantic",
		"offset":      0,
	}
	return s.search(ctx, payload)
}

// SearchSparse searches the collection with hashed term weights.
func (s *RemoteStore) SearchSparse(ctx context.Context, collection string, indices []int, values []float32, limit int) ([]Candidate, error) {
	id, err := s.resolveCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"collections": []int64{id},
		"indices":     indices,
		"values":      values,
		"limit":       limit,
		"method":      "lexical",
		"offset":      0,
	}
	return s.search(ctx, payload)
}

func (s *RemoteStore) search(ctx context.Context, payload map[string]interface{}) ([]Candidate, error) {
	body, err := s.doRequest(ctx, http.MethodPost, "/search", payload)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var response struct {
		Data []remoteResult `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	cands := make([]Candidate, 0, len(response.Data))
	for _, item := range response.Data {
		cands = append(cands, item.toCandidate())
	}
	return cands, nil
}

// GetByKey fetches one chunk by (filepath, chunk id). A 404 or an empty page
// means the chunk does not exist, which is not an error.
func (s *RemoteStore) GetByKey(ctx context.Context, collection, filepath string, chunkID int) (Candidate, bool, error) {
	id, err := s.resolveCollection(ctx, collection)
	if err != nil {
		return Candidate{}, false, err
	}

	params := url.Values{}
	params.Set("collection", strconv.FormatInt(id, 10))
	params.Set("filepath", filepath)
	params.Set("chunk_id", strconv.Itoa(chunkID))
	params.Set("limit", "1")

	body, err := s.doRequest(ctx, http.MethodGet, "/chunks?"+params.Encode(), nil)
	if err != nil {
		if isNotFound(err) {
			return Candidate{}, false, nil
		}
		return Candidate{}, false, fmt.Errorf("lookup chunk %s#%d: %w", filepath, chunkID, err)
	}

	var response struct {
		Data []remoteResult `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return Candidate{}, false, fmt.Errorf("parse chunk response: %w", err)
	}
	if len(response.Data) == 0 {
		return Candidate{}, false, nil
	}
	return response.Data[0].toCandidate(), true, nil
}

// statusError preserves the HTTP status for callers that treat 404 as a
// normal miss.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusNotFound
}

func (s *RemoteStore) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	reqURL := strings.TrimRight(s.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{status: resp.StatusCode, body: string(respBody)}
	}
	return respBody, nil
}

// remoteResult is one search hit as the API returns it: the chunk content
// nested under "chunk", source coordinates under its metadata.
type remoteResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Chunk struct {
		ID       int    `json:"id"`
		Content  string `json:"content"`
		Metadata struct {
			Filename string `json:"filename"`
			Filepath string `json:"filepath"`
		} `json:"metadata"`
	} `json:"chunk"`
}

func (r remoteResult) toCandidate() Candidate {
	filepath := r.Chunk.Metadata.Filepath
	if filepath == "" {
		filepath = r.Chunk.Metadata.Filename
	}
	return Candidate{
		ID:    r.ID,
		Score: r.Score,
		Text:  r.Chunk.Content,
		Key: SourceKey{
			Filepath: filepath,
			ChunkID:  r.Chunk.ID,
		},
		Filename:       r.Chunk.Metadata.Filename,
		EmbeddingModel: "remote",
	}
}
