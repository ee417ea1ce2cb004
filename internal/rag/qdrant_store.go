package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/Ktulu-Analog/Chaton/internal/vectordb/qdrant"
)

// QdrantStore implements VectorStore over a local or self-hosted Qdrant.
// Chunks are expected to carry text, filepath, chunk_id and filename payload
// fields, the layout the indexer writes.
type QdrantStore struct {
	client *qdrant.Client
	logger *logrus.Logger
}

// NewQdrantStore wraps a Qdrant client.
func NewQdrantStore(client *qdrant.Client, logger *logrus.Logger) *QdrantStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &QdrantStore{client: client, logger: logger}
}

// SearchDense runs a dense similarity search.
func (s *QdrantStore) SearchDense(ctx context.Context, collection string, vector []float32, limit int) ([]Candidate, error) {
	points, err := s.client.Search(ctx, collection, vector, &qdrant.SearchOptions{
		Limit:       limit,
		WithPayload: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dense search in %q: %w", collection, err)
	}
	return scoredPointsToCandidates(points), nil
}

// SearchSparse runs a named-sparse-vector query.
func (s *QdrantStore) SearchSparse(ctx context.Context, collection string, indices []int, values []float32, limit int) ([]Candidate, error) {
	points, err := s.client.QuerySparse(ctx, collection, indices, values, &qdrant.SearchOptions{
		Limit:       limit,
		WithPayload: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sparse search in %q: %w", collection, err)
	}
	return scoredPointsToCandidates(points), nil
}

// GetByKey fetches one chunk by (filepath, chunk id) through a filtered
// scroll. Missing chunks are not an error.
func (s *QdrantStore) GetByKey(ctx context.Context, collection, filepath string, chunkID int) (Candidate, bool, error) {
	filter := qdrant.MatchFilter(map[string]interface{}{
		"filepath": filepath,
		"chunk_id": chunkID,
	})
	points, _, err := s.client.Scroll(ctx, collection, 1, nil, filter)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("lookup chunk %s#%d: %w", filepath, chunkID, err)
	}
	if len(points) == 0 {
		return Candidate{}, false, nil
	}

	cand := payloadToCandidate(points[0].Payload)
	cand.ID = points[0].ID
	return cand, true, nil
}

func scoredPointsToCandidates(points []qdrant.ScoredPoint) []Candidate {
	cands := make([]Candidate, 0, len(points))
	for _, p := range points {
		cand := payloadToCandidate(p.Payload)
		cand.ID = p.ID
		cand.Score = float64(p.Score)
		cands = append(cands, cand)
	}
	return cands
}

// payloadToCandidate maps a point payload onto a candidate. chunk_id arrives
// as a JSON number (float64) or occasionally a string, depending on the
// indexer version; anything unparseable yields an invalid key.
func payloadToCandidate(payload map[string]interface{}) Candidate {
	cand := Candidate{Key: SourceKey{ChunkID: -1}}
	if payload == nil {
		return cand
	}
	if text, ok := payload["text"].(string); ok {
		cand.Text = text
	}
	if fp, ok := payload["filepath"].(string); ok {
		cand.Key.Filepath = fp
	}
	if fn, ok := payload["filename"].(string); ok {
		cand.Filename = fn
	}
	if model, ok := payload["model"].(string); ok {
		cand.EmbeddingModel = model
	}
	switch id := payload["chunk_id"].(type) {
	case float64:
		cand.Key.ChunkID = int(id)
	case string:
		if n, err := strconv.Atoi(id); err == nil {
			cand.Key.ChunkID = n
		}
	}
	return cand
}
