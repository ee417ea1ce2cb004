package rag

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockEncoder implements QueryEncoder for testing
type MockEncoder struct {
	denseVector []float32
	denseErr    error
	sparseErr   error
}

func (m *MockEncoder) EncodeDense(ctx context.Context, text, model string) ([]float32, error) {
	if m.denseErr != nil {
		return nil, m.denseErr
	}
	if m.denseVector != nil {
		return m.denseVector, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEncoder) EncodeSparse(ctx context.Context, text string) ([]int, []float32, error) {
	if m.sparseErr != nil {
		return nil, nil, m.sparseErr
	}
	return []int{1, 5, 9}, []float32{1.0, 1.0, 2.0}, nil
}

// MockStore implements VectorStore for testing
type MockStore struct {
	mu           sync.Mutex
	denseResults []Candidate
	denseErr     error

	sparseResults []Candidate
	sparseErr     error

	chunks    map[SourceKey]Candidate
	lookupErr error
	lookups   []SourceKey
}

func (m *MockStore) SearchDense(ctx context.Context, collection string, vector []float32, limit int) ([]Candidate, error) {
	if m.denseErr != nil {
		return nil, m.denseErr
	}
	return m.denseResults, nil
}

func (m *MockStore) SearchSparse(ctx context.Context, collection string, indices []int, values []float32, limit int) ([]Candidate, error) {
	if m.sparseErr != nil {
		return nil, m.sparseErr
	}
	return m.sparseResults, nil
}

func (m *MockStore) GetByKey(ctx context.Context, collection, filepath string, chunkID int) (Candidate, bool, error) {
	m.mu.Lock()
	m.lookups = append(m.lookups, SourceKey{Filepath: filepath, ChunkID: chunkID})
	m.mu.Unlock()
	if m.lookupErr != nil {
		return Candidate{}, false, m.lookupErr
	}
	c, ok := m.chunks[SourceKey{Filepath: filepath, ChunkID: chunkID}]
	return c, ok, nil
}

// MockRerankerClient implements RerankerClient for testing
type MockRerankerClient struct {
	results []RerankResult
	err     error

	called       bool
	gotQuery     string
	gotDocuments []string
	gotModel     string
	gotTopN      int
}

func (m *MockRerankerClient) Rerank(ctx context.Context, query string, documents []string, model string, topN int) ([]RerankResult, error) {
	m.called = true
	m.gotQuery = query
	m.gotDocuments = documents
	m.gotModel = model
	m.gotTopN = topN
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testCandidates() ([]Candidate, []Candidate) {
	dense := []Candidate{
		{ID: "d1", Key: SourceKey{Filepath: "a.md", ChunkID: 1}, Text: "alpha", Score: 0.9, Filename: "a.md"},
		{ID: "d2", Key: SourceKey{Filepath: "b.md", ChunkID: 2}, Text: "beta", Score: 0.8, Filename: "b.md"},
		{ID: "d3", Key: SourceKey{Filepath: "c.md", ChunkID: 3}, Text: "gamma", Score: 0.7, Filename: "c.md"},
	}
	sparse := []Candidate{
		{ID: "s1", Key: SourceKey{Filepath: "a.md", ChunkID: 1}, Text: "alpha", Score: 12.0, Filename: "a.md"},
		{ID: "s2", Key: SourceKey{Filepath: "d.md", ChunkID: 4}, Text: "delta", Score: 8.0, Filename: "d.md"},
	}
	return dense, sparse
}

func simpleOptions() *Options {
	opts := DefaultOptions()
	opts.MinScore = 0
	opts.Expand.Enabled = false
	return opts
}

func keysOf(docs []*RankedDocument) []SourceKey {
	keys := make([]SourceKey, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	return keys
}

func TestPipeline_BuildContext(t *testing.T) {
	dense, sparse := testCandidates()

	t.Run("hybrid happy path", func(t *testing.T) {
		store := &MockStore{denseResults: dense, sparseResults: sparse}
		reranker := &MockRerankerClient{results: []RerankResult{
			{Index: 0, RelevanceScore: 0.95},
			{Index: 1, RelevanceScore: 0.4},
			{Index: 2, RelevanceScore: 0.7},
			{Index: 3, RelevanceScore: 0.1},
		}}
		p := NewPipeline(&MockEncoder{}, store, reranker, nil, quietLogger())

		block, docs, err := p.BuildContext(context.Background(), "what is alpha", "docs", simpleOptions())
		require.NoError(t, err)
		require.NotNil(t, block)
		assert.False(t, block.Empty())
		assert.True(t, reranker.called)
		require.NotEmpty(t, docs)

		// a.md#1 appears in both lists at rank 1 and got the best rerank
		// score, so it must lead.
		assert.Equal(t, SourceKey{Filepath: "a.md", ChunkID: 1}, docs[0].Key)
		assert.Contains(t, block.Content, "a.md # chunk 1")
		assert.Contains(t, block.Content, "alpha")
	})

	t.Run("sparse failure degrades hybrid to dense-only", func(t *testing.T) {
		metrics := NewMetrics(nil)
		store := &MockStore{denseResults: dense, sparseErr: errors.New("sparse index offline")}
		reranker := &MockRerankerClient{err: errors.New("unavailable")}
		p := NewPipeline(&MockEncoder{}, store, reranker, metrics, quietLogger())

		_, hybridDocs, err := p.BuildContext(context.Background(), "q", "docs", simpleOptions())
		require.NoError(t, err)

		denseOpts := simpleOptions()
		denseOpts.Method = MethodDense
		storeOK := &MockStore{denseResults: dense}
		pDense := NewPipeline(&MockEncoder{}, storeOK, reranker, nil, quietLogger())
		_, denseDocs, err := pDense.BuildContext(context.Background(), "q", "docs", denseOpts)
		require.NoError(t, err)

		assert.ElementsMatch(t, keysOf(denseDocs), keysOf(hybridDocs))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SparseFallbacks))
	})

	t.Run("dense failure is fatal", func(t *testing.T) {
		store := &MockStore{denseErr: errors.New("collection not found"), sparseResults: sparse}
		p := NewPipeline(&MockEncoder{}, store, &MockRerankerClient{}, nil, quietLogger())

		_, _, err := p.BuildContext(context.Background(), "q", "docs", simpleOptions())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dense retrieval failed")
	})

	t.Run("encoding failure is fatal", func(t *testing.T) {
		enc := &MockEncoder{denseErr: errors.New("model not loaded")}
		p := NewPipeline(enc, &MockStore{denseResults: dense}, &MockRerankerClient{}, nil, quietLogger())

		_, _, err := p.BuildContext(context.Background(), "q", "docs", simpleOptions())
		require.Error(t, err)
	})

	t.Run("sparse method makes sparse leg fatal", func(t *testing.T) {
		opts := simpleOptions()
		opts.Method = MethodSparse
		store := &MockStore{sparseErr: errors.New("sparse index offline")}
		p := NewPipeline(&MockEncoder{}, store, &MockRerankerClient{}, nil, quietLogger())

		_, _, err := p.BuildContext(context.Background(), "q", "docs", opts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sparse retrieval failed")
	})

	t.Run("sparse encoder unsupported degrades hybrid", func(t *testing.T) {
		metrics := NewMetrics(nil)
		enc := &MockEncoder{sparseErr: ErrSparseUnsupported}
		store := &MockStore{denseResults: dense, sparseResults: sparse}
		p := NewPipeline(enc, store, &MockRerankerClient{err: errors.New("down")}, metrics, quietLogger())

		_, docs, err := p.BuildContext(context.Background(), "q", "docs", simpleOptions())
		require.NoError(t, err)
		assert.Len(t, docs, len(dense))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SparseFallbacks))
	})

	t.Run("min score filters raw candidates before fusion", func(t *testing.T) {
		opts := simpleOptions()
		opts.Method = MethodDense
		opts.MinScore = 0.75
		store := &MockStore{denseResults: dense}
		p := NewPipeline(&MockEncoder{}, store, &MockRerankerClient{err: errors.New("down")}, nil, quietLogger())

		_, docs, err := p.BuildContext(context.Background(), "q", "docs", opts)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, SourceKey{Filepath: "a.md", ChunkID: 1}, docs[0].Key)
		assert.Equal(t, SourceKey{Filepath: "b.md", ChunkID: 2}, docs[1].Key)
	})

	t.Run("expansion merges neighbors into the block", func(t *testing.T) {
		opts := simpleOptions()
		opts.Method = MethodDense
		opts.Expand = ExpandOptions{Enabled: true, ChunksBefore: 1, ChunksAfter: 1, MergeAdjacent: true}
		store := &MockStore{
			denseResults: dense[:1],
			chunks: map[SourceKey]Candidate{
				{Filepath: "a.md", ChunkID: 0}: {Key: SourceKey{Filepath: "a.md", ChunkID: 0}, Text: "intro", Filename: "a.md"},
				{Filepath: "a.md", ChunkID: 2}: {Key: SourceKey{Filepath: "a.md", ChunkID: 2}, Text: "outro", Filename: "a.md"},
			},
		}
		p := NewPipeline(&MockEncoder{}, store, &MockRerankerClient{err: errors.New("down")}, nil, quietLogger())

		block, docs, err := p.BuildContext(context.Background(), "q", "docs", opts)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, ExpansionMerged, docs[0].Expansion)
		assert.Equal(t, 3, docs[0].ChunksIncluded)
		assert.Contains(t, block.Content, "[+2 chunks]")
		assert.Contains(t, block.Content, "[Chunk 0]\nintro")
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		store := &MockStore{denseResults: dense, sparseResults: sparse}
		p := NewPipeline(&MockEncoder{}, store, &MockRerankerClient{}, nil, quietLogger())

		_, _, err := p.BuildContext(ctx, "q", "docs", simpleOptions())
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("input validation", func(t *testing.T) {
		p := NewPipeline(&MockEncoder{}, &MockStore{}, &MockRerankerClient{}, nil, quietLogger())

		_, _, err := p.BuildContext(context.Background(), "", "docs", nil)
		assert.Error(t, err)

		_, _, err = p.BuildContext(context.Background(), "q", "", nil)
		assert.Error(t, err)

		opts := simpleOptions()
		opts.Method = Method("fulltext")
		_, _, err = p.BuildContext(context.Background(), "q", "docs", opts)
		assert.Error(t, err)
	})

	t.Run("no hits is not an error", func(t *testing.T) {
		metrics := NewMetrics(nil)
		store := &MockStore{}
		reranker := &MockRerankerClient{}
		p := NewPipeline(&MockEncoder{}, store, reranker, metrics, quietLogger())

		block, docs, err := p.BuildContext(context.Background(), "q", "docs", simpleOptions())
		require.NoError(t, err)
		assert.True(t, block.Empty())
		assert.Empty(t, docs)
		assert.False(t, reranker.called)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EmptyContexts))
	})
}
