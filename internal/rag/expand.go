package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultExpandConcurrency bounds parallel neighbor lookups so a single
// BuildContext run cannot flood the vector store.
const DefaultExpandConcurrency = 8

// ContextExpander enriches top candidates with neighboring chunks from the
// same source document, either merging them into one enlarged passage or
// emitting them as separate context-only entries.
type ContextExpander struct {
	store       VectorStore
	metrics     *Metrics
	logger      *logrus.Logger
	concurrency int
}

// NewContextExpander creates an expander over the given store.
func NewContextExpander(store VectorStore, metrics *Metrics, logger *logrus.Logger) *ContextExpander {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ContextExpander{
		store:       store,
		metrics:     metrics,
		logger:      logger,
		concurrency: DefaultExpandConcurrency,
	}
}

type neighborSet struct {
	before []Candidate
	after  []Candidate
}

// Expand fetches up to before/after adjacent chunks for each document.
// Documents repeating an already-seen SourceKey are dropped, keeping the
// first occurrence's rank; documents without a valid key pass through
// unmodified. Individual lookup failures only omit that neighbor.
func (e *ContextExpander) Expand(ctx context.Context, collection string, docs []*RankedDocument, before, after int, merge bool) []*RankedDocument {
	if before == 0 && after == 0 {
		return docs
	}

	// Dedup first, sequentially, so ranks of first occurrences survive.
	work := make([]*RankedDocument, 0, len(docs))
	seen := make(map[SourceKey]bool, len(docs))
	for _, doc := range docs {
		if doc.Key.Valid() {
			if seen[doc.Key] {
				continue
			}
			seen[doc.Key] = true
		}
		work = append(work, doc)
	}

	neighbors := make([]neighborSet, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, doc := range work {
		if !doc.Key.Valid() {
			continue
		}
		i, doc := i, doc
		g.Go(func() error {
			neighbors[i] = e.fetchNeighbors(gctx, collection, doc.Key, before, after)
			return nil
		})
	}
	// Workers never return errors; lookup failures are soft.
	_ = g.Wait()

	out := make([]*RankedDocument, 0, len(work))
	for i, doc := range work {
		if !doc.Key.Valid() {
			out = append(out, doc)
			continue
		}
		n := neighbors[i]
		if merge {
			out = append(out, mergeChunks(doc, n))
			continue
		}
		for _, c := range n.before {
			if ctxDoc := e.contextDoc(c, ExpansionBefore, seen); ctxDoc != nil {
				out = append(out, ctxDoc)
			}
		}
		doc.Expansion = ExpansionMain
		out = append(out, doc)
		for _, c := range n.after {
			if ctxDoc := e.contextDoc(c, ExpansionAfter, seen); ctxDoc != nil {
				out = append(out, ctxDoc)
			}
		}
	}
	return out
}

// fetchNeighbors issues point lookups for the chunk positions around key.
// Index gaps are expected (deleted or never-indexed chunks) and non-fatal.
func (e *ContextExpander) fetchNeighbors(ctx context.Context, collection string, key SourceKey, before, after int) neighborSet {
	var n neighborSet
	for i := before; i >= 1; i-- {
		id := key.ChunkID - i
		if id < 0 {
			continue
		}
		if c, ok := e.lookup(ctx, collection, key.Filepath, id); ok {
			n.before = append(n.before, c)
		}
	}
	for i := 1; i <= after; i++ {
		if c, ok := e.lookup(ctx, collection, key.Filepath, key.ChunkID+i); ok {
			n.after = append(n.after, c)
		}
	}
	return n
}

func (e *ContextExpander) lookup(ctx context.Context, collection, filepath string, chunkID int) (Candidate, bool) {
	c, found, err := e.store.GetByKey(ctx, collection, filepath, chunkID)
	if err != nil {
		e.metrics.ExpansionLookupFailures.Inc()
		e.logger.WithError(err).WithFields(logrus.Fields{
			"filepath": filepath,
			"chunk_id": chunkID,
		}).Debug("Neighbor chunk lookup failed")
		return Candidate{}, false
	}
	return c, found
}

// contextDoc converts a fetched neighbor into a context-only document,
// skipping keys already present in the output (dedup invariant).
func (e *ContextExpander) contextDoc(c Candidate, state ExpansionState, seen map[SourceKey]bool) *RankedDocument {
	if seen[c.Key] {
		return nil
	}
	seen[c.Key] = true
	return &RankedDocument{
		Key:            c.Key,
		Text:           c.Text,
		Filename:       c.Filename,
		EmbeddingModel: c.EmbeddingModel,
		Expansion:      state,
	}
}

// mergeChunks concatenates before + current + after in chunk order, each
// prefixed with a chunk marker, keeping the original document's identity
// and fused score.
func mergeChunks(doc *RankedDocument, n neighborSet) *RankedDocument {
	parts := make([]string, 0, len(n.before)+1+len(n.after))
	for _, c := range n.before {
		parts = append(parts, fmt.Sprintf("[Chunk %d]\n%s", c.Key.ChunkID, c.Text))
	}
	parts = append(parts, fmt.Sprintf("[Chunk %d]\n%s", doc.Key.ChunkID, doc.Text))
	for _, c := range n.after {
		parts = append(parts, fmt.Sprintf("[Chunk %d]\n%s", c.Key.ChunkID, c.Text))
	}

	merged := *doc
	merged.Text = strings.Join(parts, "\n\n")
	merged.Expansion = ExpansionMerged
	merged.ChunksIncluded = len(parts)
	return &merged
}
