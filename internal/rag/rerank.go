package rag

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// RerankIntegrator applies an external relevance model to fused documents:
// score-threshold filtering, deterministic sorting and truncation. A failing
// reranker degrades to the pre-rerank ordering, never to a pipeline error.
type RerankIntegrator struct {
	client  RerankerClient
	metrics *Metrics
	logger  *logrus.Logger
}

// NewRerankIntegrator creates an integrator over the given client.
func NewRerankIntegrator(client RerankerClient, metrics *Metrics, logger *logrus.Logger) *RerankIntegrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RerankIntegrator{client: client, metrics: metrics, logger: logger}
}

// Rerank submits the batch to the relevance model and reorders docs by the
// returned scores. Texts are truncated to maxChars for submission only; the
// untruncated text is retained for assembly. Documents the reranker did not
// score count as score 0 and are excluded unless minScore <= 0. topN <= 0
// means no truncation.
func (ri *RerankIntegrator) Rerank(ctx context.Context, query string, docs []*RankedDocument, topN int, minScore float64, maxChars int, model string) []*RankedDocument {
	if len(docs) == 0 {
		return docs
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
		if maxChars > 0 && len(texts[i]) > maxChars {
			texts[i] = texts[i][:maxChars]
		}
	}

	results, err := ri.client.Rerank(ctx, query, texts, model, topN)
	if err != nil {
		ri.metrics.RerankFallbacks.Inc()
		ri.logger.WithError(err).Warn("Reranker unavailable, keeping pre-rerank order")
		return truncateDocs(docs, topN)
	}

	scores := make(map[int]float64, len(results))
	for _, r := range results {
		if r.Index >= 0 && r.Index < len(docs) {
			scores[r.Index] = r.RelevanceScore
		}
	}

	reranked := make([]*RankedDocument, 0, len(docs))
	for i, d := range docs {
		score, matched := scores[i]
		if !matched && minScore > 0 {
			continue
		}
		if score < minScore {
			continue
		}
		s := score
		d.RerankScore = &s
		reranked = append(reranked, d)
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		si, sj := *reranked[i].RerankScore, *reranked[j].RerankScore
		if si != sj {
			return si > sj
		}
		return reranked[i].Key.Less(reranked[j].Key)
	})

	ri.logger.WithFields(logrus.Fields{
		"submitted": len(docs),
		"kept":      len(reranked),
		"top_n":     topN,
	}).Debug("Reranking applied")

	return truncateDocs(reranked, topN)
}
