package rag

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// DefaultRRFK is the reciprocal-rank fusion smoothing constant.
const DefaultRRFK = 60

// FusionEngine merges a dense and a sparse ranked list into one ranking
// using reciprocal rank fusion: RRF(d) = sum over lists of 1/(k + rank(d)).
type FusionEngine struct {
	k      float64
	logger *logrus.Logger
}

// NewFusionEngine creates a fusion engine. k <= 0 selects DefaultRRFK.
func NewFusionEngine(k int, logger *logrus.Logger) *FusionEngine {
	if k <= 0 {
		k = DefaultRRFK
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &FusionEngine{k: float64(k), logger: logger}
}

// Fuse combines both modality lists into one ranking truncated to limit.
// When sparse is empty the dense list is ranked by its native scores alone.
// Candidates sharing a SourceKey accumulate contributions from both lists;
// text and metadata come from the occurrence with the higher native score.
func (f *FusionEngine) Fuse(dense, sparse []Candidate, limit int) []*RankedDocument {
	if len(sparse) == 0 {
		return f.RankSingle(dense, limit)
	}

	type entry struct {
		cand  Candidate
		fused float64
	}
	entries := make(map[SourceKey]*entry)

	contribute := func(list []Candidate) {
		ranked := sortByNativeScore(list)
		for i, c := range ranked {
			key := c.Key
			e, ok := entries[key]
			if !ok {
				e = &entry{cand: c}
				entries[key] = e
			} else if c.Score > e.cand.Score {
				e.cand = c
			}
			e.fused += 1.0 / (f.k + float64(i+1))
		}
	}
	contribute(dense)
	contribute(sparse)

	docs := make([]*RankedDocument, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, &RankedDocument{
			Key:            e.cand.Key,
			Text:           e.cand.Text,
			FusedScore:     e.fused,
			Filename:       e.cand.Filename,
			EmbeddingModel: e.cand.EmbeddingModel,
		})
	}
	sortRanked(docs)

	f.logger.WithFields(logrus.Fields{
		"dense_count": len(dense),
		"sparse_count": len(sparse),
		"fused_count": len(docs),
	}).Debug("Reciprocal rank fusion completed")

	return truncateDocs(docs, limit)
}

// RankSingle converts a single modality list to ranked documents ordered by
// native score descending. Used for dense-only and sparse-only retrieval and
// as the fallback when the sparse leg is unavailable.
func (f *FusionEngine) RankSingle(cands []Candidate, limit int) []*RankedDocument {
	ranked := sortByNativeScore(cands)
	docs := make([]*RankedDocument, 0, len(ranked))
	seen := make(map[SourceKey]bool, len(ranked))
	for _, c := range ranked {
		if c.Key.Valid() && seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		docs = append(docs, &RankedDocument{
			Key:            c.Key,
			Text:           c.Text,
			FusedScore:     c.Score,
			Filename:       c.Filename,
			EmbeddingModel: c.EmbeddingModel,
		})
	}
	return truncateDocs(docs, limit)
}

// sortByNativeScore returns a copy sorted by modality-native score
// descending, ties broken by SourceKey so ranks are deterministic.
func sortByNativeScore(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key.Less(out[j].Key)
	})
	return out
}

func sortRanked(docs []*RankedDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].FusedScore != docs[j].FusedScore {
			return docs[i].FusedScore > docs[j].FusedScore
		}
		return docs[i].Key.Less(docs[j].Key)
	})
}

func truncateDocs(docs []*RankedDocument, limit int) []*RankedDocument {
	if limit > 0 && len(docs) > limit {
		return docs[:limit]
	}
	return docs
}
