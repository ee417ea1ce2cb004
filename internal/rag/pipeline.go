package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Stage names one step of the pipeline, for logging.
type Stage string

const (
	StageEncoding   Stage = "encoding"
	StageRetrieving Stage = "retrieving"
	StageFusing     Stage = "fusing"
	StageExpanding  Stage = "expanding"
	StageReranking  Stage = "reranking"
	StageAssembling Stage = "assembling"
)

// Pipeline sequences retrieval, fusion, expansion, reranking and assembly.
// The encoder, store and reranker are long-lived collaborators shared across
// concurrent BuildContext calls; everything else is request-scoped.
type Pipeline struct {
	encoder    QueryEncoder
	store      VectorStore
	fusion     *FusionEngine
	expander   *ContextExpander
	integrator *RerankIntegrator
	assembler  *ContextAssembler
	metrics    *Metrics
	logger     *logrus.Logger
}

// NewPipeline wires a pipeline over the given collaborators. metrics and
// logger may be nil.
func NewPipeline(encoder QueryEncoder, store VectorStore, reranker RerankerClient, metrics *Metrics, logger *logrus.Logger) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		encoder:    encoder,
		store:      store,
		fusion:     NewFusionEngine(DefaultRRFK, logger),
		expander:   NewContextExpander(store, metrics, logger),
		integrator: NewRerankIntegrator(reranker, metrics, logger),
		assembler:  NewContextAssembler(metrics, logger),
		metrics:    metrics,
		logger:     logger,
	}
}

type retrievalLeg struct {
	candidates []Candidate
	err        error
}

// BuildContext runs the full pipeline for one query. It returns the
// assembled block, the reranked document list the block was packed from,
// and an error only for fatal conditions: dense encoding or dense search
// failure, an unusable collection, or cancellation. Sparse and reranker
// failures degrade the run instead (observable through Metrics).
func (p *Pipeline) BuildContext(ctx context.Context, query, collection string, opts *Options) (*ContextBlock, []*RankedDocument, error) {
	if query == "" {
		return nil, nil, fmt.Errorf("query must not be empty")
	}
	if collection == "" {
		return nil, nil, fmt.Errorf("collection must not be empty")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	switch opts.Method {
	case MethodDense, MethodSparse, MethodHybrid, "":
	default:
		return nil, nil, fmt.Errorf("unknown retrieval method %q", opts.Method)
	}

	start := time.Now()
	defer func() { p.metrics.BuildDuration.Observe(time.Since(start).Seconds()) }()

	log := p.logger.WithFields(logrus.Fields{
		"run_id":     uuid.NewString(),
		"collection": collection,
		"method":     opts.Method,
	})
	degraded := false

	// Encoding + retrieving: the two modality legs are independent. The
	// primary leg is fatal on error; the secondary (sparse, in hybrid mode)
	// only degrades the run.
	primary := make(chan retrievalLeg, 1)
	secondary := make(chan retrievalLeg, 1)

	runDense := opts.Method != MethodSparse
	runSparse := opts.Method == MethodSparse || opts.Method == MethodHybrid

	if runDense {
		go func() {
			cands, err := p.retrieveDense(ctx, query, collection, opts)
			primary <- retrievalLeg{candidates: cands, err: err}
		}()
	}
	if runSparse {
		ch := secondary
		if opts.Method == MethodSparse {
			ch = primary
		}
		go func() {
			cands, err := p.retrieveSparse(ctx, query, collection, opts)
			ch <- retrievalLeg{candidates: cands, err: err}
		}()
	}

	var dense, sparse []Candidate
	leg := <-primary
	if leg.err != nil {
		return nil, nil, fmt.Errorf("%s retrieval failed: %w", primaryModality(opts.Method), leg.err)
	}
	if opts.Method == MethodSparse {
		sparse = leg.candidates
	} else {
		dense = leg.candidates
	}
	if opts.Method == MethodHybrid {
		leg = <-secondary
		if leg.err != nil {
			degraded = true
			p.metrics.SparseFallbacks.Inc()
			log.WithError(leg.err).Warn("Sparse retrieval failed, continuing dense-only")
		} else {
			sparse = leg.candidates
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	dense = filterByScore(dense, opts.MinScore)
	sparse = filterByScore(sparse, opts.MinScore)

	// Fusing.
	var docs []*RankedDocument
	switch opts.Method {
	case MethodHybrid:
		docs = p.fusion.Fuse(dense, sparse, opts.TopK)
	case MethodSparse:
		docs = p.fusion.RankSingle(sparse, opts.TopK)
	default:
		docs = p.fusion.RankSingle(dense, opts.TopK)
	}
	log.WithFields(logrus.Fields{
		"stage":        StageFusing,
		"dense_count":  len(dense),
		"sparse_count": len(sparse),
		"fused_count":  len(docs),
	}).Debug("Candidates fused")

	// Expanding.
	if opts.Expand.Enabled && len(docs) > 0 {
		docs = p.expander.Expand(ctx, collection, docs, opts.Expand.ChunksBefore, opts.Expand.ChunksAfter, opts.Expand.MergeAdjacent)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Reranking (soft failure handled by the integrator).
	docs = p.integrator.Rerank(ctx, query, docs, opts.TopN, opts.MinRerankScore, opts.MaxCharsPerDoc, opts.RerankModel)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Assembling.
	block, err := p.assembler.Assemble(docs, opts.MaxTokens, opts.Template)
	if err != nil {
		return nil, nil, err
	}

	log.WithFields(logrus.Fields{
		"stage":     StageAssembling,
		"documents": len(docs),
		"included":  len(block.Documents),
		"tokens":    block.TokenEstimate,
		"degraded":  degraded,
		"elapsed":   time.Since(start).Round(time.Millisecond).String(),
	}).Debug("Context built")

	return block, docs, nil
}

func (p *Pipeline) retrieveDense(ctx context.Context, query, collection string, opts *Options) ([]Candidate, error) {
	vector, err := p.encoder.EncodeDense(ctx, query, opts.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	cands, err := p.store.SearchDense(ctx, collection, vector, opts.TopK)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		cands[i].Modality = ModalityDense
		if cands[i].EmbeddingModel == "" {
			cands[i].EmbeddingModel = opts.EmbeddingModel
		}
	}
	return cands, nil
}

func (p *Pipeline) retrieveSparse(ctx context.Context, query, collection string, opts *Options) ([]Candidate, error) {
	indices, values, err := p.encoder.EncodeSparse(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	cands, err := p.store.SearchSparse(ctx, collection, indices, values, opts.TopK)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		cands[i].Modality = ModalitySparse
	}
	return cands, nil
}

func primaryModality(m Method) Modality {
	if m == MethodSparse {
		return ModalitySparse
	}
	return ModalityDense
}

// filterByScore drops candidates below the retrieval score threshold before
// fusion, so the floor applies to modality-native scores.
func filterByScore(cands []Candidate, minScore float64) []Candidate {
	if minScore <= 0 || len(cands) == 0 {
		return cands
	}
	kept := cands[:0]
	for _, c := range cands {
		if c.Score >= minScore {
			kept = append(kept, c)
		}
	}
	return kept
}
