// Command ragctx runs one retrieval pass against a configured collection and
// prints the assembled context block with its source lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Ktulu-Analog/Chaton/internal/config"
	"github.com/Ktulu-Analog/Chaton/internal/rag"
	"github.com/Ktulu-Analog/Chaton/internal/vectordb/qdrant"
)

func main() {
	var (
		configPath = flag.String("config", "rag.yml", "path to the configuration file")
		collection = flag.String("collection", "", "collection to search")
		query      = flag.String("query", "", "query to build context for")
		method     = flag.String("method", "", "retrieval method override (dense, sparse, hybrid)")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to load .env")
	}

	if *query == "" || *collection == "" {
		fmt.Fprintln(os.Stderr, "usage: ragctx -collection NAME -query TEXT [-config rag.yml] [-method hybrid]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *collection, *query, *method); err != nil {
		logger.WithError(err).Fatal("Context build failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, collection, query, method string) error {
	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	encoder := rag.NewAPIEncoder(&rag.EncoderConfig{
		BaseURL:    cfg.API.BaseURL,
		APIKey:     cfg.API.APIKey,
		Dimensions: cfg.Models.EmbeddingDimensions,
		Timeout:    cfg.API.Timeout.Std(),
	}, logger).WithSparse(rag.NewSparseEncoder(0))

	reranker := rag.NewAPIReranker(&rag.RerankerConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Timeout: cfg.API.Timeout.Std(),
	}, logger)

	metrics := rag.NewMetrics(prometheus.DefaultRegisterer)
	pipeline := rag.NewPipeline(encoder, store, reranker, metrics, logger)

	opts := cfg.Options()
	if method != "" {
		opts.Method = rag.Method(method)
	}

	block, docs, err := pipeline.BuildContext(ctx, query, collection, opts)
	if err != nil {
		return err
	}

	if block.Empty() {
		fmt.Println("No context could be built for this query.")
		return nil
	}

	fmt.Println(block.Content)
	fmt.Printf("\n--- %d documents, ~%d tokens ---\n", len(block.Documents), block.TokenEstimate)
	for _, d := range docs {
		marker := " "
		if containsDoc(block.Documents, d) {
			marker = "*"
		}
		fmt.Printf("%s %s # chunk %d # score %.3f\n", marker, d.Filename, d.Key.ChunkID, d.DisplayScore())
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (rag.VectorStore, func(), error) {
	switch cfg.Backend {
	case config.BackendRemote:
		store := rag.NewRemoteStore(&rag.RemoteStoreConfig{
			BaseURL: cfg.API.BaseURL,
			APIKey:  cfg.API.APIKey,
			Timeout: cfg.API.Timeout.Std(),
		}, logger)
		return store, func() {}, nil
	default:
		client, err := qdrant.NewClient(cfg.Qdrant.ClientConfig(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create qdrant client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return rag.NewQdrantStore(client, logger), func() { _ = client.Close() }, nil
	}
}

func containsDoc(docs []*rag.RankedDocument, target *rag.RankedDocument) bool {
	for _, d := range docs {
		if d == target {
			return true
		}
	}
	return false
}
