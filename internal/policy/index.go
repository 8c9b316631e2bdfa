// Package policy indexes insurer policy documents and retrieves the chunks most
// similar to a query by cosine similarity.
package policy

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// ErrDimensionMismatch is returned when vectors of different lengths meet.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Document is one policy source before chunking.
type Document struct {
	ID     string `yaml:"id"`
	Title  string `yaml:"title"`
	PlanID string `yaml:"plan_id"`
	DrugID string `yaml:"drug_id"`
	Text   string `yaml:"-"`
}

// Filters restricts retrieval. An empty field matches anything, and a chunk
// without a plan or drug applies to every plan or drug.
type Filters struct {
	PlanID string
	DrugID string
}

// Match is one retrieved chunk with its cosine similarity to the query.
type Match struct {
	Chunk authorization.PolicyChunk
	Score float64
}

// Ref converts m to the reference stored on a DecisionRecord.
func (m Match) Ref() authorization.ChunkRef {
	return authorization.ChunkRef{ChunkID: m.Chunk.ID, DocumentID: m.Chunk.DocumentID, Score: m.Score}
}

// Embedder turns texts into vectors, one per text in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Store persists chunks and answers nearest-neighbour queries. Search returns
// at most topK matches with a score of at least minScore, best first, ties in
// insertion order.
type Store interface {
	Add(ctx context.Context, chunks []authorization.PolicyChunk) error
	Search(ctx context.Context, query []float32, topK int, filters Filters, minScore float64) ([]Match, error)
	Count(ctx context.Context) (int, error)
}

// Config holds retrieval defaults.
type Config struct {
	MinSimilarity float64
	Chunker       Chunker
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{MinSimilarity: 0.2, Chunker: DefaultChunker()}
}

// Index chunks and embeds documents on the way in and embeds queries on the
// way out. It is safe for concurrent Retrieve calls when the store is.
type Index struct {
	store    Store
	embedder Embedder
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewIndex creates an index.
func NewIndex(store Store, embedder Embedder, cfg Config, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		store:    store,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("policy"),
	}
}

// AddDocument chunks, embeds and stores doc. It returns the number of chunks.
func (x *Index) AddDocument(ctx context.Context, doc Document) (int, error) {
	ctx, span := x.tracer.Start(ctx, "policy_add_document",
		trace.WithAttributes(attribute.String("document_id", doc.ID)))
	defer span.End()

	if doc.ID == "" {
		return 0, errors.New("document id is required")
	}
	texts := x.config.Chunker.Split(doc.Text)
	if len(texts) == 0 {
		return 0, nil
	}

	vectors, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("embed %s: %w", doc.ID, err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embed %s: got %d vectors for %d chunks", doc.ID, len(vectors), len(texts))
	}

	chunks := make([]authorization.PolicyChunk, len(texts))
	for i, text := range texts {
		chunks[i] = authorization.PolicyChunk{
			ID:         fmt.Sprintf("%s#%d", doc.ID, i),
			DocumentID: doc.ID,
			PlanID:     doc.PlanID,
			DrugID:     doc.DrugID,
			Sequence:   i,
			Text:       text,
			Embedding:  vectors[i],
		}
	}
	if err := x.store.Add(ctx, chunks); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("store %s: %w", doc.ID, err)
	}

	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	x.logger.Info("policy document indexed",
		zap.String("document_id", doc.ID),
		zap.String("plan_id", doc.PlanID),
		zap.String("drug_id", doc.DrugID),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// Retrieve returns up to topK chunks most similar to query. An empty index or
// no chunk above the similarity floor yields an empty slice and no error.
func (x *Index) Retrieve(ctx context.Context, query string, topK int, filters Filters) ([]Match, error) {
	ctx, span := x.tracer.Start(ctx, "policy_retrieve",
		trace.WithAttributes(
			attribute.Int("top_k", topK),
			attribute.String("plan_id", filters.PlanID),
			attribute.String("drug_id", filters.DrugID),
		))
	defer span.End()

	if topK <= 0 {
		return []Match{}, nil
	}
	n, err := x.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if n == 0 {
		return []Match{}, nil
	}

	vectors, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}

	matches, err := x.store.Search(ctx, vectors[0], topK, filters, x.config.MinSimilarity)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search: %w", err)
	}
	if matches == nil {
		matches = []Match{}
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}
