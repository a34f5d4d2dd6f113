package history

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// Collection names inside the vector index.
const (
	CollectionKnowledge = "knowledge"
	CollectionResults   = "results"
	CollectionArtifacts = "artifacts"
)

// PageSize is the number of hits returned per search page.
const PageSize = 10

// SearchIndex mirrors history content into a persistent chromem-go
// store and answers similarity queries across all collections.
type SearchIndex struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	logger *zap.Logger
}

// NewSearchIndex opens the index at path. A nil embed falls back to a
// deterministic local embedding so the index works without any model
// endpoint configured.
func NewSearchIndex(path string, embed chromem.EmbeddingFunc, logger *zap.Logger) (*SearchIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embed == nil {
		embed = hashEmbedding
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	return &SearchIndex{db: db, embed: embed, logger: logger}, nil
}

// NewMemorySearchIndex builds an index that lives only as long as the
// current process run. Used when no vector path is configured.
func NewMemorySearchIndex(embed chromem.EmbeddingFunc, logger *zap.Logger) *SearchIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embed == nil {
		embed = hashEmbedding
	}
	return &SearchIndex{db: chromem.NewDB(), embed: embed, logger: logger}
}

// AddKnowledge indexes one knowledge version. The document ID encodes
// key and version so every version stays queryable.
func (ix *SearchIndex) AddKnowledge(ctx context.Context, k *Knowledge) error {
	return ix.add(ctx, CollectionKnowledge, chromem.Document{
		ID:      fmt.Sprintf("%s@%d", k.Key, k.Version),
		Content: k.Content,
		Metadata: map[string]string{
			"key":        k.Key,
			"version":    strconv.Itoa(k.Version),
			"title":      k.Key,
			"created_at": timestamp(k.CreatedAt),
		},
	})
}

func (ix *SearchIndex) AddResult(ctx context.Context, res *TaskResult) error {
	return ix.add(ctx, CollectionResults, chromem.Document{
		ID:      res.ID,
		Content: res.Content,
		Metadata: map[string]string{
			"process":    res.ProcessName,
			"task":       res.TaskName,
			"title":      res.TaskName,
			"created_at": timestamp(res.CreatedAt),
		},
	})
}

func (ix *SearchIndex) AddArtifact(ctx context.Context, art *Artifact) error {
	return ix.add(ctx, CollectionArtifacts, chromem.Document{
		ID:      art.ID,
		Content: art.Content,
		Metadata: map[string]string{
			"name":       art.Name,
			"tags":       strings.Join(art.Tags, ","),
			"title":      art.Name,
			"created_at": timestamp(art.CreatedAt),
		},
	})
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (ix *SearchIndex) add(ctx context.Context, collection string, doc chromem.Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}
	col, err := ix.db.GetOrCreateCollection(collection, nil, ix.embed)
	if err != nil {
		return fmt.Errorf("getting collection %s: %w", collection, err)
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("indexing into %s: %w", collection, err)
	}
	ix.logger.Debug("indexed document",
		zap.String("collection", collection),
		zap.String("id", doc.ID))
	return nil
}

// Search queries all collections, merges the hits by ascending
// distance, deduplicates knowledge to the latest version per key, and
// returns the requested page (zero-based).
func (ix *SearchIndex) Search(ctx context.Context, query string, page int) ([]SearchResult, error) {
	if page < 0 {
		page = 0
	}
	want := (page + 1) * PageSize

	var merged []SearchResult
	for _, name := range []string{CollectionKnowledge, CollectionResults, CollectionArtifacts} {
		hits, err := ix.query(ctx, name, query, want)
		if err != nil {
			return nil, err
		}
		merged = append(merged, hits...)
	}

	merged = dedupeKnowledge(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Distance < merged[j].Distance
	})

	start := page * PageSize
	if start >= len(merged) {
		return nil, nil
	}
	end := start + PageSize
	if end > len(merged) {
		end = len(merged)
	}
	return merged[start:end], nil
}

func (ix *SearchIndex) query(ctx context.Context, collection, query string, k int) ([]SearchResult, error) {
	col := ix.db.GetCollection(collection, ix.embed)
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			Collection: collection,
			ID:         r.ID,
			Content:    r.Content,
			Distance:   1 - float64(r.Similarity),
			Metadata:   r.Metadata,
		})
	}
	return out, nil
}

// dedupeKnowledge keeps only the highest version per knowledge key.
func dedupeKnowledge(hits []SearchResult) []SearchResult {
	latest := make(map[string]int)
	for _, h := range hits {
		if h.Collection != CollectionKnowledge {
			continue
		}
		v, _ := strconv.Atoi(h.Metadata["version"])
		if v > latest[h.Metadata["key"]] {
			latest[h.Metadata["key"]] = v
		}
	}

	out := hits[:0]
	for _, h := range hits {
		if h.Collection == CollectionKnowledge {
			v, _ := strconv.Atoi(h.Metadata["version"])
			if v != latest[h.Metadata["key"]] {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

const hashEmbeddingDim = 128

// hashEmbedding is a deterministic bag-of-words embedding. It gives
// stable, offline similarity ordering without an embedding model.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashEmbeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%hashEmbeddingDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
