package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/model"
)

const (
	embedBatchSize = 128
	embedRetries   = 3

	queryTaskType = "RETRIEVAL_QUERY"
	docTaskType   = "RETRIEVAL_DOCUMENT"

	rerankScoreThreshold = 0.5

	queryCacheSize = 4096
	queryCacheTTL  = 15 * time.Minute
)

// Client wraps an embedding provider with query caching, batched retries
// and re-ranking. A nil or unconfigured client degrades every call to an
// empty result.
type Client struct {
	provider    Provider
	embedModel  string
	rerankModel string
	cache       *expirable.LRU[string, []float32]
}

func NewClient(provider Provider, embedModel, rerankModel string) *Client {
	return &Client{
		provider:    provider,
		embedModel:  embedModel,
		rerankModel: rerankModel,
		cache:       expirable.NewLRU[string, []float32](queryCacheSize, nil, queryCacheTTL),
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.provider != nil && c.embedModel != ""
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// GetEmbedding embeds a single query string. Unconfigured clients and
// unavailable providers return a nil vector without error, which callers
// treat as an empty match result.
func (c *Client) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	if !c.Configured() || text == "" {
		return nil, nil
	}
	key := cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vectors, err := c.embedWithRetry(ctx, []string{text}, queryTaskType)
	if err == ErrUnavailable {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vectors[0])
	return vectors[0], nil
}

// GetEmbeddings embeds document chunks in batches, preserving chunk order.
func (c *Client) GetEmbeddings(ctx context.Context, chunks []Chunk) ([]model.Embedding, error) {
	if !c.Configured() || len(chunks) == 0 {
		return nil, nil
	}
	result := make([]model.Embedding, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, 0, len(batch))
		for _, chunk := range batch {
			texts = append(texts, chunk.Content)
		}
		vectors, err := c.embedWithRetry(ctx, texts, docTaskType)
		if err != nil {
			return nil, err
		}
		for i, chunk := range batch {
			result = append(result, model.Embedding{
				Index:   chunk.Index,
				Content: chunk.Content,
				Vector:  vectors[i],
			})
		}
	}
	return result, nil
}

func (c *Client) embedWithRetry(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < embedRetries; attempt++ {
		vectors, err := c.provider.Embed(ctx, c.embedModel, texts, taskType)
		if err == nil {
			return vectors, nil
		}
		if err == ErrUnavailable || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("embed attempt failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) ReRankDocs(ctx context.Context, query string, chunks []model.DocChunk, topK int) ([]model.DocChunk, error) {
	mixed := make([]model.MatchedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		mixed = append(mixed, model.DocChunkToMatched(chunk))
	}
	ranked, err := c.ReRankChunks(ctx, query, mixed, topK)
	if err != nil {
		return nil, err
	}
	out := make([]model.DocChunk, 0, len(ranked))
	for _, chunk := range ranked {
		out = append(out, model.DocChunk{
			DocID:    chunk.DocID,
			Chunk:    chunk.Chunk,
			Content:  chunk.Content,
			Distance: chunk.Distance,
		})
	}
	return out, nil
}

func (c *Client) ReRankFiles(ctx context.Context, query string, chunks []model.FileChunk, topK int) ([]model.FileChunk, error) {
	mixed := make([]model.MatchedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		mixed = append(mixed, model.FileChunkToMatched(chunk))
	}
	ranked, err := c.ReRankChunks(ctx, query, mixed, topK)
	if err != nil {
		return nil, err
	}
	out := make([]model.FileChunk, 0, len(ranked))
	for _, chunk := range ranked {
		out = append(out, model.FileChunk{
			FileID:   chunk.FileID,
			BlobID:   chunk.BlobID,
			Name:     chunk.Name,
			MimeType: chunk.MimeType,
			Chunk:    chunk.Chunk,
			Content:  chunk.Content,
			Distance: chunk.Distance,
		})
	}
	return out, nil
}

// ReRankChunks deduplicates candidates by target+chunk, asks the provider
// to score them against the query, and falls back to distance order when
// the provider cannot rank. Result is cut to topK.
func (c *Client) ReRankChunks(ctx context.Context, query string, chunks []model.MatchedChunk, topK int) ([]model.MatchedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Distance < chunks[j].Distance
	})
	type chunkKey struct {
		target string
		chunk  int64
	}
	seen := make(map[chunkKey]struct{}, len(chunks))
	deduped := make([]model.MatchedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		key := chunkKey{target: chunk.TargetID(), chunk: chunk.Chunk}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, chunk)
	}
	ranked := c.rankByProvider(ctx, query, deduped)
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

func (c *Client) rankByProvider(ctx context.Context, query string, chunks []model.MatchedChunk) []model.MatchedChunk {
	if !c.Configured() || c.rerankModel == "" {
		return chunks
	}
	contents := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		contents = append(contents, chunk.Content)
	}
	scores, err := c.provider.Rerank(ctx, c.rerankModel, query, contents)
	if err != nil {
		if err != ErrUnavailable {
			logutil.GetLogger(ctx).Warn("rerank failed, falling back to distance order", zap.Error(err))
		}
		return chunks
	}
	type scored struct {
		chunk model.MatchedChunk
		score float64
	}
	kept := make([]scored, 0, len(chunks))
	for i, chunk := range chunks {
		if scores[i] > rerankScoreThreshold {
			kept = append(kept, scored{chunk: chunk, score: scores[i]})
		}
	}
	if len(kept) == 0 {
		return chunks
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].score > kept[j].score
	})
	out := make([]model.MatchedChunk, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.chunk)
	}
	return out
}
