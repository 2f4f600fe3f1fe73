package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/telemetry"
)

// IndexConfig configures a semantic memory index.
type IndexConfig struct {
	// Embedder computes vectors for items that arrive without one. Required.
	Embedder core.Embedder

	// Container is the storage backend. Required.
	Container Container

	// DedupEnabled turns on merge-on-insert for near-duplicate items.
	DedupEnabled bool

	// DedupThreshold is the minimum cosine similarity treated as a
	// duplicate. Default 0.95.
	DedupThreshold float64

	// CacheThreshold is the minimum similarity for a semantic cache hit.
	// Default 0.8.
	CacheThreshold float64

	// CacheTTL bounds the lifetime of cache entries added without an
	// explicit TTL. Default 5 minutes.
	CacheTTL time.Duration

	// SweepInterval drives background expiry for containers that sweep.
	// Zero disables the sweeper.
	SweepInterval time.Duration

	// Instruments receives add, search, and cache counters when telemetry
	// is enabled.
	Instruments *telemetry.MetricInstruments

	Logger core.Logger
}

func (c *IndexConfig) applyDefaults() {
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = 0.95
	}
	if c.CacheThreshold <= 0 {
		c.CacheThreshold = 0.8
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// Match is one vector search result.
type Match struct {
	Item       *core.MemoryItem
	Similarity float64
	Distance   float64
}

// Filters restricts a similarity search to a partition.
type Filters struct {
	TenantID string
	ThreadID string
	Category string
	Kind     core.MemoryKind
}

// AddOptions tunes a single insert.
type AddOptions struct {
	// SkipEmbedding inserts the item without computing a vector; such
	// items are invisible to similarity search.
	SkipEmbedding bool

	// SkipDedup bypasses merge-on-insert for this item.
	SkipDedup bool
}

// SearchOptions tunes a text query.
type SearchOptions struct {
	ThreadID string
	Category string
	Kind     core.MemoryKind
	Limit    int
}

// CacheCheckOptions tunes a semantic cache lookup.
type CacheCheckOptions struct {
	// Threshold overrides the index's cache threshold when > 0.
	Threshold float64

	// MaxAge treats older hits as absent when > 0.
	MaxAge time.Duration
}

// CacheAddOptions tunes a cache insert.
type CacheAddOptions struct {
	// TTL overrides the index's default cache TTL when > 0.
	TTL time.Duration

	Extra map[string]interface{}
}

// CacheHit is a semantic cache lookup result.
type CacheHit struct {
	Response   string
	Age        time.Duration
	Similarity float64
	Metadata   core.MemoryItemMetadata
}

// Index is the semantic memory store: vector search over a Container with
// dedup-on-insert and an embedding-keyed response cache.
type Index struct {
	config    IndexConfig
	container Container
	embedder  core.Embedder
	dimension int
	logger    core.Logger
	clock     func() time.Time

	sweepOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewIndex validates the embedding dimension and builds an index.
func NewIndex(config *IndexConfig) (*Index, error) {
	if config == nil || config.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if config.Container == nil {
		return nil, fmt.Errorf("container is required")
	}
	config.applyDefaults()

	dim := config.Embedder.Dimension()
	if dim <= 0 {
		return nil, fmt.Errorf("embedder reports dimension %d: %w", dim, core.ErrDimensionMismatch)
	}

	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/memory")
	}
	return &Index{
		config:    *config,
		container: config.Container,
		embedder:  config.Embedder,
		dimension: dim,
		logger:    logger,
		clock:     time.Now,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (ix *Index) SetClock(clock func() time.Time) {
	ix.clock = clock
}

// Dimension returns the fixed embedding dimension for this index.
func (ix *Index) Dimension() int { return ix.dimension }

func (ix *Index) checkDimension(embedding []float32) error {
	if len(embedding) != ix.dimension {
		return fmt.Errorf("embedding has %d dimensions, index expects %d: %w",
			len(embedding), ix.dimension, core.ErrDimensionMismatch)
	}
	return nil
}

// contentOf picks the text an embedding and hash derive from.
func contentOf(item *core.MemoryItem) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Text
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Add inserts an item, embedding it first when no vector was supplied. When
// dedup is enabled and a stored item is within DedupThreshold of the new one,
// the two merge and the existing id comes back instead of a new one.
func (ix *Index) Add(ctx context.Context, item *core.MemoryItem, opts *AddOptions) (string, error) {
	if item == nil || item.TenantID == "" {
		return "", fmt.Errorf("memory item with a tenant is required")
	}
	if opts == nil {
		opts = &AddOptions{}
	}

	if len(item.Embedding) == 0 && !opts.SkipEmbedding {
		embedding, err := ix.embedder.Embed(ctx, contentOf(item))
		if err != nil {
			return "", &core.PlatformError{Op: "memory.Add", Kind: "memory", ID: item.TenantID, Err: err}
		}
		item.Embedding = embedding
	}
	if len(item.Embedding) > 0 {
		if err := ix.checkDimension(item.Embedding); err != nil {
			return "", err
		}
	}

	now := ix.clock().UTC()
	if ix.config.DedupEnabled && !opts.SkipDedup && len(item.Embedding) > 0 && item.Kind != core.MemorySemanticCache {
		hits, err := ix.FindSimilar(ctx, item.Embedding, ix.config.DedupThreshold, Filters{
			TenantID: item.TenantID,
			ThreadID: item.ThreadID,
			Category: item.Category,
		})
		if err != nil {
			return "", err
		}
		if len(hits) > 0 {
			existing := hits[0].Item
			if item.Text != "" {
				if existing.Text != "" {
					existing.Text += "\n" + item.Text
				} else {
					existing.Text = item.Text
				}
			}
			if existing.Metadata.Occurrences == 0 {
				existing.Metadata.Occurrences = 1
			}
			existing.Metadata.Occurrences++
			existing.Metadata.LastUpdated = now
			if err := ix.container.Update(ctx, existing); err != nil {
				return "", err
			}
			ix.count(ctx, telemetry.MetricMemoryMerges)
			ix.logger.Debug("Merged near-duplicate memory item", map[string]interface{}{
				"operation":   "memory_add",
				"tenant_id":   item.TenantID,
				"item_id":     existing.ID,
				"occurrences": existing.Metadata.Occurrences,
				"similarity":  hits[0].Similarity,
			})
			return existing.ID, nil
		}
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = now
	}
	if item.Kind == "" {
		item.Kind = core.MemoryShortTerm
	}
	item.Metadata.Hash = contentHash(contentOf(item))
	if item.Metadata.Occurrences == 0 {
		item.Metadata.Occurrences = 1
	}
	item.Metadata.LastUpdated = now

	if err := ix.container.Insert(ctx, item); err != nil {
		return "", err
	}
	ix.count(ctx, telemetry.MetricMemoryAdds)
	return item.ID, nil
}

func (ix *Index) count(ctx context.Context, name string) {
	if ix.config.Instruments == nil {
		return
	}
	_ = ix.config.Instruments.RecordCounter(ctx, name, 1)
}

// Get fetches an item by id within a tenant.
func (ix *Index) Get(ctx context.Context, tenantID, id string) (*core.MemoryItem, error) {
	return ix.container.Get(ctx, tenantID, id)
}

// Update replaces a stored item, re-validating its embedding dimension.
func (ix *Index) Update(ctx context.Context, item *core.MemoryItem) error {
	if item == nil || item.TenantID == "" || item.ID == "" {
		return fmt.Errorf("memory item with tenant and id is required")
	}
	if len(item.Embedding) > 0 {
		if err := ix.checkDimension(item.Embedding); err != nil {
			return err
		}
	}
	item.Metadata.LastUpdated = ix.clock().UTC()
	return ix.container.Update(ctx, item)
}

// Delete removes an item by id within a tenant.
func (ix *Index) Delete(ctx context.Context, tenantID, id string) error {
	return ix.container.Delete(ctx, tenantID, id)
}

// FindSimilar returns stored items whose cosine similarity to embedding is at
// least threshold, filtered to the given partition and ordered by ascending
// distance.
func (ix *Index) FindSimilar(ctx context.Context, embedding []float32, threshold float64, filters Filters) ([]Match, error) {
	if filters.TenantID == "" {
		return nil, fmt.Errorf("tenant filter is required")
	}
	if err := ix.checkDimension(embedding); err != nil {
		return nil, err
	}

	var matches []Match
	err := ix.container.Scan(ctx, filters.TenantID, func(item *core.MemoryItem) bool {
		if filters.ThreadID != "" && item.ThreadID != filters.ThreadID {
			return true
		}
		if filters.Category != "" && item.Category != filters.Category {
			return true
		}
		if filters.Kind != "" && item.Kind != filters.Kind {
			return true
		}
		if len(item.Embedding) != ix.dimension {
			return true
		}
		// Thresholds are inclusive minimums: an item exactly at the
		// threshold matches.
		sim := cosineSimilarity(embedding, item.Embedding)
		if sim >= threshold {
			matches = append(matches, Match{Item: item, Similarity: sim, Distance: 1 - sim})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return matches, nil
}

// Search embeds the query and returns up to opts.Limit nearest items within
// the tenant partition.
func (ix *Index) Search(ctx context.Context, query, tenantID string, opts *SearchOptions) ([]Match, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &core.PlatformError{Op: "memory.Search", Kind: "memory", ID: tenantID, Err: err}
	}
	matches, err := ix.FindSimilar(ctx, embedding, 0, Filters{
		TenantID: tenantID,
		ThreadID: opts.ThreadID,
		Category: opts.Category,
		Kind:     opts.Kind,
	})
	if err != nil {
		return nil, err
	}
	ix.count(ctx, telemetry.MetricMemorySearches)
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// cacheThreadID derives the partition key for a cache entry from the query
// text itself, so the same query always lands in the same thread regardless
// of writer.
func cacheThreadID(query string) string {
	return "cache-" + contentHash(query)[:16]
}

// AddToCache stores a response keyed by the query's embedding. Cache entries
// never merge; repeated inserts for similar queries coexist.
func (ix *Index) AddToCache(ctx context.Context, query, response, tenantID string, opts *CacheAddOptions) (string, error) {
	if opts == nil {
		opts = &CacheAddOptions{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = ix.config.CacheTTL
	}
	item := &core.MemoryItem{
		TenantID: tenantID,
		ThreadID: cacheThreadID(query),
		Text:     query,
		Content:  response,
		Kind:     core.MemorySemanticCache,
		TTLSec:   int(ttl / time.Second),
		Metadata: core.MemoryItemMetadata{Extra: opts.Extra},
	}
	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return "", &core.PlatformError{Op: "memory.AddToCache", Kind: "memory", ID: tenantID, Err: err}
	}
	item.Embedding = embedding
	return ix.Add(ctx, item, &AddOptions{SkipDedup: true})
}

// CheckSemanticCache embeds the query and returns the nearest live cache
// entry within the threshold, or nil when nothing qualifies.
func (ix *Index) CheckSemanticCache(ctx context.Context, query, tenantID string, opts *CacheCheckOptions) (*CacheHit, error) {
	if opts == nil {
		opts = &CacheCheckOptions{}
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = ix.config.CacheThreshold
	}

	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &core.PlatformError{Op: "memory.CheckSemanticCache", Kind: "memory", ID: tenantID, Err: err}
	}
	matches, err := ix.FindSimilar(ctx, embedding, threshold, Filters{
		TenantID: tenantID,
		Kind:     core.MemorySemanticCache,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		ix.count(ctx, telemetry.MetricMemoryCacheMiss)
		return nil, nil
	}

	nearest := matches[0]
	age := ix.clock().Sub(nearest.Item.Timestamp)
	if opts.MaxAge > 0 && age > opts.MaxAge {
		ix.count(ctx, telemetry.MetricMemoryCacheMiss)
		return nil, nil
	}
	ix.count(ctx, telemetry.MetricMemoryCacheHits)
	return &CacheHit{
		Response:   nearest.Item.Content,
		Age:        age,
		Similarity: nearest.Similarity,
		Metadata:   nearest.Item.Metadata,
	}, nil
}

// GetRecentMemories returns up to limit items for a thread, newest first.
func (ix *Index) GetRecentMemories(ctx context.Context, tenantID, threadID string, limit int) ([]*core.MemoryItem, error) {
	return ix.container.Recent(ctx, tenantID, threadID, limit)
}

// Start launches the background expiry sweeper when the container supports
// it. Safe to call on redis-backed indexes; it is a no-op there.
func (ix *Index) Start(ctx context.Context) {
	sweeper, ok := ix.container.(Sweeper)
	if !ok || ix.config.SweepInterval <= 0 {
		return
	}
	ix.sweepOnce.Do(func() {
		go func() {
			defer close(ix.sweepDone)
			ticker := time.NewTicker(ix.config.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ix.sweepStop:
					return
				case <-ticker.C:
					removed, err := sweeper.Sweep(ctx)
					if err != nil {
						ix.logger.Warn("Memory sweep failed", map[string]interface{}{
							"operation": "memory_sweep",
							"error":     err.Error(),
						})
						continue
					}
					if removed > 0 {
						if ix.config.Instruments != nil {
							_ = ix.config.Instruments.RecordCounter(ctx, telemetry.MetricMemoryEvictions, int64(removed))
						}
						ix.logger.Debug("Swept expired memory items", map[string]interface{}{
							"operation": "memory_sweep",
							"removed":   removed,
						})
					}
				}
			}
		}()
	})
}

// Stop halts the sweeper if Start launched it.
func (ix *Index) Stop() {
	select {
	case <-ix.sweepStop:
	default:
		close(ix.sweepStop)
	}
}
