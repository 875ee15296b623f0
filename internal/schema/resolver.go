package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
)

// Cache is the persisted tier of the mapping cache. A stored entry with a nil
// mapping is a tombstone for a known-unmappable layout.
type Cache interface {
	GetSchemaMapping(ctx context.Context, headerHash string) (*model.MappingEntry, bool, error)
	PutSchemaMapping(ctx context.Context, entry model.MappingEntry) error
}

// HeaderHash computes the cache key for a header set: sha256 over the sorted,
// lower-cased, trimmed headers. Column order does not affect the key.
func HeaderHash(headers []string) string {
	norm := make([]string, 0, len(headers))
	for _, h := range headers {
		norm = append(norm, strings.ToLower(strings.TrimSpace(h)))
	}
	sort.Strings(norm)
	sum := sha256.Sum256([]byte(strings.Join(norm, "\n")))
	return hex.EncodeToString(sum[:])
}

// Resolver resolves header sets to column mappings: static layouts, then an
// in-process memo, then the persisted cache, then the classifier. Negative
// results are cached at both tiers so a known-bad layout is never classified
// twice.
type Resolver struct {
	layouts    []Layout
	cache      Cache
	classifier Classifier

	mu   sync.Mutex
	memo map[string]*model.ColumnMapping // value may be nil: memoized negative
	seen map[string]bool
}

// NewResolver builds a resolver over the embedded layout catalogue.
func NewResolver(cache Cache, classifier Classifier) (*Resolver, error) {
	layouts, err := LoadLayouts()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		layouts:    layouts,
		cache:      cache,
		classifier: classifier,
		memo:       make(map[string]*model.ColumnMapping),
		seen:       make(map[string]bool),
	}, nil
}

// Resolve returns the column mapping for the header set, or nil with no error
// when the layout is known to be unmappable.
func (r *Resolver) Resolve(ctx context.Context, headers []string, sampleRows [][]string) (*model.ColumnMapping, error) {
	if m := MatchStatic(r.layouts, headers); m != nil {
		return m, nil
	}

	hash := HeaderHash(headers)

	r.mu.Lock()
	if r.seen[hash] {
		m := r.memo[hash]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	entry, found, err := r.cache.GetSchemaMapping(ctx, hash)
	if err != nil {
		return nil, eris.Wrap(err, "schema: read mapping cache")
	}
	if found {
		r.remember(hash, entry.Mapping)
		return entry.Mapping, nil
	}

	mapping, err := r.classifier.Classify(ctx, headers, sampleRows)
	if err != nil {
		// Classification failures are transient; do not poison the cache.
		return nil, err
	}
	if mapping == nil {
		zap.L().Info("layout unmappable, caching tombstone",
			zap.String("header_hash", hash),
			zap.Strings("headers", headers))
	}

	if err := r.cache.PutSchemaMapping(ctx, model.MappingEntry{
		HeaderHash: hash,
		Mapping:    mapping,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, eris.Wrap(err, "schema: persist mapping")
	}
	r.remember(hash, mapping)
	return mapping, nil
}

func (r *Resolver) remember(hash string, m *model.ColumnMapping) {
	r.mu.Lock()
	r.memo[hash] = m
	r.seen[hash] = true
	r.mu.Unlock()
}
