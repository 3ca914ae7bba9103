package toolsurface

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/intruder1912/mcp-loxone-sub001/internal/coalesce"
	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// ResourceResult is a handler's raw output before envelope shaping.
type ResourceResult struct {
	Data          any
	TotalCount    *int
	ReturnedCount *int
}

// ResourceHandler serves one loxone:// resource category. params holds the
// values bound to {placeholder} path segments, in pattern order.
type ResourceHandler func(ctx context.Context, params []string, query url.Values) (ResourceResult, error)

// ResourceEnvelope is the response shape every resource read returns
// (SPEC_FULL.md §6.2 "Response envelope").
type ResourceEnvelope struct {
	URI       string         `json:"uri"`
	Timestamp string         `json:"timestamp"`
	Data      any            `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

type resourceEntry struct {
	segments []string // literal segments, "" marks a {placeholder}
	ttl      time.Duration
	handler  ResourceHandler
}

// ResourceRouter matches loxone://<category>[/<subcat>][/<param>][?query]
// URIs against registered patterns, coalescing concurrent reads and caching
// results per-resource for the category's TTL (SPEC_FULL.md §6.2).
type ResourceRouter struct {
	entries   []resourceEntry
	coalescer *coalesce.Coalescer
	cache     *expirable.LRU[string, ResourceEnvelope]

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// CacheStats returns cumulative cache hit/miss counts, for engine-level
// coalescing metrics (SPEC_FULL.md §10).
func (r *ResourceRouter) CacheStats() (hits, misses uint64) {
	return r.cacheHits.Load(), r.cacheMisses.Load()
}

// NewResourceRouter builds a router with a shared bounded cache; individual
// entries carry their own TTL, enforced by re-fetching once a cached
// envelope is older than its resource's TTL (the LRU's own eviction uses the
// router's maxTTL as an outer bound).
func NewResourceRouter(coalescer *coalesce.Coalescer, maxTTL time.Duration, cacheSize int) *ResourceRouter {
	return &ResourceRouter{
		coalescer: coalescer,
		cache:     expirable.NewLRU[string, ResourceEnvelope](cacheSize, nil, maxTTL),
	}
}

// Register wires pattern (e.g. "rooms/{name}/devices") to handler with the
// category's cache TTL.
func (r *ResourceRouter) Register(pattern string, ttl time.Duration, handler ResourceHandler) {
	r.entries = append(r.entries, resourceEntry{segments: strings.Split(pattern, "/"), ttl: ttl, handler: handler})
}

// Read parses rawURI, routes it to the matching handler (through the
// coalescer, with a per-URI TTL cache), and shapes the envelope.
func (r *ResourceRouter) Read(ctx context.Context, rawURI string, now time.Time) (ResourceEnvelope, error) {
	parsed, err := url.Parse(rawURI)
	if err != nil || parsed.Scheme != "loxone" {
		return ResourceEnvelope{}, loxerr.New(loxerr.KindInvalidInput, "invalid resource URI: "+rawURI)
	}
	path := strings.Trim(parsed.Host+parsed.Path, "/")
	segments := strings.Split(path, "/")

	entry, params, ok := r.match(segments)
	if !ok {
		return ResourceEnvelope{}, loxerr.New(loxerr.KindNotFound, "no resource matches: "+rawURI)
	}

	if cached, ok := r.cache.Get(rawURI); ok {
		if at, err := time.Parse(time.RFC3339, cached.Timestamp); err == nil && now.Sub(at) < entry.ttl {
			r.cacheHits.Add(1)
			return cached, nil
		}
	}
	r.cacheMisses.Add(1)

	key := model.NewCoalescingKey("resource:"+rawURI, parsed.RawQuery)
	v, err := r.coalescer.Read(ctx, key, func(ctx context.Context) (any, error) {
		return entry.handler(ctx, params, parsed.Query())
	})
	if err != nil {
		return ResourceEnvelope{}, err
	}
	result := v.(ResourceResult)

	metadata := map[string]any{"cache_ttl": int(entry.ttl.Seconds())}
	if result.TotalCount != nil {
		metadata["total_count"] = *result.TotalCount
	}
	if result.ReturnedCount != nil {
		metadata["returned_count"] = *result.ReturnedCount
	}

	envelope := ResourceEnvelope{
		URI:       rawURI,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      result.Data,
		Metadata:  metadata,
	}
	if entry.ttl > 0 {
		r.cache.Add(rawURI, envelope)
	}
	return envelope, nil
}

func (r *ResourceRouter) match(segments []string) (resourceEntry, []string, bool) {
	for _, entry := range r.entries {
		if len(entry.segments) != len(segments) {
			continue
		}
		var params []string
		matched := true
		for i, seg := range entry.segments {
			if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
				params = append(params, segments[i])
				continue
			}
			if seg != segments[i] {
				matched = false
				break
			}
		}
		if matched {
			return entry, params, true
		}
	}
	return resourceEntry{}, nil, false
}
