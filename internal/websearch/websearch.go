// Package websearch queries a set of free sources in parallel and
// synthesizes their results into one answer with a confidence score. Hits
// are cached on disk keyed by a hash of the normalized query; stale entries
// evict lazily on read.
package websearch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/store"
)

// userAgent identifies outbound requests. No cookies, no credentials.
const userAgent = "genesis-assistant/1.0 (+local research agent)"

// Result is one hit from one source.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source"`
}

// Answer is the synthesized output of one aggregated search.
type Answer struct {
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	ResultCount int     `json:"result_count"`
	SourceCount int     `json:"source_count"`
	Cached      bool    `json:"cached"`
}

// cacheEntry is the on-disk cache record.
type cacheEntry struct {
	Query      string    `json:"query"`
	Answer     Answer    `json:"answer"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Source is one searchable backend.
type Source interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// Config tunes the aggregator.
type Config struct {
	MaxWorkers       int
	OverallTimeout   time.Duration
	PerSourceTimeout time.Duration
	CacheTTL         time.Duration
	UseCache         bool
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:       3,
		OverallTimeout:   15 * time.Second,
		PerSourceTimeout: 10 * time.Second,
		CacheTTL:         15 * time.Minute,
		UseCache:         true,
	}
}

// Aggregator fans a query out to its sources and merges what comes back.
type Aggregator struct {
	cfg     *Config
	sources []Source
	store   *store.Store
	log     *logging.Logger
}

// New creates an Aggregator over the given sources. A nil sources slice
// gets the built-in set.
func New(cfg *Config, st *store.Store, sources ...Source) *Aggregator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(sources) == 0 {
		client := &http.Client{Timeout: cfg.PerSourceTimeout}
		sources = []Source{
			NewDuckDuckGoSource(client),
			NewWikipediaSource(client),
			NewArxivSource(client),
		}
	}
	return &Aggregator{
		cfg:     cfg,
		sources: sources,
		store:   st,
		log:     logging.Global().WithComponent("WebSearch"),
	}
}

// Search runs the query. The cache is consulted first; on a miss every
// source is queried concurrently and the merged answer is cached.
func (a *Aggregator) Search(ctx context.Context, query string) (*Answer, error) {
	key := cacheKey(query)

	if a.cfg.UseCache {
		if ans := a.readCache(key); ans != nil {
			a.log.Debug("cache hit for %q", query)
			ans.Cached = true
			return ans, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	var mu sync.Mutex
	bySource := make(map[string][]Result)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxWorkers)
	for _, src := range a.sources {
		src := src
		g.Go(func() error {
			sctx, scancel := context.WithTimeout(gctx, a.cfg.PerSourceTimeout)
			defer scancel()

			results, err := src.Search(sctx, query)
			if err != nil {
				// One source down is routine; the aggregate carries on.
				a.log.Warn("%s failed: %v", src.Name(), err)
				return nil
			}
			mu.Lock()
			bySource[src.Name()] = results
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	answer := synthesize(query, bySource)
	if answer == nil {
		return nil, fmt.Errorf("all search sources failed for %q", query)
	}

	if a.cfg.UseCache {
		a.writeCache(key, query, *answer)
	}
	return answer, nil
}

// synthesize dedupes by URL, groups by source, and scores confidence by
// result volume and source diversity.
func synthesize(query string, bySource map[string][]Result) *Answer {
	if len(bySource) == 0 {
		return nil
	}

	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	total := 0
	activeSources := 0
	var b strings.Builder
	fmt.Fprintf(&b, "Web results for %q:\n", query)

	for _, name := range names {
		results := bySource[name]
		var kept []Result
		for _, r := range results {
			if r.URL != "" && seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			continue
		}
		activeSources++
		total += len(kept)

		fmt.Fprintf(&b, "\n[%s]\n", name)
		for i, r := range kept {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "- %s", r.Title)
			if r.Snippet != "" {
				fmt.Fprintf(&b, ": %s", compactSnippet(r.Snippet))
			}
			b.WriteString("\n")
		}
	}

	confidence := minf(1, float64(total)/10) * minf(1, float64(activeSources)/3)
	return &Answer{
		Text:        strings.TrimRight(b.String(), "\n"),
		Confidence:  confidence,
		ResultCount: total,
		SourceCount: activeSources,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Cache
// ═══════════════════════════════════════════════════════════════════════════

// cacheKey hashes the normalized query.
func cacheKey(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func cachePath(key string) string {
	return "cache/search/" + key + ".json"
}

// readCache returns the cached answer, removing it when stale.
func (a *Aggregator) readCache(key string) *Answer {
	var entry cacheEntry
	found, err := a.store.Load(cachePath(key), &entry)
	if err != nil || !found {
		return nil
	}
	if time.Since(entry.InsertedAt) > a.cfg.CacheTTL {
		if err := a.store.Remove(cachePath(key)); err != nil {
			a.log.Warn("failed to evict stale cache entry: %v", err)
		}
		return nil
	}
	ans := entry.Answer
	return &ans
}

func (a *Aggregator) writeCache(key, query string, ans Answer) {
	entry := cacheEntry{Query: query, Answer: ans, InsertedAt: time.Now()}
	if err := a.store.Save(cachePath(key), entry); err != nil {
		a.log.Warn("failed to write cache entry: %v", err)
	}
}

func compactSnippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
