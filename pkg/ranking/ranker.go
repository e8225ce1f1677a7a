// Package ranking adjusts base similarity scores with accumulated user
// feedback so services that are actually selected rise over time.
package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// Signal weights. Query match dominates: a service picked before for
// this exact query is the strongest evidence we have.
const (
	weightCTR        = 0.3
	weightRecency    = 0.2
	weightPopularity = 0.1
	weightQueryMatch = 0.4

	baseWeight     = 0.7
	feedbackWeight = 0.3
)

// DefaultWindow bounds how far back feedback is aggregated.
const DefaultWindow = 30 * 24 * time.Hour

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

// FeedbackSource is the slice of the catalog the ranker reads.
type FeedbackSource interface {
	FeedbackAggregates(ctx context.Context, serviceIDs []int64, window time.Duration) (map[int64]*models.FeedbackAggregate, error)
	QueryHashMatches(ctx context.Context, queryHash string, serviceIDs []int64) (map[int64]int64, error)
}

// Candidate pairs a service with its similarity score.
type Candidate struct {
	ServiceID int64
	Score     float64
}

// Ranker blends feedback signals into base scores. Feedback scores are
// cached per (query hash, candidate set) for a short TTL since the
// underlying aggregates move slowly.
type Ranker struct {
	source  FeedbackSource
	cache   *expirable.LRU[string, map[int64]float64]
	window  time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// NewRanker creates a ranker over the given feedback source.
func NewRanker(source FeedbackSource, logger observability.Logger, metrics observability.MetricsClient) *Ranker {
	if logger == nil {
		logger = observability.NewLogger("ranking")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Ranker{
		source:  source,
		cache:   expirable.NewLRU[string, map[int64]float64](cacheSize, nil, cacheTTL),
		window:  DefaultWindow,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Apply blends feedback into each candidate's score, preserving input
// order. When no feedback exists for any candidate, or the feedback
// store is unreachable, base scores pass through unchanged.
func (r *Ranker) Apply(ctx context.Context, queryHash string, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	if len(out) == 0 {
		return out
	}

	ids := make([]int64, len(out))
	for i, c := range out {
		ids[i] = c.ServiceID
	}

	feedback, err := r.feedbackScores(ctx, queryHash, ids)
	if err != nil {
		// Ranking degrades to base similarity rather than failing the search.
		r.logger.Warn("Feedback lookup failed, using base scores", map[string]interface{}{
			"error": err.Error(),
		})
		r.metrics.IncrementCounter("ranking_feedback_errors", 1)
		return out
	}

	if len(feedback) > 0 {
		for i := range out {
			fb := feedback[out[i].ServiceID]
			out[i].Score = clip01(baseWeight*out[i].Score + feedbackWeight*fb)
		}
	}
	return out
}

// Rerank is Apply plus a descending resort.
func (r *Ranker) Rerank(ctx context.Context, queryHash string, candidates []Candidate) []Candidate {
	out := r.Apply(ctx, queryHash, candidates)
	sortCandidates(out)
	return out
}

// Invalidate evicts cached feedback scores whose candidate set includes
// any of the given services. The cache key encodes the full sorted id
// set, so entries are evicted even when the service had no feedback at
// the time the entry was cached. Called after feedback writes.
func (r *Ranker) Invalidate(serviceIDs ...int64) {
	affected := make(map[int64]struct{}, len(serviceIDs))
	for _, id := range serviceIDs {
		affected[id] = struct{}{}
	}
	for _, key := range r.cache.Keys() {
		if keyTouches(key, affected) {
			r.cache.Remove(key)
		}
	}
}

// keyTouches reports whether a cache key's id suffix contains any of
// the affected services.
func keyTouches(key string, affected map[int64]struct{}) bool {
	parts := strings.Split(key, ":")
	for _, part := range parts[1:] {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		if _, hit := affected[id]; hit {
			return true
		}
	}
	return false
}

func (r *Ranker) feedbackScores(ctx context.Context, queryHash string, ids []int64) (map[int64]float64, error) {
	key := cacheKey(queryHash, ids)
	if cached, ok := r.cache.Get(key); ok {
		r.metrics.IncrementCounter("ranking_cache_hits", 1)
		return cached, nil
	}

	aggregates, err := r.source.FeedbackAggregates(ctx, ids, r.window)
	if err != nil {
		return nil, err
	}
	matches, err := r.source.QueryHashMatches(ctx, queryHash, ids)
	if err != nil {
		return nil, err
	}
	if len(aggregates) == 0 && len(matches) == 0 {
		scores := map[int64]float64{}
		r.cache.Add(key, scores)
		return scores, nil
	}

	var maxCTR, maxPopularity, maxMatches float64
	ctrs := make(map[int64]float64, len(aggregates))
	for id, agg := range aggregates {
		if agg.Impressions > 0 {
			ctrs[id] = float64(agg.Clicks) / float64(agg.Impressions)
		}
		if ctrs[id] > maxCTR {
			maxCTR = ctrs[id]
		}
		if pop := math.Log1p(float64(agg.Impressions)); pop > maxPopularity {
			maxPopularity = pop
		}
	}
	for _, n := range matches {
		if f := float64(n); f > maxMatches {
			maxMatches = f
		}
	}

	scores := make(map[int64]float64, len(ids))
	for _, id := range ids {
		var ctr, recency, popularity, queryMatch float64
		if agg, ok := aggregates[id]; ok {
			if maxCTR > 0 {
				ctr = ctrs[id] / maxCTR
			}
			recency = r.recencyBucket(agg.LastInteraction)
			if maxPopularity > 0 {
				popularity = math.Log1p(float64(agg.Impressions)) / maxPopularity
			}
		}
		if maxMatches > 0 {
			queryMatch = float64(matches[id]) / maxMatches
		}

		score := weightCTR*ctr + weightRecency*recency + weightPopularity*popularity + weightQueryMatch*queryMatch
		if score > 0 {
			scores[id] = clip01(score)
		}
	}

	r.cache.Add(key, scores)
	return scores, nil
}

// recencyBucket maps the time since the last interaction onto a coarse
// freshness signal.
func (r *Ranker) recencyBucket(last *time.Time) float64 {
	if last == nil {
		return 0
	}
	age := r.now().Sub(*last)
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.8
	case age <= 30*24*time.Hour:
		return 0.5
	default:
		return 0.2
	}
}

func cacheKey(queryHash string, ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	b.WriteString(queryHash)
	for _, id := range sorted {
		fmt.Fprintf(&b, ":%d", id)
	}
	return b.String()
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Score > cs[j].Score })
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
