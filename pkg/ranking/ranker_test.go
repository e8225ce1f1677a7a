package ranking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

type fakeFeedback struct {
	aggregates map[int64]*models.FeedbackAggregate
	matches    map[int64]int64
	err        error
	calls      int
}

func (f *fakeFeedback) FeedbackAggregates(_ context.Context, _ []int64, _ time.Duration) (map[int64]*models.FeedbackAggregate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.aggregates, nil
}

func (f *fakeFeedback) QueryHashMatches(_ context.Context, _ string, _ []int64) (map[int64]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func ago(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func newTestRanker(source FeedbackSource) *Ranker {
	return NewRanker(source, observability.NewNoopLogger(), nil)
}

func TestRanker_NoFeedbackPassesBaseScoresThrough(t *testing.T) {
	r := newTestRanker(&fakeFeedback{})

	in := []Candidate{{ServiceID: 1, Score: 0.9}, {ServiceID: 2, Score: 0.7}}
	out := r.Rerank(context.Background(), "hash", in)

	require.Len(t, out, 2)
	assert.Equal(t, in, out)
}

func TestRanker_SourceErrorDegradesToBaseOrder(t *testing.T) {
	r := newTestRanker(&fakeFeedback{err: fmt.Errorf("connection refused")})

	in := []Candidate{{ServiceID: 2, Score: 0.7}, {ServiceID: 1, Score: 0.9}}
	out := r.Rerank(context.Background(), "hash", in)

	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ServiceID)
	assert.Equal(t, 0.9, out[0].Score)
}

func TestRanker_QueryMatchLiftsService(t *testing.T) {
	// Service 2 trails on similarity but has been selected repeatedly
	// for this exact query.
	r := newTestRanker(&fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			2: {ServiceID: 2, Impressions: 100, Clicks: 80, LastInteraction: ago(time.Hour)},
		},
		matches: map[int64]int64{2: 10},
	})

	out := r.Rerank(context.Background(), "hash", []Candidate{
		{ServiceID: 1, Score: 0.80},
		{ServiceID: 2, Score: 0.70},
	})

	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].ServiceID)
	// Service 2 holds the max of every signal: feedback = 0.3+0.2+0.1+0.4 = 1.0.
	assert.InDelta(t, 0.7*0.70+0.3*1.0, out[0].Score, 1e-9)
	// Service 1 has no feedback at all.
	assert.InDelta(t, 0.7*0.80, out[1].Score, 1e-9)
}

func TestRanker_RecencyBuckets(t *testing.T) {
	r := newTestRanker(&fakeFeedback{})

	assert.Equal(t, 0.0, r.recencyBucket(nil))
	assert.Equal(t, 1.0, r.recencyBucket(ago(6*time.Hour)))
	assert.Equal(t, 0.8, r.recencyBucket(ago(3*24*time.Hour)))
	assert.Equal(t, 0.5, r.recencyBucket(ago(20*24*time.Hour)))
	assert.Equal(t, 0.2, r.recencyBucket(ago(90*24*time.Hour)))
}

func TestRanker_ScoresStayWithinBounds(t *testing.T) {
	r := newTestRanker(&fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			1: {ServiceID: 1, Impressions: 1000, Clicks: 1000, LastInteraction: ago(time.Minute)},
		},
		matches: map[int64]int64{1: 50},
	})

	out := r.Rerank(context.Background(), "hash", []Candidate{{ServiceID: 1, Score: 1.0}})
	require.Len(t, out, 1)
	assert.LessOrEqual(t, out[0].Score, 1.0)
	assert.GreaterOrEqual(t, out[0].Score, 0.0)
}

func TestRanker_ResortsDescending(t *testing.T) {
	r := newTestRanker(&fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			3: {ServiceID: 3, Impressions: 10, Clicks: 9, LastInteraction: ago(time.Hour)},
		},
		matches: map[int64]int64{3: 5},
	})

	out := r.Rerank(context.Background(), "hash", []Candidate{
		{ServiceID: 1, Score: 0.75},
		{ServiceID: 2, Score: 0.74},
		{ServiceID: 3, Score: 0.60},
	})

	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Score, out[i].Score)
	}
}

func TestRanker_CachesPerQueryAndCandidateSet(t *testing.T) {
	src := &fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			1: {ServiceID: 1, Impressions: 10, Clicks: 5, LastInteraction: ago(time.Hour)},
		},
	}
	r := newTestRanker(src)
	in := []Candidate{{ServiceID: 1, Score: 0.5}}

	r.Rerank(context.Background(), "hash", in)
	r.Rerank(context.Background(), "hash", in)
	assert.Equal(t, 1, src.calls)

	// A different candidate set misses the cache.
	r.Rerank(context.Background(), "hash", []Candidate{{ServiceID: 1, Score: 0.5}, {ServiceID: 2, Score: 0.4}})
	assert.Equal(t, 2, src.calls)
}

func TestRanker_InvalidateEvictsAffectedEntries(t *testing.T) {
	src := &fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			1: {ServiceID: 1, Impressions: 10, Clicks: 5, LastInteraction: ago(time.Hour)},
		},
	}
	r := newTestRanker(src)
	in := []Candidate{{ServiceID: 1, Score: 0.5}}

	r.Rerank(context.Background(), "hash", in)
	require.Equal(t, 1, src.calls)

	r.Invalidate(1)
	r.Rerank(context.Background(), "hash", in)
	assert.Equal(t, 2, src.calls)
}

func TestRanker_InvalidateEvictsEntriesCachedWithoutFeedback(t *testing.T) {
	// The cached entry for {1,2} predates any feedback, so the cached
	// score map is empty. Eviction must still find it by candidate set.
	src := &fakeFeedback{}
	r := newTestRanker(src)
	in := []Candidate{{ServiceID: 1, Score: 0.71}, {ServiceID: 2, Score: 0.70}}

	out := r.Rerank(context.Background(), "hash", in)
	require.Equal(t, int64(1), out[0].ServiceID)
	require.Equal(t, 1, src.calls)

	src.aggregates = map[int64]*models.FeedbackAggregate{
		2: {ServiceID: 2, Impressions: 20, Clicks: 20, LastInteraction: ago(time.Minute)},
	}
	src.matches = map[int64]int64{2: 20}
	r.Invalidate(2)

	out = r.Rerank(context.Background(), "hash", in)
	assert.Equal(t, 2, src.calls, "feedback source must be re-read after invalidation")
	assert.Equal(t, int64(2), out[0].ServiceID, "new feedback must lift service 2 to the top")
}

func TestRanker_ApplyPreservesInputOrder(t *testing.T) {
	r := newTestRanker(&fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			2: {ServiceID: 2, Impressions: 10, Clicks: 9, LastInteraction: ago(time.Hour)},
		},
		matches: map[int64]int64{2: 5},
	})

	out := r.Apply(context.Background(), "hash", []Candidate{
		{ServiceID: 1, Score: 0.60},
		{ServiceID: 2, Score: 0.90},
	})

	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ServiceID)
	assert.Equal(t, int64(2), out[1].ServiceID)
	assert.InDelta(t, 0.7*0.60, out[0].Score, 1e-9)
	assert.InDelta(t, 0.7*0.90+0.3*1.0, out[1].Score, 1e-9)
}

func TestRanker_InvalidateLeavesUnrelatedEntries(t *testing.T) {
	src := &fakeFeedback{
		aggregates: map[int64]*models.FeedbackAggregate{
			1: {ServiceID: 1, Impressions: 10, Clicks: 5, LastInteraction: ago(time.Hour)},
		},
	}
	r := newTestRanker(src)
	in := []Candidate{{ServiceID: 1, Score: 0.5}}

	r.Rerank(context.Background(), "hash", in)
	r.Invalidate(99)
	r.Rerank(context.Background(), "hash", in)
	assert.Equal(t, 1, src.calls)
}

func TestCacheKeyOrderInsensitive(t *testing.T) {
	assert.Equal(t, cacheKey("h", []int64{3, 1, 2}), cacheKey("h", []int64{1, 2, 3}))
	assert.NotEqual(t, cacheKey("h", []int64{1}), cacheKey("h", []int64{2}))
	assert.NotEqual(t, cacheKey("a", []int64{1}), cacheKey("b", []int64{1}))
}
