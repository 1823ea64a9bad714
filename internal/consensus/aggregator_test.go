package consensus

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"zkpredator/internal/x402"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	scores map[string]float64
	errs   map[string]error
	block  map[string]bool
	calls  int32
}

func (s *stubFetcher) Fetch(ctx context.Context, resource, justification string) (x402.Report, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.block[resource] {
		// 忽略 ctx 的慢资源，聚合器仍需按时返回
		time.Sleep(2 * time.Second)
	}
	if err := s.errs[resource]; err != nil {
		return x402.Report{}, err
	}
	return x402.Report{Resource: resource, Score: s.scores[resource]}, nil
}

func defaultWeights() Weights {
	return Weights{"technical": 0.3, "sentiment": 0.2, "onchain": 0.5}
}

func TestGather_WeightedConsensus(t *testing.T) {
	f := &stubFetcher{scores: map[string]float64{"technical": 0.85, "sentiment": 0.60, "onchain": 0.92}}
	agg, err := NewAggregator(f, defaultWeights(), time.Second, DefaultNeutral)
	require.NoError(t, err)

	res := agg.Gather(context.Background(), []string{"technical", "sentiment", "onchain"}, "test")
	assert.InDelta(t, 0.835, res.WeightedScore, 1e-9)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, "technical", res.Outcomes[0].Resource)
	assert.Equal(t, 0.3, res.Outcomes[0].Weight)
	assert.Zero(t, res.DegradedCount())
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.calls))
}

func TestGather_FailureDegradesToNeutral(t *testing.T) {
	f := &stubFetcher{
		scores: map[string]float64{"technical": 0.85, "sentiment": 0.60},
		errs:   map[string]error{"onchain": &x402.Error{Resource: "onchain", Stage: x402.StageNegotiate, Err: x402.ErrBudgetExceeded}},
	}
	agg, err := NewAggregator(f, defaultWeights(), time.Second, DefaultNeutral)
	require.NoError(t, err)

	res := agg.Gather(context.Background(), []string{"technical", "sentiment", "onchain"}, "test")
	onchain := res.Outcomes[2]
	assert.True(t, onchain.Degraded)
	assert.Equal(t, 0.5, onchain.Score)
	assert.True(t, errors.Is(onchain.Err, x402.ErrBudgetExceeded))
	assert.NotEmpty(t, onchain.Error)
	// 0.3*0.85 + 0.2*0.60 + 0.5*0.5
	assert.InDelta(t, 0.625, res.WeightedScore, 1e-9)
}

func TestGather_TimeoutIsBounded(t *testing.T) {
	f := &stubFetcher{
		scores: map[string]float64{"technical": 0.85, "sentiment": 0.60},
		block:  map[string]bool{"onchain": true},
	}
	agg, err := NewAggregator(f, defaultWeights(), 50*time.Millisecond, DefaultNeutral)
	require.NoError(t, err)

	start := time.Now()
	res := agg.Gather(context.Background(), []string{"technical", "sentiment", "onchain"}, "test")
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Outcomes[2].Degraded)
	assert.ErrorIs(t, res.Outcomes[2].Err, context.DeadlineExceeded)
}

func TestWeightedScore_AlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := defaultWeights()
	for i := 0; i < 500; i++ {
		scores := map[string]float64{
			"technical": rng.Float64(),
			"sentiment": rng.Float64(),
			"onchain":   rng.Float64(),
		}
		v := WeightedScore(scores, w)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	assert.InDelta(t, 1.0, WeightedScore(map[string]float64{"technical": 1, "sentiment": 1, "onchain": 1}, w), 1e-9)
	assert.Equal(t, 1.0, WeightedScore(map[string]float64{"technical": 3}, Weights{"technical": 1}))
}

func TestWeights_Validate(t *testing.T) {
	assert.NoError(t, defaultWeights().Validate())
	assert.Error(t, Weights{}.Validate())
	assert.Error(t, Weights{"a": 0.5, "b": 0.4}.Validate())
	assert.Error(t, Weights{"a": 1.5, "b": -0.5}.Validate())

	_, err := NewAggregator(&stubFetcher{}, Weights{"a": 0.9}, time.Second, 0.5)
	assert.Error(t, err)
}
