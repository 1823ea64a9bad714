// Package consensus 并行采集多个付费分析师的评分，并按权重合成共识分。
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"zkpredator/internal/logger"
	"zkpredator/internal/x402"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "zkpredator/consensus"

const (
	DefaultTimeout = 20 * time.Second
	DefaultNeutral = 0.5

	weightTolerance = 1e-9
)

// Fetcher 取得单个资源的报告，x402.Client 实现了它。
type Fetcher interface {
	Fetch(ctx context.Context, resource, justification string) (x402.Report, error)
}

// Weights 是资源名到权重的映射。
type Weights map[string]float64

// Validate 要求权重非负且合计为 1。
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("consensus weights 不能为空")
	}
	sum := 0.0
	for name, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("consensus weight %s=%v 非法", name, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("consensus weights 合计必须为 1，当前 %.6f", sum)
	}
	return nil
}

// Outcome 是单个资源在本轮的结果。Degraded 表示使用了中性分。
type Outcome struct {
	Resource string        `json:"resource"`
	Score    float64       `json:"score"`
	Weight   float64       `json:"weight"`
	Degraded bool          `json:"degraded"`
	Error    string        `json:"error,omitempty"`
	Report   *x402.Report  `json:"report,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns"`

	Err error `json:"-"`
}

// Result 每轮重新计算，不缓存。
type Result struct {
	Outcomes      []Outcome `json:"outcomes"`
	WeightedScore float64   `json:"weighted_score"`
}

// Scores 返回资源名到评分的映射。
func (r Result) Scores() map[string]float64 {
	out := make(map[string]float64, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out[o.Resource] = o.Score
	}
	return out
}

// DegradedCount 返回使用中性分的资源数。
func (r Result) DegradedCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Degraded {
			n++
		}
	}
	return n
}

type Aggregator struct {
	Fetcher Fetcher
	Weights Weights
	Timeout time.Duration
	Neutral float64
	// Tracer 为空时使用全局 TracerProvider。
	Tracer trace.Tracer
}

func (a *Aggregator) tracer() trace.Tracer {
	if a.Tracer != nil {
		return a.Tracer
	}
	return otel.Tracer(tracerName)
}

func NewAggregator(fetcher Fetcher, weights Weights, timeout time.Duration, neutral float64) (*Aggregator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("consensus fetcher 不能为空")
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if neutral < 0 || neutral > 1 {
		return nil, fmt.Errorf("neutral score 必须位于 [0,1]，当前 %.4f", neutral)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{Fetcher: fetcher, Weights: weights, Timeout: timeout, Neutral: neutral}, nil
}

// Gather 对每个资源并发取数，每个资源都有独立的超时。结果与 resources 一一对应。
func (a *Aggregator) Gather(ctx context.Context, resources []string, justification string) Result {
	ctx, span := a.tracer().Start(ctx, "consensus.gather",
		trace.WithAttributes(attribute.StringSlice("consensus.resources", resources)))
	defer span.End()

	outcomes := make([]Outcome, len(resources))
	var eg errgroup.Group
	for i, name := range resources {
		i, name := i, strings.ToLower(strings.TrimSpace(name))
		eg.Go(func() error {
			outcomes[i] = a.fetchOne(ctx, name, justification)
			return nil
		})
	}
	_ = eg.Wait()

	scores := make(map[string]float64, len(outcomes))
	for i := range outcomes {
		outcomes[i].Weight = a.Weights[outcomes[i].Resource]
		scores[outcomes[i].Resource] = outcomes[i].Score
	}
	res := Result{Outcomes: outcomes, WeightedScore: WeightedScore(scores, a.Weights)}
	span.SetAttributes(
		attribute.Float64("consensus.weighted_score", res.WeightedScore),
		attribute.Int("consensus.degraded", res.DegradedCount()),
	)
	logger.Infof("📊 Consensus weighted=%.4f degraded=%d/%d", res.WeightedScore, res.DegradedCount(), len(outcomes))
	return res
}

type fetchResult struct {
	report x402.Report
	err    error
}

func (a *Aggregator) fetchOne(parent context.Context, resource, justification string) Outcome {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, span := a.tracer().Start(parent, "consensus.fetch",
		trace.WithAttributes(attribute.String("consensus.resource", resource)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		report, err := a.Fetcher.Fetch(ctx, resource, justification)
		done <- fetchResult{report: report, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = fetchResult{err: fmt.Errorf("%s timed out after %s: %w", resource, timeout, ctx.Err())}
	}
	out := Outcome{Resource: resource, Elapsed: time.Since(start)}
	if res.err != nil {
		logger.Warnf("analyst %s degraded to neutral %.2f: %v", resource, a.Neutral, res.err)
		out.Score = a.Neutral
		out.Degraded = true
		out.Err = res.err
		out.Error = res.err.Error()
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "degraded")
		span.SetAttributes(attribute.Bool("consensus.degraded", true))
		return out
	}
	report := res.report
	span.SetAttributes(attribute.Float64("consensus.score", report.Score))
	out.Score = report.Score
	out.Report = &report
	return out
}

// WeightedScore 计算 Σ wᵢ·sᵢ 并截断到 [0,1]。缺少评分的资源不计入，也不重新归一化。
func WeightedScore(scores map[string]float64, weights Weights) float64 {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	// 固定求和顺序，保证浮点结果确定
	sort.Strings(names)
	total := 0.0
	for _, name := range names {
		s, ok := scores[name]
		if !ok || math.IsNaN(s) {
			continue
		}
		total += weights[name] * s
	}
	return math.Max(0, math.Min(1, total))
}
