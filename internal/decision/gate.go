// Package decision 实现决策闸门：初筛、付费共识、阈值判断，最终给出 HOLD 或加密执行提案。
package decision

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"zkpredator/internal/bite"
	"zkpredator/internal/consensus"
	"zkpredator/internal/events"
	"zkpredator/internal/logger"
	"zkpredator/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateScreen    State = "SCREEN"
	StateConsensus State = "CONSENSUS"
	StateThreshold State = "THRESHOLD"
	StateProposed  State = "PROPOSED"
	StateHold      State = "HOLD"
)

const (
	ActionHold    = "HOLD"
	ActionPropose = "PROPOSE_ENCRYPTED_EXECUTION"
)

// Screener 给出初筛置信度。
type Screener interface {
	Screen(ctx context.Context, subject string) (float64, error)
}

// ScreenFunc 让普通函数满足 Screener。
type ScreenFunc func(ctx context.Context, subject string) (float64, error)

func (f ScreenFunc) Screen(ctx context.Context, subject string) (float64, error) {
	return f(ctx, subject)
}

// Gatherer 是共识聚合能力，consensus.Aggregator 实现了它。
type Gatherer interface {
	Gather(ctx context.Context, resources []string, justification string) consensus.Result
}

type Notifier interface {
	SendText(text string) error
}

// RoundRecorder 持久化每一轮的结果。
type RoundRecorder interface {
	SaveRound(ctx context.Context, o Outcome) error
}

// Policy 是闸门的策略常量。
type Policy struct {
	LowerBound       float64
	UpperBound       float64
	ExecuteThreshold float64
	ScreenFallback   float64
	ReleaseCondition string
	Action           string
	Size             decimal.Decimal
	Justification    string
}

// DefaultPolicy 初筛区间 [0.4, 0.9)，共识 > 0.75 时提案。
func DefaultPolicy() Policy {
	return Policy{
		LowerBound:       0.4,
		UpperBound:       0.9,
		ExecuteThreshold: 0.75,
		ScreenFallback:   0.5,
		ReleaseCondition: "CONFIDENCE > 0.8",
		Action:           "BUY",
		Size:             decimal.NewFromInt(1000),
		Justification:    "Building Consensus for BITE Execution",
	}
}

func (p Policy) validate() error {
	if p.LowerBound < 0 || p.UpperBound > 1 || p.LowerBound >= p.UpperBound {
		return fmt.Errorf("screen band 必须满足 0 <= lower < upper <= 1，当前 [%.2f, %.2f)", p.LowerBound, p.UpperBound)
	}
	if p.ExecuteThreshold < 0 || p.ExecuteThreshold > 1 {
		return fmt.Errorf("execute threshold 必须位于 [0,1]")
	}
	if p.ScreenFallback < 0 || p.ScreenFallback > 1 {
		return fmt.Errorf("screen fallback 必须位于 [0,1]")
	}
	if !p.Size.IsPositive() {
		return fmt.Errorf("intent size 必须 > 0")
	}
	if strings.TrimSpace(p.ReleaseCondition) == "" {
		return fmt.Errorf("release condition 不能为空")
	}
	return nil
}

// Outcome 是一轮决策的完整记录。
type Outcome struct {
	TraceID               string              `json:"trace_id"`
	Subject               string              `json:"subject"`
	State                 State               `json:"state"`
	Action                string              `json:"action"`
	PreliminaryConfidence float64             `json:"preliminary_confidence"`
	ScreenError           string              `json:"screen_error,omitempty"`
	Consensus             *consensus.Result   `json:"consensus,omitempty"`
	WeightedScore         float64             `json:"weighted_score"`
	Intent                *types.Intent       `json:"-"`
	Sealed                *types.SealedIntent `json:"bite_tx,omitempty"`
	Note                  string              `json:"note"`
	StartedAt             time.Time           `json:"started_at"`
	FinishedAt            time.Time           `json:"finished_at"`
}

type Deps struct {
	Screener  Screener
	Consensus Gatherer
	Encryptor bite.Encryptor
	Notifier  Notifier
	Recorder  RoundRecorder
	Events    events.Publisher
	Policy    Policy
	Resources []string
}

// Gate 每次 Run 执行一轮；轮内顺序推进，资源采集在共识阶段并发。
type Gate struct {
	screener  Screener
	consensus Gatherer
	encryptor bite.Encryptor
	notifier  Notifier
	recorder  RoundRecorder
	events    events.Publisher
	policy    Policy
	resources []string

	now   func() time.Time
	newID func() string
}

func NewGate(d Deps) (*Gate, error) {
	if d.Screener == nil || d.Consensus == nil || d.Encryptor == nil {
		return nil, fmt.Errorf("decision gate 需要 screener/consensus/encryptor")
	}
	if len(d.Resources) == 0 {
		return nil, fmt.Errorf("decision gate 至少需要一个付费资源")
	}
	if err := d.Policy.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.Policy.Action) == "" {
		d.Policy.Action = "BUY"
	}
	return &Gate{
		screener:  d.Screener,
		consensus: d.Consensus,
		encryptor: d.Encryptor,
		notifier:  d.Notifier,
		recorder:  d.Recorder,
		events:    events.OrNop(d.Events),
		policy:    d.Policy,
		resources: append([]string(nil), d.Resources...),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Policy 返回当前策略。
func (g *Gate) Policy() Policy {
	return g.policy
}

func (g *Gate) Resources() []string {
	return append([]string(nil), g.resources...)
}

type runOptions struct {
	screener Screener
}

type RunOption func(*runOptions)

// WithScreener 本轮使用指定的初筛器（例如演示模式的固定置信度）。
func WithScreener(s Screener) RunOption {
	return func(o *runOptions) { o.screener = s }
}

// Run 执行一轮 SCREEN → CONSENSUS → THRESHOLD。仅当加密失败时返回 error，此时结果为 HOLD。
func (g *Gate) Run(ctx context.Context, subject string, opts ...RunOption) (Outcome, error) {
	ro := runOptions{screener: g.screener}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	traceID := g.newID()
	ctx, span := otel.Tracer("zkpredator/decision").Start(ctx, "decision.round",
		trace.WithAttributes(attribute.String("round.trace_id", traceID), attribute.String("round.subject", subject)))
	defer span.End()
	out := Outcome{
		TraceID:   traceID,
		Subject:   strings.TrimSpace(subject),
		State:     StateScreen,
		StartedAt: g.now().UTC(),
	}
	p := g.policy
	g.status(out, "Scanning Market...")

	confidence, err := ro.screener.Screen(ctx, out.Subject)
	if err != nil {
		logger.Warnf("初筛失败 subject=%s err=%v，使用回退置信度 %.2f", out.Subject, err, p.ScreenFallback)
		confidence = p.ScreenFallback
		out.ScreenError = err.Error()
	}
	out.PreliminaryConfidence = confidence
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		// 非有限值不在任何区间内，直接 HOLD；置零以保证 Outcome 可序列化
		out.ScreenError = fmt.Sprintf("non-finite preliminary confidence %v", confidence)
		out.PreliminaryConfidence = 0
	}
	if !(confidence >= p.LowerBound && confidence < p.UpperBound) {
		out.Note = fmt.Sprintf("Preliminary confidence %.2f outside [%.2f, %.2f); no paid research.", confidence, p.LowerBound, p.UpperBound)
		return g.finish(ctx, out, StateHold, ActionHold), nil
	}

	logger.Infof("🎯 Target acquired subject=%s conf=%.2f. Deploying analyst network...", out.Subject, confidence)
	out.State = StateConsensus
	g.status(out, "Deploying analyst network...")
	res := g.consensus.Gather(ctx, g.resources, p.Justification)
	out.Consensus = &res
	out.WeightedScore = res.WeightedScore

	out.State = StateThreshold
	if res.WeightedScore <= p.ExecuteThreshold {
		out.Note = fmt.Sprintf("Consensus %.2f too low to execute.", res.WeightedScore)
		return g.finish(ctx, out, StateHold, ActionHold), nil
	}

	intent := types.Intent{
		ID:               out.TraceID,
		Action:           p.Action,
		Subject:          out.Subject,
		Size:             p.Size,
		Rationale:        fmt.Sprintf("Consensus %.2f > %.2f. %s", res.WeightedScore, p.ExecuteThreshold, strongest(res)),
		ReleaseCondition: p.ReleaseCondition,
		CreatedAt:        g.now().UTC(),
	}
	out.Intent = &intent
	sealed, err := g.encryptor.Encrypt(ctx, intent)
	if err != nil {
		out.Note = fmt.Sprintf("Consensus %.2f passed but encryption failed: %v", res.WeightedScore, err)
		return g.finish(ctx, out, StateHold, ActionHold), fmt.Errorf("encrypt intent: %w", err)
	}
	out.Sealed = &sealed
	out.Note = fmt.Sprintf("Strategy Encrypted with BITE v2. TxID: %s", sealed.ReferenceID)
	out = g.finish(ctx, out, StateProposed, ActionPropose)
	g.notify(out)
	return out, nil
}

func (g *Gate) finish(ctx context.Context, out Outcome, state State, action string) Outcome {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("round.state", string(state)),
		attribute.Float64("round.weighted_score", out.WeightedScore),
	)
	out.State = state
	out.Action = action
	out.FinishedAt = g.now().UTC()
	logger.With("trace_id", out.TraceID).Info("round finished",
		"subject", out.Subject, "state", out.State, "action", out.Action,
		"score", out.WeightedScore, "note", out.Note)
	if g.recorder != nil {
		if err := g.recorder.SaveRound(context.WithoutCancel(ctx), out); err != nil {
			logger.Warnf("round %s 持久化失败: %v", out.TraceID, err)
		}
	}
	g.status(out, "Workflow Complete")
	return out
}

func (g *Gate) status(out Outcome, msg string) {
	g.events.Publish(events.TypeAgentStatus, map[string]any{
		"trace_id": out.TraceID,
		"subject":  out.Subject,
		"state":    out.State,
		"status":   msg,
	})
}

func (g *Gate) notify(out Outcome) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.SendText(RenderProposal(out)); err != nil {
		logger.Warnf("提案通知发送失败 round=%s: %v", out.TraceID, err)
	}
}

// strongest 返回贡献最高的非降级资源描述。
func strongest(res consensus.Result) string {
	best := ""
	bestScore := -1.0
	for _, o := range res.Outcomes {
		if o.Degraded {
			continue
		}
		if o.Score > bestScore {
			best, bestScore = o.Resource, o.Score
		}
	}
	if best == "" {
		return "All analysts degraded."
	}
	return fmt.Sprintf("Strongest signal: %s %.2f.", best, bestScore)
}
