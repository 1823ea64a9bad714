package bite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/logger"
	"zkpredator/internal/types"

	"github.com/google/cel-go/cel"
)

// Release 结果状态
const (
	ReleaseExecuted = "EXECUTED"
	ReleasePending  = "PENDING_CONDITION"
)

// Release 是一次释放尝试的结果。
type Release struct {
	ReferenceID string             `json:"bite_tx_id"`
	Status      string             `json:"status"`
	Condition   string             `json:"condition"`
	Observed    map[string]float64 `json:"observed"`
	Intent      *types.Intent      `json:"decrypted_intent,omitempty"`
}

// Releaser 用 CEL 评估释放条件（如 "CONFIDENCE > 0.8"），满足时释放明文意图。
type Releaser struct {
	vault   Vault
	metrics []string
	env     *cel.Env
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewReleaser(vault Vault, metrics []string) (*Releaser, error) {
	if vault == nil {
		return nil, fmt.Errorf("releaser 需要 vault")
	}
	names := normalizeMetrics(metrics)
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Releaser{
		vault:   vault,
		metrics: names,
		env:     env,
		now:     time.Now,
		cache:   make(map[string]cel.Program),
	}, nil
}

// Metrics 返回条件中可用的指标名。
func (r *Releaser) Metrics() []string {
	return append([]string(nil), r.metrics...)
}

// Validate 检查条件能否编译为布尔表达式。
func (r *Releaser) Validate(condition string) error {
	_, err := r.program(condition)
	return err
}

// TryRelease 按当前指标评估条件。缺失的指标按 0 处理。
func (r *Releaser) TryRelease(ctx context.Context, ref string, observed map[string]float64) (Release, error) {
	sealed, err := r.vault.Get(ctx, ref)
	if err != nil {
		return Release{}, err
	}
	vars := make(map[string]any, len(r.metrics))
	seen := make(map[string]float64, len(r.metrics))
	for _, name := range r.metrics {
		v := observed[name]
		vars[name] = v
		seen[name] = v
	}
	out := Release{ReferenceID: sealed.ReferenceID, Condition: sealed.Condition, Observed: seen}
	if sealed.Status == types.SealStatusReleased {
		intent := sealed.Intent
		out.Status = ReleaseExecuted
		out.Intent = &intent
		return out, nil
	}

	met, err := r.eval(sealed.Condition, vars)
	if err != nil {
		return Release{}, err
	}
	if !met {
		logger.Infof("BITE: Condition NOT met (%s, observed=%v). Keeping %s encrypted.", sealed.Condition, seen, ref)
		out.Status = ReleasePending
		return out, nil
	}
	if err := r.vault.MarkReleased(ctx, sealed.ReferenceID, r.now().UTC()); err != nil {
		return Release{}, err
	}
	logger.Infof("🔓 BITE: Condition met (%s, observed=%v). Decrypting %s.", sealed.Condition, seen, ref)
	intent := sealed.Intent
	out.Status = ReleaseExecuted
	out.Intent = &intent
	return out, nil
}

func (r *Releaser) eval(condition string, vars map[string]any) (bool, error) {
	prg, err := r.program(condition)
	if err != nil {
		return false, err
	}
	val, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	met, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool", condition)
	}
	return met, nil
}

func (r *Releaser) program(condition string) (cel.Program, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil, fmt.Errorf("empty release condition")
	}
	r.mu.RLock()
	prg, hit := r.cache[condition]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, hit = r.cache[condition]; hit {
		return prg, nil
	}
	ast, issues := r.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition %q must be boolean, got %s", condition, ast.OutputType())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	r.cache[condition] = prg
	return prg, nil
}

func normalizeMetrics(metrics []string) []string {
	set := make(map[string]struct{}, len(metrics)+1)
	for _, m := range metrics {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			set[m] = struct{}{}
		}
	}
	if len(set) == 0 {
		set["CONFIDENCE"] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
