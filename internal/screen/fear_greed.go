package screen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/logger"

	"github.com/tidwall/gjson"
)

const (
	FearGreedEndpoint       = "https://api.alternative.me/fng/?limit=1"
	fearGreedErrorBackoff   = 2 * time.Minute
	fearGreedFallbackUpdate = 12 * time.Hour
)

// FearGreed 以 alternative.me 恐惧贪婪指数作为初筛置信度（value/100）。
// 结果按接口给出的 time_until_update 缓存；失败后退避一段时间再重试。
type FearGreed struct {
	endpoint string
	client   *http.Client
	now      func() time.Time

	mu         sync.RWMutex
	value      int
	label      string
	lastErr    error
	lastUpdate time.Time
	nextUpdate time.Time
	refreshMu  sync.Mutex
}

func NewFearGreed(endpoint string) *FearGreed {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = FearGreedEndpoint
	}
	return &FearGreed{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
}

func (f *FearGreed) Screen(ctx context.Context, subject string) (float64, error) {
	f.refreshIfStale(ctx)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastErr != nil {
		return 0, fmt.Errorf("fear & greed unavailable: %w", f.lastErr)
	}
	if f.lastUpdate.IsZero() {
		return 0, fmt.Errorf("fear & greed not loaded")
	}
	return float64(f.value) / 100, nil
}

// Label 返回最近一次的分类（如 "Greed"）。
func (f *FearGreed) Label() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.label
}

func (f *FearGreed) refreshIfStale(ctx context.Context) {
	now := f.now()
	if !f.stale(now) {
		return
	}
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	if !f.stale(now) {
		return
	}
	value, label, until, err := f.fetch(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = now
	if err != nil {
		logger.Warnf("Fear & Greed 刷新失败: %v", err)
		f.lastErr = err
		f.nextUpdate = now.Add(fearGreedErrorBackoff)
		return
	}
	f.value, f.label, f.lastErr = value, label, nil
	if until <= 0 {
		until = fearGreedFallbackUpdate
	}
	f.nextUpdate = now.Add(until)
}

func (f *FearGreed) stale(now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastUpdate.IsZero() || f.nextUpdate.IsZero() || !now.Before(f.nextUpdate)
}

func (f *FearGreed) fetch(ctx context.Context) (int, string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return 0, "", 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", 0, err
	}
	if e := gjson.GetBytes(raw, "metadata.error"); e.Exists() && e.Type != gjson.Null {
		return 0, "", 0, fmt.Errorf("api error: %s", e.String())
	}
	latest := gjson.GetBytes(raw, "data.0")
	if !latest.Exists() {
		return 0, "", 0, fmt.Errorf("api data empty")
	}
	value, err := strconv.Atoi(strings.TrimSpace(latest.Get("value").String()))
	if err != nil || value < 0 || value > 100 {
		return 0, "", 0, fmt.Errorf("api value invalid: %q", latest.Get("value").String())
	}
	var until time.Duration
	if secs, err := strconv.ParseInt(strings.TrimSpace(latest.Get("time_until_update").String()), 10, 64); err == nil && secs > 0 {
		until = time.Duration(secs) * time.Second
	}
	return value, strings.TrimSpace(latest.Get("value_classification").String()), until, nil
}
