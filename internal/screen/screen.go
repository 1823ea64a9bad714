// Package screen 提供决策闸门的初筛置信度来源。
package screen

import (
	"context"
	"fmt"
	"strings"

	"zkpredator/internal/config"
	"zkpredator/internal/decision"
	"zkpredator/internal/logger"
)

// Static 总是返回固定置信度。
type Static float64

func (s Static) Screen(ctx context.Context, subject string) (float64, error) {
	return clamp01(float64(s)), nil
}

// NewFromConfig 按 screen.source 选择初筛器。
func NewFromConfig(cfg config.ScreenConfig) (decision.Screener, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "static":
		return Static(cfg.Static), nil
	case "fear_greed":
		logger.Infof("初筛来源: alternative.me Fear & Greed")
		return NewFearGreed(""), nil
	case "binance":
		logger.Infof("初筛来源: Binance RSI(%d) interval=%s", cfg.RSIPeriod, cfg.Interval)
		return NewRSI(NewFuturesCloses(cfg.RESTBaseURL, 0), cfg.Interval, cfg.RSIPeriod), nil
	default:
		return nil, fmt.Errorf("unsupported screen source: %s", cfg.Source)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
