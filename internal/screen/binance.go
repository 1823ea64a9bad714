package screen

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zkpredator/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/markcheno/go-talib"
)

// CloseSource 提供收盘价序列（按时间升序）。
type CloseSource interface {
	Closes(ctx context.Context, sym, interval string, limit int) ([]float64, error)
}

// FuturesCloses 从 Binance U 本位合约 REST 拉取 K 线。
type FuturesCloses struct {
	client *futures.Client
}

func NewFuturesCloses(restBaseURL string, timeout time.Duration) *FuturesCloses {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(restBaseURL); base != "" {
		client.BaseURL = base
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &FuturesCloses{client: client}
}

func (s *FuturesCloses) Closes(ctx context.Context, sym, interval string, limit int) ([]float64, error) {
	kls, err := s.client.NewKlinesService().Symbol(symbol.ToBinance(sym)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		v, err := strconv.ParseFloat(kl.Close, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// RSI 以最新 RSI(period)/100 作为初筛置信度。
type RSI struct {
	source   CloseSource
	interval string
	period   int
}

func NewRSI(source CloseSource, interval string, period int) *RSI {
	if period <= 1 {
		period = 14
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		interval = "1h"
	}
	return &RSI{source: source, interval: interval, period: period}
}

func (r *RSI) Screen(ctx context.Context, subject string) (float64, error) {
	if strings.TrimSpace(subject) == "" {
		return 0, fmt.Errorf("rsi: symbol is required")
	}
	// 多取一些 K 线让 Wilder 平滑收敛
	closes, err := r.source.Closes(ctx, subject, r.interval, r.period*5)
	if err != nil {
		return 0, fmt.Errorf("rsi: fetch %s %s: %w", subject, r.interval, err)
	}
	if len(closes) < r.period+1 {
		return 0, fmt.Errorf("rsi: insufficient candles %s need %d got %d", r.interval, r.period+1, len(closes))
	}
	series := talib.Rsi(closes, r.period)
	if len(series) == 0 {
		return 0, fmt.Errorf("rsi: talib output empty for %s", r.interval)
	}
	return clamp01(series[len(series)-1] / 100), nil
}
