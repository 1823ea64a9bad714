package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockBackend 模拟链上转账：固定余额，人为延迟，生成伪交易哈希。
type MockBackend struct {
	address string
	balance decimal.Decimal
	latency time.Duration
}

func NewMockBackend(address string, balance decimal.Decimal, latency time.Duration) *MockBackend {
	if strings.TrimSpace(address) == "" {
		address = "0xMockAddress123456789"
	}
	return &MockBackend{address: address, balance: balance, latency: latency}
}

func (m *MockBackend) Address() string {
	return m.address
}

func (m *MockBackend) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return m.balance, nil
}

func (m *MockBackend) Transfer(ctx context.Context, req Request) (string, error) {
	if req.Amount.GreaterThan(m.balance) {
		return "", fmt.Errorf("insufficient %s balance: have %s need %s", req.Asset, m.balance, req.Amount)
	}
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "0xMockTx" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}
