package payment

import (
	"fmt"
	"strings"
	"time"

	"zkpredator/internal/config"
	"zkpredator/internal/logger"

	"github.com/shopspring/decimal"
)

// NewFromConfig 按 payment.mode 构造支付服务。wallet 模式凭据不全时降级为 mock。
func NewFromConfig(cfg config.PaymentConfig, opts ...Option) (*Service, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == ModeWallet {
		if !cfg.WalletConfigured() {
			logger.Warnf("⚠️ wallet 凭据不完整，支付降级为 MOCK 模式")
			mode = ModeMock
		} else {
			backend, err := NewWalletBackend(WalletConfig{
				GatewayURL:       cfg.GatewayURL,
				APIKeyName:       cfg.APIKeyName,
				APIKeySecret:     cfg.APIKeySecret,
				Address:          cfg.MockAddress,
				Network:          cfg.Network,
				Timeout:          time.Duration(cfg.TimeoutSeconds) * time.Second,
				RatePerSecond:    cfg.RatePerSecond,
				BreakerThreshold: cfg.BreakerThreshold,
				BreakerCooldown:  time.Duration(cfg.BreakerCooldown) * time.Second,
			})
			if err != nil {
				return nil, err
			}
			logger.Infof("✅ 钱包网关已连接 gateway=%s network=%s", cfg.GatewayURL, cfg.Network)
			return NewService(ModeWallet, backend, opts...), nil
		}
	}
	if mode != ModeMock {
		return nil, fmt.Errorf("unsupported payment mode: %s", cfg.Mode)
	}
	balance, err := decimal.NewFromString(strings.TrimSpace(cfg.MockBalance))
	if err != nil {
		return nil, fmt.Errorf("payment.mock_balance 无效: %w", err)
	}
	backend := NewMockBackend(cfg.MockAddress, balance, time.Duration(cfg.MockLatencyMS)*time.Millisecond)
	logger.Infof("⚠️ 支付运行在 MOCK 模式 address=%s", backend.Address())
	return NewService(ModeMock, backend, opts...), nil
}
