package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zkpredator/internal/pkg/circuit"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// WalletConfig 描述 REST 钱包网关。
type WalletConfig struct {
	GatewayURL       string
	APIKeyName       string
	APIKeySecret     string
	Address          string
	Network          string
	Timeout          time.Duration
	RatePerSecond    float64
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// WalletBackend 通过钱包网关执行真实转账。调用受熔断器与限速器保护。
type WalletBackend struct {
	baseURL   string
	keyName   string
	keySecret string
	address   string
	network   string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *circuit.Breaker
}

func NewWalletBackend(cfg WalletConfig) (*WalletBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if base == "" {
		return nil, fmt.Errorf("wallet gateway_url 不能为空")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("wallet gateway_url 无效: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &WalletBackend{
		baseURL:   base,
		keyName:   cfg.APIKeyName,
		keySecret: cfg.APIKeySecret,
		address:   cfg.Address,
		network:   cfg.Network,
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		breaker:   circuit.New("wallet-gateway", cfg.BreakerThreshold, cfg.BreakerCooldown),
	}, nil
}

func (w *WalletBackend) Address() string {
	return w.address
}

func (w *WalletBackend) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := w.call(ctx, http.MethodGet, "/balances/"+url.PathEscape(asset), nil, func(body []byte) error {
		raw := gjson.GetBytes(body, "amount")
		if !raw.Exists() {
			return fmt.Errorf("balance response missing amount")
		}
		v, err := decimal.NewFromString(raw.String())
		if err != nil {
			return fmt.Errorf("balance amount invalid: %w", err)
		}
		out = v
		return nil
	})
	return out, err
}

type transferPayload struct {
	To      string `json:"to"`
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
	Network string `json:"network,omitempty"`
	Memo    string `json:"memo,omitempty"`
}

func (w *WalletBackend) Transfer(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(transferPayload{
		To:      req.Destination,
		Amount:  req.Amount.String(),
		Asset:   req.Asset,
		Network: w.network,
		Memo:    req.Resource,
	})
	if err != nil {
		return "", err
	}
	var txID string
	err = w.call(ctx, http.MethodPost, "/transfers", payload, func(body []byte) error {
		for _, path := range []string{"transaction_hash", "transaction_id", "id"} {
			if v := strings.TrimSpace(gjson.GetBytes(body, path).String()); v != "" {
				txID = v
				return nil
			}
		}
		return fmt.Errorf("transfer response missing transaction id")
	})
	return txID, err
}

// requestClaims 绑定单个请求：uri 为 "METHOD host/path"，两分钟内有效。
type requestClaims struct {
	URI string `json:"uri"`
	jwt.RegisteredClaims
}

const requestTokenTTL = 2 * time.Minute

func (w *WalletBackend) signRequest(method, path string) (string, error) {
	u, err := url.Parse(w.baseURL + path)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := requestClaims{
		URI: method + " " + u.Host + u.Path,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    "zkpredator",
			Subject:   w.keyName,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(requestTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if w.keyName != "" {
		token.Header["kid"] = w.keyName
	}
	signed, err := token.SignedString([]byte(w.keySecret))
	if err != nil {
		return "", fmt.Errorf("sign wallet request: %w", err)
	}
	return signed, nil
}

func (w *WalletBackend) call(ctx context.Context, method, path string, body []byte, decode func([]byte) error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if w.keySecret != "" {
			token, err := w.signRequest(method, path)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			msg := strings.TrimSpace(gjson.GetBytes(raw, "error").String())
			if msg == "" {
				msg = strings.TrimSpace(string(raw))
			}
			return fmt.Errorf("wallet gateway %s %s status=%d: %s", method, path, resp.StatusCode, msg)
		}
		return decode(raw)
	})
}
