package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"zkpredator/internal/config"
	"zkpredator/internal/events"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) SavePayment(ctx context.Context, r Receipt) error {
	args := m.Called(r.Status, r.Resource)
	return args.Error(0)
}

func TestService_MockPaySuccess(t *testing.T) {
	sink := &mockSink{}
	sink.On("SavePayment", StatusSuccess, "Analyst: onchain").Return(nil).Once()
	svc := NewService(ModeMock, NewMockBackend("", decimal.NewFromInt(100), 0), WithAuditSink(sink))

	r := svc.Pay(context.Background(), Request{
		Destination: "0xAnalyst",
		Amount:      decimal.RequireFromString("0.50"),
		Asset:       "USDC",
		Resource:    "Analyst: onchain",
	})
	require.True(t, r.OK())
	assert.True(t, strings.HasPrefix(r.TransactionID, "0xMockTx"))
	assert.Len(t, r.TransactionID, len("0xMockTx")+32)
	assert.Equal(t, "usdc", r.Asset)
	assert.Equal(t, "0xMockAddress123456789", svc.Address())
	assert.Len(t, svc.AuditLog(), 1)
	sink.AssertExpectations(t)
}

func TestService_PublishesWalletUpdateAfterPayment(t *testing.T) {
	hub := events.NewHub(4)
	feed, cancel := hub.Subscribe()
	defer cancel()
	svc := NewService(ModeMock, NewMockBackend("0xAgent", decimal.NewFromInt(100), 0), WithEvents(hub))

	r := svc.Pay(context.Background(), Request{Destination: "0xAnalyst", Amount: decimal.RequireFromString("0.10"), Asset: "usdc"})
	require.True(t, r.OK())
	evt := <-feed
	assert.Equal(t, events.TypeWalletUpdate, evt.Type)
	data := evt.Data.(map[string]any)
	assert.Equal(t, "0xAgent", data["address"])
	assert.Equal(t, "100", data["balance"])
	assert.Equal(t, ModeMock, data["mode"])

	failedPay := svc.Pay(context.Background(), Request{Amount: decimal.RequireFromString("0.10")})
	require.False(t, failedPay.OK())
	assert.Empty(t, feed)
}

func TestService_InvalidRequestsFailWithoutTransfer(t *testing.T) {
	svc := NewService(ModeMock, NewMockBackend("", decimal.NewFromInt(100), 0))

	r := svc.Pay(context.Background(), Request{Amount: decimal.RequireFromString("0.1")})
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, ReasonInvalidRequest, r.Reason)

	r = svc.Pay(context.Background(), Request{Destination: "0xA", Amount: decimal.Zero})
	assert.Equal(t, StatusFailed, r.Status)
	assert.Len(t, svc.AuditLog(), 2)
}

func TestService_SinkErrorIsNotSurfaced(t *testing.T) {
	sink := &mockSink{}
	sink.On("SavePayment", StatusSuccess, "r").Return(errors.New("disk full"))
	svc := NewService(ModeMock, NewMockBackend("", decimal.NewFromInt(100), 0), WithAuditSink(sink))

	r := svc.Pay(context.Background(), Request{Destination: "0xA", Amount: decimal.RequireFromString("0.1"), Resource: "r"})
	assert.True(t, r.OK())
}

func TestMockBackend_InsufficientBalanceAndCancel(t *testing.T) {
	svc := NewService(ModeMock, NewMockBackend("", decimal.NewFromInt(1), time.Hour))

	r := svc.Pay(context.Background(), Request{Destination: "0xA", Amount: decimal.NewFromInt(2)})
	assert.Equal(t, ReasonTransferFailed, r.Reason)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r = svc.Pay(ctx, Request{Destination: "0xA", Amount: decimal.RequireFromString("0.1")})
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, ReasonCanceled, r.Reason)
}

func TestWalletBackend_TransferAndBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		claims := &requestClaims{}
		tok, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(tok *jwt.Token) (any, error) {
			assert.Equal(t, "k", tok.Header["kid"])
			return []byte("secret"), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if !assert.NoError(t, err) || !assert.True(t, tok.Valid) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "k", claims.Subject)
		assert.Equal(t, r.Method+" "+r.Host+r.URL.Path, claims.URI)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/transfers":
			var body transferPayload
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "0xDest", body.To)
			assert.Equal(t, "0.2", body.Amount)
			_, _ = w.Write([]byte(`{"transaction_hash":"0xabc"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/balances/usdc":
			_, _ = w.Write([]byte(`{"amount":"42.5"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	backend, err := NewWalletBackend(WalletConfig{GatewayURL: srv.URL, APIKeyName: "k", APIKeySecret: "secret", Address: "0xMe"})
	require.NoError(t, err)
	svc := NewService(ModeWallet, backend)

	r := svc.Pay(context.Background(), Request{Destination: "0xDest", Amount: decimal.RequireFromString("0.20")})
	require.True(t, r.OK())
	assert.Equal(t, "0xabc", r.TransactionID)

	bal, err := svc.Balance(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("42.5")))
}

func TestWalletBackend_FailureBecomesFailedReceiptAndTripsBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"gateway down"}`))
	}))
	defer srv.Close()

	backend, err := NewWalletBackend(WalletConfig{GatewayURL: srv.URL, BreakerThreshold: 1, BreakerCooldown: time.Hour})
	require.NoError(t, err)
	svc := NewService(ModeWallet, backend)

	req := Request{Destination: "0xDest", Amount: decimal.RequireFromString("0.1")}
	r := svc.Pay(context.Background(), req)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, "gateway down")

	r = svc.Pay(context.Background(), req)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, "circuit breaker is open")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewFromConfig_WalletWithoutCredentialsFallsBackToMock(t *testing.T) {
	svc, err := NewFromConfig(config.PaymentConfig{
		Mode:        "wallet",
		GatewayURL:  "http://wallet.local",
		MockBalance: "100.00",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeMock, svc.Mode())

	bal, err := svc.Balance(context.Background(), "usdc")
	require.NoError(t, err)
	assert.Equal(t, "100.00", bal.StringFixed(2))
}
