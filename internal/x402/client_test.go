package x402

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"zkpredator/internal/budget"
	"zkpredator/internal/events"
	"zkpredator/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPayer struct {
	mock.Mock
}

func (m *mockPayer) Address() string { return "0xAgent" }
func (m *mockPayer) Mode() string    { return payment.ModeMock }
func (m *mockPayer) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}
func (m *mockPayer) Pay(ctx context.Context, req payment.Request) payment.Receipt {
	args := m.Called(req.Destination, req.Amount.String(), req.Asset)
	return args.Get(0).(payment.Receipt)
}

func okReceipt(tx string) payment.Receipt {
	return payment.Receipt{Status: payment.StatusSuccess, TransactionID: tx}
}

// analystServer 模拟付费分析师：未带凭证返回 402，带凭证时返回 paidStatus。
func analystServer(t *testing.T, paidStatus int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get(HeaderPaymentToken) == "" {
			Terms{Destination: "0xAnalyst", Amount: decimal.RequireFromString("0.10"), Resource: "technical"}.Write(w.Header())
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":"Payment Required"}`))
			return
		}
		w.WriteHeader(paidStatus)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newLedger(t *testing.T, ceiling string) *budget.Ledger {
	t.Helper()
	l, err := budget.Open(budget.Options{
		Path:    filepath.Join(t.TempDir(), "budget_log.json"),
		Ceiling: decimal.RequireFromString(ceiling),
	})
	require.NoError(t, err)
	return l
}

func newClient(t *testing.T, baseURL string, ledger Ledger, payer payment.Client) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:   baseURL,
		Endpoints: map[string]string{"technical": "/analysts/technical"},
		Ledger:    ledger,
		Payer:     payer,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestFetch_PaysOnceThenFulfilled(t *testing.T) {
	srv, hits := analystServer(t, http.StatusOK, `{"analyst":"TechWizard_AI","score":0.85}`)
	ledger := newLedger(t, "10.00")
	payer := &mockPayer{}
	payer.On("Pay", "0xAnalyst", "0.1", "usdc").Return(okReceipt("0xMockTx01")).Once()

	report, err := newClient(t, srv.URL, ledger, payer).Fetch(context.Background(), "technical", "test")
	require.NoError(t, err)
	assert.Equal(t, 0.85, report.Score)
	assert.Equal(t, "0xMockTx01", report.TransactionID)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))

	expenses := ledger.Expenses()
	require.Len(t, expenses, 1)
	assert.Equal(t, "0xMockTx01", expenses[0].TransactionID)
	assert.Equal(t, "Analyst: technical", expenses[0].Resource)
	payer.AssertNumberOfCalls(t, "Pay", 1)
}

func TestFetch_PublishesPaymentAndResultEvents(t *testing.T) {
	srv, _ := analystServer(t, http.StatusOK, `{"score":0.85}`)
	payer := &mockPayer{}
	payer.On("Pay", "0xAnalyst", "0.1", "usdc").Return(okReceipt("0xMockTx04")).Once()
	hub := events.NewHub(8)
	feed, cancel := hub.Subscribe()
	defer cancel()

	c, err := New(Options{
		BaseURL:   srv.URL,
		Endpoints: map[string]string{"technical": "/analysts/technical"},
		Ledger:    newLedger(t, "10.00"),
		Payer:     payer,
		Events:    hub,
	})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "technical", "test")
	require.NoError(t, err)

	pending, paid, result := <-feed, <-feed, <-feed
	assert.Equal(t, events.TypePaymentUpdate, pending.Type)
	assert.Equal(t, "pending...", pending.Data.(map[string]any)["tx_hash"])
	assert.Equal(t, "0xMockTx04", paid.Data.(map[string]any)["tx_hash"])
	assert.Equal(t, events.TypeAnalystResult, result.Type)
	assert.Equal(t, 0.85, result.Data.(map[string]any)["score"])
}

func TestFetch_FreeResourceSkipsPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score":0.4}`))
	}))
	defer srv.Close()
	payer := &mockPayer{}

	report, err := newClient(t, srv.URL, newLedger(t, "10"), payer).Fetch(context.Background(), "technical", "test")
	require.NoError(t, err)
	assert.Equal(t, 0.4, report.Score)
	assert.True(t, report.Paid.IsZero())
	payer.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_StillLockedAfterPaymentKeepsExpense(t *testing.T) {
	srv, hits := analystServer(t, http.StatusPaymentRequired, `{}`)
	ledger := newLedger(t, "10.00")
	payer := &mockPayer{}
	payer.On("Pay", "0xAnalyst", "0.1", "usdc").Return(okReceipt("0xMockTx02")).Once()

	_, err := newClient(t, srv.URL, ledger, payer).Fetch(context.Background(), "technical", "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStillLocked)
	var xe *Error
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, StageRetry, xe.Stage)
	assert.Equal(t, http.StatusPaymentRequired, xe.Status)

	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
	assert.Len(t, ledger.Expenses(), 1)
	payer.AssertNumberOfCalls(t, "Pay", 1)
}

func TestFetch_RetryTransportErrorKeepsExpense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPaymentToken) == "" {
			Terms{Destination: "0xAnalyst", Amount: decimal.RequireFromString("0.10"), Resource: "technical"}.Write(w.Header())
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		// 带凭证的重试直接断开连接
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()
	ledger := newLedger(t, "10.00")
	payer := &mockPayer{}
	payer.On("Pay", "0xAnalyst", "0.1", "usdc").Return(okReceipt("0xMockTx03")).Once()

	_, err := newClient(t, srv.URL, ledger, payer).Fetch(context.Background(), "technical", "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrStillLocked)
	var xe *Error
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, StageRetry, xe.Stage)
	assert.Len(t, ledger.Expenses(), 1)
}

func TestFetch_BudgetDeniedNeverPays(t *testing.T) {
	srv, hits := analystServer(t, http.StatusOK, `{"score":0.85}`)
	ledger := newLedger(t, "1.00")
	require.NoError(t, ledger.Record(decimal.RequireFromString("1.50"), "seed", "tx-seed", "seed"))
	payer := &mockPayer{}

	_, err := newClient(t, srv.URL, ledger, payer).Fetch(context.Background(), "technical", "test")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.NotErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Len(t, ledger.Expenses(), 1)
	payer.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_PaymentFailureReleasesReservation(t *testing.T) {
	srv, hits := analystServer(t, http.StatusOK, `{"score":0.85}`)
	ledger := newLedger(t, "0.05")
	payer := &mockPayer{}
	payer.On("Pay", "0xAnalyst", "0.1", "usdc").Return(payment.Receipt{
		Status: payment.StatusFailed,
		Reason: payment.ReasonTransferFailed,
		Error:  "insufficient funds",
	}).Once()

	_, err := newClient(t, srv.URL, ledger, payer).Fetch(context.Background(), "technical", "test")
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Empty(t, ledger.Expenses())

	// 未释放的 0.10 预占会让 0.05 上限拒绝后续请求
	r, err := ledger.Reserve(decimal.RequireFromString("0.01"), "x", "y")
	require.NoError(t, err)
	r.Release()
}

func TestFetch_InvalidTerms(t *testing.T) {
	cases := map[string]http.Header{
		"missing address": {HeaderPaymentAmount: []string{"0.1"}},
		"zero amount":     {HeaderPaymentAddress: []string{"0xA"}, HeaderPaymentAmount: []string{"0"}},
		"negative amount": {HeaderPaymentAddress: []string{"0xA"}, HeaderPaymentAmount: []string{"-1"}},
		"garbage amount":  {HeaderPaymentAddress: []string{"0xA"}, HeaderPaymentAmount: []string{"ten"}},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range headers {
					w.Header()[k] = v
				}
				w.WriteHeader(http.StatusPaymentRequired)
			}))
			defer srv.Close()
			payer := &mockPayer{}

			_, err := newClient(t, srv.URL, newLedger(t, "10"), payer).Fetch(context.Background(), "technical", "test")
			assert.ErrorIs(t, err, ErrInvalidTerms)
			payer.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestFetch_UnexpectedStatusAndUnknownResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newClient(t, srv.URL, newLedger(t, "10"), &mockPayer{})

	_, err := c.Fetch(context.Background(), "technical", "test")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.Fetch(context.Background(), "astrology", "test")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestExtractScore(t *testing.T) {
	v, err := ExtractScore([]byte(`{"score":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	for _, body := range []string{`[]`, `{"score":"0.5"}`, `{"score":1.2}`, `{"insight":"x"}`, `not json`} {
		_, err := ExtractScore([]byte(body))
		assert.Error(t, err, body)
	}
}
