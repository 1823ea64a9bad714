package decision

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"zkpredator/internal/bite"
	"zkpredator/internal/consensus"
	"zkpredator/internal/events"
	"zkpredator/internal/types"
	"zkpredator/internal/x402"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, resource, justification string) (x402.Report, error) {
	args := m.Called(resource)
	return args.Get(0).(x402.Report), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendText(text string) error {
	return m.Called(text).Error(0)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) SaveRound(ctx context.Context, o Outcome) error {
	return m.Called(o.Action).Error(0)
}

type failingEncryptor struct{}

func (failingEncryptor) Encrypt(ctx context.Context, intent types.Intent) (types.SealedIntent, error) {
	return types.SealedIntent{}, errors.New("vault offline")
}

var resources = []string{"technical", "sentiment", "onchain"}

func staticScreen(v float64) Screener {
	return ScreenFunc(func(ctx context.Context, subject string) (float64, error) { return v, nil })
}

func newFetcher(scores map[string]float64) *mockFetcher {
	f := &mockFetcher{}
	for name, s := range scores {
		f.On("Fetch", name).Return(x402.Report{Resource: name, Score: s}, nil)
	}
	return f
}

func newGate(t *testing.T, screen Screener, f consensus.Fetcher, enc bite.Encryptor, n Notifier, r RoundRecorder) *Gate {
	t.Helper()
	agg, err := consensus.NewAggregator(f, consensus.Weights{"technical": 0.3, "sentiment": 0.2, "onchain": 0.5}, time.Second, 0.5)
	require.NoError(t, err)
	g, err := NewGate(Deps{
		Screener:  screen,
		Consensus: agg,
		Encryptor: enc,
		Notifier:  n,
		Recorder:  r,
		Policy:    DefaultPolicy(),
		Resources: resources,
	})
	require.NoError(t, err)
	return g
}

func TestGate_ProposesEncryptedExecution(t *testing.T) {
	f := newFetcher(map[string]float64{"technical": 0.85, "sentiment": 0.60, "onchain": 0.92})
	vault := bite.NewMemoryVault()
	notifier := &mockNotifier{}
	notifier.On("SendText", mock.AnythingOfType("string")).Return(nil).Once()
	recorder := &mockRecorder{}
	recorder.On("SaveRound", ActionPropose).Return(nil).Once()

	g := newGate(t, staticScreen(0.5), f, bite.NewBridgeEncryptor("", time.Second, vault), notifier, recorder)
	out, err := g.Run(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	assert.Equal(t, StateProposed, out.State)
	assert.Equal(t, ActionPropose, out.Action)
	assert.InDelta(t, 0.835, out.WeightedScore, 1e-9)
	require.NotNil(t, out.Intent)
	assert.Equal(t, "BUY", out.Intent.Action)
	assert.Equal(t, "BTC/USDT", out.Intent.Subject)
	assert.Equal(t, "1000", out.Intent.Size.String())
	assert.Equal(t, "CONFIDENCE > 0.8", out.Intent.ReleaseCondition)
	assert.Regexp(t, `^Consensus 0\.8[34] > 0\.75\. Strongest signal: onchain 0\.92\.$`, out.Intent.Rationale)
	require.NotNil(t, out.Sealed)
	assert.Equal(t, types.SealStatusEncrypted, out.Sealed.Status)
	assert.Contains(t, out.Note, out.Sealed.ReferenceID)

	list, err := vault.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	f.AssertNumberOfCalls(t, "Fetch", 3)
	notifier.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestGate_LowScreenHoldsWithoutPaidCalls(t *testing.T) {
	f := &mockFetcher{}
	recorder := &mockRecorder{}
	recorder.On("SaveRound", ActionHold).Return(nil).Once()

	g := newGate(t, staticScreen(0.3), f, bite.NewBridgeEncryptor("", time.Second, nil), nil, recorder)
	out, err := g.Run(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	assert.Equal(t, StateHold, out.State)
	assert.Equal(t, ActionHold, out.Action)
	assert.Nil(t, out.Consensus)
	f.AssertNotCalled(t, "Fetch", mock.Anything)
	recorder.AssertExpectations(t)
}

func TestGate_HighScreenAlsoSkipsConsensus(t *testing.T) {
	f := &mockFetcher{}
	g := newGate(t, staticScreen(0.9), f, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
	out, err := g.Run(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, ActionHold, out.Action)
	f.AssertNotCalled(t, "Fetch", mock.Anything)
}

func TestGate_NonFiniteScreenHolds(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		f := &mockFetcher{}
		g := newGate(t, staticScreen(v), f, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
		out, err := g.Run(context.Background(), "BTC/USDT")
		require.NoError(t, err)
		assert.Equal(t, StateHold, out.State, "%v", v)
		assert.Zero(t, out.PreliminaryConfidence)
		assert.Contains(t, out.ScreenError, "non-finite")
		f.AssertNotCalled(t, "Fetch", mock.Anything)
	}
}

func TestGate_PublishesAgentStatus(t *testing.T) {
	hub := events.NewHub(8)
	feed, cancel := hub.Subscribe()
	defer cancel()
	g := newGate(t, staticScreen(0.2), &mockFetcher{}, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
	g.events = hub

	out, err := g.Run(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	first, last := <-feed, <-feed
	assert.Equal(t, events.TypeAgentStatus, first.Type)
	assert.Equal(t, "Scanning Market...", first.Data.(map[string]any)["status"])
	done := last.Data.(map[string]any)
	assert.Equal(t, "Workflow Complete", done["status"])
	assert.Equal(t, StateHold, done["state"])
	assert.Equal(t, out.TraceID, done["trace_id"])
	assert.Empty(t, feed)
}

func TestGate_LowConsensusHolds(t *testing.T) {
	f := newFetcher(map[string]float64{"technical": 0.5, "sentiment": 0.5, "onchain": 0.6})
	g := newGate(t, staticScreen(0.5), f, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
	out, err := g.Run(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, StateHold, out.State)
	assert.Nil(t, out.Sealed)
	assert.Contains(t, out.Note, "too low to execute")
}

func TestGate_ScreenErrorUsesFallback(t *testing.T) {
	f := newFetcher(map[string]float64{"technical": 0.85, "sentiment": 0.60, "onchain": 0.92})
	screen := ScreenFunc(func(ctx context.Context, subject string) (float64, error) {
		return 0, errors.New("llm reply unparsable")
	})
	g := newGate(t, screen, f, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
	out, err := g.Run(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 0.5, out.PreliminaryConfidence)
	assert.NotEmpty(t, out.ScreenError)
	assert.Equal(t, StateProposed, out.State)
}

func TestGate_DegradedAnalystStillCounts(t *testing.T) {
	f := &mockFetcher{}
	f.On("Fetch", "technical").Return(x402.Report{Score: 0.85}, nil)
	f.On("Fetch", "sentiment").Return(x402.Report{Score: 0.60}, nil)
	f.On("Fetch", "onchain").Return(x402.Report{}, &x402.Error{Resource: "onchain", Stage: x402.StageRetry, Err: x402.ErrStillLocked})

	g := newGate(t, staticScreen(0.5), f, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
	out, err := g.Run(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	// 0.255 + 0.12 + 0.25
	assert.InDelta(t, 0.625, out.WeightedScore, 1e-9)
	assert.Equal(t, ActionHold, out.Action)
	assert.Equal(t, 1, out.Consensus.DegradedCount())
}

func TestGate_EncryptionFailureHolds(t *testing.T) {
	f := newFetcher(map[string]float64{"technical": 0.85, "sentiment": 0.60, "onchain": 0.92})
	g := newGate(t, staticScreen(0.5), f, failingEncryptor{}, nil, nil)
	out, err := g.Run(context.Background(), "BTC/USDT")
	assert.Error(t, err)
	assert.Equal(t, ActionHold, out.Action)
	assert.NotNil(t, out.Intent)
	assert.Nil(t, out.Sealed)
}

func TestGate_ForcedScreenerOverridesDefault(t *testing.T) {
	f := newFetcher(map[string]float64{"technical": 0.85, "sentiment": 0.60, "onchain": 0.92})
	g := newGate(t, staticScreen(0.1), f, bite.NewBridgeEncryptor("", time.Second, nil), nil, nil)
	out, err := g.Run(context.Background(), "BTC/USDT", WithScreener(staticScreen(0.5)))
	require.NoError(t, err)
	assert.Equal(t, ActionPropose, out.Action)
}

func TestNewGate_RejectsBadPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.LowerBound = 0.95
	_, err := NewGate(Deps{
		Screener:  staticScreen(0.5),
		Consensus: &consensus.Aggregator{},
		Encryptor: bite.NewBridgeEncryptor("", time.Second, nil),
		Policy:    p,
		Resources: resources,
	})
	assert.Error(t, err)
}
