package gormstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"zkpredator/internal/decision"
	"zkpredator/internal/payment"
	"zkpredator/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

func openStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "nested", "zk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStore_RequiresPath(t *testing.T) {
	_, err := NewGormStore("  ")
	assert.Error(t, err)
}

func TestGormStore_PaymentAudit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePayment(ctx, payment.Receipt{
		Status: payment.StatusSuccess, TransactionID: "0xMockTx1", Amount: decimal.RequireFromString("0.10"),
		Asset: "usdc", Destination: "0xSeller", Resource: "technical", Timestamp: base,
	}))
	require.NoError(t, s.SavePayment(ctx, payment.Receipt{
		Status: payment.StatusFailed, Amount: decimal.RequireFromString("0.50"),
		Asset: "usdc", Destination: "0xSeller", Resource: "onchain", Reason: "transfer_failed",
		Error: "insufficient balance", Timestamp: base.Add(time.Second),
	}))

	rows, err := s.ListPayments(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "failed", rows[0].Status)
	assert.Equal(t, "onchain", rows[0].Resource)
	assert.Equal(t, "0.5", rows[0].Amount)
	assert.Equal(t, "0xMockTx1", rows[1].TransactionID)

	rows, err = s.ListPayments(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGormStore_ConcurrentPaymentsAllPersist(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	const n = 12

	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			return s.SavePayment(ctx, payment.Receipt{
				Status: payment.StatusSuccess, TransactionID: fmt.Sprintf("0xMockTx%d", i),
				Amount: decimal.RequireFromString("0.10"), Asset: "usdc", Resource: "technical",
			})
		})
	}
	require.NoError(t, eg.Wait())

	rows, err := s.ListPayments(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rows, n)
}

func TestGormStore_Rounds(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	hold := decision.Outcome{
		TraceID: "t-1", Subject: "BTC/USDT", State: decision.StateHold, Action: decision.ActionHold,
		PreliminaryConfidence: 0.2, StartedAt: base, FinishedAt: base.Add(time.Millisecond),
	}
	proposed := decision.Outcome{
		TraceID: "t-2", Subject: "ETH/USDT", State: decision.StateProposed, Action: decision.ActionPropose,
		PreliminaryConfidence: 0.6, WeightedScore: 0.835,
		Sealed:    &types.SealedIntent{ReferenceID: "bite_deadbeef", Status: types.SealStatusEncrypted},
		StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + time.Second),
	}
	require.NoError(t, s.SaveRound(ctx, hold))
	require.NoError(t, s.SaveRound(ctx, proposed))
	assert.Error(t, s.SaveRound(ctx, decision.Outcome{}))

	all, err := s.ListRounds(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t-2", all[0].TraceID)
	assert.Equal(t, "bite_deadbeef", all[0].BiteRef)
	assert.InDelta(t, 0.835, all[0].WeightedScore, 1e-9)
	assert.Equal(t, "bite_deadbeef", gjson.GetBytes(all[0].Payload, "bite_tx.bite_tx_id").String())
	assert.True(t, all[1].StartedAt.Equal(base))

	btc, err := s.ListRounds(ctx, "BTC/USDT", 0)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "HOLD", btc[0].State)
}
