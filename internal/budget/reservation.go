package budget

import (
	"fmt"
	"sync"

	"zkpredator/internal/logger"

	"github.com/shopspring/decimal"
)

// Reservation 预占一笔额度，直到付款成功后 Commit 或失败后 Release。
// Authorize 与 Record 之间的竞争窗口由它关闭：并发协商看到的是 total+在途金额。
type Reservation struct {
	ledger        *Ledger
	amount        decimal.Decimal
	purpose       string
	justification string

	once sync.Once
}

// Reserve 在账本锁内执行与 Authorize 相同的规则（计入在途预占），通过则预占金额。
func (l *Ledger) Reserve(amount decimal.Decimal, purpose, justification string) (*Reservation, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("reserve amount must be >= 0, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	committed := l.total.Add(l.reserved)
	if committed.GreaterThan(l.ceiling) {
		logger.Warnf("预算超限，拒绝 %s 的 %s 请求 (total=%s inflight=%s ceiling=%s)", purpose, amount, l.total, l.reserved, l.ceiling)
		return nil, ErrBudgetExceeded
	}
	l.reserved = l.reserved.Add(amount)
	return &Reservation{
		ledger:        l,
		amount:        amount,
		purpose:       purpose,
		justification: justification,
	}, nil
}

// Amount 返回预占金额。
func (r *Reservation) Amount() decimal.Decimal {
	return r.amount
}

// Commit 释放预占并写入正式花费记录；重复调用无效。落盘错误原样返回。
func (r *Reservation) Commit(txID string) error {
	if r == nil {
		return nil
	}
	var err error
	r.once.Do(func() {
		l := r.ledger
		l.mu.Lock()
		defer l.mu.Unlock()
		l.reserved = l.reserved.Sub(r.amount)
		err = l.recordLocked(r.amount, r.purpose, txID, r.justification)
	})
	return err
}

// Release 放弃预占（付款失败时调用）；Commit 之后调用无效。
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		l := r.ledger
		l.mu.Lock()
		l.reserved = l.reserved.Sub(r.amount)
		l.mu.Unlock()
	})
}
