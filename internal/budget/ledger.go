// Package budget 记录付费数据的累计花费，并在每次购买前做额度闸门。
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/logger"

	"github.com/shopspring/decimal"
)

// ErrBudgetExceeded 表示额度闸门拒绝了本次花费。
var ErrBudgetExceeded = errors.New("budget exceeded")

const defaultRecentSize = 5

// Expense 是一次已完成付款的不可变记录。
type Expense struct {
	Timestamp     time.Time       `json:"timestamp"`
	Resource      string          `json:"resource"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Justification string          `json:"justification"`
}

// Summary 是账本的只读投影，供审计接口使用。
type Summary struct {
	TotalSpend      decimal.Decimal `json:"total_spend"`
	PurchaseCount   int             `json:"purchase_count"`
	RecentPurchases []Expense       `json:"recent_purchases"`
}

// ledgerFile 是落盘格式：total_spend 为十进制字符串，每次 Record 整体重写。
type ledgerFile struct {
	TotalSpend string    `json:"total_spend"`
	Purchases  []Expense `json:"purchases"`
}

// Options 控制账本行为。
type Options struct {
	Path       string
	Ceiling    decimal.Decimal
	RecentSize int
	Now        func() time.Time
}

// Ledger 维护累计花费与购买历史。所有方法并发安全。
type Ledger struct {
	path       string
	ceiling    decimal.Decimal
	recentSize int
	now        func() time.Time

	mu        sync.Mutex
	total     decimal.Decimal
	reserved  decimal.Decimal
	purchases []Expense
}

// Open 构造账本并加载已有文件；文件缺失视为空账本，读取或解析失败返回错误。
func Open(opts Options) (*Ledger, error) {
	if !opts.Ceiling.IsPositive() {
		return nil, fmt.Errorf("budget ceiling must be > 0")
	}
	l := &Ledger{
		path:       strings.TrimSpace(opts.Path),
		ceiling:    opts.Ceiling,
		recentSize: opts.RecentSize,
		now:        opts.Now,
	}
	if l.recentSize <= 0 {
		l.recentSize = defaultRecentSize
	}
	if l.now == nil {
		l.now = time.Now
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	if l.path == "" {
		return nil
	}
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read budget ledger failed: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var file ledgerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse budget ledger failed (%s): %w", l.path, err)
	}
	total := decimal.Zero
	if s := strings.TrimSpace(file.TotalSpend); s != "" {
		total, err = decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse budget ledger total_spend failed: %w", err)
		}
	}
	l.total = total
	l.purchases = file.Purchases
	sum := decimal.Zero
	for _, e := range l.purchases {
		sum = sum.Add(e.Amount)
	}
	if !sum.Equal(total) {
		logger.Warnf("预算账本 total_spend=%s 与明细合计 %s 不一致，以 total_spend 为准", total, sum)
	}
	logger.Infof("预算账本已加载 path=%s total_spend=%s purchases=%d", l.path, total.StringFixed(2), len(l.purchases))
	return nil
}

// Ceiling 返回花费上限。
func (l *Ledger) Ceiling() decimal.Decimal {
	return l.ceiling
}

// Authorize 判断是否允许新的花费：累计花费已超过上限时拒绝。只读，不预占额度。
func (l *Ledger) Authorize(amount decimal.Decimal, purpose, justification string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total.GreaterThan(l.ceiling) {
		logger.Warnf("预算超限，拒绝 %s 的 %s 请求 (total=%s ceiling=%s)", purpose, amount, l.total, l.ceiling)
		return false
	}
	return true
}

// Record 追加一条花费并同步落盘。内存状态总会更新；落盘失败时返回错误但不回滚。
func (l *Ledger) Record(amount decimal.Decimal, purpose, txID, justification string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(amount, purpose, txID, justification)
}

func (l *Ledger) recordLocked(amount decimal.Decimal, purpose, txID, justification string) error {
	expense := Expense{
		Timestamp:     l.now().UTC(),
		Resource:      purpose,
		Amount:        amount,
		TransactionID: txID,
		Justification: justification,
	}
	l.purchases = append(l.purchases, expense)
	l.total = l.total.Add(amount)
	logger.Infof("Expense recorded: $%s for %s tx=%s", amount, purpose, txID)
	if err := l.saveLocked(); err != nil {
		logger.Errorf("预算账本落盘失败 path=%s err=%v", l.path, err)
		return err
	}
	return nil
}

func (l *Ledger) saveLocked() error {
	if l.path == "" {
		return nil
	}
	purchases := l.purchases
	if purchases == nil {
		purchases = []Expense{}
	}
	raw, err := json.MarshalIndent(ledgerFile{
		TotalSpend: l.total.String(),
		Purchases:  purchases,
	}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(l.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// Summary 返回累计花费、购买次数与最近 K 条记录。
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := len(l.purchases) - l.recentSize
	if start < 0 {
		start = 0
	}
	recent := make([]Expense, len(l.purchases)-start)
	copy(recent, l.purchases[start:])
	return Summary{
		TotalSpend:      l.total,
		PurchaseCount:   len(l.purchases),
		RecentPurchases: recent,
	}
}

// TotalSpend 返回当前累计花费。
func (l *Ledger) TotalSpend() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Expenses 返回完整历史的副本。
func (l *Ledger) Expenses() []Expense {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Expense, len(l.purchases))
	copy(out, l.purchases)
	return out
}
