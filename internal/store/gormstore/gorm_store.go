package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zkpredator/internal/decision"
	"zkpredator/internal/payment"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PaymentAuditModel 记录每一次付款尝试，成功与失败都落库。
type PaymentAuditModel struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Status        string `gorm:"column:status;index"`
	TransactionID string `gorm:"column:transaction_id;index"`
	Amount        string `gorm:"column:amount"`
	Asset         string `gorm:"column:asset"`
	Destination   string `gorm:"column:destination"`
	Resource      string `gorm:"column:resource;index"`
	Reason        string `gorm:"column:reason"`
	Error         string `gorm:"column:error"`
	CreatedAtUnix int64  `gorm:"column:created_at;index"`
}

func (PaymentAuditModel) TableName() string { return "payment_audit" }

// DecisionRoundModel 是一轮决策的摘要，完整结果存于 payload。
type DecisionRoundModel struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	TraceID        string         `gorm:"column:trace_id;uniqueIndex"`
	Subject        string         `gorm:"column:subject;index"`
	State          string         `gorm:"column:state"`
	Action         string         `gorm:"column:action"`
	Preliminary    float64        `gorm:"column:preliminary_confidence"`
	WeightedScore  float64        `gorm:"column:weighted_score"`
	BiteRef        string         `gorm:"column:bite_ref"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	StartedAtUnix  int64          `gorm:"column:started_at;index"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
}

func (DecisionRoundModel) TableName() string { return "decision_rounds" }

// RoundRecord 是 ListRounds 的返回项。
type RoundRecord struct {
	TraceID       string          `json:"trace_id"`
	Subject       string          `json:"subject"`
	State         string          `json:"state"`
	Action        string          `json:"action"`
	Preliminary   float64         `json:"preliminary_confidence"`
	WeightedScore float64         `json:"weighted_score"`
	BiteRef       string          `json:"bite_ref,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// GormStore 以 Gorm + SQLite 持久化付款审计与决策轮次。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 打开（必要时创建）数据库并迁移表结构。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	// mattn/go-sqlite3 参数；不能用 cache=shared，否则并发写入会直接返回 SQLITE_LOCKED
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PaymentAuditModel{}, &DecisionRoundModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 单连接串行化写入，共识并发付款时审计行不会丢失
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ payment.AuditSink      = (*GormStore)(nil)
	_ decision.RoundRecorder = (*GormStore)(nil)
)

// --------------------- Payment audit -------------------------

func (s *GormStore) SavePayment(ctx context.Context, r payment.Receipt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m := PaymentAuditModel{
		Status:        string(r.Status),
		TransactionID: r.TransactionID,
		Amount:        r.Amount.String(),
		Asset:         r.Asset,
		Destination:   r.Destination,
		Resource:      r.Resource,
		Reason:        r.Reason,
		Error:         r.Error,
		CreatedAtUnix: ts.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// ListPayments 按时间倒序返回最近 limit 条付款记录；limit<=0 时不限制。
func (s *GormStore) ListPayments(ctx context.Context, limit int) ([]PaymentAuditModel, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []PaymentAuditModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

// --------------------- Decision rounds -------------------------

func (s *GormStore) SaveRound(ctx context.Context, o decision.Outcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(o.TraceID) == "" {
		return fmt.Errorf("trace_id 必填")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	m := DecisionRoundModel{
		TraceID:        o.TraceID,
		Subject:        o.Subject,
		State:          string(o.State),
		Action:         o.Action,
		Preliminary:    o.PreliminaryConfidence,
		WeightedScore:  o.WeightedScore,
		Payload:        datatypes.JSON(payload),
		StartedAtUnix:  o.StartedAt.UnixMilli(),
		FinishedAtUnix: o.FinishedAt.UnixMilli(),
	}
	if o.Sealed != nil {
		m.BiteRef = o.Sealed.ReferenceID
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// ListRounds 按开始时间倒序返回最近 limit 轮；subject 为空时不过滤。
func (s *GormStore) ListRounds(ctx context.Context, subject string, limit int) ([]RoundRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Order("started_at DESC, id DESC")
	if subject = strings.TrimSpace(subject); subject != "" {
		q = q.Where("subject = ?", subject)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []DecisionRoundModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]RoundRecord, 0, len(models))
	for _, m := range models {
		out = append(out, RoundRecord{
			TraceID:       m.TraceID,
			Subject:       m.Subject,
			State:         m.State,
			Action:        m.Action,
			Preliminary:   m.Preliminary,
			WeightedScore: m.WeightedScore,
			BiteRef:       m.BiteRef,
			Payload:       json.RawMessage(m.Payload),
			StartedAt:     time.UnixMilli(m.StartedAtUnix),
			FinishedAt:    time.UnixMilli(m.FinishedAtUnix),
		})
	}
	return out, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
