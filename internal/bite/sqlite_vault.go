package bite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/types"

	_ "modernc.org/sqlite"
)

// SQLiteVault 把加密意图持久化到本地 sqlite，进程重启后仍可释放。
type SQLiteVault struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func OpenSQLiteVault(path string) (*SQLiteVault, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("vault path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureVaultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	v := newSQLiteVault(db)
	v.path = path
	return v, nil
}

func newSQLiteVault(db *sql.DB) *SQLiteVault {
	return &SQLiteVault{db: db}
}

func ensureVaultSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sealed_intents (
		ref TEXT PRIMARY KEY,
		condition TEXT NOT NULL,
		status TEXT NOT NULL,
		blob TEXT NOT NULL,
		real_sdk INTEGER NOT NULL DEFAULT 0,
		chain_id INTEGER,
		encrypted_len INTEGER,
		epoch_id INTEGER,
		intent_json TEXT NOT NULL,
		sealed_at INTEGER NOT NULL,
		released_at INTEGER
	);`)
	return err
}

func (v *SQLiteVault) handle() (*sql.DB, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return nil, fmt.Errorf("vault 未初始化")
	}
	return v.db, nil
}

func (v *SQLiteVault) Save(ctx context.Context, s types.SealedIntent) error {
	db, err := v.handle()
	if err != nil {
		return err
	}
	intentJSON, err := json.Marshal(s.Intent)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sealed_intents(ref, condition, status, blob, real_sdk, chain_id, encrypted_len, epoch_id,
			intent_json, sealed_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			condition=excluded.condition,
			status=excluded.status,
			blob=excluded.blob,
			real_sdk=excluded.real_sdk,
			chain_id=excluded.chain_id,
			encrypted_len=excluded.encrypted_len,
			epoch_id=excluded.epoch_id,
			intent_json=excluded.intent_json,
			sealed_at=excluded.sealed_at,
			released_at=excluded.released_at;
	`, s.ReferenceID, s.Condition, s.Status, s.EncryptedBlob, boolToInt(s.RealSDK), s.ChainID, s.EncryptedLen, s.EpochID,
		string(intentJSON), s.SealedAt.UnixMilli(), nullTime(s.ReleasedAt))
	return err
}

const vaultColumns = `ref, condition, status, blob, real_sdk, chain_id, encrypted_len, epoch_id, intent_json, sealed_at, released_at`

func (v *SQLiteVault) Get(ctx context.Context, ref string) (types.SealedIntent, error) {
	db, err := v.handle()
	if err != nil {
		return types.SealedIntent{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM sealed_intents WHERE ref = ?`, strings.TrimSpace(ref))
	s, err := scanSealed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SealedIntent{}, ErrIntentNotFound
	}
	return s, err
}

func (v *SQLiteVault) List(ctx context.Context) ([]types.SealedIntent, error) {
	db, err := v.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+vaultColumns+` FROM sealed_intents ORDER BY sealed_at ASC, ref ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SealedIntent
	for rows.Next() {
		s, err := scanSealed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (v *SQLiteVault) MarkReleased(ctx context.Context, ref string, at time.Time) error {
	db, err := v.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE sealed_intents SET status = ?, released_at = ? WHERE ref = ?`,
		types.SealStatusReleased, at.UnixMilli(), ref)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (v *SQLiteVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return nil
	}
	err := v.db.Close()
	v.db = nil
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSealed(row rowScanner) (types.SealedIntent, error) {
	var (
		s          types.SealedIntent
		realSDK    int
		chainID    sql.NullInt64
		encLen     sql.NullInt64
		epochID    sql.NullInt64
		intentJSON string
		sealedAt   int64
		releasedAt sql.NullInt64
	)
	if err := row.Scan(&s.ReferenceID, &s.Condition, &s.Status, &s.EncryptedBlob, &realSDK, &chainID, &encLen, &epochID,
		&intentJSON, &sealedAt, &releasedAt); err != nil {
		return types.SealedIntent{}, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &s.Intent); err != nil {
		return types.SealedIntent{}, fmt.Errorf("decode sealed intent %s: %w", s.ReferenceID, err)
	}
	s.RealSDK = realSDK == 1
	s.ChainID = chainID.Int64
	s.EncryptedLen = int(encLen.Int64)
	s.EpochID = epochID.Int64
	s.SealedAt = time.UnixMilli(sealedAt).UTC()
	if releasedAt.Valid {
		s.ReleasedAt = time.UnixMilli(releasedAt.Int64).UTC()
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
