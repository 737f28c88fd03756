package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"portfolio_engine/internal/core"
)

// SQLiteStore implements core.Store on a local SQLite database. Rows
// carry a checksum over the serialized payload so corruption is detected
// at load time rather than silently reconciled into the ledger.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE TABLE IF NOT EXISTS order_records (
	account_id      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	data            TEXT NOT NULL,
	checksum        BLOB NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (account_id, idempotency_key)
);
CREATE TABLE IF NOT EXISTS strategy_weights (
	account_id TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_outcomes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	exit_time  INTEGER NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_account_exit
	ON trade_outcomes (account_id, exit_time);
`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func marshalChecked(v interface{}) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	checksum := sha256.Sum256(data)
	return string(data), checksum[:], nil
}

func verifyChecksum(data string, stored []byte) error {
	computed := sha256.Sum256([]byte(data))
	if len(stored) != len(computed) {
		return fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(stored))
	}
	for i := range computed {
		if stored[i] != computed[i] {
			return fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}
	return nil
}

func (s *SQLiteStore) LoadPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM positions WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		if err := verifyChecksum(data, checksum); err != nil {
			return nil, err
		}
		var pos core.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *core.Position) error {
	data, checksum, err := marshalChecked(pos)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (account_id, symbol, data, checksum, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		pos.AccountID, pos.Symbol, data, checksum, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, accountID, symbol string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadOrderRecords(ctx context.Context, accountID string) ([]*core.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM order_records WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order records: %w", err)
	}
	defer rows.Close()

	var out []*core.OrderRecord
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan order record row: %w", err)
		}
		if err := verifyChecksum(data, checksum); err != nil {
			return nil, err
		}
		var rec core.OrderRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SaveOrderRecord writes the record inside a serializable transaction so
// the unique (account, idempotency key) constraint holds under retries.
func (s *SQLiteStore) SaveOrderRecord(ctx context.Context, rec *core.OrderRecord) error {
	data, checksum, err := marshalChecked(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO order_records (account_id, idempotency_key, data, checksum, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.AccountID, rec.IdempotencyKey, data, checksum, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write order record: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) FindOrderRecord(ctx context.Context, accountID, idempotencyKey string) (*core.OrderRecord, error) {
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM order_records
		 WHERE account_id = ? AND idempotency_key = ?`,
		accountID, idempotencyKey).Scan(&data, &checksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read order record: %w", err)
	}
	if err := verifyChecksum(data, checksum); err != nil {
		return nil, err
	}
	var rec core.OrderRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) LoadWeights(ctx context.Context, accountID string) (*core.StrategyWeights, error) {
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM strategy_weights WHERE account_id = ?`,
		accountID).Scan(&data, &checksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	if err := verifyChecksum(data, checksum); err != nil {
		return nil, err
	}
	var w core.StrategyWeights
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) SaveWeights(ctx context.Context, w *core.StrategyWeights) error {
	data, checksum, err := marshalChecked(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO strategy_weights (account_id, data, checksum, updated_at)
		 VALUES (?, ?, ?, ?)`,
		w.AccountID, data, checksum, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, o *core.TradeOutcome) error {
	data, checksum, err := marshalChecked(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trade_outcomes (account_id, exit_time, data, checksum)
		 VALUES (?, ?, ?, ?)`,
		o.AccountID, o.ExitTime.UnixNano(), data, checksum)
	if err != nil {
		return fmt.Errorf("failed to write trade outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadOutcomes(ctx context.Context, accountID string, since time.Time) ([]*core.TradeOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM trade_outcomes
		 WHERE account_id = ? AND exit_time > ?
		 ORDER BY exit_time ASC`,
		accountID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query trade outcomes: %w", err)
	}
	defer rows.Close()

	var out []*core.TradeOutcome
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		if err := verifyChecksum(data, checksum); err != nil {
			return nil, err
		}
		var o core.TradeOutcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade outcome: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
