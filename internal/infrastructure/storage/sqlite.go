package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/option_exit_bot/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			instrument_key TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity INTEGER NOT NULL,
			lot_size INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			entered_at DATETIME NOT NULL,
			exited_at DATETIME,
			exit_price REAL NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT '',
			hwm_pct REAL NOT NULL DEFAULT 0,
			peak_trend_score REAL NOT NULL DEFAULT 0,
			meta TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_instrument ON positions(instrument_key);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// PositionRepository implementation

func (s *SQLiteStore) Save(ctx context.Context, p *domain.Position) error {
	meta, err := json.Marshal(p.Meta)
	if err != nil {
		return err
	}
	query := `INSERT INTO positions (id, instrument_key, direction, entry_price, quantity, lot_size, status, entered_at, exited_at, exit_price, exit_reason, hwm_pct, peak_trend_score, meta)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  status=excluded.status,
			  hwm_pct=excluded.hwm_pct,
			  peak_trend_score=excluded.peak_trend_score,
			  meta=excluded.meta`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.InstrumentKey, string(p.Direction), p.EntryPrice, p.Quantity, p.LotSize,
		string(p.Status), p.EnteredAt, p.ExitedAt, p.ExitPrice, string(p.ExitReason),
		p.HighWaterMarkPct, p.PeakTrendScore, string(meta))
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Position, error) {
	query := `SELECT id, instrument_key, direction, entry_price, quantity, lot_size, status, entered_at, exited_at, exit_price, exit_reason, hwm_pct, peak_trend_score, meta
			  FROM positions WHERE id = ?`
	return scanPosition(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) ListOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT id, instrument_key, direction, entry_price, quantity, lot_size, status, entered_at, exited_at, exit_price, exit_reason, hwm_pct, peak_trend_score, meta
			  FROM positions WHERE status IN ('pending', 'active')`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// FinalizeExit sets the terminal exit fields and the status together,
// guarded on status='active' so a second call changes nothing.
func (s *SQLiteStore) FinalizeExit(ctx context.Context, id string, price float64, reason domain.ExitReason, at time.Time) error {
	query := `UPDATE positions
			  SET status = 'exited', exit_price = ?, exit_reason = ?, exited_at = ?
			  WHERE id = ? AND status = 'active'`
	res, err := s.db.ExecContext(ctx, query, price, string(reason), at, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotActive
	}
	return nil
}

func (s *SQLiteStore) UpdateMarks(ctx context.Context, id string, hwmPct, peakTrendScore float64, meta map[string]string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	query := `UPDATE positions
			  SET hwm_pct = ?, peak_trend_score = ?, meta = ?
			  WHERE id = ? AND status = 'active'`
	_, err = s.db.ExecContext(ctx, query, hwmPct, peakTrendScore, string(metaJSON), id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var direction, status, exitReason, meta string
	var exitedAt sql.NullTime
	err := row.Scan(&p.ID, &p.InstrumentKey, &direction, &p.EntryPrice, &p.Quantity, &p.LotSize,
		&status, &p.EnteredAt, &exitedAt, &p.ExitPrice, &exitReason,
		&p.HighWaterMarkPct, &p.PeakTrendScore, &meta)
	if err != nil {
		return nil, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.ExitReason = domain.ExitReason(exitReason)
	if exitedAt.Valid {
		t := exitedAt.Time
		p.ExitedAt = &t
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &p.Meta); err != nil {
			p.Meta = map[string]string{}
		}
	}
	return &p, nil
}
