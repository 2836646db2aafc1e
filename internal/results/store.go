package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"riptide/internal/market"
)

// RunRecord 是 runs.db 里一次回测的行级摘要。
type RunRecord struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Strategy     string    `json:"strategy"`
	Symbols      string    `json:"symbols"`
	InitialCash  float64   `json:"initial_cash"`
	FinalEquity  float64   `json:"final_equity"`
	NetPnL       float64   `json:"net_pnl"`
	Trades       int       `json:"trades"`
	RunDir       string    `json:"run_dir"`
	ConfigJSON   string    `json:"config_json"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at"`
	ErrorMessage string    `json:"error_message"`
}

// Store 把运行摘要与成交/权益行写进 sqlite（runs.db），
// serve API 从这里读。单连接 + WAL，写路径串行。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			strategy TEXT NOT NULL,
			symbols TEXT NOT NULL,
			initial_cash REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			net_pnl REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			run_dir TEXT NOT NULL,
			config_json TEXT NOT NULL,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS run_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			entry_ts INTEGER NOT NULL,
			exit_ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			pnl_price REAL NOT NULL,
			fees_paid REAL NOT NULL,
			pnl_net REAL NOT NULL,
			meta_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_trades_run ON run_trades(run_id);`,
		`CREATE TABLE IF NOT EXISTS run_equity (
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			margin_used REAL NOT NULL,
			PRIMARY KEY (run_id, ts)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 登记一次新运行。
func (s *Store) InsertRun(ctx context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, strategy, symbols, initial_cash, final_equity, net_pnl, trades, run_dir, config_json, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Strategy, rec.Symbols, rec.InitialCash,
		rec.FinalEquity, rec.NetPnL, rec.Trades, rec.RunDir, rec.ConfigJSON,
		rec.ErrorMessage, rec.CreatedAt.UnixMilli())
	return err
}

// CompleteRun 回填终态。
func (s *Store) CompleteRun(ctx context.Context, id, status string, finalEquity, netPnL float64, trades int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, final_equity=?, net_pnl=?, trades=?, error_message=?, completed_at=?
		WHERE id=?`,
		status, finalEquity, netPnL, trades, errorMessage, time.Now().UnixMilli(), id)
	return err
}

// InsertTrades 批量写入平仓记录。
func (s *Store) InsertTrades(ctx context.Context, runID string, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_trades (run_id, entry_ts, exit_ts, symbol, side, qty, entry_price, exit_price, pnl_price, fees_paid, pnl_net, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, trade := range trades {
		meta, _ := json.Marshal(map[string]any{
			"risk_amount":      trade.RiskAmount,
			"stop_distance":    trade.StopDistance,
			"r_multiple_gross": trade.RMultipleGross,
			"r_multiple_net":   trade.RMultipleNet,
		})
		if _, err := stmt.ExecContext(ctx,
			runID, trade.EntryTS.UnixMilli(), trade.ExitTS.UnixMilli(), trade.Symbol, string(trade.Side),
			trade.Qty, trade.EntryPrice, trade.ExitPrice, trade.PnLPrice, trade.FeesPaid, trade.PnLNet, string(meta)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// InsertEquity 批量写入权益快照。
func (s *Store) InsertEquity(ctx context.Context, runID string, points []market.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO run_equity (run_id, ts, equity, cash, margin_used)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, point := range points {
		if _, err := stmt.ExecContext(ctx, runID, point.TS.UnixMilli(), point.Equity, point.Cash, point.MarginUsed); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListRuns 按创建时间倒序返回运行摘要。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, strategy, symbols, initial_cash, final_equity, net_pnl, trades, run_dir, config_json,
		       COALESCE(error_message, ''), created_at, COALESCE(completed_at, 0)
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var createdAt, completedAt int64
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.Strategy, &rec.Symbols, &rec.InitialCash,
			&rec.FinalEquity, &rec.NetPnL, &rec.Trades, &rec.RunDir, &rec.ConfigJSON,
			&rec.ErrorMessage, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		if completedAt > 0 {
			rec.CompletedAt = time.UnixMilli(completedAt).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun 取单次运行。
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, strategy, symbols, initial_cash, final_equity, net_pnl, trades, run_dir, config_json,
		       COALESCE(error_message, ''), created_at, COALESCE(completed_at, 0)
		FROM runs WHERE id=?`, id)
	var rec RunRecord
	var createdAt, completedAt int64
	if err := row.Scan(&rec.ID, &rec.Status, &rec.Strategy, &rec.Symbols, &rec.InitialCash,
		&rec.FinalEquity, &rec.NetPnL, &rec.Trades, &rec.RunDir, &rec.ConfigJSON,
		&rec.ErrorMessage, &createdAt, &completedAt); err != nil {
		return RunRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt > 0 {
		rec.CompletedAt = time.UnixMilli(completedAt).UTC()
	}
	return rec, nil
}
