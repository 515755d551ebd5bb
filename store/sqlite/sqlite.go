/*
Package sqlite provides a SQLite-backed implementation of settlement.Store.

PURPOSE:
  Persists lots, sales, their audit history, and pricing profiles. Every
  engine operation runs inside one database transaction through WithTx.

ATOMIC CONDITIONAL UPDATES:
  The counters the engine cares about are never read-then-written:
  - remaining_quantity: UPDATE ... WHERE remaining_quantity >= ?
  - restoration:        SET remaining_quantity = MIN(original_quantity, ...)
  - reversed flag:      UPDATE ... WHERE reversed = 0
  - record edits:       UPDATE ... WHERE version = ?
  When an UPDATE touches zero rows the row is re-read to tell "not found"
  from "precondition failed".

APPEND-ONLY ENFORCEMENT:
  lot_history and sale_history are only ever inserted into. Rows are
  ordered by an autoincrement seq so that history reads are stable even
  when two rows share a timestamp.

KEY TABLES:
  lots:             one row per deposit; remaining/original CHECK constraint
  sales:            one row per settlement; pricing and charge as JSON
  lot_history:      before/after snapshots and field changes as JSON
  sale_history:     one row per changed field
  pricing_profiles: rate cards, versioned on update

CONCURRENCY:
  Uses sync.RWMutex for thread-safety: WithTx takes the write lock for the
  whole transaction, and reads made inside it go through the sql.Tx so they
  never wait on the lock the transaction already holds.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/coldstore.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := settlement.NewEngine(store, settlement.DefaultOptions())

SEE ALSO:
  - settlement/store.go: Interface definitions
  - settlement/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/coldstore/settlement"
)

// timeLayout is fixed-width so stored timestamps sort and compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements settlement.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := NewFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewFromDB wraps an already-open, already-migrated database.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		lot_number INTEGER NOT NULL,
		storage_year INTEGER NOT NULL,
		farmer_name TEXT NOT NULL,
		farmer_contact TEXT NOT NULL DEFAULT '',
		farmer_village TEXT NOT NULL DEFAULT '',
		farmer_district TEXT NOT NULL DEFAULT '',
		farmer_state TEXT NOT NULL DEFAULT '',
		bag_category TEXT NOT NULL,
		grade TEXT NOT NULL,
		chamber TEXT NOT NULL DEFAULT '',
		floor TEXT NOT NULL DEFAULT '',
		slot TEXT NOT NULL DEFAULT '',
		original_quantity INTEGER NOT NULL,
		remaining_quantity INTEGER NOT NULL,
		initial_net_weight TEXT NOT NULL,
		rate_cold_charge TEXT NOT NULL,
		rate_handling TEXT NOT NULL,
		charge_unit TEXT NOT NULL,
		base_charge_billed INTEGER NOT NULL DEFAULT 0,
		up_for_sale INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (remaining_quantity >= 0 AND remaining_quantity <= original_quantity)
	);

	-- Lot numbers restart per bag category and storage year
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lots_number
		ON lots(bag_category, storage_year, lot_number);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		kind TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		pricing_json TEXT NOT NULL,
		extras_json TEXT NOT NULL,
		buyer_name TEXT NOT NULL,
		price_per_weight_unit TEXT,
		charge_json TEXT NOT NULL,
		total_charge TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		due_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_mode TEXT NOT NULL DEFAULT '',
		reversed INTEGER NOT NULL DEFAULT 0,
		reversed_at TEXT,
		created_by TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_lot ON sales(lot_id);
	CREATE INDEX IF NOT EXISTS idx_sales_created ON sales(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sales_outstanding ON sales(reversed, status);

	CREATE TABLE IF NOT EXISTS lot_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		change_type TEXT NOT NULL,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT NOT NULL,
		changes_json TEXT NOT NULL,
		sale_json TEXT,
		reverts_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_lot_history_lot ON lot_history(lot_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_lot_history_edits
		ON lot_history(lot_id, seq DESC) WHERE change_type = 'edit';

	CREATE TABLE IF NOT EXISTS sale_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		field TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_history_sale ON sale_history(sale_id, seq DESC);

	CREATE TABLE IF NOT EXISTS pricing_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		storage_year INTEGER NOT NULL,
		charge_unit TEXT NOT NULL,
		rates_json TEXT NOT NULL,
		default_extras_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		revision INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pricing_profiles_year
		ON pricing_profiles(storage_year, revision DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.Store.WithTx)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every query on the open transaction. It never touches the
// parent's lock.
type txStore struct {
	q querier
}

// =============================================================================
// READS (settlement.Reader)
// =============================================================================

func (s *Store) GetLot(ctx context.Context, id settlement.LotID) (settlement.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLot(ctx, s.db, id)
}

func (s *Store) ListLots(ctx context.Context, f settlement.LotFilter) ([]settlement.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLots(ctx, s.db, f)
}

func (s *Store) GetSale(ctx context.Context, id settlement.SaleID) (settlement.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSale(ctx, s.db, id)
}

func (s *Store) ListSales(ctx context.Context, f settlement.SaleFilter) ([]settlement.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSales(ctx, s.db, f)
}

func (s *Store) LotHistory(ctx context.Context, id settlement.LotID) ([]settlement.LotHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lotHistory(ctx, s.db, id)
}

func (s *Store) SaleHistory(ctx context.Context, id settlement.SaleID) ([]settlement.SaleHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return saleHistory(ctx, s.db, id)
}

func (ts *txStore) GetLot(ctx context.Context, id settlement.LotID) (settlement.Lot, error) {
	return getLot(ctx, ts.q, id)
}

func (ts *txStore) ListLots(ctx context.Context, f settlement.LotFilter) ([]settlement.Lot, error) {
	return listLots(ctx, ts.q, f)
}

func (ts *txStore) GetSale(ctx context.Context, id settlement.SaleID) (settlement.Sale, error) {
	return getSale(ctx, ts.q, id)
}

func (ts *txStore) ListSales(ctx context.Context, f settlement.SaleFilter) ([]settlement.Sale, error) {
	return listSales(ctx, ts.q, f)
}

func (ts *txStore) LotHistory(ctx context.Context, id settlement.LotID) ([]settlement.LotHistoryEntry, error) {
	return lotHistory(ctx, ts.q, id)
}

func (ts *txStore) SaleHistory(ctx context.Context, id settlement.SaleID) ([]settlement.SaleHistoryEntry, error) {
	return saleHistory(ctx, ts.q, id)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"sale_history", "lot_history", "sales", "lots", "pricing_profiles"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// affectedOne reports whether a conditional UPDATE touched its row.
func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
