/*
store.go - Ledger Store interface for lots, sales and history

PURPOSE:
  Defines the contract between the settlement engine and durable storage.
  The engine never reads-then-writes a counter it cares about: inventory
  depletion and restoration, the reversed flag, and record edits all go
  through conditional updates that fail instead of losing an update.

KEY INTERFACES:
  Reader: queries by id and by filter
  Tx:     the reads and writes available inside one transaction
  Store:  Reader + WithTx + pricing profiles

ATOMIC CONDITIONAL UPDATES:
  DecrementRemaining  guarded by remaining >= quantity
  IncrementRemaining  capped at original quantity
  UpdateLot/UpdateSale guarded by version (and reversed = false for sales)
  MarkSaleReversed    guarded by reversed = false

TRANSACTIONS:
  WithTx runs fn inside one transaction. If fn returns an error, nothing fn
  wrote is observable afterwards.

HISTORY:
  Lot and sale history are append-only. There is no update or delete.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - settlement/store/memory.go: in-memory for tests and development

SEE ALSO:
  - engine.go: runs every operation through WithTx
*/
package settlement

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

type LotFilter struct {
	BagCategory *BagCategory
	StorageYear *int
	UpForSale   *bool
	FarmerName  string
}

type SaleFilter struct {
	LotID           *LotID
	Status          *PaymentStatus
	From            *time.Time
	To              *time.Time
	IncludeReversed bool
}

// =============================================================================
// READER - Queries
// =============================================================================

type Reader interface {
	// GetLot returns ErrNotFound if the lot does not exist.
	GetLot(ctx context.Context, id LotID) (Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)

	// GetSale returns ErrNotFound if the sale does not exist.
	GetSale(ctx context.Context, id SaleID) (Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)

	// LotHistory and SaleHistory return entries newest first.
	LotHistory(ctx context.Context, lotID LotID) ([]LotHistoryEntry, error)
	SaleHistory(ctx context.Context, saleID SaleID) ([]SaleHistoryEntry, error)
}

// =============================================================================
// TX - Operations available inside a transaction
// =============================================================================

type Tx interface {
	Reader

	InsertLot(ctx context.Context, lot Lot) error

	// NextLotNumber returns one more than the highest lot number used in
	// (category, year), or 1.
	NextLotNumber(ctx context.Context, category BagCategory, year int) (int, error)

	// LotNumberTaken reports whether number is used in (category, year) by a
	// lot other than exclude.
	LotNumberTaken(ctx context.Context, category BagCategory, year, number int, exclude LotID) (bool, error)

	// DecrementRemaining atomically subtracts quantity from the lot's
	// remaining quantity if and only if remaining >= quantity, and bumps the
	// lot's version. Returns *InsufficientInventoryError otherwise.
	DecrementRemaining(ctx context.Context, id LotID, quantity int) error

	// IncrementRemaining atomically adds quantity, capped at the original
	// quantity, and bumps the lot's version.
	IncrementRemaining(ctx context.Context, id LotID, quantity int) error

	// SetBaseChargeBilled sets the lot's already-billed flag.
	SetBaseChargeBilled(ctx context.Context, id LotID, billed bool) error

	// UpdateLot overwrites the lot if its stored version equals
	// expectedVersion, storing expectedVersion+1. Returns
	// ErrConcurrentModification otherwise.
	UpdateLot(ctx context.Context, lot Lot, expectedVersion int) error

	InsertSale(ctx context.Context, sale Sale) error

	// UpdateSale overwrites a non-reversed sale whose stored version equals
	// expectedVersion, storing expectedVersion+1. Returns ErrAlreadyReversed
	// or ErrConcurrentModification otherwise.
	UpdateSale(ctx context.Context, sale Sale, expectedVersion int) error

	// MarkSaleReversed sets reversed=true if it is currently false. Returns
	// ErrAlreadyReversed otherwise.
	MarkSaleReversed(ctx context.Context, id SaleID, at time.Time) error

	AppendLotHistory(ctx context.Context, entry LotHistoryEntry) error
	AppendSaleHistory(ctx context.Context, entries []SaleHistoryEntry) error

	// LatestLotEdit returns the most recent edit-type history row for the
	// lot, or nil if there is none.
	LatestLotEdit(ctx context.Context, id LotID) (*LotHistoryEntry, error)

	// ActivePricingProfile returns the latest profile for the storage year,
	// or nil if there is none.
	ActivePricingProfile(ctx context.Context, year int) (*PricingProfile, error)
}

// =============================================================================
// STORE - Entry point
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	SavePricingProfile(ctx context.Context, p PricingProfile) error
	ListPricingProfiles(ctx context.Context) ([]PricingProfile, error)
}
