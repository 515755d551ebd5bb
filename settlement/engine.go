/*
engine.go - Settlement engine entry point

PURPOSE:
  Engine is the single object the presentation layer talks to. It owns no
  state of its own: every operation runs in one Ledger Store transaction and
  either commits completely or leaves nothing behind.

OPERATIONS:
  CreateLot       lot.go
  CreateSale      sale.go
  EditSale        edit.go
  EditLot         edit.go
  ReverseSale     reversal.go
  ReverseLotEdit  reversal.go
  Quote           sale.go (no mutation)
  queries         this file

AUTHORIZATION:
  Every mutating operation takes an Actor argument. Operators may deposit
  lots and settle sales; edits and reversals require an admin.

ERRORS:
  Store failures that are not one of the engine's own kinds are wrapped in
  StorageError. Nothing is retried here.
*/
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// OBSERVER - Hook for metrics
// =============================================================================

// Observer is notified after each committed (or rejected) operation.
type Observer interface {
	SaleSettled(sale Sale)
	SaleRejected(reason string)
	SaleReversed(sale Sale)
	LotMutated(op string)
}

type nopObserver struct{}

func (nopObserver) SaleSettled(Sale)    {}
func (nopObserver) SaleRejected(string) {}
func (nopObserver) SaleReversed(Sale)   {}
func (nopObserver) LotMutated(string)   {}

// =============================================================================
// ENGINE
// =============================================================================

type Options struct {
	Logger   *zap.Logger
	Observer Observer

	// BaseChargeOncePerLot makes the first sale from a lot consume the lot's
	// base charge; later sales bill only extras. When false every sale bills
	// its own base over its basis quantity.
	BaseChargeOncePerLot bool

	Now   func() time.Time
	NewID func() string
}

// DefaultOptions returns options with the once-per-lot base charge rule on.
func DefaultOptions() Options {
	return Options{BaseChargeOncePerLot: true}
}

type Engine struct {
	store Store
	log   *zap.Logger
	obs   Observer
	opts  Options
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{store: store, log: opts.Logger, obs: opts.Observer, opts: opts}
}

// runTx executes fn in a store transaction and classifies its error.
func (e *Engine) runTx(ctx context.Context, op string, fn func(Tx) error) error {
	err := e.store.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	e.log.Error("ledger store failure", zap.String("op", op), zap.Error(err))
	return &StorageError{Op: op, Err: err}
}

func (e *Engine) read(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (e *Engine) id() string { return e.opts.NewID() }

// Now reads the engine's clock.
func (e *Engine) Now() time.Time { return e.opts.Now() }

func requireOperator(a Actor) error {
	if !a.canOperate() {
		return ErrForbidden
	}
	return nil
}

func requireAdmin(a Actor) error {
	if !a.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) GetLot(ctx context.Context, id LotID) (Lot, error) {
	lot, err := e.store.GetLot(ctx, id)
	return lot, e.read("get lot", err)
}

func (e *Engine) ListLots(ctx context.Context, f LotFilter) ([]Lot, error) {
	lots, err := e.store.ListLots(ctx, f)
	return lots, e.read("list lots", err)
}

func (e *Engine) GetSale(ctx context.Context, id SaleID) (Sale, error) {
	sale, err := e.store.GetSale(ctx, id)
	return sale, e.read("get sale", err)
}

func (e *Engine) ListSales(ctx context.Context, f SaleFilter) ([]Sale, error) {
	sales, err := e.store.ListSales(ctx, f)
	return sales, e.read("list sales", err)
}

func (e *Engine) LotHistory(ctx context.Context, id LotID) ([]LotHistoryEntry, error) {
	if _, err := e.GetLot(ctx, id); err != nil {
		return nil, err
	}
	h, err := e.store.LotHistory(ctx, id)
	return h, e.read("lot history", err)
}

func (e *Engine) SaleHistory(ctx context.Context, id SaleID) ([]SaleHistoryEntry, error) {
	if _, err := e.GetSale(ctx, id); err != nil {
		return nil, err
	}
	h, err := e.store.SaleHistory(ctx, id)
	return h, e.read("sale history", err)
}

// Outstanding sums the amounts of non-reversed sales.
type Outstanding struct {
	Sales int
	Total decimal.Decimal
	Paid  decimal.Decimal
	Due   decimal.Decimal
}

// Outstanding aggregates sales matching f. Reversed sales never count,
// whatever f.IncludeReversed says.
func (e *Engine) Outstanding(ctx context.Context, f SaleFilter) (Outstanding, error) {
	f.IncludeReversed = false
	sales, err := e.ListSales(ctx, f)
	if err != nil {
		return Outstanding{}, err
	}
	return SumOutstanding(sales), nil
}

// SumOutstanding aggregates already-loaded sales, skipping reversed ones.
func SumOutstanding(sales []Sale) Outstanding {
	out := Outstanding{Total: decimal.Zero, Paid: decimal.Zero, Due: decimal.Zero}
	for _, s := range sales {
		if s.Reversed {
			continue
		}
		out.Sales++
		out.Total = out.Total.Add(s.Charge.Total)
		out.Paid = out.Paid.Add(s.PaidAmount)
		out.Due = out.Due.Add(s.DueAmount)
	}
	return out
}

// =============================================================================
// PRICING PROFILES
// =============================================================================

func (e *Engine) SavePricingProfile(ctx context.Context, actor Actor, p PricingProfile) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = ProfileID(e.id())
	}
	if err := ValidatePricingProfile(p); err != nil {
		return err
	}
	return e.read("save pricing profile", e.store.SavePricingProfile(ctx, p))
}

func (e *Engine) ListPricingProfiles(ctx context.Context) ([]PricingProfile, error) {
	ps, err := e.store.ListPricingProfiles(ctx)
	return ps, e.read("list pricing profiles", err)
}

// ValidatePricingProfile checks a rate card before it is stored.
func ValidatePricingProfile(p PricingProfile) error {
	if p.Name == "" {
		return invalid("name", "required")
	}
	if p.StorageYear < 1 {
		return invalid("storage_year", "required")
	}
	if !p.Unit.Valid() {
		return invalid("unit", "unknown charge unit %q", p.Unit)
	}
	if len(p.Rates) == 0 {
		return invalid("rates", "at least one bag category required")
	}
	for cat, r := range p.Rates {
		if !cat.Valid() {
			return invalid("rates", "unknown bag category %q", cat)
		}
		if r.ColdCharge.IsNegative() || r.Handling.IsNegative() {
			return invalid("rates", "%s rates must not be negative", cat)
		}
	}
	x := p.DefaultExtras
	if x.Weighing.IsNegative() || x.ExtraHandlingPerBag.IsNegative() || x.Grading.IsNegative() {
		return invalid("default_extras", "must not be negative")
	}
	return nil
}
