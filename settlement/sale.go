/*
sale.go - Sale Settlement State Machine

PURPOSE:
  Creates a sale against a lot: validates the request, depletes the lot's
  inventory atomically, snapshots pricing, computes the charge, applies the
  payment intent, and writes the sale plus a lot history row. All of it
  happens in one Ledger Store transaction.

STATES:
  none -> settled(due | partial | paid) -> reversed
  A reversed sale cannot be edited or reversed again.

EXTRAS:
  A request without extras takes the defaults of the pricing profile for the
  lot's storage year. Explicit extras, zero included, are used as given.

SALE KIND:
  final   quantity == lot remaining before the sale (exhausts the lot)
  partial quantity <  lot remaining before the sale
  A caller may insist on a final sale with Final=true; the request is then
  rejected unless it takes every remaining bag.

CONCURRENCY:
  The remaining-quantity check that matters is the conditional decrement in
  the store (remaining >= quantity). The earlier read is only used for the
  pricing snapshot and an early, friendlier rejection.

SEE ALSO:
  - charge.go: CalculateCharge
  - payment.go: ApplyPayment
  - reversal.go: ReverseSale
*/
package settlement

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RateOverride replaces the lot's rates for one sale.
type RateOverride struct {
	ColdCharge *decimal.Decimal
	Handling   *decimal.Decimal
}

// SaleRequest is the input to CreateSale.
type SaleRequest struct {
	LotID    LotID
	Quantity int
	// Final asks for a sale that exhausts the lot.
	Final              bool
	Rates              *RateOverride
	Basis              ChargeBasis
	// Extras nil takes the storage year's profile defaults.
	Extras             *Extras
	BuyerName          string
	PricePerWeightUnit decimal.NullDecimal
	Payment            PaymentIntent
}

func (r *SaleRequest) normalize() error {
	r.BuyerName = strings.TrimSpace(r.BuyerName)
	if r.Basis == "" {
		r.Basis = BasisActual
	}
	if r.Payment.Status == "" {
		r.Payment.Status = StatusDue
	}
	if r.Quantity < 1 {
		return invalid("quantity", "must be at least 1")
	}
	if r.BuyerName == "" {
		return invalid(FieldBuyerName, "a sale requires a buyer")
	}
	if !r.Basis.Valid() {
		return invalid("basis", "unknown charge basis %q", r.Basis)
	}
	if r.PricePerWeightUnit.Valid && r.PricePerWeightUnit.Decimal.IsNegative() {
		return invalid(FieldPricePerWeightUnit, "must not be negative")
	}
	return nil
}

// =============================================================================
// CREATE SALE
// =============================================================================

// CreateSale settles a sale against a lot.
func (e *Engine) CreateSale(ctx context.Context, actor Actor, req SaleRequest) (Sale, error) {
	if err := requireOperator(actor); err != nil {
		return Sale{}, err
	}
	if err := req.normalize(); err != nil {
		e.rejected(req, err)
		return Sale{}, err
	}

	now := e.opts.Now()
	var sale Sale

	err := e.runTx(ctx, "create sale", func(tx Tx) error {
		lot, err := tx.GetLot(ctx, req.LotID)
		if err != nil {
			return err
		}
		if req.Quantity > lot.RemainingQuantity {
			return &InsufficientInventoryError{LotID: lot.ID, Remaining: lot.RemainingQuantity, Requested: req.Quantity}
		}
		if req.Final && req.Quantity != lot.RemainingQuantity {
			return invalid("quantity", "a final sale must take all %d remaining bags", lot.RemainingQuantity)
		}

		extras, err := extrasFor(ctx, tx, lot, req.Extras)
		if err != nil {
			return err
		}
		pricing := e.pricingFor(lot, req.Quantity, req.Basis, req.Rates)
		charge, err := CalculateCharge(InputFromSnapshot(pricing, req.Quantity, extras))
		if err != nil {
			return err
		}
		payment, err := ApplyPayment(charge.Total, req.Payment)
		if err != nil {
			return err
		}

		sale = Sale{
			ID:                 SaleID(e.id()),
			LotID:              lot.ID,
			Kind:               SalePartial,
			Quantity:           req.Quantity,
			Pricing:            pricing,
			Extras:             extras,
			BuyerName:          req.BuyerName,
			PricePerWeightUnit: req.PricePerWeightUnit,
			Charge:             charge,
			CreatedBy:          actor.ID,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if req.Quantity == lot.RemainingQuantity {
			sale.Kind = SaleFinal
		}
		sale.setPayment(payment)
		if err := CheckMoneyInvariants(sale.ID, charge.Total, payment); err != nil {
			return err
		}

		if err := tx.DecrementRemaining(ctx, lot.ID, req.Quantity); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		after := lot
		after.RemainingQuantity -= req.Quantity
		if e.opts.BaseChargeOncePerLot && !lot.BaseChargeBilled {
			if err := tx.SetBaseChargeBilled(ctx, lot.ID, true); err != nil {
				return err
			}
			after.BaseChargeBilled = true
		}

		before := lot.Snapshot()
		changeType := LotChangePartialSale
		if sale.Kind == SaleFinal {
			changeType = LotChangeFinalSale
		}
		return tx.AppendLotHistory(ctx, LotHistoryEntry{
			ID:         HistoryID(e.id()),
			LotID:      lot.ID,
			ChangeType: changeType,
			At:         now,
			ActorID:    actor.ID,
			Before:     &before,
			After:      after.Snapshot(),
			Changes: []FieldChange{{
				Field: "remaining_quantity",
				Old:   strconv.Itoa(lot.RemainingQuantity),
				New:   strconv.Itoa(after.RemainingQuantity),
			}},
			Sale: saleSummary(sale),
		})
	})
	if err != nil {
		e.rejected(req, err)
		return Sale{}, err
	}

	e.obs.SaleSettled(sale)
	e.log.Info("sale settled",
		zap.String("sale_id", string(sale.ID)),
		zap.String("lot_id", string(sale.LotID)),
		zap.String("kind", string(sale.Kind)),
		zap.Int("quantity", sale.Quantity),
		zap.String("total", sale.Charge.Total.String()),
		zap.String("status", string(sale.Status)),
	)
	return sale, nil
}

func (e *Engine) rejected(req SaleRequest, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrInsufficientInventory):
		reason = "insufficient_inventory"
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrInconsistentChargeState):
		reason = "inconsistent_charge"
	case errors.Is(err, ErrStorageFailure):
		reason = "storage"
	}
	e.obs.SaleRejected(reason)
	e.log.Warn("sale rejected",
		zap.String("lot_id", string(req.LotID)),
		zap.Int("quantity", req.Quantity),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// =============================================================================
// QUOTE - Charge preview without mutation
// =============================================================================

type QuoteRequest struct {
	LotID    LotID
	Quantity int
	Basis    ChargeBasis
	Rates    *RateOverride
	Extras   *Extras
}

// Quote computes what CreateSale would charge right now.
func (e *Engine) Quote(ctx context.Context, q QuoteRequest) (Charge, error) {
	if q.Basis == "" {
		q.Basis = BasisActual
	}
	if !q.Basis.Valid() {
		return Charge{}, invalid("basis", "unknown charge basis %q", q.Basis)
	}

	var charge Charge
	err := e.runTx(ctx, "quote", func(tx Tx) error {
		lot, err := tx.GetLot(ctx, q.LotID)
		if err != nil {
			return err
		}
		if q.Quantity > lot.RemainingQuantity {
			return &InsufficientInventoryError{LotID: lot.ID, Remaining: lot.RemainingQuantity, Requested: q.Quantity}
		}
		extras, err := extrasFor(ctx, tx, lot, q.Extras)
		if err != nil {
			return err
		}
		pricing := e.pricingFor(lot, q.Quantity, q.Basis, q.Rates)
		charge, err = CalculateCharge(InputFromSnapshot(pricing, q.Quantity, extras))
		return err
	})
	if err != nil {
		return Charge{}, err
	}
	return charge, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// pricingFor snapshots the lot's pricing for a sale of quantity bags.
func (e *Engine) pricingFor(lot Lot, quantity int, basis ChargeBasis, override *RateOverride) PricingSnapshot {
	rates := lot.Rates
	if override != nil {
		if override.ColdCharge != nil {
			rates.ColdCharge = *override.ColdCharge
		}
		if override.Handling != nil {
			rates.Handling = *override.Handling
		}
	}

	basisQty := quantity
	if basis == BasisTotalRemaining {
		basisQty = lot.RemainingQuantity
	}

	return PricingSnapshot{
		Rates:             rates,
		NetWeight:         lot.InitialNetWeight,
		OriginalLotSize:   lot.OriginalQuantity,
		Basis:             basis,
		BasisQuantity:     basisQty,
		BaseAlreadyBilled: e.opts.BaseChargeOncePerLot && lot.BaseChargeBilled,
	}
}

// extrasFor returns x, or the defaults of the lot's storage-year profile
// when x is nil. No profile means no extras.
func extrasFor(ctx context.Context, tx Tx, lot Lot, x *Extras) (Extras, error) {
	if x != nil {
		return *x, nil
	}
	profile, err := tx.ActivePricingProfile(ctx, lot.StorageYear)
	if err != nil || profile == nil {
		return Extras{}, err
	}
	return profile.DefaultExtras, nil
}

func saleSummary(s Sale) *SaleSummary {
	return &SaleSummary{
		SaleID:        s.ID,
		Quantity:      s.Quantity,
		PricePerBag:   RoundMoney(s.Charge.Total.Div(decimal.NewFromInt(int64(s.Quantity)))),
		BuyerName:     s.BuyerName,
		PaymentStatus: s.Status,
	}
}
