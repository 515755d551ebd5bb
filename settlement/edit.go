/*
edit.go - Sale and lot edits

PURPOSE:
  EditSale changes a settled sale's buyer, rates, weight, extras or payment
  fields and re-runs Payment Reconciliation. EditLot changes a lot's
  descriptive and pricing fields. Both write audit rows built from the typed
  changesets in changeset.go.

AUDIT ROWS:
  Sale: one SaleHistoryEntry per persisted field that changed, derived
        amounts included (total, paid, due, status).
  Lot:  one LotHistoryEntry of type edit with before/after snapshots and the
        list of changed fields.
  An edit that changes nothing writes nothing.

CONCURRENCY:
  Updates are guarded by the record version. A sale update is also guarded
  by reversed = false, so an edit racing a reversal cannot resurrect it.
*/
package settlement

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// EDIT SALE
// =============================================================================

// EditSale applies changes to a non-reversed sale.
func (e *Engine) EditSale(ctx context.Context, actor Actor, id SaleID, changes SaleChanges) (Sale, error) {
	if err := requireAdmin(actor); err != nil {
		return Sale{}, err
	}
	if err := validateSaleChanges(&changes); err != nil {
		return Sale{}, err
	}

	now := e.opts.Now()
	var (
		result  Sale
		changed []FieldChange
	)

	err := e.runTx(ctx, "edit sale", func(tx Tx) error {
		sale, err := tx.GetSale(ctx, id)
		if err != nil {
			return err
		}
		if sale.Reversed {
			return ErrAlreadyReversed
		}
		if changes.ExpectedVersion != 0 && changes.ExpectedVersion != sale.Version {
			return ErrConcurrentModification
		}

		next := sale
		changes.applyInputs(&next)

		if changes.affectsCharge() {
			charge, err := CalculateCharge(InputFromSnapshot(next.Pricing, next.Quantity, next.Extras))
			if err != nil {
				return err
			}
			next.Charge = charge
		}

		payment, err := reconcile(next, changes)
		if err != nil {
			return err
		}
		next.setPayment(payment)
		if err := CheckMoneyInvariants(next.ID, next.Charge.Total, payment); err != nil {
			return err
		}

		changed = saleFieldChanges(sale, next)
		if len(changed) == 0 {
			result = sale
			return nil
		}

		next.UpdatedAt = now
		if err := tx.UpdateSale(ctx, next, sale.Version); err != nil {
			return err
		}
		next.Version = sale.Version + 1

		rows := make([]SaleHistoryEntry, 0, len(changed))
		for _, c := range changed {
			rows = append(rows, SaleHistoryEntry{
				ID:       HistoryID(e.id()),
				SaleID:   sale.ID,
				Field:    c.Field,
				OldValue: c.Old,
				NewValue: c.New,
				At:       now,
				ActorID:  actor.ID,
			})
		}
		result = next
		return tx.AppendSaleHistory(ctx, rows)
	})
	if err != nil {
		return Sale{}, err
	}

	if len(changed) > 0 {
		e.log.Info("sale edited",
			zap.String("sale_id", string(result.ID)),
			zap.Int("fields", len(changed)),
			zap.String("total", result.Charge.Total.String()),
			zap.String("status", string(result.Status)),
		)
	}
	return result, nil
}

// reconcile derives the payment state for an edited sale whose charge has
// already been recomputed.
func reconcile(next Sale, c SaleChanges) (PaymentState, error) {
	mode := next.PaymentMode
	if c.PaymentMode != nil {
		mode = *c.PaymentMode
	}
	total := next.Charge.Total

	switch {
	case c.Status != nil:
		requested := next.PaidAmount
		if c.PaidAmount != nil {
			requested = *c.PaidAmount
		}
		return ApplyPayment(total, PaymentIntent{Status: *c.Status, PaidAmount: requested, Mode: mode})
	case c.PaidAmount != nil:
		return ApplyPayment(total, PaymentIntent{Status: StatusPartial, PaidAmount: *c.PaidAmount, Mode: mode})
	case !c.affectsCharge() && c.PaymentMode == nil:
		// Total unchanged and no payment field requested: keep the stored state.
		return next.paymentState(), nil
	}

	st := CarryForward(total, next.PaidAmount, mode)
	if st.Paid.IsPositive() && !st.Mode.Valid() {
		return PaymentState{}, invalid(FieldPaymentMode, "cash or account required when status is %s", st.Status)
	}
	return st, nil
}

func validateSaleChanges(c *SaleChanges) error {
	if c.BuyerName != nil {
		name := strings.TrimSpace(*c.BuyerName)
		if name == "" {
			return invalid(FieldBuyerName, "a sale requires a buyer")
		}
		c.BuyerName = &name
	}
	for field, d := range map[string]*decimal.Decimal{
		FieldRateColdCharge:      c.RateColdCharge,
		FieldRateHandling:        c.RateHandling,
		FieldNetWeight:           c.NetWeight,
		FieldWeighing:            c.Weighing,
		FieldExtraHandlingPerBag: c.ExtraHandlingPerBag,
		FieldGrading:             c.Grading,
		FieldPricePerWeightUnit:  c.PricePerWeightUnit,
		FieldPaidAmount:          c.PaidAmount,
	} {
		if d != nil && d.IsNegative() {
			return invalid(field, "must not be negative")
		}
	}
	if c.Status != nil && !c.Status.Valid() {
		return invalid(FieldPaymentStatus, "unknown status %q", *c.Status)
	}
	if c.PaymentMode != nil && *c.PaymentMode != ModeNone && !c.PaymentMode.Valid() {
		return invalid(FieldPaymentMode, "unknown payment mode %q", *c.PaymentMode)
	}
	return nil
}

// =============================================================================
// EDIT LOT
// =============================================================================

// EditLot applies changes to a lot's editable fields.
func (e *Engine) EditLot(ctx context.Context, actor Actor, id LotID, changes LotChanges) (Lot, error) {
	if err := requireAdmin(actor); err != nil {
		return Lot{}, err
	}

	var (
		result  Lot
		changed []FieldChange
	)
	err := e.runTx(ctx, "edit lot", func(tx Tx) error {
		lot, err := tx.GetLot(ctx, id)
		if err != nil {
			return err
		}
		if changes.ExpectedVersion != 0 && changes.ExpectedVersion != lot.Version {
			return ErrConcurrentModification
		}
		result, changed, err = e.applyLotChanges(ctx, tx, actor, lot, changes, "")
		return err
	})
	if err != nil {
		return Lot{}, err
	}

	if len(changed) > 0 {
		e.obs.LotMutated("edit")
		e.log.Info("lot edited", zap.String("lot_id", string(id)), zap.Int("fields", len(changed)))
	}
	return result, nil
}

// applyLotChanges writes an edit and its history row inside tx. revertsID
// is set when the edit is an undo.
func (e *Engine) applyLotChanges(ctx context.Context, tx Tx, actor Actor, lot Lot, changes LotChanges, revertsID HistoryID) (Lot, []FieldChange, error) {
	next, changed, err := changes.Apply(lot)
	if err != nil {
		return Lot{}, nil, err
	}
	if len(changed) == 0 {
		return lot, nil, nil
	}

	if next.LotNumber != lot.LotNumber || next.BagCategory != lot.BagCategory {
		taken, err := tx.LotNumberTaken(ctx, next.BagCategory, next.StorageYear, next.LotNumber, lot.ID)
		if err != nil {
			return Lot{}, nil, err
		}
		if taken {
			return Lot{}, nil, invalid(FieldLotNumber, "%d already used for %s in %d", next.LotNumber, next.BagCategory, next.StorageYear)
		}
	}

	now := e.opts.Now()
	next.UpdatedAt = now
	if err := tx.UpdateLot(ctx, next, lot.Version); err != nil {
		return Lot{}, nil, err
	}
	next.Version = lot.Version + 1

	before := lot.Snapshot()
	err = tx.AppendLotHistory(ctx, LotHistoryEntry{
		ID:         HistoryID(e.id()),
		LotID:      lot.ID,
		ChangeType: LotChangeEdit,
		At:         now,
		ActorID:    actor.ID,
		Before:     &before,
		After:      next.Snapshot(),
		Changes:    changed,
		RevertsID:  revertsID,
	})
	if err != nil {
		return Lot{}, nil, err
	}
	return next, changed, nil
}
