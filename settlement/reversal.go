/*
reversal.go - Reversal Engine

PURPOSE:
  Undoes a settled sale, or the single most recent edit on a lot.

SALE REVERSAL:
  In one transaction:
    1. mark the sale reversed (conditional on reversed = false)
    2. add the sale quantity back to the lot, capped at the original size
    3. if this sale is the one that consumed the lot's base charge, clear
       the lot's billed flag so the next sale bills it again
    4. append a sale_reversal lot history row and a reversed sale history row
  Paid and due amounts are left exactly as they were. A second reversal of
  the same sale fails with ErrAlreadyReversed and restores nothing.

LOT EDIT REVERSAL:
  Finds the latest edit-type history row and restores the fields it lists
  to their before values. The restoration is itself written as an edit row
  with RevertsID pointing at the undone row. If the latest edit row is a
  restoration, there is nothing to undo (ErrNoReversibleEdit): undo is
  one-shot and never chains.

SEE ALSO:
  - store.go: MarkSaleReversed, IncrementRemaining
  - changeset.go: lotChangesFromSnapshot
*/
package settlement

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// =============================================================================
// SALE REVERSAL
// =============================================================================

// ReverseSale marks a sale reversed and restores its bags to the lot.
func (e *Engine) ReverseSale(ctx context.Context, actor Actor, id SaleID) (Sale, error) {
	if err := requireAdmin(actor); err != nil {
		return Sale{}, err
	}

	now := e.opts.Now()
	var sale Sale

	err := e.runTx(ctx, "reverse sale", func(tx Tx) error {
		var err error
		sale, err = tx.GetSale(ctx, id)
		if err != nil {
			return err
		}
		if sale.Reversed {
			return ErrAlreadyReversed
		}
		lot, err := tx.GetLot(ctx, sale.LotID)
		if err != nil {
			return err
		}

		if err := tx.MarkSaleReversed(ctx, sale.ID, now); err != nil {
			return err
		}
		if err := tx.IncrementRemaining(ctx, lot.ID, sale.Quantity); err != nil {
			return err
		}

		after := lot
		after.RemainingQuantity = min(lot.OriginalQuantity, lot.RemainingQuantity+sale.Quantity)
		if e.billedBase(sale) && lot.BaseChargeBilled {
			if err := tx.SetBaseChargeBilled(ctx, lot.ID, false); err != nil {
				return err
			}
			after.BaseChargeBilled = false
		}

		sale.Reversed = true
		sale.ReversedAt = &now
		sale.Version++
		sale.UpdatedAt = now

		before := lot.Snapshot()
		err = tx.AppendLotHistory(ctx, LotHistoryEntry{
			ID:         HistoryID(e.id()),
			LotID:      lot.ID,
			ChangeType: LotChangeSaleReversal,
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
		if err != nil {
			return err
		}
		return tx.AppendSaleHistory(ctx, []SaleHistoryEntry{{
			ID:       HistoryID(e.id()),
			SaleID:   sale.ID,
			Field:    FieldReversed,
			OldValue: "false",
			NewValue: "true",
			At:       now,
			ActorID:  actor.ID,
		}})
	})
	if err != nil {
		return Sale{}, err
	}

	e.obs.SaleReversed(sale)
	e.log.Info("sale reversed",
		zap.String("sale_id", string(sale.ID)),
		zap.String("lot_id", string(sale.LotID)),
		zap.Int("quantity", sale.Quantity),
	)
	return sale, nil
}

// billedBase reports whether the sale consumed its lot's once-per-lot base
// charge.
func (e *Engine) billedBase(s Sale) bool {
	return e.opts.BaseChargeOncePerLot && !s.Pricing.BaseAlreadyBilled
}

// =============================================================================
// LOT EDIT REVERSAL
// =============================================================================

// ReverseLotEdit restores the fields changed by the lot's most recent edit.
func (e *Engine) ReverseLotEdit(ctx context.Context, actor Actor, id LotID) (Lot, error) {
	if err := requireAdmin(actor); err != nil {
		return Lot{}, err
	}

	var (
		result  Lot
		changed []FieldChange
		undone  HistoryID
	)
	err := e.runTx(ctx, "reverse lot edit", func(tx Tx) error {
		lot, err := tx.GetLot(ctx, id)
		if err != nil {
			return err
		}
		entry, err := tx.LatestLotEdit(ctx, id)
		if err != nil {
			return err
		}
		if entry == nil || entry.RevertsID != "" || entry.Before == nil {
			return ErrNoReversibleEdit
		}

		restore := lotChangesFromSnapshot(*entry.Before, entry.Changes)
		result, changed, err = e.applyLotChanges(ctx, tx, actor, lot, restore, entry.ID)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return ErrNoReversibleEdit
		}
		undone = entry.ID
		return nil
	})
	if err != nil {
		return Lot{}, err
	}

	e.obs.LotMutated("revert")
	e.log.Info("lot edit reversed",
		zap.String("lot_id", string(id)),
		zap.String("reverts", string(undone)),
		zap.Int("fields", len(changed)),
	)
	return result, nil
}
