package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LotInput describes a deposit.
type LotInput struct {
	// LotNumber 0 means "assign the next number in the category and year".
	LotNumber        int
	StorageYear      int
	Farmer           Farmer
	BagCategory      BagCategory
	Grade            QualityGrade
	Position         Position
	Quantity         int
	InitialNetWeight decimal.Decimal
	// Rates nil means "take them from the storage year's pricing profile".
	Rates     *Rates
	UpForSale bool
}

// CreateLot records a deposit with remaining == original.
func (e *Engine) CreateLot(ctx context.Context, actor Actor, in LotInput) (Lot, error) {
	if err := requireOperator(actor); err != nil {
		return Lot{}, err
	}
	if in.StorageYear < 1 {
		return Lot{}, invalid("storage_year", "required")
	}
	if in.Quantity < 1 {
		return Lot{}, invalid("quantity", "must be at least 1")
	}

	now := e.opts.Now()
	lot := Lot{
		ID:                LotID(e.id()),
		LotNumber:         in.LotNumber,
		StorageYear:       in.StorageYear,
		Farmer:            in.Farmer,
		BagCategory:       in.BagCategory,
		Grade:             in.Grade,
		Position:          in.Position,
		OriginalQuantity:  in.Quantity,
		RemainingQuantity: in.Quantity,
		InitialNetWeight:  in.InitialNetWeight,
		UpForSale:         in.UpForSale,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := e.runTx(ctx, "create lot", func(tx Tx) error {
		if in.Rates != nil {
			lot.Rates = *in.Rates
		} else {
			profile, err := tx.ActivePricingProfile(ctx, in.StorageYear)
			if err != nil {
				return err
			}
			if profile == nil {
				return invalid("rates", "no pricing profile for storage year %d", in.StorageYear)
			}
			rates, ok := profile.RatesFor(in.BagCategory)
			if !ok {
				return invalid("rates", "pricing profile %s has no rates for %s", profile.Name, in.BagCategory)
			}
			lot.Rates = rates
		}

		if lot.LotNumber == 0 {
			n, err := tx.NextLotNumber(ctx, lot.BagCategory, lot.StorageYear)
			if err != nil {
				return err
			}
			lot.LotNumber = n
		} else {
			taken, err := tx.LotNumberTaken(ctx, lot.BagCategory, lot.StorageYear, lot.LotNumber, "")
			if err != nil {
				return err
			}
			if taken {
				return invalid(FieldLotNumber, "%d already used for %s in %d", lot.LotNumber, lot.BagCategory, lot.StorageYear)
			}
		}

		if err := validateLotFields(lot); err != nil {
			return err
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		return tx.AppendLotHistory(ctx, LotHistoryEntry{
			ID:         HistoryID(e.id()),
			LotID:      lot.ID,
			ChangeType: LotChangeCreated,
			At:         now,
			ActorID:    actor.ID,
			After:      lot.Snapshot(),
		})
	})
	if err != nil {
		return Lot{}, err
	}

	e.obs.LotMutated("create")
	e.log.Info("lot deposited",
		zap.String("lot_id", string(lot.ID)),
		zap.Int("lot_number", lot.LotNumber),
		zap.String("bag_category", string(lot.BagCategory)),
		zap.Int("quantity", lot.OriginalQuantity),
	)
	return lot, nil
}
