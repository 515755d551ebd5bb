package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `
	id, lot_number, storage_year,
	farmer_name, farmer_contact, farmer_village, farmer_district, farmer_state,
	bag_category, grade, chamber, floor, slot,
	original_quantity, remaining_quantity, initial_net_weight,
	rate_cold_charge, rate_handling, charge_unit,
	base_charge_billed, up_for_sale, version, created_at, updated_at`

func scanLot(row rowScanner) (settlement.Lot, error) {
	var (
		l                         settlement.Lot
		netWeight, cold, handling string
		billed, upForSale         int
		createdAt, updatedAt      string
	)
	err := row.Scan(
		&l.ID, &l.LotNumber, &l.StorageYear,
		&l.Farmer.Name, &l.Farmer.Contact, &l.Farmer.Village, &l.Farmer.District, &l.Farmer.State,
		&l.BagCategory, &l.Grade, &l.Position.Chamber, &l.Position.Floor, &l.Position.Slot,
		&l.OriginalQuantity, &l.RemainingQuantity, &netWeight,
		&cold, &handling, &l.Rates.Unit,
		&billed, &upForSale, &l.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return l, err
	}

	if l.InitialNetWeight, err = decimal.NewFromString(netWeight); err != nil {
		return l, fmt.Errorf("lot %s: bad initial_net_weight: %w", l.ID, err)
	}
	if l.Rates.ColdCharge, err = decimal.NewFromString(cold); err != nil {
		return l, fmt.Errorf("lot %s: bad rate_cold_charge: %w", l.ID, err)
	}
	if l.Rates.Handling, err = decimal.NewFromString(handling); err != nil {
		return l, fmt.Errorf("lot %s: bad rate_handling: %w", l.ID, err)
	}
	l.BaseChargeBilled = billed == 1
	l.UpForSale = upForSale == 1
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return l, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return l, err
	}
	return l, nil
}

func getLot(ctx context.Context, q querier, id settlement.LotID) (settlement.Lot, error) {
	lot, err := scanLot(q.QueryRowContext(ctx, "SELECT "+lotColumns+" FROM lots WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Lot{}, settlement.ErrNotFound
	}
	if err != nil {
		return settlement.Lot{}, fmt.Errorf("failed to load lot: %w", err)
	}
	return lot, nil
}

func listLots(ctx context.Context, q querier, f settlement.LotFilter) ([]settlement.Lot, error) {
	var (
		where []string
		args  []any
	)
	if f.BagCategory != nil {
		where = append(where, "bag_category = ?")
		args = append(args, *f.BagCategory)
	}
	if f.StorageYear != nil {
		where = append(where, "storage_year = ?")
		args = append(args, *f.StorageYear)
	}
	if f.UpForSale != nil {
		where = append(where, "up_for_sale = ?")
		args = append(args, boolInt(*f.UpForSale))
	}
	if f.FarmerName != "" {
		where = append(where, "LOWER(farmer_name) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.FarmerName)+"%")
	}

	query := "SELECT " + lotColumns + " FROM lots"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY storage_year DESC, bag_category ASC, lot_number ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}
	defer rows.Close()

	lots := []settlement.Lot{}
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (ts *txStore) InsertLot(ctx context.Context, l settlement.Lot) error {
	query := `INSERT INTO lots (` + lotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ts.q.ExecContext(ctx, query,
		l.ID, l.LotNumber, l.StorageYear,
		l.Farmer.Name, l.Farmer.Contact, l.Farmer.Village, l.Farmer.District, l.Farmer.State,
		l.BagCategory, l.Grade, l.Position.Chamber, l.Position.Floor, l.Position.Slot,
		l.OriginalQuantity, l.RemainingQuantity, l.InitialNetWeight.String(),
		l.Rates.ColdCharge.String(), l.Rates.Handling.String(), l.Rates.Unit,
		boolInt(l.BaseChargeBilled), boolInt(l.UpForSale), l.Version,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &settlement.ValidationError{Field: settlement.FieldLotNumber, Message: "already used for this category and year"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (ts *txStore) NextLotNumber(ctx context.Context, category settlement.BagCategory, year int) (int, error) {
	var n int
	err := ts.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(lot_number), 0) + 1 FROM lots WHERE bag_category = ? AND storage_year = ?",
		category, year,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next lot number: %w", err)
	}
	return n, nil
}

func (ts *txStore) LotNumberTaken(ctx context.Context, category settlement.BagCategory, year, number int, exclude settlement.LotID) (bool, error) {
	var n int
	err := ts.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lots WHERE bag_category = ? AND storage_year = ? AND lot_number = ? AND id != ?",
		category, year, number, exclude,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check lot number: %w", err)
	}
	return n > 0, nil
}

func (ts *txStore) DecrementRemaining(ctx context.Context, id settlement.LotID, quantity int) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE lots
		SET remaining_quantity = remaining_quantity - ?, version = version + 1
		WHERE id = ? AND remaining_quantity >= ?`,
		quantity, id, quantity,
	)
	if err != nil {
		return fmt.Errorf("failed to decrement remaining: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil || ok {
		return err
	}

	lot, err := getLot(ctx, ts.q, id)
	if err != nil {
		return err
	}
	return &settlement.InsufficientInventoryError{LotID: id, Remaining: lot.RemainingQuantity, Requested: quantity}
}

func (ts *txStore) IncrementRemaining(ctx context.Context, id settlement.LotID, quantity int) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE lots
		SET remaining_quantity = MIN(original_quantity, remaining_quantity + ?), version = version + 1
		WHERE id = ?`,
		quantity, id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment remaining: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return settlement.ErrNotFound
	}
	return nil
}

func (ts *txStore) SetBaseChargeBilled(ctx context.Context, id settlement.LotID, billed bool) error {
	res, err := ts.q.ExecContext(ctx, "UPDATE lots SET base_charge_billed = ? WHERE id = ?", boolInt(billed), id)
	if err != nil {
		return fmt.Errorf("failed to set base charge flag: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return settlement.ErrNotFound
	}
	return nil
}

func (ts *txStore) UpdateLot(ctx context.Context, l settlement.Lot, expectedVersion int) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE lots SET
			lot_number = ?, farmer_name = ?, farmer_contact = ?, farmer_village = ?,
			farmer_district = ?, farmer_state = ?, bag_category = ?, grade = ?,
			chamber = ?, floor = ?, slot = ?, original_quantity = ?, remaining_quantity = ?,
			initial_net_weight = ?, rate_cold_charge = ?, rate_handling = ?, charge_unit = ?,
			up_for_sale = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		l.LotNumber, l.Farmer.Name, l.Farmer.Contact, l.Farmer.Village,
		l.Farmer.District, l.Farmer.State, l.BagCategory, l.Grade,
		l.Position.Chamber, l.Position.Floor, l.Position.Slot, l.OriginalQuantity, l.RemainingQuantity,
		l.InitialNetWeight.String(), l.Rates.ColdCharge.String(), l.Rates.Handling.String(), l.Rates.Unit,
		boolInt(l.UpForSale), expectedVersion+1, formatTime(l.UpdatedAt),
		l.ID, expectedVersion,
	)
	if isUniqueConstraintError(err) {
		return &settlement.ValidationError{Field: settlement.FieldLotNumber, Message: "already used for this category and year"}
	}
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil || ok {
		return err
	}

	if _, err := getLot(ctx, ts.q, l.ID); err != nil {
		return err
	}
	return settlement.ErrConcurrentModification
}
