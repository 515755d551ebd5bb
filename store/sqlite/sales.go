package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `
	id, lot_id, kind, quantity, pricing_json, extras_json, buyer_name,
	price_per_weight_unit, charge_json, total_charge, paid_amount, due_amount,
	status, payment_mode, reversed, reversed_at, created_by, version,
	created_at, updated_at`

func scanSale(row rowScanner) (settlement.Sale, error) {
	var (
		s                          settlement.Sale
		pricingJSON, extrasJSON    string
		chargeJSON                 string
		pricePerWeight, reversedAt sql.NullString
		total, paid, due           string
		reversed                   int
		createdAt, updatedAt       string
	)
	err := row.Scan(
		&s.ID, &s.LotID, &s.Kind, &s.Quantity, &pricingJSON, &extrasJSON, &s.BuyerName,
		&pricePerWeight, &chargeJSON, &total, &paid, &due,
		&s.Status, &s.PaymentMode, &reversed, &reversedAt, &s.CreatedBy, &s.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return s, err
	}

	if err := json.Unmarshal([]byte(pricingJSON), &s.Pricing); err != nil {
		return s, fmt.Errorf("sale %s: bad pricing_json: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(extrasJSON), &s.Extras); err != nil {
		return s, fmt.Errorf("sale %s: bad extras_json: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(chargeJSON), &s.Charge); err != nil {
		return s, fmt.Errorf("sale %s: bad charge_json: %w", s.ID, err)
	}
	if pricePerWeight.Valid {
		v, err := decimal.NewFromString(pricePerWeight.String)
		if err != nil {
			return s, fmt.Errorf("sale %s: bad price_per_weight_unit: %w", s.ID, err)
		}
		s.PricePerWeightUnit = decimal.NewNullDecimal(v)
	}
	// The total column mirrors charge_json and exists for SQL aggregation.
	if s.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return s, fmt.Errorf("sale %s: bad paid_amount: %w", s.ID, err)
	}
	if s.DueAmount, err = decimal.NewFromString(due); err != nil {
		return s, fmt.Errorf("sale %s: bad due_amount: %w", s.ID, err)
	}
	s.Reversed = reversed == 1
	if reversedAt.Valid {
		t, err := parseTime(reversedAt.String)
		if err != nil {
			return s, err
		}
		s.ReversedAt = &t
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func getSale(ctx context.Context, q querier, id settlement.SaleID) (settlement.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, "SELECT "+saleColumns+" FROM sales WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Sale{}, settlement.ErrNotFound
	}
	if err != nil {
		return settlement.Sale{}, fmt.Errorf("failed to load sale: %w", err)
	}
	return sale, nil
}

func listSales(ctx context.Context, q querier, f settlement.SaleFilter) ([]settlement.Sale, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeReversed {
		where = append(where, "reversed = 0")
	}
	if f.LotID != nil {
		where = append(where, "lot_id = ?")
		args = append(args, *f.LotID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := "SELECT " + saleColumns + " FROM sales"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	sales := []settlement.Sale{}
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		sales = append(sales, s)
	}
	return sales, rows.Err()
}

type saleJSON struct {
	pricing, extras, charge string
}

func encodeSale(s settlement.Sale) (saleJSON, error) {
	pricing, err := json.Marshal(s.Pricing)
	if err != nil {
		return saleJSON{}, err
	}
	extras, err := json.Marshal(s.Extras)
	if err != nil {
		return saleJSON{}, err
	}
	charge, err := json.Marshal(s.Charge)
	if err != nil {
		return saleJSON{}, err
	}
	return saleJSON{pricing: string(pricing), extras: string(extras), charge: string(charge)}, nil
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func (ts *txStore) InsertSale(ctx context.Context, s settlement.Sale) error {
	enc, err := encodeSale(s)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}

	query := `INSERT INTO sales (` + saleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = ts.q.ExecContext(ctx, query,
		s.ID, s.LotID, s.Kind, s.Quantity, enc.pricing, enc.extras, s.BuyerName,
		nullDecimal(s.PricePerWeightUnit), enc.charge,
		s.Charge.Total.String(), s.PaidAmount.String(), s.DueAmount.String(),
		s.Status, s.PaymentMode, boolInt(s.Reversed), sql.NullString{}, s.CreatedBy, s.Version,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateSale(ctx context.Context, s settlement.Sale, expectedVersion int) error {
	enc, err := encodeSale(s)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}

	res, err := ts.q.ExecContext(ctx, `
		UPDATE sales SET
			pricing_json = ?, extras_json = ?, buyer_name = ?, price_per_weight_unit = ?,
			charge_json = ?, total_charge = ?, paid_amount = ?, due_amount = ?,
			status = ?, payment_mode = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ? AND reversed = 0`,
		enc.pricing, enc.extras, s.BuyerName, nullDecimal(s.PricePerWeightUnit),
		enc.charge, s.Charge.Total.String(), s.PaidAmount.String(), s.DueAmount.String(),
		s.Status, s.PaymentMode, expectedVersion+1, formatTime(s.UpdatedAt),
		s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update sale: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil || ok {
		return err
	}

	cur, err := getSale(ctx, ts.q, s.ID)
	if err != nil {
		return err
	}
	if cur.Reversed {
		return settlement.ErrAlreadyReversed
	}
	return settlement.ErrConcurrentModification
}

func (ts *txStore) MarkSaleReversed(ctx context.Context, id settlement.SaleID, at time.Time) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE sales
		SET reversed = 1, reversed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND reversed = 0`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sale reversed: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil || ok {
		return err
	}

	if _, err := getSale(ctx, ts.q, id); err != nil {
		return err
	}
	return settlement.ErrAlreadyReversed
}
