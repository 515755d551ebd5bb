package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// LOT HISTORY (append-only)
// =============================================================================

const lotHistoryColumns = `
	id, lot_id, change_type, at, actor_id, before_json, after_json,
	changes_json, sale_json, reverts_id`

func scanLotHistory(row rowScanner) (settlement.LotHistoryEntry, error) {
	var (
		e                     settlement.LotHistoryEntry
		at, after, changes    string
		before, sale, reverts sql.NullString
	)
	err := row.Scan(&e.ID, &e.LotID, &e.ChangeType, &at, &e.ActorID, &before, &after, &changes, &sale, &reverts)
	if err != nil {
		return e, err
	}

	if e.At, err = parseTime(at); err != nil {
		return e, err
	}
	if before.Valid {
		e.Before = &settlement.LotSnapshot{}
		if err := json.Unmarshal([]byte(before.String), e.Before); err != nil {
			return e, fmt.Errorf("history %s: bad before_json: %w", e.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(after), &e.After); err != nil {
		return e, fmt.Errorf("history %s: bad after_json: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
		return e, fmt.Errorf("history %s: bad changes_json: %w", e.ID, err)
	}
	if sale.Valid {
		e.Sale = &settlement.SaleSummary{}
		if err := json.Unmarshal([]byte(sale.String), e.Sale); err != nil {
			return e, fmt.Errorf("history %s: bad sale_json: %w", e.ID, err)
		}
	}
	e.RevertsID = settlement.HistoryID(reverts.String)
	return e, nil
}

func lotHistory(ctx context.Context, q querier, id settlement.LotID) ([]settlement.LotHistoryEntry, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+lotHistoryColumns+" FROM lot_history WHERE lot_id = ? ORDER BY seq DESC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load lot history: %w", err)
	}
	defer rows.Close()

	entries := []settlement.LotHistoryEntry{}
	for rows.Next() {
		e, err := scanLotHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func marshalNull(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (ts *txStore) AppendLotHistory(ctx context.Context, e settlement.LotHistoryEntry) error {
	before, err := marshalNull(e.Before, e.Before != nil)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	sale, err := marshalNull(e.Sale, e.Sale != nil)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	changes := e.Changes
	if changes == nil {
		changes = []settlement.FieldChange{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = ts.q.ExecContext(ctx,
		"INSERT INTO lot_history ("+lotHistoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.LotID, e.ChangeType, formatTime(e.At), e.ActorID,
		before, string(after), string(changesJSON), sale, nullString(string(e.RevertsID)),
	)
	if err != nil {
		return fmt.Errorf("failed to append lot history: %w", err)
	}
	return nil
}

func (ts *txStore) LatestLotEdit(ctx context.Context, id settlement.LotID) (*settlement.LotHistoryEntry, error) {
	e, err := scanLotHistory(ts.q.QueryRowContext(ctx,
		"SELECT "+lotHistoryColumns+" FROM lot_history WHERE lot_id = ? AND change_type = ? ORDER BY seq DESC LIMIT 1",
		id, settlement.LotChangeEdit,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest lot edit: %w", err)
	}
	return &e, nil
}

// =============================================================================
// SALE HISTORY (append-only)
// =============================================================================

func saleHistory(ctx context.Context, q querier, id settlement.SaleID) ([]settlement.SaleHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, field, old_value, new_value, at, actor_id
		FROM sale_history WHERE sale_id = ? ORDER BY seq DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load sale history: %w", err)
	}
	defer rows.Close()

	entries := []settlement.SaleHistoryEntry{}
	for rows.Next() {
		var (
			e  settlement.SaleHistoryEntry
			at string
		)
		if err := rows.Scan(&e.ID, &e.SaleID, &e.Field, &e.OldValue, &e.NewValue, &at, &e.ActorID); err != nil {
			return nil, fmt.Errorf("failed to scan sale history: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (ts *txStore) AppendSaleHistory(ctx context.Context, entries []settlement.SaleHistoryEntry) error {
	for _, e := range entries {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO sale_history (id, sale_id, field, old_value, new_value, at, actor_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SaleID, e.Field, e.OldValue, e.NewValue, formatTime(e.At), e.ActorID,
		)
		if err != nil {
			return fmt.Errorf("failed to append sale history: %w", err)
		}
	}
	return nil
}

// =============================================================================
// PRICING PROFILES
// =============================================================================

const profileColumns = `id, name, storage_year, charge_unit, rates_json, default_extras_json, version`

func scanProfile(row rowScanner) (settlement.PricingProfile, error) {
	var (
		p                 settlement.PricingProfile
		rates, extrasJSON string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.StorageYear, &p.Unit, &rates, &extrasJSON, &p.Version); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(rates), &p.Rates); err != nil {
		return p, fmt.Errorf("profile %s: bad rates_json: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(extrasJSON), &p.DefaultExtras); err != nil {
		return p, fmt.Errorf("profile %s: bad default_extras_json: %w", p.ID, err)
	}
	return p, nil
}

// SavePricingProfile inserts p, or replaces the profile with the same ID and
// bumps its version. The latest saved profile for a year is the active one.
func (s *Store) SavePricingProfile(ctx context.Context, p settlement.PricingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rates, err := json.Marshal(p.Rates)
	if err != nil {
		return fmt.Errorf("failed to encode rates: %w", err)
	}
	extras, err := json.Marshal(p.DefaultExtras)
	if err != nil {
		return fmt.Errorf("failed to encode extras: %w", err)
	}

	query := `
		INSERT INTO pricing_profiles
			(id, name, storage_year, charge_unit, rates_json, default_extras_json, version, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, (SELECT COALESCE(MAX(revision), 0) + 1 FROM pricing_profiles), ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			storage_year = excluded.storage_year,
			charge_unit = excluded.charge_unit,
			rates_json = excluded.rates_json,
			default_extras_json = excluded.default_extras_json,
			version = pricing_profiles.version + 1,
			revision = excluded.revision,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.StorageYear, p.Unit, string(rates), string(extras),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save pricing profile: %w", err)
	}
	return nil
}

// ListPricingProfiles returns all profiles, newest storage year first.
func (s *Store) ListPricingProfiles(ctx context.Context) ([]settlement.PricingProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM pricing_profiles ORDER BY storage_year DESC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing profiles: %w", err)
	}
	defer rows.Close()

	profiles := []settlement.PricingProfile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pricing profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (ts *txStore) ActivePricingProfile(ctx context.Context, year int) (*settlement.PricingProfile, error) {
	p, err := scanProfile(ts.q.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM pricing_profiles WHERE storage_year = ? ORDER BY revision DESC LIMIT 1",
		year,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing profile: %w", err)
	}
	return &p, nil
}
