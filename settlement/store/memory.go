// Package store provides an in-memory settlement.Store.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	lots        map[settlement.LotID]settlement.Lot
	sales       map[settlement.SaleID]settlement.Sale
	lotHistory  map[settlement.LotID][]settlement.LotHistoryEntry
	saleHistory map[settlement.SaleID][]settlement.SaleHistoryEntry
	profiles    []savedProfile
	revision    int
}

type savedProfile struct {
	profile  settlement.PricingProfile
	revision int
}

func NewMemory() *Memory {
	return &Memory{state: state{
		lots:        make(map[settlement.LotID]settlement.Lot),
		sales:       make(map[settlement.SaleID]settlement.Sale),
		lotHistory:  make(map[settlement.LotID][]settlement.LotHistoryEntry),
		saleHistory: make(map[settlement.SaleID][]settlement.SaleHistoryEntry),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewMemory().state
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetLot(_ context.Context, id settlement.LotID) (settlement.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLot(id)
}

func (m *Memory) ListLots(_ context.Context, f settlement.LotFilter) ([]settlement.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLots(f), nil
}

func (m *Memory) GetSale(_ context.Context, id settlement.SaleID) (settlement.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSale(id)
}

func (m *Memory) ListSales(_ context.Context, f settlement.SaleFilter) ([]settlement.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSales(f), nil
}

func (m *Memory) LotHistory(_ context.Context, id settlement.LotID) ([]settlement.LotHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.lotHistory[id]), nil
}

func (m *Memory) SaleHistory(_ context.Context, id settlement.SaleID) ([]settlement.SaleHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.saleHistory[id]), nil
}

// =============================================================================
// PRICING PROFILES
// =============================================================================

// SavePricingProfile stores p, replacing any profile with the same ID and
// bumping its version.
func (m *Memory) SavePricingProfile(_ context.Context, p settlement.PricingProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revision++
	p.Version = 1
	for i, sp := range m.profiles {
		if sp.profile.ID == p.ID {
			p.Version = sp.profile.Version + 1
			m.profiles[i] = savedProfile{profile: p, revision: m.revision}
			return nil
		}
	}
	m.profiles = append(m.profiles, savedProfile{profile: p, revision: m.revision})
	return nil
}

func (m *Memory) ListPricingProfiles(_ context.Context) ([]settlement.PricingProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]settlement.PricingProfile, 0, len(m.profiles))
	for _, sp := range m.profiles {
		out = append(out, sp.profile)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StorageYear != out[j].StorageYear {
			return out[i].StorageYear > out[j].StorageYear
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// =============================================================================
// STATE - Unlocked operations shared by Memory and txView
// =============================================================================

func (s *state) clone() state {
	c := state{
		lots:        make(map[settlement.LotID]settlement.Lot, len(s.lots)),
		sales:       make(map[settlement.SaleID]settlement.Sale, len(s.sales)),
		lotHistory:  make(map[settlement.LotID][]settlement.LotHistoryEntry, len(s.lotHistory)),
		saleHistory: make(map[settlement.SaleID][]settlement.SaleHistoryEntry, len(s.saleHistory)),
		profiles:    append([]savedProfile(nil), s.profiles...),
		revision:    s.revision,
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.lotHistory {
		c.lotHistory[k] = append([]settlement.LotHistoryEntry(nil), v...)
	}
	for k, v := range s.saleHistory {
		c.saleHistory[k] = append([]settlement.SaleHistoryEntry(nil), v...)
	}
	return c
}

func (s *state) getLot(id settlement.LotID) (settlement.Lot, error) {
	lot, ok := s.lots[id]
	if !ok {
		return settlement.Lot{}, settlement.ErrNotFound
	}
	return lot, nil
}

func (s *state) getSale(id settlement.SaleID) (settlement.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return settlement.Sale{}, settlement.ErrNotFound
	}
	return sale, nil
}

func (s *state) listLots(f settlement.LotFilter) []settlement.Lot {
	out := []settlement.Lot{}
	name := strings.ToLower(f.FarmerName)
	for _, l := range s.lots {
		if f.BagCategory != nil && l.BagCategory != *f.BagCategory {
			continue
		}
		if f.StorageYear != nil && l.StorageYear != *f.StorageYear {
			continue
		}
		if f.UpForSale != nil && l.UpForSale != *f.UpForSale {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(l.Farmer.Name), name) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StorageYear != b.StorageYear {
			return a.StorageYear > b.StorageYear
		}
		if a.BagCategory != b.BagCategory {
			return a.BagCategory < b.BagCategory
		}
		return a.LotNumber < b.LotNumber
	})
	return out
}

func (s *state) listSales(f settlement.SaleFilter) []settlement.Sale {
	out := []settlement.Sale{}
	for _, sale := range s.sales {
		if !f.IncludeReversed && sale.Reversed {
			continue
		}
		if f.LotID != nil && sale.LotID != *f.LotID {
			continue
		}
		if f.Status != nil && sale.Status != *f.Status {
			continue
		}
		if f.From != nil && sale.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && sale.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, sale)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func newestFirst[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// =============================================================================
// TX VIEW - Writes inside WithTx (caller holds the lock)
// =============================================================================

type txView struct {
	s *state
}

func (tv *txView) GetLot(_ context.Context, id settlement.LotID) (settlement.Lot, error) {
	return tv.s.getLot(id)
}

func (tv *txView) ListLots(_ context.Context, f settlement.LotFilter) ([]settlement.Lot, error) {
	return tv.s.listLots(f), nil
}

func (tv *txView) GetSale(_ context.Context, id settlement.SaleID) (settlement.Sale, error) {
	return tv.s.getSale(id)
}

func (tv *txView) ListSales(_ context.Context, f settlement.SaleFilter) ([]settlement.Sale, error) {
	return tv.s.listSales(f), nil
}

func (tv *txView) LotHistory(_ context.Context, id settlement.LotID) ([]settlement.LotHistoryEntry, error) {
	return newestFirst(tv.s.lotHistory[id]), nil
}

func (tv *txView) SaleHistory(_ context.Context, id settlement.SaleID) ([]settlement.SaleHistoryEntry, error) {
	return newestFirst(tv.s.saleHistory[id]), nil
}

func (tv *txView) InsertLot(_ context.Context, lot settlement.Lot) error {
	tv.s.lots[lot.ID] = lot
	return nil
}

func (tv *txView) NextLotNumber(_ context.Context, category settlement.BagCategory, year int) (int, error) {
	highest := 0
	for _, l := range tv.s.lots {
		if l.BagCategory == category && l.StorageYear == year && l.LotNumber > highest {
			highest = l.LotNumber
		}
	}
	return highest + 1, nil
}

func (tv *txView) LotNumberTaken(_ context.Context, category settlement.BagCategory, year, number int, exclude settlement.LotID) (bool, error) {
	for _, l := range tv.s.lots {
		if l.ID != exclude && l.BagCategory == category && l.StorageYear == year && l.LotNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (tv *txView) DecrementRemaining(_ context.Context, id settlement.LotID, quantity int) error {
	lot, err := tv.s.getLot(id)
	if err != nil {
		return err
	}
	if lot.RemainingQuantity < quantity {
		return &settlement.InsufficientInventoryError{LotID: id, Remaining: lot.RemainingQuantity, Requested: quantity}
	}
	lot.RemainingQuantity -= quantity
	lot.Version++
	tv.s.lots[id] = lot
	return nil
}

func (tv *txView) IncrementRemaining(_ context.Context, id settlement.LotID, quantity int) error {
	lot, err := tv.s.getLot(id)
	if err != nil {
		return err
	}
	lot.RemainingQuantity = min(lot.OriginalQuantity, lot.RemainingQuantity+quantity)
	lot.Version++
	tv.s.lots[id] = lot
	return nil
}

func (tv *txView) SetBaseChargeBilled(_ context.Context, id settlement.LotID, billed bool) error {
	lot, err := tv.s.getLot(id)
	if err != nil {
		return err
	}
	lot.BaseChargeBilled = billed
	tv.s.lots[id] = lot
	return nil
}

func (tv *txView) UpdateLot(_ context.Context, lot settlement.Lot, expectedVersion int) error {
	cur, err := tv.s.getLot(lot.ID)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return settlement.ErrConcurrentModification
	}
	lot.Version = expectedVersion + 1
	tv.s.lots[lot.ID] = lot
	return nil
}

func (tv *txView) InsertSale(_ context.Context, sale settlement.Sale) error {
	tv.s.sales[sale.ID] = sale
	return nil
}

func (tv *txView) UpdateSale(_ context.Context, sale settlement.Sale, expectedVersion int) error {
	cur, err := tv.s.getSale(sale.ID)
	if err != nil {
		return err
	}
	if cur.Reversed {
		return settlement.ErrAlreadyReversed
	}
	if cur.Version != expectedVersion {
		return settlement.ErrConcurrentModification
	}
	sale.Version = expectedVersion + 1
	tv.s.sales[sale.ID] = sale
	return nil
}

func (tv *txView) MarkSaleReversed(_ context.Context, id settlement.SaleID, at time.Time) error {
	sale, err := tv.s.getSale(id)
	if err != nil {
		return err
	}
	if sale.Reversed {
		return settlement.ErrAlreadyReversed
	}
	sale.Reversed = true
	sale.ReversedAt = &at
	sale.UpdatedAt = at
	sale.Version++
	tv.s.sales[id] = sale
	return nil
}

func (tv *txView) AppendLotHistory(_ context.Context, e settlement.LotHistoryEntry) error {
	tv.s.lotHistory[e.LotID] = append(tv.s.lotHistory[e.LotID], e)
	return nil
}

func (tv *txView) AppendSaleHistory(_ context.Context, entries []settlement.SaleHistoryEntry) error {
	for _, e := range entries {
		tv.s.saleHistory[e.SaleID] = append(tv.s.saleHistory[e.SaleID], e)
	}
	return nil
}

func (tv *txView) LatestLotEdit(_ context.Context, id settlement.LotID) (*settlement.LotHistoryEntry, error) {
	h := tv.s.lotHistory[id]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].ChangeType == settlement.LotChangeEdit {
			e := h[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (tv *txView) ActivePricingProfile(_ context.Context, year int) (*settlement.PricingProfile, error) {
	var best *savedProfile
	for i := range tv.s.profiles {
		sp := &tv.s.profiles[i]
		if sp.profile.StorageYear == year && (best == nil || sp.revision > best.revision) {
			best = sp
		}
	}
	if best == nil {
		return nil, nil
	}
	p := best.profile
	return &p, nil
}
