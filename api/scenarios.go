/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos and UI work. Each scenario saves a pricing profile,
	deposits lots and settles a few sales through the engine, so every
	row carries history exactly as if an operator had entered it.

AVAILABLE SCENARIOS:

	bag-mode:     Per-bag rates, one ration lot with a paid sale
	weight-mode:  Per-weight rates, one seed lot with a sale on account
	mixed-ledger: Every bag category, partial payments, a reversed sale
	              and a final sale billed on the whole remainder

HOW SCENARIOS WORK:
 1. Reset the ledger (clear all data)
 2. Save the storage year's pricing profile from JSON via factory
 3. Deposit lots (rates come from the profile)
 4. Settle sales, optionally reverse some

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "bag-mode"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, year)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the ledger. Only enable them in development/demo
	environments (COLDSTORE_ENABLE_SCENARIOS).

SEE ALSO:
  - handlers.go: EnableScenarios
  - factory/pricing.go: Pricing profile JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/coldstore/factory"
	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "bag-mode",
		Name:        "Per-Bag Pricing",
		Description: "100 ration bags at 5 + 2 per bag, 30 sold with a weighing fee and paid in cash",
	},
	{
		ID:          "weight-mode",
		Name:        "Per-Weight Pricing",
		Description: "100 seed bags weighing 5000 kg at 5 + 2 per quintal, 40 sold on account",
	},
	{
		ID:          "mixed-ledger",
		Name:        "Mixed Ledger",
		Description: "One lot per bag category with partial payments, a reversal and a final sale",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, year int) error

var loaders = map[string]scenarioLoader{
	"bag-mode":     (*Handler).loadBagModeScenario,
	"weight-mode":  (*Handler).loadWeightModeScenario,
	"mixed-ledger": (*Handler).loadMixedLedgerScenario,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario wipes the ledger and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		h.respondError(w, r, &settlement.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", req.ScenarioID)})
		return
	}

	ctx := r.Context()

	// Loads are serialized so two demos never interleave their seed data.
	h.mu.Lock()
	defer h.mu.Unlock()

	h.currentScenario = ""
	if err := h.reset(ctx); err != nil {
		h.respondError(w, r, &settlement.StorageError{Op: "reset", Err: err})
		return
	}

	year := h.engine.Now().Year()
	if err := load(h, ctx, year); err != nil {
		h.respondError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.currentScenario = req.ScenarioID
	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID), zap.Int("storage_year", year))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBagModeScenario(ctx context.Context, year int) error {
	if _, err := h.saveProfile(ctx, fmt.Sprintf(`{
		"id": "bag-mode-%[1]d",
		"name": "Season %[1]d (per bag)",
		"storage_year": %[1]d,
		"charge_unit": "per_bag",
		"rates": {"ration": {"cold_charge": "5", "handling": "2"}}
	}`, year)); err != nil {
		return err
	}

	lot, err := h.engine.CreateLot(ctx, settlement.SystemActor, settlement.LotInput{
		StorageYear: year,
		Farmer:      settlement.Farmer{Name: "Ramesh Yadav", Village: "Kheda", District: "Agra", State: "Uttar Pradesh"},
		BagCategory: settlement.BagRation,
		Grade:       settlement.GradeGood,
		Position:    settlement.Position{Chamber: "A", Floor: "1", Slot: "12"},
		Quantity:    100,
		UpForSale:   true,
	})
	if err != nil {
		return err
	}

	// 30 x (5 + 2) + 10 weighing = 220
	_, err = h.engine.CreateSale(ctx, settlement.SystemActor, settlement.SaleRequest{
		LotID:     lot.ID,
		Quantity:  30,
		Extras:    &settlement.Extras{Weighing: decimal.NewFromInt(10)},
		BuyerName: "Agra Mandi Traders",
		Payment:   settlement.PaymentIntent{Status: settlement.StatusPaid, Mode: settlement.ModeCash},
	})
	return err
}

func (h *Handler) loadWeightModeScenario(ctx context.Context, year int) error {
	if _, err := h.saveProfile(ctx, fmt.Sprintf(`{
		"id": "weight-mode-%[1]d",
		"name": "Season %[1]d (per quintal)",
		"storage_year": %[1]d,
		"charge_unit": "per_weight",
		"rates": {"seed": {"cold_charge": "5", "handling": "2"}}
	}`, year)); err != nil {
		return err
	}

	lot, err := h.engine.CreateLot(ctx, settlement.SystemActor, settlement.LotInput{
		StorageYear:      year,
		Farmer:           settlement.Farmer{Name: "Sunita Devi", Village: "Deesa", District: "Banaskantha", State: "Gujarat"},
		BagCategory:      settlement.BagSeed,
		Grade:            settlement.GradeAverage,
		Position:         settlement.Position{Chamber: "B", Floor: "2", Slot: "4"},
		Quantity:         100,
		InitialNetWeight: decimal.NewFromInt(5000),
		UpForSale:        true,
	})
	if err != nil {
		return err
	}

	// 5000 kg x 40 bags x 7 / (100 x 100 bags) = 140
	_, err = h.engine.CreateSale(ctx, settlement.SystemActor, settlement.SaleRequest{
		LotID:              lot.ID,
		Quantity:           40,
		BuyerName:          "Deesa Seed Co-op",
		PricePerWeightUnit: decimal.NewNullDecimal(decimal.NewFromInt(1800)),
		Payment:            settlement.PaymentIntent{Status: settlement.StatusDue},
	})
	return err
}

func (h *Handler) loadMixedLedgerScenario(ctx context.Context, year int) error {
	profile, err := h.saveProfile(ctx, fmt.Sprintf(`{
		"id": "mixed-%[1]d",
		"name": "Season %[1]d",
		"storage_year": %[1]d,
		"charge_unit": "per_bag",
		"rates": {
			"ration":   {"cold_charge": "5",   "handling": "2"},
			"seed":     {"cold_charge": "6.5", "handling": "2.5"},
			"number12": {"cold_charge": "4",   "handling": "1.5"}
		},
		"default_extras": {"weighing": "10"}
	}`, year))
	if err != nil {
		return err
	}

	farmers := []settlement.Farmer{
		{Name: "Harpal Singh", Village: "Jalandhar Cantt", District: "Jalandhar", State: "Punjab"},
		{Name: "Meena Kumari", Village: "Hooghly", District: "Hooghly", State: "West Bengal"},
		{Name: "Abdul Rahim", Village: "Farrukhabad", District: "Farrukhabad", State: "Uttar Pradesh"},
	}

	lots := make([]settlement.Lot, 0, len(profile.Rates))
	for i, category := range factory.Categories(profile) {
		lot, err := h.engine.CreateLot(ctx, settlement.SystemActor, settlement.LotInput{
			StorageYear: year,
			Farmer:      farmers[i%len(farmers)],
			BagCategory: category,
			Grade:       settlement.GradeGood,
			Position:    settlement.Position{Chamber: "C", Floor: fmt.Sprint(i + 1), Slot: "1"},
			Quantity:    80 + 20*i,
			UpForSale:   true,
		})
		if err != nil {
			return err
		}
		lots = append(lots, lot)
	}

	first, second, third := lots[0], lots[1], lots[2]

	// Partial payment on the first lot. Weighing comes from the profile defaults.
	if _, err := h.engine.CreateSale(ctx, settlement.SystemActor, settlement.SaleRequest{
		LotID:     first.ID,
		Quantity:  25,
		BuyerName: "Jalandhar Cold Chain",
		Payment: settlement.PaymentIntent{
			Status:     settlement.StatusPartial,
			PaidAmount: decimal.NewFromInt(100),
			Mode:       settlement.ModeAccount,
		},
	}); err != nil {
		return err
	}

	// A sale entered by mistake and reversed.
	mistake, err := h.engine.CreateSale(ctx, settlement.SystemActor, settlement.SaleRequest{
		LotID:     second.ID,
		Quantity:  10,
		BuyerName: "Wrong Buyer",
	})
	if err != nil {
		return err
	}
	if _, err := h.engine.ReverseSale(ctx, settlement.SystemActor, mistake.ID); err != nil {
		return err
	}

	// Clear out the third lot in one go, billed on everything left.
	_, err = h.engine.CreateSale(ctx, settlement.SystemActor, settlement.SaleRequest{
		LotID:     third.ID,
		Quantity:  third.RemainingQuantity,
		Final:     true,
		Basis:     settlement.BasisTotalRemaining,
		BuyerName: "Farrukhabad Wholesale",
		Payment:   settlement.PaymentIntent{Status: settlement.StatusPaid, Mode: settlement.ModeCash},
	})
	return err
}

func (h *Handler) saveProfile(ctx context.Context, profileJSON string) (settlement.PricingProfile, error) {
	p, err := factory.ParsePricingProfile(profileJSON)
	if err != nil {
		return settlement.PricingProfile{}, fmt.Errorf("parse pricing profile: %w", err)
	}
	if err := h.engine.SavePricingProfile(ctx, settlement.SystemActor, p); err != nil {
		return settlement.PricingProfile{}, err
	}
	return p, nil
}
