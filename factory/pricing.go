/*
Package factory provides JSON to Go pricing profile conversion.

PURPOSE:
  Converts JSON rate cards into settlement.PricingProfile values. A store
  publishes one rate card per storage year; new lots inherit their rates from
  it, so the card can be changed without touching code.

JSON SCHEMA:
  {
    "id": "season-2025",
    "name": "Season 2025",
    "storage_year": 2025,
    "charge_unit": "per_bag",
    "rates": {
      "ration":   {"cold_charge": "5", "handling": "2"},
      "seed":     {"cold_charge": "6", "handling": "2"},
      "number12": {"cold_charge": "4.5", "handling": "1.5"}
    },
    "default_extras": {"weighing": "10", "extra_handling_per_bag": "0", "grading": "0"}
  }

  Amounts may be JSON strings or numbers. Strings are preferred: they reach
  decimal.Decimal without passing through float64.

KEY FEATURES:
  - Rejects unknown fields, unknown charge units and bag categories
  - Rejects negative rates and extras
  - charge_unit defaults to per_bag

USAGE:
  profile, err := factory.ParsePricingProfile(jsonString)
  if err != nil {
      return err
  }
  err = engine.SavePricingProfile(ctx, actor, profile)

SEE ALSO:
  - settlement/types.go: PricingProfile type definition
  - api/scenarios.go: demo rate cards
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProfileJSON is the JSON representation of a pricing profile.
type ProfileJSON struct {
	ID            string              `json:"id,omitempty"`
	Name          string              `json:"name"`
	StorageYear   int                 `json:"storage_year"`
	ChargeUnit    string              `json:"charge_unit,omitempty"`
	Rates         map[string]RateJSON `json:"rates"`
	DefaultExtras *ExtrasJSON         `json:"default_extras,omitempty"`
	Version       int                 `json:"version,omitempty"` // output only
}

// RateJSON is the rate pair for one bag category.
type RateJSON struct {
	ColdCharge decimal.Decimal `json:"cold_charge"`
	Handling   decimal.Decimal `json:"handling"`
}

// ExtrasJSON holds the extras billed on sales that carry none of their own.
type ExtrasJSON struct {
	Weighing            decimal.Decimal `json:"weighing"`
	ExtraHandlingPerBag decimal.Decimal `json:"extra_handling_per_bag"`
	Grading             decimal.Decimal `json:"grading"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParsePricingProfile parses a JSON rate card into a PricingProfile.
func ParsePricingProfile(jsonStr string) (settlement.PricingProfile, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(jsonStr)))
	dec.DisallowUnknownFields()

	var pj ProfileJSON
	if err := dec.Decode(&pj); err != nil {
		return settlement.PricingProfile{}, fmt.Errorf("failed to parse pricing profile JSON: %w", err)
	}
	return FromJSON(pj)
}

// FromJSON converts ProfileJSON to a validated PricingProfile.
func FromJSON(pj ProfileJSON) (settlement.PricingProfile, error) {
	unit, err := parseChargeUnit(pj.ChargeUnit)
	if err != nil {
		return settlement.PricingProfile{}, err
	}

	p := settlement.PricingProfile{
		ID:          settlement.ProfileID(pj.ID),
		Name:        pj.Name,
		StorageYear: pj.StorageYear,
		Unit:        unit,
		Rates:       make(map[settlement.BagCategory]settlement.Rates, len(pj.Rates)),
		Version:     pj.Version,
	}
	for name, r := range pj.Rates {
		p.Rates[settlement.BagCategory(name)] = settlement.Rates{
			ColdCharge: r.ColdCharge,
			Handling:   r.Handling,
			Unit:       unit,
		}
	}
	if pj.DefaultExtras != nil {
		p.DefaultExtras = settlement.Extras{
			Weighing:            pj.DefaultExtras.Weighing,
			ExtraHandlingPerBag: pj.DefaultExtras.ExtraHandlingPerBag,
			Grading:             pj.DefaultExtras.Grading,
		}
	}

	if err := settlement.ValidatePricingProfile(p); err != nil {
		return settlement.PricingProfile{}, err
	}
	return p, nil
}

// ToJSON converts a PricingProfile to ProfileJSON.
func ToJSON(p settlement.PricingProfile) ProfileJSON {
	pj := ProfileJSON{
		ID:          string(p.ID),
		Name:        p.Name,
		StorageYear: p.StorageYear,
		ChargeUnit:  string(p.Unit),
		Rates:       make(map[string]RateJSON, len(p.Rates)),
		DefaultExtras: &ExtrasJSON{
			Weighing:            p.DefaultExtras.Weighing,
			ExtraHandlingPerBag: p.DefaultExtras.ExtraHandlingPerBag,
			Grading:             p.DefaultExtras.Grading,
		},
		Version: p.Version,
	}
	for cat, r := range p.Rates {
		pj.Rates[string(cat)] = RateJSON{ColdCharge: r.ColdCharge, Handling: r.Handling}
	}
	return pj
}

// Categories returns the profile's bag categories in a stable order.
func Categories(p settlement.PricingProfile) []settlement.BagCategory {
	out := make([]settlement.BagCategory, 0, len(p.Rates))
	for cat := range p.Rates {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseChargeUnit(s string) (settlement.ChargeUnit, error) {
	switch s {
	case "", "per_bag", "bag":
		return settlement.ChargePerBag, nil
	case "per_weight", "weight", "per_quintal":
		return settlement.ChargePerWeight, nil
	default:
		return "", &settlement.ValidationError{Field: "charge_unit", Message: fmt.Sprintf("unknown charge unit %q", s)}
	}
}
