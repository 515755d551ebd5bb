/*
changeset.go - Typed changesets for lot and sale edits

PURPOSE:
  An edit is described by a struct with one pointer field per editable
  attribute. nil means "leave alone". Applying a changeset returns the new
  record together with the exact list of fields that changed, which becomes
  the audit row. Nothing is inferred by diffing loosely typed snapshots.

FIELD NAMES:
  The Field* constants are the names stored in history rows and shown to
  users. ReverseLotEdit maps them back to LotChanges, so every lot field
  written here must also be handled by lotChangesFromSnapshot.
*/
package settlement

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIELD NAMES
// =============================================================================

const (
	FieldLotNumber        = "lot_number"
	FieldFarmerName       = "farmer.name"
	FieldFarmerContact    = "farmer.contact"
	FieldFarmerVillage    = "farmer.village"
	FieldFarmerDistrict   = "farmer.district"
	FieldFarmerState      = "farmer.state"
	FieldBagCategory      = "bag_category"
	FieldGrade            = "grade"
	FieldChamber          = "position.chamber"
	FieldFloor            = "position.floor"
	FieldSlot             = "position.slot"
	FieldOriginalQuantity = "original_quantity"
	FieldInitialNetWeight = "initial_net_weight"
	FieldRateColdCharge   = "rate_cold_charge"
	FieldRateHandling     = "rate_handling"
	FieldChargeUnit       = "charge_unit"
	FieldUpForSale        = "up_for_sale"

	FieldBuyerName           = "buyer_name"
	FieldNetWeight           = "net_weight"
	FieldWeighing            = "weighing"
	FieldExtraHandlingPerBag = "extra_handling_per_bag"
	FieldGrading             = "grading"
	FieldPricePerWeightUnit  = "price_per_weight_unit"
	FieldTotalCharge         = "total_charge"
	FieldPaidAmount          = "paid_amount"
	FieldDueAmount           = "due_amount"
	FieldPaymentStatus       = "payment_status"
	FieldPaymentMode         = "payment_mode"
	FieldReversed            = "reversed"
)

// =============================================================================
// LOT CHANGES
// =============================================================================

// LotChanges is an edit to a lot. Remaining quantity and the billed flag are
// not editable; they move only through sales and reversals.
type LotChanges struct {
	// ExpectedVersion, when non-zero, must match the stored lot version.
	ExpectedVersion int

	LotNumber        *int
	FarmerName       *string
	FarmerContact    *string
	FarmerVillage    *string
	FarmerDistrict   *string
	FarmerState      *string
	BagCategory      *BagCategory
	Grade            *QualityGrade
	Chamber          *string
	Floor            *string
	Slot             *string
	OriginalQuantity *int
	InitialNetWeight *decimal.Decimal
	RateColdCharge   *decimal.Decimal
	RateHandling     *decimal.Decimal
	ChargeUnit       *ChargeUnit
	UpForSale        *bool
}

// Apply returns the edited lot and the fields that actually changed. A
// change to the original quantity moves the remaining quantity by the same
// amount, so the bags already sold stay sold.
func (c LotChanges) Apply(lot Lot) (Lot, []FieldChange, error) {
	var out []FieldChange
	next := lot

	setField(&out, FieldLotNumber, &next.LotNumber, c.LotNumber, strconv.Itoa)
	setField(&out, FieldFarmerName, &next.Farmer.Name, c.FarmerName, identity)
	setField(&out, FieldFarmerContact, &next.Farmer.Contact, c.FarmerContact, identity)
	setField(&out, FieldFarmerVillage, &next.Farmer.Village, c.FarmerVillage, identity)
	setField(&out, FieldFarmerDistrict, &next.Farmer.District, c.FarmerDistrict, identity)
	setField(&out, FieldFarmerState, &next.Farmer.State, c.FarmerState, identity)
	setField(&out, FieldBagCategory, &next.BagCategory, c.BagCategory, stringOf[BagCategory])
	setField(&out, FieldGrade, &next.Grade, c.Grade, stringOf[QualityGrade])
	setField(&out, FieldChamber, &next.Position.Chamber, c.Chamber, identity)
	setField(&out, FieldFloor, &next.Position.Floor, c.Floor, identity)
	setField(&out, FieldSlot, &next.Position.Slot, c.Slot, identity)
	setField(&out, FieldOriginalQuantity, &next.OriginalQuantity, c.OriginalQuantity, strconv.Itoa)
	setDecimal(&out, FieldInitialNetWeight, &next.InitialNetWeight, c.InitialNetWeight)
	setDecimal(&out, FieldRateColdCharge, &next.Rates.ColdCharge, c.RateColdCharge)
	setDecimal(&out, FieldRateHandling, &next.Rates.Handling, c.RateHandling)
	setField(&out, FieldChargeUnit, &next.Rates.Unit, c.ChargeUnit, stringOf[ChargeUnit])
	setField(&out, FieldUpForSale, &next.UpForSale, c.UpForSale, strconv.FormatBool)

	if next.OriginalQuantity != lot.OriginalQuantity {
		sold := lot.SoldQuantity()
		if next.OriginalQuantity < 1 || next.OriginalQuantity < sold {
			return lot, nil, invalid(FieldOriginalQuantity, "must be at least 1 and at least the %d bags already sold", sold)
		}
		next.RemainingQuantity = next.OriginalQuantity - sold
	}

	if err := validateLotFields(next); err != nil {
		return lot, nil, err
	}
	return next, out, nil
}

func validateLotFields(l Lot) error {
	if l.LotNumber < 1 {
		return invalid(FieldLotNumber, "must be at least 1")
	}
	if l.Farmer.Name == "" {
		return invalid(FieldFarmerName, "required")
	}
	if !l.BagCategory.Valid() {
		return invalid(FieldBagCategory, "unknown bag category %q", l.BagCategory)
	}
	if !l.Grade.Valid() {
		return invalid(FieldGrade, "unknown grade %q", l.Grade)
	}
	if l.OriginalQuantity < 1 {
		return invalid(FieldOriginalQuantity, "must be at least 1")
	}
	if !l.Rates.Unit.Valid() {
		return invalid(FieldChargeUnit, "unknown charge unit %q", l.Rates.Unit)
	}
	if l.Rates.ColdCharge.IsNegative() || l.Rates.Handling.IsNegative() {
		return invalid("rates", "must not be negative")
	}
	if l.InitialNetWeight.IsNegative() {
		return invalid(FieldInitialNetWeight, "must not be negative")
	}
	if l.Rates.Unit == ChargePerWeight && !l.InitialNetWeight.IsPositive() {
		return invalid(FieldInitialNetWeight, "required for per-weight pricing")
	}
	return nil
}

// lotChangesFromSnapshot builds the changeset that puts the listed fields
// back to their values in snap.
func lotChangesFromSnapshot(snap LotSnapshot, fields []FieldChange) LotChanges {
	var c LotChanges
	for _, f := range fields {
		switch f.Field {
		case FieldLotNumber:
			c.LotNumber = ptr(snap.LotNumber)
		case FieldFarmerName:
			c.FarmerName = ptr(snap.Farmer.Name)
		case FieldFarmerContact:
			c.FarmerContact = ptr(snap.Farmer.Contact)
		case FieldFarmerVillage:
			c.FarmerVillage = ptr(snap.Farmer.Village)
		case FieldFarmerDistrict:
			c.FarmerDistrict = ptr(snap.Farmer.District)
		case FieldFarmerState:
			c.FarmerState = ptr(snap.Farmer.State)
		case FieldBagCategory:
			c.BagCategory = ptr(snap.BagCategory)
		case FieldGrade:
			c.Grade = ptr(snap.Grade)
		case FieldChamber:
			c.Chamber = ptr(snap.Position.Chamber)
		case FieldFloor:
			c.Floor = ptr(snap.Position.Floor)
		case FieldSlot:
			c.Slot = ptr(snap.Position.Slot)
		case FieldOriginalQuantity:
			c.OriginalQuantity = ptr(snap.OriginalQuantity)
		case FieldInitialNetWeight:
			c.InitialNetWeight = ptr(snap.InitialNetWeight)
		case FieldRateColdCharge:
			c.RateColdCharge = ptr(snap.Rates.ColdCharge)
		case FieldRateHandling:
			c.RateHandling = ptr(snap.Rates.Handling)
		case FieldChargeUnit:
			c.ChargeUnit = ptr(snap.Rates.Unit)
		case FieldUpForSale:
			c.UpForSale = ptr(snap.UpForSale)
		}
	}
	return c
}

// =============================================================================
// SALE CHANGES
// =============================================================================

// SaleChanges is an edit to a sale. Quantity and lot are fixed; to change
// them, reverse the sale and settle a new one.
type SaleChanges struct {
	// ExpectedVersion, when non-zero, must match the stored sale version.
	ExpectedVersion int

	BuyerName           *string
	RateColdCharge      *decimal.Decimal
	RateHandling        *decimal.Decimal
	NetWeight           *decimal.Decimal
	Weighing            *decimal.Decimal
	ExtraHandlingPerBag *decimal.Decimal
	Grading             *decimal.Decimal
	PricePerWeightUnit  *decimal.Decimal
	Status              *PaymentStatus
	PaidAmount          *decimal.Decimal
	PaymentMode         *PaymentMode
}

// affectsCharge reports whether any field feeding the Charge Calculator is set.
func (c SaleChanges) affectsCharge() bool {
	return c.RateColdCharge != nil || c.RateHandling != nil || c.NetWeight != nil ||
		c.Weighing != nil || c.ExtraHandlingPerBag != nil || c.Grading != nil
}

// applyInputs copies the non-derived fields onto the sale.
func (c SaleChanges) applyInputs(s *Sale) {
	if c.BuyerName != nil {
		s.BuyerName = *c.BuyerName
	}
	if c.RateColdCharge != nil {
		s.Pricing.Rates.ColdCharge = *c.RateColdCharge
	}
	if c.RateHandling != nil {
		s.Pricing.Rates.Handling = *c.RateHandling
	}
	if c.NetWeight != nil {
		s.Pricing.NetWeight = *c.NetWeight
	}
	if c.Weighing != nil {
		s.Extras.Weighing = *c.Weighing
	}
	if c.ExtraHandlingPerBag != nil {
		s.Extras.ExtraHandlingPerBag = *c.ExtraHandlingPerBag
	}
	if c.Grading != nil {
		s.Extras.Grading = *c.Grading
	}
	if c.PricePerWeightUnit != nil {
		s.PricePerWeightUnit = decimal.NewNullDecimal(*c.PricePerWeightUnit)
	}
}

// saleFieldChanges lists every persisted field that differs between two
// versions of a sale, one entry per field.
func saleFieldChanges(before, after Sale) []FieldChange {
	var out []FieldChange
	str := func(field, o, n string) {
		if o != n {
			out = append(out, FieldChange{Field: field, Old: o, New: n})
		}
	}
	dec := func(field string, o, n decimal.Decimal) {
		if !o.Equal(n) {
			out = append(out, FieldChange{Field: field, Old: o.String(), New: n.String()})
		}
	}

	str(FieldBuyerName, before.BuyerName, after.BuyerName)
	dec(FieldRateColdCharge, before.Pricing.Rates.ColdCharge, after.Pricing.Rates.ColdCharge)
	dec(FieldRateHandling, before.Pricing.Rates.Handling, after.Pricing.Rates.Handling)
	dec(FieldNetWeight, before.Pricing.NetWeight, after.Pricing.NetWeight)
	dec(FieldWeighing, before.Extras.Weighing, after.Extras.Weighing)
	dec(FieldExtraHandlingPerBag, before.Extras.ExtraHandlingPerBag, after.Extras.ExtraHandlingPerBag)
	dec(FieldGrading, before.Extras.Grading, after.Extras.Grading)
	str(FieldPricePerWeightUnit, nullDecimalString(before.PricePerWeightUnit), nullDecimalString(after.PricePerWeightUnit))
	dec(FieldTotalCharge, before.Charge.Total, after.Charge.Total)
	dec(FieldPaidAmount, before.PaidAmount, after.PaidAmount)
	dec(FieldDueAmount, before.DueAmount, after.DueAmount)
	str(FieldPaymentStatus, string(before.Status), string(after.Status))
	str(FieldPaymentMode, string(before.PaymentMode), string(after.PaymentMode))
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func setField[T comparable](out *[]FieldChange, field string, dst *T, v *T, render func(T) string) {
	if v == nil || *dst == *v {
		return
	}
	*out = append(*out, FieldChange{Field: field, Old: render(*dst), New: render(*v)})
	*dst = *v
}

func setDecimal(out *[]FieldChange, field string, dst *decimal.Decimal, v *decimal.Decimal) {
	if v == nil || dst.Equal(*v) {
		return
	}
	*out = append(*out, FieldChange{Field: field, Old: dst.String(), New: v.String()})
	*dst = *v
}

func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func identity(s string) string { return s }

func stringOf[T ~string](v T) string { return string(v) }

func ptr[T any](v T) *T { return &v }
