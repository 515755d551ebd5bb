/*
Package settlement provides the cold-storage lot settlement engine.

PURPOSE:
  Records lots of potato bags deposited by farmers, sells them in full or in
  part to buyers, and computes the storage and handling charges owed for each
  sale. Every mutation of a lot or a sale leaves an append-only history row so
  that bills can be explained and edits can be undone.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lot: a deposited batch of bags tracked as one inventory unit
  - Sale: one settlement transaction against a lot (partial or final)
  - PricingSnapshot: the rates copied onto a sale at sale time
  - Charge: the computed bill, base charge plus extras
  - LotHistoryEntry / SaleHistoryEntry: the audit trail
  - Actor: who is performing an operation (explicit, never global)

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Snapshots: a sale carries every number its bill was computed from
  3. Reversal, not deletion: sales are marked reversed, history is append-only
  4. Explicit changesets: audit rows are built by the mutation itself

SEE ALSO:
  - charge.go: Charge Calculator
  - sale.go: Sale Settlement State Machine
  - payment.go: Payment Reconciliation
  - reversal.go: Reversal Engine
  - changeset.go: typed lot/sale changesets
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LotID string
type SaleID string
type HistoryID string
type ProfileID string

// =============================================================================
// ENUMERATIONS
// =============================================================================

// BagCategory is the kind of bag a lot was deposited in. Lot numbers are
// sequential within a category and storage year.
type BagCategory string

const (
	BagRation   BagCategory = "ration"
	BagSeed     BagCategory = "seed"
	BagNumber12 BagCategory = "number12"
)

func (c BagCategory) Valid() bool {
	switch c {
	case BagRation, BagSeed, BagNumber12:
		return true
	}
	return false
}

// QualityGrade is display-only; it never affects charges.
type QualityGrade string

const (
	GradeGood    QualityGrade = "good"
	GradeAverage QualityGrade = "average"
	GradePoor    QualityGrade = "poor"
)

func (g QualityGrade) Valid() bool {
	switch g {
	case GradeGood, GradeAverage, GradePoor:
		return true
	}
	return false
}

// ChargeUnit selects how the per-unit rates are applied.
type ChargeUnit string

const (
	// ChargePerBag bills each rate once per bag.
	ChargePerBag ChargeUnit = "per_bag"
	// ChargePerWeight bills each rate per quintal of net weight.
	ChargePerWeight ChargeUnit = "per_weight"
)

func (u ChargeUnit) Valid() bool {
	return u == ChargePerBag || u == ChargePerWeight
}

// ChargeBasis selects the quantity the base charge is computed over.
type ChargeBasis string

const (
	// BasisActual bills the base charge over the bags sold in this sale.
	BasisActual ChargeBasis = "actual"
	// BasisTotalRemaining bills the base charge over everything left in the
	// lot at sale time, regardless of how many bags leave.
	BasisTotalRemaining ChargeBasis = "total_remaining"
)

func (b ChargeBasis) Valid() bool {
	return b == BasisActual || b == BasisTotalRemaining
}

// SplitStrategy records how a base charge was divided into its cold-charge
// and handling components. The two strategies give different numbers for the
// same base, so a sale keeps the one it was billed with.
type SplitStrategy string

const (
	SplitProportional   SplitStrategy = "proportional"
	SplitDirectHandling SplitStrategy = "direct_handling"
)

type PaymentStatus string

const (
	StatusDue     PaymentStatus = "due"
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusDue, StatusPartial, StatusPaid:
		return true
	}
	return false
}

type PaymentMode string

const (
	ModeNone    PaymentMode = ""
	ModeCash    PaymentMode = "cash"
	ModeAccount PaymentMode = "account"
)

func (m PaymentMode) Valid() bool {
	return m == ModeCash || m == ModeAccount
}

// SaleKind distinguishes a sale that exhausts its lot from one that doesn't.
type SaleKind string

const (
	SalePartial SaleKind = "partial"
	SaleFinal   SaleKind = "final"
)

// =============================================================================
// LOT - A deposited batch of bags
// =============================================================================

// Farmer holds the depositor's identity. Display-only.
type Farmer struct {
	Name     string `json:"name"`
	Contact  string `json:"contact,omitempty"`
	Village  string `json:"village,omitempty"`
	District string `json:"district,omitempty"`
	State    string `json:"state,omitempty"`
}

// Position is where the lot sits in the store. Display-only.
type Position struct {
	Chamber string `json:"chamber,omitempty"`
	Floor   string `json:"floor,omitempty"`
	Slot    string `json:"slot,omitempty"`
}

// Rates are the per-unit charges for a lot. The unit is per bag or per
// quintal depending on ChargeUnit.
type Rates struct {
	ColdCharge decimal.Decimal `json:"cold_charge"`
	Handling   decimal.Decimal `json:"handling"`
	Unit       ChargeUnit      `json:"unit"`
}

// Combined returns ColdCharge + Handling.
func (r Rates) Combined() decimal.Decimal {
	return r.ColdCharge.Add(r.Handling)
}

// Lot is a batch of bags deposited by one farmer into one storage position.
//
// INVARIANTS:
//   - 0 <= RemainingQuantity <= OriginalQuantity
//   - RemainingQuantity decreases only through a committed sale and
//     increases only through the reversal of a sale from this lot
//   - LotNumber is unique within (BagCategory, StorageYear)
type Lot struct {
	ID                LotID
	LotNumber         int
	StorageYear       int
	Farmer            Farmer
	BagCategory       BagCategory
	Grade             QualityGrade
	Position          Position
	OriginalQuantity  int
	RemainingQuantity int
	// InitialNetWeight is in kilograms. Zero means unknown, which is only
	// allowed for per-bag pricing.
	InitialNetWeight decimal.Decimal
	Rates            Rates
	BaseChargeBilled bool
	UpForSale        bool
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SoldQuantity is the number of bags that have left the lot.
func (l Lot) SoldQuantity() int {
	return l.OriginalQuantity - l.RemainingQuantity
}

// LotSnapshot is the serialized state of a lot stored in history rows.
type LotSnapshot struct {
	LotNumber         int             `json:"lot_number"`
	StorageYear       int             `json:"storage_year"`
	Farmer            Farmer          `json:"farmer"`
	BagCategory       BagCategory     `json:"bag_category"`
	Grade             QualityGrade    `json:"grade"`
	Position          Position        `json:"position"`
	OriginalQuantity  int             `json:"original_quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	InitialNetWeight  decimal.Decimal `json:"initial_net_weight"`
	Rates             Rates           `json:"rates"`
	BaseChargeBilled  bool            `json:"base_charge_billed"`
	UpForSale         bool            `json:"up_for_sale"`
}

// Snapshot captures the lot's current state for a history row.
func (l Lot) Snapshot() LotSnapshot {
	return LotSnapshot{
		LotNumber:         l.LotNumber,
		StorageYear:       l.StorageYear,
		Farmer:            l.Farmer,
		BagCategory:       l.BagCategory,
		Grade:             l.Grade,
		Position:          l.Position,
		OriginalQuantity:  l.OriginalQuantity,
		RemainingQuantity: l.RemainingQuantity,
		InitialNetWeight:  l.InitialNetWeight,
		Rates:             l.Rates,
		BaseChargeBilled:  l.BaseChargeBilled,
		UpForSale:         l.UpForSale,
	}
}

// =============================================================================
// SALE - One settlement against a lot
// =============================================================================

// Extras are charged on top of the base charge and always use the quantity
// actually sold.
type Extras struct {
	Weighing            decimal.Decimal `json:"weighing"`
	ExtraHandlingPerBag decimal.Decimal `json:"extra_handling_per_bag"`
	Grading             decimal.Decimal `json:"grading"`
}

// PricingSnapshot is everything a sale's bill was computed from. It is
// copied from the lot (or caller overrides) at sale time and never re-read
// from the lot afterwards.
type PricingSnapshot struct {
	Rates Rates `json:"rates"`
	// NetWeight and OriginalLotSize are only meaningful for per-weight pricing.
	NetWeight       decimal.Decimal `json:"net_weight"`
	OriginalLotSize int             `json:"original_lot_size"`
	Basis           ChargeBasis     `json:"basis"`
	BasisQuantity   int             `json:"basis_quantity"`
	// BaseAlreadyBilled is the lot flag as it was when the sale was made.
	BaseAlreadyBilled bool `json:"base_already_billed"`
}

// Charge is a computed bill.
type Charge struct {
	Base          decimal.Decimal `json:"base"`
	ColdCharge    decimal.Decimal `json:"cold_charge"`
	Handling      decimal.Decimal `json:"handling"`
	Weighing      decimal.Decimal `json:"weighing"`
	ExtraHandling decimal.Decimal `json:"extra_handling"`
	Grading       decimal.Decimal `json:"grading"`
	Total         decimal.Decimal `json:"total"`
	Split         SplitStrategy   `json:"split"`
}

// Sale is one settlement transaction against a lot.
//
// INVARIANTS (while settled):
//   - PaidAmount + DueAmount == Charge.Total (within MoneyTolerance)
//   - Status == paid    => DueAmount == 0
//   - Status == due     => PaidAmount == 0
//   - Status == partial => 0 < PaidAmount < Charge.Total
//   - once Reversed, the sale no longer counts toward outstanding balances
type Sale struct {
	ID                 SaleID
	LotID              LotID
	Kind               SaleKind
	Quantity           int
	Pricing            PricingSnapshot
	Extras             Extras
	BuyerName          string
	PricePerWeightUnit decimal.NullDecimal
	Charge             Charge
	PaidAmount         decimal.Decimal
	DueAmount          decimal.Decimal
	Status             PaymentStatus
	PaymentMode        PaymentMode
	Reversed           bool
	ReversedAt         *time.Time
	CreatedBy          string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// HISTORY - Append-only audit trail
// =============================================================================

type LotChangeType string

const (
	LotChangeCreated      LotChangeType = "created"
	LotChangeEdit         LotChangeType = "edit"
	LotChangePartialSale  LotChangeType = "partial_sale"
	LotChangeFinalSale    LotChangeType = "final_sale"
	LotChangeSaleReversal LotChangeType = "sale_reversal"
)

// FieldChange is one field that differs between two states of a record.
// Values are rendered as strings so they can be stored and displayed
// without knowing the field's type.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// SaleSummary is the sale information captured on sale-linked lot history
// rows, so the history can be shown without joining to the sale.
type SaleSummary struct {
	SaleID        SaleID          `json:"sale_id"`
	Quantity      int             `json:"quantity"`
	PricePerBag   decimal.Decimal `json:"price_per_bag"`
	BuyerName     string          `json:"buyer_name"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
}

// LotHistoryEntry records one mutation of a lot.
type LotHistoryEntry struct {
	ID         HistoryID
	LotID      LotID
	ChangeType LotChangeType
	At         time.Time
	ActorID    string
	Before     *LotSnapshot
	After      LotSnapshot
	Changes    []FieldChange
	Sale       *SaleSummary
	// RevertsID is set on the edit row written by ReverseLotEdit and points
	// at the row it undid.
	RevertsID HistoryID
}

// SaleHistoryEntry records one changed field of a sale.
type SaleHistoryEntry struct {
	ID       HistoryID
	SaleID   SaleID
	Field    string
	OldValue string
	NewValue string
	At       time.Time
	ActorID  string
}

// =============================================================================
// PRICING PROFILE - Storage-year rate card
// =============================================================================

// PricingProfile holds the default rates a new lot inherits.
type PricingProfile struct {
	ID            ProfileID
	Name          string
	StorageYear   int
	Unit          ChargeUnit
	Rates         map[BagCategory]Rates
	DefaultExtras Extras
	Version       int
}

// RatesFor returns the profile's rates for a bag category.
func (p PricingProfile) RatesFor(c BagCategory) (Rates, bool) {
	r, ok := p.Rates[c]
	if !ok {
		return Rates{}, false
	}
	r.Unit = p.Unit
	return r, true
}

// =============================================================================
// ACTOR - Who performs an operation
// =============================================================================

type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Actor is passed explicitly to every mutating operation.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// SystemActor is used by seed data and internal tooling.
var SystemActor = Actor{ID: "system", Name: "system", Role: RoleAdmin}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) canOperate() bool { return a.Role == RoleOperator || a.Role == RoleAdmin }
