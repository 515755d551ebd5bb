/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal on both sides. They are written as JSON
  strings ("220.50") and accepted as strings or numbers.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, enums, non-negative). Cross-field rules stay in the engine,
  which returns ValidationError for anything the tags cannot express.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/pricing.go: ProfileJSON type
*/
package api

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// VALIDATION
// =============================================================================

// newValidator returns a validator that compares decimals as numbers, so
// tags like gte=0 work on decimal.Decimal fields.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// SESSIONS
// =============================================================================

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
}

// =============================================================================
// LOTS
// =============================================================================

type FarmerDTO struct {
	Name     string `json:"name" validate:"required"`
	Contact  string `json:"contact,omitempty"`
	Village  string `json:"village,omitempty"`
	District string `json:"district,omitempty"`
	State    string `json:"state,omitempty"`
}

type PositionDTO struct {
	Chamber string `json:"chamber,omitempty"`
	Floor   string `json:"floor,omitempty"`
	Slot    string `json:"slot,omitempty"`
}

type RatesDTO struct {
	ColdCharge decimal.Decimal `json:"cold_charge" validate:"gte=0"`
	Handling   decimal.Decimal `json:"handling" validate:"gte=0"`
	Unit       string          `json:"unit" validate:"required,oneof=per_bag per_weight"`
}

// CreateLotRequest deposits a lot. Rates are taken from the storage year's
// pricing profile when omitted; lot_number is assigned when zero.
type CreateLotRequest struct {
	LotNumber        int             `json:"lot_number" validate:"gte=0"`
	StorageYear      int             `json:"storage_year" validate:"required,gte=2000,lte=2100"`
	Farmer           FarmerDTO       `json:"farmer"`
	BagCategory      string          `json:"bag_category" validate:"required,oneof=ration seed number12"`
	Grade            string          `json:"grade" validate:"required,oneof=good average poor"`
	Position         PositionDTO     `json:"position"`
	Quantity         int             `json:"quantity" validate:"required,gte=1"`
	InitialNetWeight decimal.Decimal `json:"initial_net_weight" validate:"gte=0"`
	Rates            *RatesDTO       `json:"rates,omitempty"`
	UpForSale        bool            `json:"up_for_sale"`
}

// EditLotRequest carries only the fields to change.
type EditLotRequest struct {
	ExpectedVersion  int              `json:"expected_version" validate:"gte=0"`
	LotNumber        *int             `json:"lot_number,omitempty" validate:"omitempty,gte=1"`
	FarmerName       *string          `json:"farmer_name,omitempty" validate:"omitempty,min=1"`
	FarmerContact    *string          `json:"farmer_contact,omitempty"`
	FarmerVillage    *string          `json:"farmer_village,omitempty"`
	FarmerDistrict   *string          `json:"farmer_district,omitempty"`
	FarmerState      *string          `json:"farmer_state,omitempty"`
	BagCategory      *string          `json:"bag_category,omitempty" validate:"omitempty,oneof=ration seed number12"`
	Grade            *string          `json:"grade,omitempty" validate:"omitempty,oneof=good average poor"`
	Chamber          *string          `json:"chamber,omitempty"`
	Floor            *string          `json:"floor,omitempty"`
	Slot             *string          `json:"slot,omitempty"`
	OriginalQuantity *int             `json:"original_quantity,omitempty" validate:"omitempty,gte=1"`
	InitialNetWeight *decimal.Decimal `json:"initial_net_weight,omitempty" validate:"omitempty,gte=0"`
	RateColdCharge   *decimal.Decimal `json:"rate_cold_charge,omitempty" validate:"omitempty,gte=0"`
	RateHandling     *decimal.Decimal `json:"rate_handling,omitempty" validate:"omitempty,gte=0"`
	ChargeUnit       *string          `json:"charge_unit,omitempty" validate:"omitempty,oneof=per_bag per_weight"`
	UpForSale        *bool            `json:"up_for_sale,omitempty"`
}

func (r EditLotRequest) changes() settlement.LotChanges {
	c := settlement.LotChanges{
		ExpectedVersion:  r.ExpectedVersion,
		LotNumber:        r.LotNumber,
		FarmerName:       r.FarmerName,
		FarmerContact:    r.FarmerContact,
		FarmerVillage:    r.FarmerVillage,
		FarmerDistrict:   r.FarmerDistrict,
		FarmerState:      r.FarmerState,
		Chamber:          r.Chamber,
		Floor:            r.Floor,
		Slot:             r.Slot,
		OriginalQuantity: r.OriginalQuantity,
		InitialNetWeight: r.InitialNetWeight,
		RateColdCharge:   r.RateColdCharge,
		RateHandling:     r.RateHandling,
		UpForSale:        r.UpForSale,
	}
	if r.BagCategory != nil {
		v := settlement.BagCategory(*r.BagCategory)
		c.BagCategory = &v
	}
	if r.Grade != nil {
		v := settlement.QualityGrade(*r.Grade)
		c.Grade = &v
	}
	if r.ChargeUnit != nil {
		v := settlement.ChargeUnit(*r.ChargeUnit)
		c.ChargeUnit = &v
	}
	return c
}

type LotDTO struct {
	ID                string          `json:"id"`
	LotNumber         int             `json:"lot_number"`
	StorageYear       int             `json:"storage_year"`
	Farmer            FarmerDTO       `json:"farmer"`
	BagCategory       string          `json:"bag_category"`
	Grade             string          `json:"grade"`
	Position          PositionDTO     `json:"position"`
	OriginalQuantity  int             `json:"original_quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	SoldQuantity      int             `json:"sold_quantity"`
	InitialNetWeight  decimal.Decimal `json:"initial_net_weight"`
	Rates             RatesDTO        `json:"rates"`
	BaseChargeBilled  bool            `json:"base_charge_billed"`
	UpForSale         bool            `json:"up_for_sale"`
	Version           int             `json:"version"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

// =============================================================================
// SALES
// =============================================================================

type RateOverrideDTO struct {
	ColdCharge *decimal.Decimal `json:"cold_charge,omitempty" validate:"omitempty,gte=0"`
	Handling   *decimal.Decimal `json:"handling,omitempty" validate:"omitempty,gte=0"`
}

type ExtrasDTO struct {
	Weighing            decimal.Decimal `json:"weighing" validate:"gte=0"`
	ExtraHandlingPerBag decimal.Decimal `json:"extra_handling_per_bag" validate:"gte=0"`
	Grading             decimal.Decimal `json:"grading" validate:"gte=0"`
}

type PaymentDTO struct {
	Status     string          `json:"status" validate:"omitempty,oneof=due partial paid"`
	PaidAmount decimal.Decimal `json:"paid_amount" validate:"gte=0"`
	Mode       string          `json:"mode" validate:"omitempty,oneof=cash account"`
}

type CreateSaleRequest struct {
	Quantity           int              `json:"quantity" validate:"required,gte=1"`
	Final              bool             `json:"final"`
	Basis              string           `json:"basis" validate:"omitempty,oneof=actual total_remaining"`
	Rates              *RateOverrideDTO `json:"rates,omitempty"`
	Extras             *ExtrasDTO       `json:"extras,omitempty"`
	BuyerName          string           `json:"buyer_name" validate:"required"`
	PricePerWeightUnit *decimal.Decimal `json:"price_per_weight_unit,omitempty" validate:"omitempty,gte=0"`
	Payment            PaymentDTO       `json:"payment"`
}

func (r CreateSaleRequest) toSaleRequest(lotID settlement.LotID) settlement.SaleRequest {
	req := settlement.SaleRequest{
		LotID:     lotID,
		Quantity:  r.Quantity,
		Final:     r.Final,
		Rates:     r.Rates.override(),
		Basis:     settlement.ChargeBasis(r.Basis),
		Extras:    r.Extras.extras(),
		BuyerName: r.BuyerName,
		Payment: settlement.PaymentIntent{
			Status:     settlement.PaymentStatus(r.Payment.Status),
			PaidAmount: r.Payment.PaidAmount,
			Mode:       settlement.PaymentMode(r.Payment.Mode),
		},
	}
	if r.PricePerWeightUnit != nil {
		req.PricePerWeightUnit = decimal.NewNullDecimal(*r.PricePerWeightUnit)
	}
	return req
}

type QuoteRequest struct {
	Quantity int              `json:"quantity" validate:"required,gte=1"`
	Basis    string           `json:"basis" validate:"omitempty,oneof=actual total_remaining"`
	Rates    *RateOverrideDTO `json:"rates,omitempty"`
	Extras   *ExtrasDTO       `json:"extras,omitempty"`
}

func (o *RateOverrideDTO) override() *settlement.RateOverride {
	if o == nil {
		return nil
	}
	return &settlement.RateOverride{ColdCharge: o.ColdCharge, Handling: o.Handling}
}

// extras returns nil when the request carried none, so the engine falls back
// to the pricing profile's defaults.
func (x *ExtrasDTO) extras() *settlement.Extras {
	if x == nil {
		return nil
	}
	return &settlement.Extras{
		Weighing:            x.Weighing,
		ExtraHandlingPerBag: x.ExtraHandlingPerBag,
		Grading:             x.Grading,
	}
}

// EditSaleRequest carries only the fields to change.
type EditSaleRequest struct {
	ExpectedVersion     int              `json:"expected_version" validate:"gte=0"`
	BuyerName           *string          `json:"buyer_name,omitempty" validate:"omitempty,min=1"`
	RateColdCharge      *decimal.Decimal `json:"rate_cold_charge,omitempty" validate:"omitempty,gte=0"`
	RateHandling        *decimal.Decimal `json:"rate_handling,omitempty" validate:"omitempty,gte=0"`
	NetWeight           *decimal.Decimal `json:"net_weight,omitempty" validate:"omitempty,gte=0"`
	Weighing            *decimal.Decimal `json:"weighing,omitempty" validate:"omitempty,gte=0"`
	ExtraHandlingPerBag *decimal.Decimal `json:"extra_handling_per_bag,omitempty" validate:"omitempty,gte=0"`
	Grading             *decimal.Decimal `json:"grading,omitempty" validate:"omitempty,gte=0"`
	PricePerWeightUnit  *decimal.Decimal `json:"price_per_weight_unit,omitempty" validate:"omitempty,gte=0"`
	Status              *string          `json:"status,omitempty" validate:"omitempty,oneof=due partial paid"`
	PaidAmount          *decimal.Decimal `json:"paid_amount,omitempty" validate:"omitempty,gte=0"`
	PaymentMode         *string          `json:"payment_mode,omitempty" validate:"omitempty,oneof=cash account"`
}

func (r EditSaleRequest) changes() settlement.SaleChanges {
	c := settlement.SaleChanges{
		ExpectedVersion:     r.ExpectedVersion,
		BuyerName:           r.BuyerName,
		RateColdCharge:      r.RateColdCharge,
		RateHandling:        r.RateHandling,
		NetWeight:           r.NetWeight,
		Weighing:            r.Weighing,
		ExtraHandlingPerBag: r.ExtraHandlingPerBag,
		Grading:             r.Grading,
		PricePerWeightUnit:  r.PricePerWeightUnit,
		PaidAmount:          r.PaidAmount,
	}
	if r.Status != nil {
		v := settlement.PaymentStatus(*r.Status)
		c.Status = &v
	}
	if r.PaymentMode != nil {
		v := settlement.PaymentMode(*r.PaymentMode)
		c.PaymentMode = &v
	}
	return c
}

type ChargeDTO struct {
	Base          decimal.Decimal `json:"base"`
	ColdCharge    decimal.Decimal `json:"cold_charge"`
	Handling      decimal.Decimal `json:"handling"`
	Weighing      decimal.Decimal `json:"weighing"`
	ExtraHandling decimal.Decimal `json:"extra_handling"`
	Grading       decimal.Decimal `json:"grading"`
	Total         decimal.Decimal `json:"total"`
	Display       string          `json:"display"`
	Split         string          `json:"split"`
}

type PricingDTO struct {
	Rates             RatesDTO        `json:"rates"`
	NetWeight         decimal.Decimal `json:"net_weight"`
	OriginalLotSize   int             `json:"original_lot_size"`
	Basis             string          `json:"basis"`
	BasisQuantity     int             `json:"basis_quantity"`
	BaseAlreadyBilled bool            `json:"base_already_billed"`
}

type SaleDTO struct {
	ID                 string           `json:"id"`
	LotID              string           `json:"lot_id"`
	Kind               string           `json:"kind"`
	Quantity           int              `json:"quantity"`
	Pricing            PricingDTO       `json:"pricing"`
	Extras             ExtrasDTO        `json:"extras"`
	BuyerName          string           `json:"buyer_name"`
	PricePerWeightUnit *decimal.Decimal `json:"price_per_weight_unit,omitempty"`
	Charge             ChargeDTO        `json:"charge"`
	PaidAmount         decimal.Decimal  `json:"paid_amount"`
	DueAmount          decimal.Decimal  `json:"due_amount"`
	Status             string           `json:"status"`
	PaymentMode        string           `json:"payment_mode,omitempty"`
	Reversed           bool             `json:"reversed"`
	ReversedAt         *string          `json:"reversed_at,omitempty"`
	CreatedBy          string           `json:"created_by"`
	Version            int              `json:"version"`
	CreatedAt          string           `json:"created_at"`
	UpdatedAt          string           `json:"updated_at"`
}

type OutstandingDTO struct {
	Sales int             `json:"sales"`
	Total decimal.Decimal `json:"total"`
	Paid  decimal.Decimal `json:"paid"`
	Due   decimal.Decimal `json:"due"`
}

// =============================================================================
// HISTORY
// =============================================================================

type LotHistoryDTO struct {
	ID         string                   `json:"id"`
	LotID      string                   `json:"lot_id"`
	ChangeType string                   `json:"change_type"`
	At         string                   `json:"at"`
	ActorID    string                   `json:"actor_id"`
	Before     *settlement.LotSnapshot  `json:"before,omitempty"`
	After      settlement.LotSnapshot   `json:"after"`
	Changes    []settlement.FieldChange `json:"changes"`
	Sale       *settlement.SaleSummary  `json:"sale,omitempty"`
	RevertsID  string                   `json:"reverts_id,omitempty"`
}

type SaleHistoryDTO struct {
	ID       string `json:"id"`
	SaleID   string `json:"sale_id"`
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	At       string `json:"at"`
	ActorID  string `json:"actor_id"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toRatesDTO(r settlement.Rates) RatesDTO {
	return RatesDTO{ColdCharge: r.ColdCharge, Handling: r.Handling, Unit: string(r.Unit)}
}

func toLotDTO(l settlement.Lot) LotDTO {
	return LotDTO{
		ID:          string(l.ID),
		LotNumber:   l.LotNumber,
		StorageYear: l.StorageYear,
		Farmer: FarmerDTO{
			Name:     l.Farmer.Name,
			Contact:  l.Farmer.Contact,
			Village:  l.Farmer.Village,
			District: l.Farmer.District,
			State:    l.Farmer.State,
		},
		BagCategory:       string(l.BagCategory),
		Grade:             string(l.Grade),
		Position:          PositionDTO{Chamber: l.Position.Chamber, Floor: l.Position.Floor, Slot: l.Position.Slot},
		OriginalQuantity:  l.OriginalQuantity,
		RemainingQuantity: l.RemainingQuantity,
		SoldQuantity:      l.SoldQuantity(),
		InitialNetWeight:  l.InitialNetWeight,
		Rates:             toRatesDTO(l.Rates),
		BaseChargeBilled:  l.BaseChargeBilled,
		UpForSale:         l.UpForSale,
		Version:           l.Version,
		CreatedAt:         formatTime(l.CreatedAt),
		UpdatedAt:         formatTime(l.UpdatedAt),
	}
}

func toLotDTOs(lots []settlement.Lot) []LotDTO {
	dtos := make([]LotDTO, len(lots))
	for i, l := range lots {
		dtos[i] = toLotDTO(l)
	}
	return dtos
}

func toChargeDTO(c settlement.Charge) ChargeDTO {
	return ChargeDTO{
		Base:          c.Base,
		ColdCharge:    c.ColdCharge,
		Handling:      c.Handling,
		Weighing:      c.Weighing,
		ExtraHandling: c.ExtraHandling,
		Grading:       c.Grading,
		Total:         c.Total,
		Display:       settlement.DisplayAmount(c.Total),
		Split:         string(c.Split),
	}
}

func toSaleDTO(s settlement.Sale) SaleDTO {
	dto := SaleDTO{
		ID:       string(s.ID),
		LotID:    string(s.LotID),
		Kind:     string(s.Kind),
		Quantity: s.Quantity,
		Pricing: PricingDTO{
			Rates:             toRatesDTO(s.Pricing.Rates),
			NetWeight:         s.Pricing.NetWeight,
			OriginalLotSize:   s.Pricing.OriginalLotSize,
			Basis:             string(s.Pricing.Basis),
			BasisQuantity:     s.Pricing.BasisQuantity,
			BaseAlreadyBilled: s.Pricing.BaseAlreadyBilled,
		},
		Extras: ExtrasDTO{
			Weighing:            s.Extras.Weighing,
			ExtraHandlingPerBag: s.Extras.ExtraHandlingPerBag,
			Grading:             s.Extras.Grading,
		},
		BuyerName:   s.BuyerName,
		Charge:      toChargeDTO(s.Charge),
		PaidAmount:  s.PaidAmount,
		DueAmount:   s.DueAmount,
		Status:      string(s.Status),
		PaymentMode: string(s.PaymentMode),
		Reversed:    s.Reversed,
		CreatedBy:   s.CreatedBy,
		Version:     s.Version,
		CreatedAt:   formatTime(s.CreatedAt),
		UpdatedAt:   formatTime(s.UpdatedAt),
	}
	if s.PricePerWeightUnit.Valid {
		v := s.PricePerWeightUnit.Decimal
		dto.PricePerWeightUnit = &v
	}
	if s.ReversedAt != nil {
		v := formatTime(*s.ReversedAt)
		dto.ReversedAt = &v
	}
	return dto
}

func toSaleDTOs(sales []settlement.Sale) []SaleDTO {
	dtos := make([]SaleDTO, len(sales))
	for i, s := range sales {
		dtos[i] = toSaleDTO(s)
	}
	return dtos
}

func toLotHistoryDTOs(entries []settlement.LotHistoryEntry) []LotHistoryDTO {
	dtos := make([]LotHistoryDTO, len(entries))
	for i, e := range entries {
		changes := e.Changes
		if changes == nil {
			changes = []settlement.FieldChange{}
		}
		dtos[i] = LotHistoryDTO{
			ID:         string(e.ID),
			LotID:      string(e.LotID),
			ChangeType: string(e.ChangeType),
			At:         formatTime(e.At),
			ActorID:    e.ActorID,
			Before:     e.Before,
			After:      e.After,
			Changes:    changes,
			Sale:       e.Sale,
			RevertsID:  string(e.RevertsID),
		}
	}
	return dtos
}

func toSaleHistoryDTOs(entries []settlement.SaleHistoryEntry) []SaleHistoryDTO {
	dtos := make([]SaleHistoryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = SaleHistoryDTO{
			ID:       string(e.ID),
			SaleID:   string(e.SaleID),
			Field:    e.Field,
			OldValue: e.OldValue,
			NewValue: e.NewValue,
			At:       formatTime(e.At),
			ActorID:  e.ActorID,
		}
	}
	return dtos
}
