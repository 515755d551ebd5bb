/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to settlement.Engine.

ENDPOINTS:
  Sessions:
    POST   /api/sessions                  Log in, returns a bearer token
    DELETE /api/sessions                  Log out

  Pricing profiles:
    GET    /api/pricing-profiles          List rate cards
    POST   /api/pricing-profiles          Create or replace a rate card (admin)

  Lots:
    GET    /api/lots                      List (bag_category, storage_year, up_for_sale, farmer)
    POST   /api/lots                      Deposit a lot
    GET    /api/lots/{id}                 Get one lot
    PATCH  /api/lots/{id}                 Edit (admin)
    POST   /api/lots/{id}/revert-edit     Undo the latest edit (admin)
    GET    /api/lots/{id}/history         Lot history, newest first
    POST   /api/lots/{id}/quote           Charge preview, nothing is written
    POST   /api/lots/{id}/sales           Settle a sale

  Sales:
    GET    /api/sales                     List (lot_id, status, from, to, include_reversed)
    GET    /api/sales/outstanding         Totals over non-reversed sales
    GET    /api/sales/{id}                Get one sale
    PATCH  /api/sales/{id}                Edit (admin)
    POST   /api/sales/{id}/reverse        Reverse (admin)
    GET    /api/sales/{id}/history        Sale history, newest first

REQUEST FLOW:
  1. Decode JSON (unknown fields rejected)
  2. Validate shape with validator tags
  3. Call the engine with the session's actor
  4. Serialize response
  5. Map error kinds to status codes (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/coldstore/factory"
	"github.com/warp/coldstore/logger"
	"github.com/warp/coldstore/session"
	"github.com/warp/coldstore/settlement"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine   *settlement.Engine
	sessions *session.Manager
	log      *zap.Logger
	validate *validator.Validate

	// reset clears the ledger before a scenario loads. Nil disables the
	// scenario endpoints.
	reset func(context.Context) error

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *settlement.Engine, sessions *session.Manager, log *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		sessions: sessions,
		log:      logger.Named(log, "api"),
		validate: newValidator(),
	}
}

// EnableScenarios turns on the demo data endpoints. It must be called before
// NewRouter. reset must wipe every lot, sale, history row and pricing profile.
func (h *Handler) EnableScenarios(reset func(context.Context) error) {
	h.reset = reset
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &settlement.ValidationError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	return h.validate.Struct(dst)
}

func actorFrom(r *http.Request) settlement.Actor {
	a, _ := session.ActorFrom(r.Context())
	return a
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// Login checks credentials and returns a bearer token.
// POST /api/sessions
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	s, err := h.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.log.Warn("login failed", zap.String("username", req.Username))
		h.respondError(w, r, err)
		return
	}

	h.log.Info("login", zap.String("username", s.Actor.ID), zap.String("session_id", s.ID))
	writeJSON(w, http.StatusCreated, LoginResponse{
		Token:     s.Token,
		Username:  s.Actor.ID,
		Role:      string(s.Actor.Role),
		ExpiresAt: formatTime(s.ExpiresAt),
	})
}

// Logout ends the caller's session.
// DELETE /api/sessions
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context(), bearerToken(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PRICING PROFILE HANDLERS
// =============================================================================

// ListPricingProfiles returns all rate cards.
// GET /api/pricing-profiles
func (h *Handler) ListPricingProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.engine.ListPricingProfiles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	dtos := make([]factory.ProfileJSON, len(profiles))
	for i, p := range profiles {
		dtos[i] = factory.ToJSON(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SavePricingProfile creates a rate card, or replaces the one with the same
// id and bumps its version.
// POST /api/pricing-profiles
func (h *Handler) SavePricingProfile(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, &settlement.ValidationError{Message: "invalid request body"})
		return
	}

	p, err := factory.ParsePricingProfile(string(body))
	if err != nil {
		h.respondError(w, r, asValidation(err))
		return
	}
	if p.ID == "" {
		p.ID = settlement.ProfileID(uuid.NewString())
	}

	if err := h.engine.SavePricingProfile(r.Context(), actorFrom(r), p); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.ToJSON(p))
}

// asValidation turns a JSON syntax error from the factory into a
// validation error; engine validation errors pass through.
func asValidation(err error) error {
	if _, code := errorStatus(err); code == "validation_failed" {
		return err
	}
	return &settlement.ValidationError{Message: err.Error()}
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// ListLots returns lots matching the query filters.
// GET /api/lots
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	f, err := parseLotFilter(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	lots, err := h.engine.ListLots(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// GetLot returns a single lot.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.engine.GetLot(r.Context(), settlement.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot))
}

// CreateLot deposits a lot.
// POST /api/lots
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req CreateLotRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	in := settlement.LotInput{
		LotNumber:   req.LotNumber,
		StorageYear: req.StorageYear,
		Farmer: settlement.Farmer{
			Name:     req.Farmer.Name,
			Contact:  req.Farmer.Contact,
			Village:  req.Farmer.Village,
			District: req.Farmer.District,
			State:    req.Farmer.State,
		},
		BagCategory:      settlement.BagCategory(req.BagCategory),
		Grade:            settlement.QualityGrade(req.Grade),
		Position:         settlement.Position{Chamber: req.Position.Chamber, Floor: req.Position.Floor, Slot: req.Position.Slot},
		Quantity:         req.Quantity,
		InitialNetWeight: req.InitialNetWeight,
		UpForSale:        req.UpForSale,
	}
	if req.Rates != nil {
		in.Rates = &settlement.Rates{
			ColdCharge: req.Rates.ColdCharge,
			Handling:   req.Rates.Handling,
			Unit:       settlement.ChargeUnit(req.Rates.Unit),
		}
	}

	lot, err := h.engine.CreateLot(r.Context(), actorFrom(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTO(lot))
}

// EditLot applies a changeset to a lot.
// PATCH /api/lots/{id}
func (h *Handler) EditLot(w http.ResponseWriter, r *http.Request) {
	var req EditLotRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	lot, err := h.engine.EditLot(r.Context(), actorFrom(r), settlement.LotID(chi.URLParam(r, "id")), req.changes())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot))
}

// RevertLotEdit undoes the most recent edit of a lot.
// POST /api/lots/{id}/revert-edit
func (h *Handler) RevertLotEdit(w http.ResponseWriter, r *http.Request) {
	lot, err := h.engine.ReverseLotEdit(r.Context(), actorFrom(r), settlement.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot))
}

// LotHistory returns the lot's audit trail.
// GET /api/lots/{id}/history
func (h *Handler) LotHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.LotHistory(r.Context(), settlement.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotHistoryDTOs(entries))
}

// QuoteSale previews the charge for a sale without recording it.
// POST /api/lots/{id}/quote
func (h *Handler) QuoteSale(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	charge, err := h.engine.Quote(r.Context(), settlement.QuoteRequest{
		LotID:    settlement.LotID(chi.URLParam(r, "id")),
		Quantity: req.Quantity,
		Basis:    settlement.ChargeBasis(req.Basis),
		Rates:    req.Rates.override(),
		Extras:   req.Extras.extras(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(charge))
}

// CreateSale settles a sale against the lot.
// POST /api/lots/{id}/sales
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	sale, err := h.engine.CreateSale(r.Context(), actorFrom(r), req.toSaleRequest(settlement.LotID(chi.URLParam(r, "id"))))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(sale))
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// ListSales returns sales matching the query filters.
// GET /api/sales
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	f, err := parseSaleFilter(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	sales, err := h.engine.ListSales(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTOs(sales))
}

// Outstanding returns totals over non-reversed sales matching the filters.
// GET /api/sales/outstanding
func (h *Handler) Outstanding(w http.ResponseWriter, r *http.Request) {
	f, err := parseSaleFilter(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out, err := h.engine.Outstanding(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OutstandingDTO{Sales: out.Sales, Total: out.Total, Paid: out.Paid, Due: out.Due})
}

// GetSale returns a single sale.
// GET /api/sales/{id}
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.engine.GetSale(r.Context(), settlement.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// EditSale applies a changeset to a sale and re-derives its amounts.
// PATCH /api/sales/{id}
func (h *Handler) EditSale(w http.ResponseWriter, r *http.Request) {
	var req EditSaleRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	sale, err := h.engine.EditSale(r.Context(), actorFrom(r), settlement.SaleID(chi.URLParam(r, "id")), req.changes())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// ReverseSale reverses a sale and returns its bags to the lot.
// POST /api/sales/{id}/reverse
func (h *Handler) ReverseSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.engine.ReverseSale(r.Context(), actorFrom(r), settlement.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// SaleHistory returns the sale's audit trail.
// GET /api/sales/{id}/history
func (h *Handler) SaleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.SaleHistory(r.Context(), settlement.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleHistoryDTOs(entries))
}

// =============================================================================
// QUERY PARSING
// =============================================================================

func parseLotFilter(q url.Values) (settlement.LotFilter, error) {
	var f settlement.LotFilter
	if v := q.Get("bag_category"); v != "" {
		c := settlement.BagCategory(v)
		if !c.Valid() {
			return f, &settlement.ValidationError{Field: "bag_category", Message: "unknown bag category"}
		}
		f.BagCategory = &c
	}
	if v := q.Get("storage_year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			return f, &settlement.ValidationError{Field: "storage_year", Message: "must be a number"}
		}
		f.StorageYear = &year
	}
	if v := q.Get("up_for_sale"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &settlement.ValidationError{Field: "up_for_sale", Message: "must be true or false"}
		}
		f.UpForSale = &b
	}
	f.FarmerName = strings.TrimSpace(q.Get("farmer"))
	return f, nil
}

func parseSaleFilter(q url.Values) (settlement.SaleFilter, error) {
	var f settlement.SaleFilter
	if v := q.Get("lot_id"); v != "" {
		id := settlement.LotID(v)
		f.LotID = &id
	}
	if v := q.Get("status"); v != "" {
		s := settlement.PaymentStatus(v)
		if !s.Valid() {
			return f, &settlement.ValidationError{Field: "status", Message: "unknown payment status"}
		}
		f.Status = &s
	}
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			return f, &settlement.ValidationError{Field: "from", Message: err.Error()}
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			return f, &settlement.ValidationError{Field: "to", Message: err.Error()}
		}
		f.To = &t
	}
	if v := q.Get("include_reversed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &settlement.ValidationError{Field: "include_reversed", Message: "must be true or false"}
		}
		f.IncludeReversed = b
	}
	return f, nil
}

// parseDate accepts RFC 3339 or YYYY-MM-DD. A bare date used as an upper
// bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("use YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
