package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/security"
)

type Handler struct {
	Svc *Service
	// CouponGuard, when set, wraps coupon validation to slow code guessing.
	CouponGuard func(http.Handler) http.Handler
}

// Routes mounts the pricing endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/checkout/quote", h.Quote)
	if h.CouponGuard != nil {
		r.With(h.CouponGuard).Post("/coupons/validate", h.ValidateCoupon)
	} else {
		r.Post("/coupons/validate", h.ValidateCoupon)
	}
	r.Post("/tax/rates", h.TaxRates)
	r.Post("/tax/subtotal", h.TaxSubtotal)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload QuoteInput
	if !decode(w, r, &payload) {
		return
	}
	out, err := h.Svc.Quote(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

type couponRequest struct {
	Code            string `json:"code"`
	CustomerID      int64  `json:"customer_id"`
	CustomerGroupID int64  `json:"customer_group_id"`
}

func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload couponRequest
	if !decode(w, r, &payload) {
		return
	}
	out, err := h.Svc.ValidateCoupon(r.Context(), payload.Code, payload.CustomerID, payload.CustomerGroupID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) TaxRates(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload TaxRequest
	if !decode(w, r, &payload) {
		return
	}
	lines, err := h.Svc.TaxRates(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total)
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"lines": lines,
		"total": pricing.Round(total),
	}})
}

func (h *Handler) TaxSubtotal(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload TaxRequest
	if !decode(w, r, &payload) {
		return
	}
	subtotal, err := h.Svc.Subtotal(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"total":    payload.Amount,
		"subtotal": subtotal,
	}})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if security.IsTooLarge(err) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		code := appErr.Code
		if code == "" {
			code = "BAD_REQUEST"
		}
		common.JSONError(w, status, code, appErr.Message, appErr.Details)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
