package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/core/service"
)

type AddLineRequest struct {
	Kind     string `json:"kind"`
	ItemID   int64  `json:"item_id"`
	Quantity int    `json:"quantity"`
	Title    string `json:"title"`
	Meta     string `json:"meta"`
}

type UpdateLineRequest struct {
	Quantity int `json:"quantity"`
}

type CartLineDTO struct {
	ID        int64  `json:"id"`
	Ref       string `json:"ref"`
	Kind      string `json:"kind"`
	ItemID    int64  `json:"item_id"`
	Quantity  int    `json:"quantity"`
	Title     string `json:"title"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
	Meta      string `json:"meta,omitempty"`
}

type CartResponse struct {
	Lines []CartLineDTO `json:"lines"`
	Count int           `json:"count"`
	Total string        `json:"total"`
}

type CheckoutResponse struct {
	CheckoutID string               `json:"checkout_id"`
	UserID     int64                `json:"user_id"`
	Total      string               `json:"total"`
	Lines      []domain.LineSummary `json:"lines"`
}

// GET /api/v1/cart
func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Cart.Lines(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "cart", err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(lines))
}

// POST /api/v1/cart
func (h *HTTPHandler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req AddLineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}

	lines, err := h.Cart.AddLine(r.Context(), userFromContext(r.Context()), service.AddLineRequest{
		Kind:     domain.LineKind(req.Kind),
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Title:    req.Title,
		Meta:     req.Meta,
	})
	if err != nil {
		h.writeServiceError(w, r, "cart_add", err)
		return
	}
	respondJSON(w, http.StatusCreated, toCartResponse(lines))
}

// PATCH /api/v1/cart/items/{ref}
func (h *HTTPHandler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	ref, err := domain.ParseLineRef(chi.URLParam(r, "ref"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	var req UpdateLineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}

	lines, err := h.Cart.UpdateQuantity(r.Context(), userFromContext(r.Context()), ref, req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, "cart_update", err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(lines))
}

// DELETE /api/v1/cart/items/{ref}
func (h *HTTPHandler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	ref, err := domain.ParseLineRef(chi.URLParam(r, "ref"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	lines, err := h.Cart.RemoveLine(r.Context(), userFromContext(r.Context()), ref)
	if err != nil {
		h.writeServiceError(w, r, "cart_remove", err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(lines))
}

// DELETE /api/v1/cart
func (h *HTTPHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.Cart.Clear(r.Context(), userFromContext(r.Context())); err != nil {
		h.writeServiceError(w, r, "cart_clear", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/checkout
func (h *HTTPHandler) PrepareCheckout(w http.ResponseWriter, r *http.Request) {
	c, err := h.Checkout.Prepare(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "prepare", err)
		return
	}
	h.metrics.Outcome("prepare", "ok")
	respondJSON(w, http.StatusCreated, toCheckoutResponse(c.ID, c.Quotation))
}

// GET /api/v1/checkout/{id}
func (h *HTTPHandler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := h.Checkout.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "checkout_get", err)
		return
	}
	if q == nil || q.UserID != userFromContext(r.Context()) {
		respondError(w, http.StatusNotFound, "not_found", "checkout not found or expired")
		return
	}
	respondJSON(w, http.StatusOK, toCheckoutResponse(id, *q))
}

// POST /api/v1/checkout/{id}/finalize commits a zero-total checkout that
// needs no external payment. Paid checkouts are rejected with 400; they
// finalize through the payment confirm or webhook routes. Repeated calls
// report already_processed.
func (h *HTTPHandler) FinalizeCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := h.Payments.FinalizeFree(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "finalize", err)
		return
	}
	h.writeReconciliation(w, "finalize", res)
}

func toCartResponse(lines []domain.CartLine) CartResponse {
	resp := CartResponse{Lines: make([]CartLineDTO, 0, len(lines)), Count: len(lines)}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
		resp.Lines = append(resp.Lines, CartLineDTO{
			ID:        l.ID,
			Ref:       domain.CartEntryRef(l.ID).String(),
			Kind:      string(l.Kind),
			ItemID:    l.ItemID,
			Quantity:  l.Quantity,
			Title:     l.Title,
			UnitPrice: l.UnitPrice.StringFixed(2),
			Subtotal:  l.Subtotal().StringFixed(2),
			Meta:      l.Meta,
		})
	}
	resp.Total = total.StringFixed(2)
	return resp
}

func toCheckoutResponse(id string, q domain.Quotation) CheckoutResponse {
	return CheckoutResponse{
		CheckoutID: id,
		UserID:     q.UserID,
		Total:      q.Total.StringFixed(2),
		Lines:      nonNil(q.Lines),
	}
}
