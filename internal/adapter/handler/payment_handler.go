package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

const maxWebhookBody = 1 << 20

type ConfirmCartRequest struct {
	PaymentID string `json:"paymentId"`
}

type ConfirmSubscriptionRequest struct {
	PaymentID string `json:"paymentId"`
	Plan      string `json:"plan"`
}

// POST /api/v1/payments/cart/confirm
func (h *HTTPHandler) ConfirmCart(w http.ResponseWriter, r *http.Request) {
	var req ConfirmCartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}

	res, err := h.Payments.ConfirmCart(r.Context(), userFromContext(r.Context()), req.PaymentID)
	if err != nil {
		h.writeServiceError(w, r, "confirm_cart", err)
		return
	}
	h.writeReconciliation(w, "confirm_cart", res)
}

// POST /api/v1/payments/subscription/confirm
func (h *HTTPHandler) ConfirmSubscription(w http.ResponseWriter, r *http.Request) {
	var req ConfirmSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}

	res, err := h.Payments.ConfirmSubscription(r.Context(), userFromContext(r.Context()), req.Plan, req.PaymentID)
	if err != nil {
		h.writeServiceError(w, r, "confirm_subscription", err)
		return
	}
	h.writeReconciliation(w, "confirm_subscription", res)
}

// POST /api/v1/payments/webhook accepts a signed notification and queues
// it for the workers.
func (h *HTTPHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "unreadable body")
		return
	}

	if !h.validSignature(body, r.Header.Get("X-Signature")) {
		h.metrics.Outcome("webhook", "bad_signature")
		respondError(w, http.StatusUnauthorized, "invalid_signature", "signature mismatch")
		return
	}

	var n domain.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid notification")
		return
	}

	queued, err := h.Payments.Enqueue(r.Context(), n)
	if err != nil {
		h.writeServiceError(w, r, "webhook", err)
		return
	}
	if !queued {
		h.metrics.Outcome("webhook", string(domain.OutcomeAlreadyProcessed))
		respondJSON(w, http.StatusOK, map[string]string{"status": string(domain.OutcomeAlreadyProcessed)})
		return
	}

	h.metrics.Outcome("webhook", "queued")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// validSignature checks a hex HMAC-SHA256 of the raw body, optionally
// prefixed with "sha256=". An unset secret rejects everything.
func (h *HTTPHandler) validSignature(body []byte, header string) bool {
	if len(h.webhookSecret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// GET /api/v1/subscriptions/pricing
func (h *HTTPHandler) Pricing(w http.ResponseWriter, r *http.Request) {
	prices, err := h.Subscriptions.Pricing(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "pricing", err)
		return
	}

	out := make(map[string]string, len(prices))
	for plan, price := range prices {
		out[string(plan)] = price.StringFixed(2)
	}
	respondJSON(w, http.StatusOK, out)
}

// GET /api/v1/subscriptions/status
func (h *HTTPHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Subscriptions.Status(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "subscription_status", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// GET /api/v1/reservations
func (h *HTTPHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Reservations.Reserved(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "reservations", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]int64{"workshop_ids": nonNil(ids)})
}

// DELETE /api/v1/reservations/{workshopID}
func (h *HTTPHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	workshopID, err := strconv.ParseInt(chi.URLParam(r, "workshopID"), 10, 64)
	if err != nil || workshopID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid workshop id")
		return
	}

	if err := h.Reservations.Cancel(r.Context(), userFromContext(r.Context()), workshopID); err != nil {
		h.writeServiceError(w, r, "cancel_reservation", err)
		return
	}
	h.metrics.Outcome("cancel_reservation", "ok")
	w.WriteHeader(http.StatusNoContent)
}
