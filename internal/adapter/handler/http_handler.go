package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/core/service"
	"github.com/rl1809/marketplace-checkout/internal/metrics"
)

type ctxKey int

const userIDKey ctxKey = iota

type Services struct {
	Cart          *service.CartService
	Checkout      *service.CheckoutService
	Payments      *service.PaymentService
	Subscriptions *service.SubscriptionService
	Reservations  *service.ReservationService
}

type HTTPHandler struct {
	Services
	metrics       *metrics.ServerMetrics
	webhookSecret []byte
	timeout       time.Duration
	log           *slog.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CheckoutErrorResponse tells the client which lines went through before a
// checkout stopped; its cart has been cleared and must be reloaded.
type CheckoutErrorResponse struct {
	Error     string                `json:"error"`
	Code      string                `json:"code"`
	Stage     string                `json:"stage"`
	Committed []domain.LineSummary  `json:"committed"`
	Failed    []service.LineFailure `json:"failed"`
}

func NewHTTPHandler(svc Services, m *metrics.ServerMetrics, webhookSecret string, timeout time.Duration, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		Services:      svc,
		metrics:       m,
		webhookSecret: []byte(webhookSecret),
		timeout:       timeout,
		log:           log.With("component", "http"),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.timeout))

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payments/webhook", h.Webhook)
		r.Get("/subscriptions/pricing", h.Pricing)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.GetCart)
				r.Post("/", h.AddLine)
				r.Delete("/", h.ClearCart)
				r.Patch("/items/{ref}", h.UpdateLine)
				r.Delete("/items/{ref}", h.RemoveLine)
			})

			r.Route("/checkout", func(r chi.Router) {
				r.Post("/", h.PrepareCheckout)
				r.Get("/{id}", h.GetCheckout)
				r.Post("/{id}/finalize", h.FinalizeCheckout)
			})

			r.Post("/payments/cart/confirm", h.ConfirmCart)
			r.Post("/payments/subscription/confirm", h.ConfirmSubscription)
			r.Get("/subscriptions/status", h.SubscriptionStatus)

			r.Get("/reservations", h.ListReservations)
			r.Delete("/reservations/{workshopID}", h.CancelReservation)
		})
	})

	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireUser reads the caller from X-User-ID, set by the upstream gateway.
func (h *HTTPHandler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) int64 {
	if userID, ok := ctx.Value(userIDKey).(int64); ok {
		return userID
	}
	return 0
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.Observe(route, status, started)
		h.log.Debug("request served",
			"method", r.Method, "route", route, "status", status,
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses and
// counts the outcome for the operation.
func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var ce *service.CheckoutError
	isCheckout := errors.As(err, &ce)
	switch {
	case isCheckout && errors.Is(ce.Err, service.ErrUnavailable):
		h.metrics.Outcome(operation, "unavailable")
		respondJSON(w, http.StatusConflict, CheckoutErrorResponse{
			Error:     ce.Err.Error(),
			Code:      "unavailable",
			Stage:     ce.Stage,
			Committed: nonNil(ce.Committed),
			Failed:    nonNil(ce.Failed),
		})
		return

	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidLineRef):
		h.metrics.Outcome(operation, "invalid")
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return

	case errors.Is(err, service.ErrUnavailable):
		h.metrics.Outcome(operation, "unavailable")
		respondError(w, http.StatusConflict, "unavailable", err.Error())
		return

	case errors.Is(err, service.ErrVerificationFailed):
		h.metrics.Outcome(operation, "verification_failed")
		respondError(w, http.StatusBadGateway, "verification_failed", err.Error())
		return

	case errors.Is(err, service.ErrQueueFull):
		h.metrics.Outcome(operation, "rejected")
		respondError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	}

	h.metrics.Outcome(operation, "error")
	args := []any{"operation", operation, "path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()), "error", err}
	if isCheckout {
		// lines committed before the failure stay committed
		args = append(args, "stage", ce.Stage, "committed", ce.Committed)
	}
	h.log.Error("request failed", args...)
	respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func (h *HTTPHandler) writeReconciliation(w http.ResponseWriter, operation string, res *service.Reconciliation) {
	h.metrics.Outcome(operation, string(res.Outcome))
	respondJSON(w, http.StatusOK, res)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
