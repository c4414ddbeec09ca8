package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/marketplace-checkout/internal/port"
)

// tokens are refreshed this long before the gateway says they expire
const tokenSkew = 30 * time.Second

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// HTTPVerifier looks captures up at the payment gateway's REST API using
// OAuth client credentials.
type HTTPVerifier struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	now    func() time.Time

	// Collapses concurrent lookups of the same capture, e.g. webhook and
	// client callback arriving together.
	sfg singleflight.Group

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewHTTPVerifier(cfg Config, log *slog.Logger) *HTTPVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPVerifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With("component", "gateway"),
		now:    time.Now,
	}
}

type captureResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	CustomID string            `json:"custom_id"`
	Metadata map[string]string `json:"metadata"`
}

// Verify looks the capture up once for all concurrent callers. The shared
// lookup is detached from any single caller's cancellation and bounded by
// the configured timeout; each caller still stops waiting when its own ctx
// is done.
func (v *HTTPVerifier) Verify(ctx context.Context, paymentID string) (*port.PaymentVerification, error) {
	ch := v.sfg.DoChan(paymentID, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.Timeout)
		defer cancel()
		return v.lookup(lookupCtx, paymentID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		v.log.Debug("capture lookup shared", "payment_id", paymentID)
	}

	// Callers may mutate the metadata map.
	pv := res.Val.(*port.PaymentVerification)
	out := *pv
	out.Metadata = make(map[string]string, len(pv.Metadata))
	for k, val := range pv.Metadata {
		out.Metadata[k] = val
	}
	return &out, nil
}

func (v *HTTPVerifier) lookup(ctx context.Context, paymentID string) (*port.PaymentVerification, error) {
	token, err := v.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.cfg.BaseURL+"/v2/payments/captures/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, port.ErrPaymentNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		v.resetToken()
		return nil, fmt.Errorf("capture lookup: gateway rejected token")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("capture lookup: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var capture captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&capture); err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	out := &port.PaymentVerification{
		PaymentID: capture.ID,
		Status:    capture.Status,
		Completed: isCompleted(capture.Status),
		Currency:  capture.Amount.CurrencyCode,
		Metadata:  capture.Metadata,
	}
	if out.PaymentID == "" {
		out.PaymentID = paymentID
	}
	if out.Metadata == nil {
		out.Metadata = ParseCustomID(capture.CustomID)
	}
	if capture.Amount.Value != "" {
		amount, err := decimal.NewFromString(capture.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("capture amount %q: %w", capture.Amount.Value, err)
		}
		out.AmountMinor = amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	}

	v.log.Info("capture verified", "payment_id", out.PaymentID, "status", out.Status, "amount_minor", out.AmountMinor)
	return out, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (v *HTTPVerifier) accessToken(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.token != "" && v.now().Before(v.tokenExpiry) {
		return v.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token missing in response")
	}

	v.token = tr.AccessToken
	v.tokenExpiry = v.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenSkew)
	return v.token, nil
}

func (v *HTTPVerifier) resetToken() {
	v.mu.Lock()
	v.token = ""
	v.mu.Unlock()
}

func isCompleted(status string) bool {
	return strings.EqualFold(status, "COMPLETED") || strings.EqualFold(status, "succeeded")
}

// ParseCustomID reads the "k=v;k=v" tag attached to a payment when the
// gateway does not return structured metadata.
func ParseCustomID(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	return out
}
