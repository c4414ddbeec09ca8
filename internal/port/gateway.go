package port

import (
	"context"
	"errors"
)

var (
	ErrPaymentNotFound     = errors.New("payment not found at gateway")
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// Metadata keys attached to a payment when it is created.
const (
	MetaCheckoutID = "checkoutId"
	MetaUserID     = "userId"
	MetaPlan       = "billing"
)

type PaymentVerification struct {
	PaymentID   string
	Status      string
	Completed   bool
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
}

type PaymentVerifier interface {
	// Verify looks the payment up at the gateway. Transport failures are errors;
	// a reachable gateway reporting a non-completed payment is not.
	Verify(ctx context.Context, paymentID string) (*PaymentVerification, error)
}
