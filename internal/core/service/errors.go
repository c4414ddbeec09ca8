package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnavailable        = errors.New("items unavailable")
	ErrVerificationFailed = errors.New("payment verification failed")
	ErrQueueFull          = errors.New("notification queue full")
	ErrPlanNotConfigured  = errors.New("subscription plan not configured")

	ErrEmptyCart        = fmt.Errorf("%w: cart is empty", ErrUnavailable)
	ErrAlreadySold      = fmt.Errorf("%w: product already sold", ErrUnavailable)
	ErrNoCapacity       = fmt.Errorf("%w: workshop has no free seats", ErrUnavailable)
	ErrItemNotAvailable = fmt.Errorf("%w: item no longer exists", ErrUnavailable)

	ErrPaymentRequired = fmt.Errorf("%w: checkout requires payment", ErrInvalidArgument)
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

type LineFailure struct {
	Line   domain.LineSummary `json:"line"`
	Reason string             `json:"reason"`
}

// CheckoutError reports a prepare or finalize run that stopped at a line.
// Lines in Committed stay committed; the user's cart has been cleared.
type CheckoutError struct {
	Stage     string
	Committed []domain.LineSummary
	Failed    []LineFailure
	Err       error
}

func (e *CheckoutError) Error() string {
	reasons := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		reasons = append(reasons, fmt.Sprintf("%s %d: %s", f.Line.Kind, f.Line.ItemID, f.Reason))
	}
	return fmt.Sprintf("%s: %v (committed %d, failed [%s])",
		e.Stage, e.Err, len(e.Committed), strings.Join(reasons, "; "))
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a caller may retry the same request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidArgument) &&
		!errors.Is(err, ErrUnavailable) &&
		!errors.Is(err, domain.ErrInvalidLineRef)
}
