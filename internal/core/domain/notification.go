package domain

// Notification is a verified external payment confirmation.
type Notification struct {
	EventID    string      `json:"event_id,omitempty"`
	PaymentID  string      `json:"payment_id"`
	CheckoutID string      `json:"checkout_id,omitempty"`
	Plan       BillingPlan `json:"plan,omitempty"`
	UserID     int64       `json:"user_id,omitempty"`
	// AmountMinor is the captured amount in cents; zero when unknown.
	AmountMinor int64 `json:"amount_minor,omitempty"`
}

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)
