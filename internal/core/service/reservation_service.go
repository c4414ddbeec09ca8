package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rl1809/marketplace-checkout/internal/port"
)

type ReservationService struct {
	ledger port.LedgerRepository
	log    *slog.Logger
}

func NewReservationService(ledger port.LedgerRepository, log *slog.Logger) *ReservationService {
	return &ReservationService{ledger: ledger, log: log.With("component", "reservation")}
}

// Cancel releases the user's active reservation and returns its seat.
func (s *ReservationService) Cancel(ctx context.Context, userID, workshopID int64) error {
	if userID <= 0 || workshopID <= 0 {
		return invalidArgument("missing user id or workshop id")
	}

	ok, err := s.ledger.CancelReservation(ctx, userID, workshopID)
	if err != nil {
		return fmt.Errorf("cancel reservation: %w", err)
	}
	if !ok {
		return invalidArgument("no active reservation for workshop %d", workshopID)
	}

	s.log.Info("reservation canceled", "user_id", userID, "workshop_id", workshopID)
	return nil
}

func (s *ReservationService) Reserved(ctx context.Context, userID int64) ([]int64, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}

	ids, err := s.ledger.ReservedWorkshops(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return ids, nil
}
