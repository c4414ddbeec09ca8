package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusCanceled ReservationStatus = "canceled"
)

// Purchase records the single buyer of a product.
type Purchase struct {
	ID        int64
	UserID    int64
	ProductID int64
	CreatedAt time.Time
}

type Reservation struct {
	ID         int64
	UserID     int64
	WorkshopID int64
	Status     ReservationStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
