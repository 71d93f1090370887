package pg

import (
	"time"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

// resourceRow mirrors the resources table. Kind specific attributes live in
// the details jsonb column.
type resourceRow struct {
	ID               string  `db:"id"`
	LibraryID        *string `db:"library_id"`
	Title            string  `db:"title"`
	Author           *string `db:"author"`
	Category         *string `db:"category"`
	Kind             string  `db:"kind"`
	Details          []byte  `db:"details"`
	TotalCopies      int     `db:"total_copies"`
	AvailableCopies  int     `db:"available_copies"`
	ReservationCount int     `db:"reservation_count"`
}

type resourceDetails struct {
	Book    *lending.BookDetails    `json:"book,omitempty"`
	Digital *lending.DigitalDetails `json:"digital,omitempty"`
}

func toResourceRow(r lending.Resource) (resourceRow, error) {
	details, err := json.Marshal(resourceDetails{Book: r.Book, Digital: r.Digital})
	if err != nil {
		return resourceRow{}, err
	}
	return resourceRow{
		ID:              r.ID,
		LibraryID:       nullable(r.LibraryID),
		Title:           r.Title,
		Author:          nullable(r.Author),
		Category:        nullable(r.Category),
		Kind:            string(r.Kind),
		Details:         details,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
	}, nil
}

func (r resourceRow) toResource() (lending.Resource, error) {
	res := lending.Resource{
		ID:               r.ID,
		LibraryID:        deref(r.LibraryID),
		Title:            r.Title,
		Author:           deref(r.Author),
		Category:         deref(r.Category),
		Kind:             lending.ResourceKind(r.Kind),
		TotalCopies:      r.TotalCopies,
		AvailableCopies:  r.AvailableCopies,
		ReservationCount: r.ReservationCount,
	}
	if len(r.Details) > 0 {
		var d resourceDetails
		if err := json.Unmarshal(r.Details, &d); err != nil {
			return lending.Resource{}, err
		}
		res.Book, res.Digital = d.Book, d.Digital
	}
	return res, nil
}

type loanRow struct {
	ID               string     `db:"id"`
	Number           string     `db:"number"`
	UserID           string     `db:"user_id"`
	ResourceID       string     `db:"resource_id"`
	LibraryID        *string    `db:"library_id"`
	Status           string     `db:"status"`
	ReservationDate  time.Time  `db:"reservation_date"`
	LoanDate         *time.Time `db:"loan_date"`
	DueDate          *time.Time `db:"due_date"`
	ReturnDate       *time.Time `db:"return_date"`
	ActualReturnDate *time.Time `db:"actual_return_date"`
	RenewalCount     int        `db:"renewal_count"`
	LateFee          int64      `db:"late_fee"`
}

func fromLoan(l lending.Loan) loanRow {
	return loanRow{
		ID:               l.ID,
		Number:           l.Number,
		UserID:           l.UserID,
		ResourceID:       l.ResourceID,
		LibraryID:        nullable(l.LibraryID),
		Status:           string(l.Status),
		ReservationDate:  l.ReservationDate,
		LoanDate:         l.LoanDate,
		DueDate:          l.DueDate,
		ReturnDate:       l.ReturnDate,
		ActualReturnDate: l.ActualReturnDate,
		RenewalCount:     l.RenewalCount,
		LateFee:          l.LateFee,
	}
}

func (r loanRow) toLoan() lending.Loan {
	return lending.Loan{
		ID:               r.ID,
		Number:           r.Number,
		UserID:           r.UserID,
		ResourceID:       r.ResourceID,
		LibraryID:        deref(r.LibraryID),
		Status:           lending.LoanStatus(r.Status),
		ReservationDate:  r.ReservationDate.UTC(),
		LoanDate:         utc(r.LoanDate),
		DueDate:          utc(r.DueDate),
		ReturnDate:       utc(r.ReturnDate),
		ActualReturnDate: utc(r.ActualReturnDate),
		RenewalCount:     r.RenewalCount,
		LateFee:          r.LateFee,
	}
}

type reservationRow struct {
	ID                   string     `db:"id"`
	Number               string     `db:"number"`
	UserID               string     `db:"user_id"`
	ResourceID           string     `db:"resource_id"`
	Position             int        `db:"position"`
	Status               string     `db:"status"`
	ReservationDate      time.Time  `db:"reservation_date"`
	NotificationSentDate *time.Time `db:"notification_sent_date"`
	ExpiryDate           *time.Time `db:"expiry_date"`
}

func fromReservation(r lending.Reservation) reservationRow {
	return reservationRow{
		ID:                   r.ID,
		Number:               r.Number,
		UserID:               r.UserID,
		ResourceID:           r.ResourceID,
		Position:             r.Position,
		Status:               string(r.Status),
		ReservationDate:      r.ReservationDate,
		NotificationSentDate: r.NotificationSentDate,
		ExpiryDate:           r.ExpiryDate,
	}
}

func (r reservationRow) toReservation() lending.Reservation {
	return lending.Reservation{
		ID:                   r.ID,
		Number:               r.Number,
		UserID:               r.UserID,
		ResourceID:           r.ResourceID,
		Position:             r.Position,
		Status:               lending.ReservationStatus(r.Status),
		ReservationDate:      r.ReservationDate.UTC(),
		NotificationSentDate: utc(r.NotificationSentDate),
		ExpiryDate:           utc(r.ExpiryDate),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
