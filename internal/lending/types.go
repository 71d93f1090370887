package lending

import (
	"strconv"
	"time"

	"github.com/gafsiahmed/biblio-managment-system/internal/ids"
)

// ResourceKind discriminates the resource payload.
type ResourceKind string

const (
	KindBook    ResourceKind = "BOOK"
	KindDigital ResourceKind = "DIGITAL"
)

// BookDetails is the payload of a KindBook resource.
type BookDetails struct {
	Edition string `json:"edition,omitempty"`
	Volume  string `json:"volume,omitempty"`
	Series  string `json:"series,omitempty"`
	ISBN13  string `json:"isbn13,omitempty"`
	ISBN10  string `json:"isbn10,omitempty"`
}

// DigitalDetails is the payload of a KindDigital resource.
type DigitalDetails struct {
	FileURL            string `json:"file_url,omitempty"`
	FileFormat         string `json:"file_format,omitempty"`
	FileSize           int64  `json:"file_size,omitempty"`
	StreamingAvailable bool   `json:"streaming_available"`
}

// Resource is a lendable catalog item. The lending core only ever changes
// AvailableCopies; everything else is owned by the catalog.
type Resource struct {
	ID               string          `json:"id"`
	LibraryID        string          `json:"library_id,omitempty"`
	Title            string          `json:"title"`
	Author           string          `json:"author,omitempty"`
	Category         string          `json:"category,omitempty"`
	Kind             ResourceKind    `json:"kind"`
	Book             *BookDetails    `json:"book,omitempty"`
	Digital          *DigitalDetails `json:"digital,omitempty"`
	TotalCopies      int             `json:"total_copies"`
	AvailableCopies  int             `json:"available_copies"`
	ReservationCount int             `json:"reservation_count"`
}

// DisplayFields returns the kind specific attributes shown next to the title.
func (r Resource) DisplayFields() map[string]string {
	out := map[string]string{"kind": string(r.Kind)}
	switch r.Kind {
	case KindBook:
		if r.Book == nil {
			return out
		}
		if r.Book.Edition != "" {
			out["edition"] = r.Book.Edition
		}
		if r.Book.Series != "" {
			out["series"] = r.Book.Series
		}
		if isbn := firstNonEmpty(r.Book.ISBN13, r.Book.ISBN10); isbn != "" {
			out["isbn"] = isbn
		}
	case KindDigital:
		if r.Digital == nil {
			return out
		}
		if r.Digital.FileFormat != "" {
			out["format"] = r.Digital.FileFormat
		}
		if r.Digital.FileSize > 0 {
			out["size"] = strconv.FormatInt(r.Digital.FileSize, 10)
		}
		out["streaming"] = strconv.FormatBool(r.Digital.StreamingAvailable)
	}
	return out
}

// LoanStatus is the state of a loan in its lifecycle.
type LoanStatus string

const (
	LoanReserved   LoanStatus = "RESERVED"
	LoanInProgress LoanStatus = "IN_PROGRESS"
	LoanOverdue    LoanStatus = "OVERDUE"
	LoanReturned   LoanStatus = "RETURNED"
	LoanClosed     LoanStatus = "CLOSED"
	LoanCancelled  LoanStatus = "CANCELLED"
)

// Active reports whether a loan in this status holds a copy.
func (s LoanStatus) Active() bool {
	return s == LoanReserved || s == LoanInProgress || s == LoanOverdue
}

// Valid reports whether s is a known status.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanReserved, LoanInProgress, LoanOverdue, LoanReturned, LoanClosed, LoanCancelled:
		return true
	}
	return false
}

// Loan is one user borrowing one copy. Loans are never deleted.
// LateFee is in minor units.
type Loan struct {
	ID               string     `json:"id"`
	Number           string     `json:"number"`
	UserID           string     `json:"user_id"`
	ResourceID       string     `json:"resource_id"`
	LibraryID        string     `json:"library_id,omitempty"`
	Status           LoanStatus `json:"status"`
	ReservationDate  time.Time  `json:"reservation_date"`
	LoanDate         *time.Time `json:"loan_date,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	ReturnDate       *time.Time `json:"return_date,omitempty"`
	ActualReturnDate *time.Time `json:"actual_return_date,omitempty"`
	RenewalCount     int        `json:"renewal_count"`
	LateFee          int64      `json:"late_fee"`
}

// ReservationStatus is the state of a wait-list entry.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationApproved  ReservationStatus = "APPROVED"
	ReservationRejected  ReservationStatus = "REJECTED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationFulfilled ReservationStatus = "FULFILLED"
)

// Active reports whether the reservation blocks a new one for the same user and resource.
func (s ReservationStatus) Active() bool {
	return s == ReservationPending || s == ReservationApproved
}

// Reservation is a wait-list entry. Position is meaningful only while PENDING.
type Reservation struct {
	ID                   string            `json:"id"`
	Number               string            `json:"number"`
	UserID               string            `json:"user_id"`
	ResourceID           string            `json:"resource_id"`
	Position             int               `json:"position"`
	Status               ReservationStatus `json:"status"`
	ReservationDate      time.Time         `json:"reservation_date"`
	NotificationSentDate *time.Time        `json:"notification_sent_date,omitempty"`
	ExpiryDate           *time.Time        `json:"expiry_date,omitempty"`
}

// BorrowResult carries exactly one of Loan or Reservation.
type BorrowResult struct {
	Loan        *Loan        `json:"loan,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

// Queued reports whether the borrow request ended up on the wait-list.
func (b BorrowResult) Queued() bool { return b.Reservation != nil }

// LoanPatch is an operator override. Nil fields are left untouched.
type LoanPatch struct {
	DueDate *time.Time  `json:"due_date,omitempty"`
	Status  *LoanStatus `json:"status,omitempty"`
	LateFee *int64      `json:"late_fee,omitempty"`
}

// Stats summarises loans for the staff dashboard.
type Stats struct {
	ByStatus        map[LoanStatus]int `json:"by_status"`
	OutstandingFees int64              `json:"outstanding_fees"`
}

func newID() string {
	return ids.New()
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
