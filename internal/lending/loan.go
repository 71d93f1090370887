package lending

import (
	"fmt"
	"time"

	"github.com/gafsiahmed/biblio-managment-system/internal/ids"
)

// Loan state transitions. They only touch the loan value; the coordinator
// handles locking, the ledger and the queue.

func newLoan(userID string, res Resource, now time.Time) Loan {
	return Loan{
		ID:              newID(),
		Number:          ids.LoanNumber(),
		UserID:          userID,
		ResourceID:      res.ID,
		LibraryID:       res.LibraryID,
		Status:          LoanReserved,
		ReservationDate: now,
	}
}

func (p Policy) approve(l *Loan, now time.Time) error {
	if l.Status != LoanReserved {
		return fmt.Errorf("%w: approve loan %s in status %s", ErrInvalidState, l.ID, l.Status)
	}
	l.Status = LoanInProgress
	l.LoanDate = timePtr(now)
	l.DueDate = timePtr(now.Add(p.LoanPeriod))
	return nil
}

func (p Policy) returnLoan(l *Loan, now time.Time) error {
	if l.Status != LoanInProgress && l.Status != LoanOverdue {
		return fmt.Errorf("%w: return loan %s in status %s", ErrInvalidState, l.ID, l.Status)
	}
	l.ReturnDate = timePtr(now)
	l.ActualReturnDate = timePtr(now)
	l.LateFee = p.EstimateFee(*l, now)
	if l.LateFee > 0 {
		l.Status = LoanReturned
	} else {
		l.Status = LoanClosed
	}
	return nil
}

// renew checks the limit before the status so a loan that used up its
// renewals always reports ErrRenewalLimit.
func (p Policy) renew(l *Loan, now time.Time) error {
	if l.RenewalCount >= p.MaxRenewals {
		return fmt.Errorf("%w: loan %s renewed %d times", ErrRenewalLimit, l.ID, l.RenewalCount)
	}
	if l.Status != LoanInProgress {
		return fmt.Errorf("%w: renew loan %s in status %s", ErrInvalidState, l.ID, l.Status)
	}
	if l.DueDate == nil {
		return fmt.Errorf("%w: loan %s has no due date", ErrInvalidState, l.ID)
	}
	if l.DueDate.Before(now) {
		return fmt.Errorf("%w: loan %s is past due", ErrInvalidState, l.ID)
	}
	l.RenewalCount++
	l.DueDate = timePtr(l.DueDate.Add(p.RenewalPeriod))
	return nil
}

func markOverdue(l *Loan, now time.Time) bool {
	if l.Status != LoanInProgress || l.DueDate == nil || !l.DueDate.Before(now) {
		return false
	}
	l.Status = LoanOverdue
	return true
}

// dueSoon reports loans due strictly within (now, now+window).
func (p Policy) dueSoon(l Loan, now time.Time) bool {
	if l.Status != LoanInProgress || l.DueDate == nil {
		return false
	}
	return l.DueDate.After(now) && l.DueDate.Before(now.Add(p.DueSoonWindow))
}

func applyPatch(l *Loan, patch LoanPatch) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *patch.Status)
	}
	if patch.LateFee != nil && *patch.LateFee < 0 {
		return fmt.Errorf("%w: late fee must not be negative", ErrInvalidPatch)
	}
	if patch.DueDate != nil {
		l.DueDate = timePtr(patch.DueDate.UTC())
	}
	if patch.Status != nil {
		l.Status = *patch.Status
	}
	if patch.LateFee != nil {
		l.LateFee = *patch.LateFee
	}
	return nil
}
