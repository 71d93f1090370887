package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gafsiahmed/biblio-managment-system/internal/audit"
	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

type borrowRequest struct {
	UserID string `json:"user_id"`
}

type patchLoanRequest struct {
	DueDate *time.Time `json:"due_date"`
	Status  *string    `json:"status"`
	LateFee *int64     `json:"late_fee"`
}

type resourceResponse struct {
	lending.Resource
	Display map[string]string `json:"display"`
}

type queueResponse struct {
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
	Position   int    `json:"position"`
}

type loanResponse struct {
	lending.Loan
	EstimatedFee        int64  `json:"estimated_fee"`
	LateFeeDisplay      string `json:"late_fee_display"`
	EstimatedFeeDisplay string `json:"estimated_fee_display"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

// subject picks whose data a request is about: the caller, or, for staff,
// the user named by ?user=.
func subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	self, ok := caller(w, r)
	if !ok {
		return "", false
	}
	other := strings.TrimSpace(r.URL.Query().Get("user"))
	if other == "" || other == self {
		return self, true
	}
	if !permit(w, r, auth.PermManageLoans) {
		return "", false
	}
	return other, true
}

// ownsOrStaff loads a loan and checks that the caller may act on it.
func (a *API) ownsOrStaff(w http.ResponseWriter, r *http.Request, loanID string) (lending.Loan, bool) {
	self, ok := caller(w, r)
	if !ok {
		return lending.Loan{}, false
	}
	l, err := a.svc.GetLoan(r.Context(), loanID)
	if err != nil {
		handleLendingError(w, r, err)
		return lending.Loan{}, false
	}
	if l.UserID != self && !auth.Staff(r.Context()) {
		// Hide other members' loans.
		handleLendingError(w, r, lending.ErrLoanNotFound)
		return lending.Loan{}, false
	}
	return l, true
}

func (a *API) withEstimate(l lending.Loan) loanResponse {
	p := a.svc.Policy()
	est := p.EstimateFee(l, time.Now().UTC())
	return loanResponse{
		Loan:                l,
		EstimatedFee:        est,
		LateFeeDisplay:      p.FormatFee(l.LateFee),
		EstimatedFeeDisplay: p.FormatFee(est),
	}
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	res, err := a.svc.GetResource(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceResponse{Resource: res, Display: res.DisplayFields()})
}

func (a *API) putResource(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok || !permit(w, r, auth.PermManageCatalog) {
		return
	}
	var res lending.Resource
	if err := decodeJSON(r, &res, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res.ID = r.PathValue("id")
	stored, err := a.svc.PutResource(r.Context(), res)
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "catalog.resource.put", map[string]any{
		"resource_id":      stored.ID,
		"total_copies":     stored.TotalCopies,
		"available_copies": stored.AvailableCopies,
	})
	writeJSON(w, http.StatusOK, resourceResponse{Resource: stored, Display: stored.DisplayFields()})
}

func (a *API) borrow(w http.ResponseWriter, r *http.Request) {
	self, ok := caller(w, r)
	if !ok || !permit(w, r, auth.PermBorrow) {
		return
	}
	var req borrowRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := self
	if req.UserID != "" && req.UserID != self {
		if !permit(w, r, auth.PermManageLoans) {
			return
		}
		userID = req.UserID
	}

	res, err := a.svc.Borrow(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	if res.Queued() {
		a.audit(r, "lending.reservation.queued", map[string]any{
			"reservation_id": res.Reservation.ID,
			"resource_id":    res.Reservation.ResourceID,
			"position":       res.Reservation.Position,
		})
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	a.audit(r, "lending.loan.reserved", map[string]any{
		"loan_id":     res.Loan.ID,
		"resource_id": res.Loan.ResourceID,
	})
	w.Header().Set("Location", "/v1/loans/"+res.Loan.ID)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) queuePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := subject(w, r)
	if !ok {
		return
	}
	resourceID := r.PathValue("id")
	pos, err := a.svc.QueuePosition(r.Context(), userID, resourceID)
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{ResourceID: resourceID, UserID: userID, Position: pos})
}

func (a *API) listLoans(w http.ResponseWriter, r *http.Request) {
	status := lending.LoanStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	user := strings.TrimSpace(r.URL.Query().Get("user"))

	var (
		loans []lending.Loan
		err   error
	)
	if user == "" && status != "" && auth.Staff(r.Context()) {
		loans, err = a.svc.ListByStatus(r.Context(), status)
	} else {
		userID, ok := subject(w, r)
		if !ok {
			return
		}
		loans, err = a.svc.ListByUser(r.Context(), userID)
		if err == nil && status != "" {
			if !status.Valid() {
				writeError(w, r, http.StatusBadRequest, "unknown status "+string(status))
				return
			}
			loans = filterLoans(loans, status)
		}
	}
	if err != nil {
		handleLendingError(w, r, err)
		return
	}

	items := make([]loanResponse, 0, len(loans))
	for _, l := range loans {
		items = append(items, a.withEstimate(l))
	}
	writeJSON(w, http.StatusOK, listResponse[loanResponse]{Items: items, AsOf: time.Now().UTC()})
}

func filterLoans(loans []lending.Loan, status lending.LoanStatus) []lending.Loan {
	out := loans[:0]
	for _, l := range loans {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out
}

func (a *API) getLoan(w http.ResponseWriter, r *http.Request) {
	l, ok := a.ownsOrStaff(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.withEstimate(l))
}

func (a *API) patchLoan(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok || !permit(w, r, auth.PermManageLoans) {
		return
	}
	var req patchLoanRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch := lending.LoanPatch{DueDate: req.DueDate, LateFee: req.LateFee}
	if req.Status != nil {
		st := lending.LoanStatus(strings.ToUpper(strings.TrimSpace(*req.Status)))
		patch.Status = &st
	}

	l, err := a.svc.UpdateLoan(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	fields := map[string]any{"loan_id": l.ID, "status": string(l.Status)}
	if req.LateFee != nil {
		fields["late_fee"] = *req.LateFee
	}
	a.audit(r, "lending.loan.patched", fields)
	writeJSON(w, http.StatusOK, a.withEstimate(l))
}

func (a *API) approveLoan(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok || !permit(w, r, auth.PermManageLoans) {
		return
	}
	l, err := a.svc.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "lending.loan.approved", map[string]any{"loan_id": l.ID, "due_date": l.DueDate})
	writeJSON(w, http.StatusOK, a.withEstimate(l))
}

func (a *API) returnLoan(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ownsOrStaff(w, r, r.PathValue("id")); !ok {
		return
	}
	l, err := a.svc.Return(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "lending.loan.returned", map[string]any{
		"loan_id":  l.ID,
		"status":   string(l.Status),
		"late_fee": l.LateFee,
	})
	writeJSON(w, http.StatusOK, a.withEstimate(l))
}

func (a *API) renewLoan(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ownsOrStaff(w, r, r.PathValue("id")); !ok {
		return
	}
	l, err := a.svc.Renew(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "lending.loan.renewed", map[string]any{"loan_id": l.ID, "renewal_count": l.RenewalCount})
	writeJSON(w, http.StatusOK, a.withEstimate(l))
}

func (a *API) listReservations(w http.ResponseWriter, r *http.Request) {
	userID, ok := subject(w, r)
	if !ok {
		return
	}
	items, err := a.svc.ListReservations(r.Context(), userID)
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	if items == nil {
		items = []lending.Reservation{}
	}
	writeJSON(w, http.StatusOK, listResponse[lending.Reservation]{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) claimReservation(w http.ResponseWriter, r *http.Request) {
	self, ok := caller(w, r)
	if !ok {
		return
	}
	l, err := a.svc.Claim(r.Context(), r.PathValue("id"), self)
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "lending.reservation.claimed", map[string]any{"reservation_id": r.PathValue("id"), "loan_id": l.ID})
	w.Header().Set("Location", "/v1/loans/"+l.ID)
	writeJSON(w, http.StatusCreated, a.withEstimate(l))
}

func (a *API) cancelReservation(w http.ResponseWriter, r *http.Request) {
	self, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := a.svc.CancelReservation(r.Context(), r.PathValue("id"), self)
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "lending.reservation.cancelled", map[string]any{"reservation_id": res.ID})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) rejectReservation(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok || !permit(w, r, auth.PermManageLoans) {
		return
	}
	res, err := a.svc.RejectReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "lending.reservation.rejected", map[string]any{"reservation_id": res.ID})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok || !permit(w, r, auth.PermViewStats) {
		return
	}
	st, err := a.svc.Stats(r.Context())
	if err != nil {
		handleLendingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_status":        st.ByStatus,
		"outstanding_fees": st.OutstandingFees,
		"currency":         a.svc.Policy().Currency,
	})
}

func (a *API) runJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok || !permit(w, r, auth.PermRunJobs) {
		return
	}
	if a.jobs == nil {
		writeError(w, r, http.StatusNotImplemented, "scheduler disabled")
		return
	}
	name := r.PathValue("name")
	n, err := a.jobs.RunNow(r.Context(), name)
	if err != nil {
		if !isKnownJob(a.jobs.Names(), name) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		handleLendingError(w, r, err)
		return
	}
	a.audit(r, "jobs.run", map[string]any{"job": name, "items": n})
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "items": n})
}

func isKnownJob(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}
