package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

const (
	tableResources    = "resources"
	tableLoans        = "loans"
	tableReservations = "reservations"

	defaultLockTimeout = 2 * time.Second
)

var (
	dialect = goqu.Dialect("postgres")
	json    = jsoniter.ConfigCompatibleWithStandardLibrary

	resourceCols = []any{
		"id", "library_id", "title", "author", "category", "kind", "details",
		"total_copies", "available_copies",
		goqu.L(`(select count(*) from reservations rv where rv.resource_id = resources.id and rv.status = 'PENDING')`).As("reservation_count"),
	}
	loanCols = []any{
		"id", "number", "user_id", "resource_id", "library_id", "status",
		"reservation_date", "loan_date", "due_date", "return_date", "actual_return_date",
		"renewal_count", "late_fee",
	}
	reservationCols = []any{
		"id", "number", "user_id", "resource_id", "position", "status",
		"reservation_date", "notification_sent_date", "expiry_date",
	}
)

// Store keeps the lending state in PostgreSQL. Row locks taken with
// SELECT ... FOR UPDATE give the per-resource and per-loan serialisation;
// lock_timeout bounds each wait.
type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

var _ lending.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithLockTimeout bounds how long a statement waits for a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db.DB }

// Ping is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Atomic(ctx context.Context, fn func(tx lending.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *Store) GetResource(ctx context.Context, id string) (lending.Resource, error) {
	return getResource(ctx, s.db, id, false)
}

func (s *Store) GetLoan(ctx context.Context, id string) (lending.Loan, error) {
	return getLoan(ctx, s.db, id, false)
}

func (s *Store) GetReservation(ctx context.Context, id string) (lending.Reservation, error) {
	return getReservation(ctx, s.db, id, false)
}

func (s *Store) ListLoans(ctx context.Context, f lending.LoanFilter) ([]lending.Loan, error) {
	ds := dialect.From(tableLoans).Select(loanCols...).Order(goqu.I("id").Asc())
	if f.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.ResourceID != "" {
		ds = ds.Where(goqu.C("resource_id").Eq(f.ResourceID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		ds = ds.Where(goqu.C("status").In(statuses...))
	}
	if f.DueBefore != nil {
		ds = ds.Where(goqu.C("due_date").Lt(*f.DueBefore))
	}
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	var rows []loanRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]lending.Loan, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLoan())
	}
	return out, nil
}

func (s *Store) ListReservations(ctx context.Context, f lending.ReservationFilter) ([]lending.Reservation, error) {
	ds := dialect.From(tableReservations).Select(reservationCols...).Order(goqu.I("id").Asc())
	if f.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.ResourceID != "" {
		ds = ds.Where(goqu.C("resource_id").Eq(f.ResourceID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		ds = ds.Where(goqu.C("status").In(statuses...))
	}
	if f.ExpiresBefore != nil {
		ds = ds.Where(goqu.C("expiry_date").Lt(*f.ExpiresBefore))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	return selectReservations(ctx, s.db, query, args)
}

func (s *Store) LoanStats(ctx context.Context) (lending.Stats, error) {
	query, args, err := dialect.From(tableLoans).
		Select(
			goqu.C("status"),
			goqu.COUNT(goqu.Star()).As("n"),
			goqu.COALESCE(goqu.SUM("late_fee"), 0).As("fees"),
		).
		GroupBy("status").
		Prepared(true).ToSQL()
	if err != nil {
		return lending.Stats{}, err
	}

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
		Fees   int64  `db:"fees"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return lending.Stats{}, classify(err)
	}
	st := lending.Stats{ByStatus: make(map[lending.LoanStatus]int)}
	for _, r := range rows {
		status := lending.LoanStatus(r.Status)
		st.ByStatus[status] = r.N
		if status == lending.LoanReturned {
			st.OutstandingFees = r.Fees
		}
	}
	return st, nil
}

// pgTx implements lending.Tx on one database transaction. Row locks are
// re-entrant inside a transaction, so locking twice is harmless.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockResource(ctx context.Context, id string) (lending.Resource, error) {
	return getResource(ctx, t.tx, id, true)
}

func (t *pgTx) LockLoan(ctx context.Context, id string) (lending.Loan, error) {
	return getLoan(ctx, t.tx, id, true)
}

func (t *pgTx) LockReservation(ctx context.Context, id string) (lending.Reservation, error) {
	return getReservation(ctx, t.tx, id, true)
}

func (t *pgTx) SaveResource(ctx context.Context, r lending.Resource) error {
	query, args, err := dialect.Update(tableResources).
		Set(goqu.Record{"available_copies": r.AvailableCopies}).
		Where(goqu.C("id").Eq(r.ID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, query, args, lending.ErrResourceNotFound)
}

func catalogRecord(r lending.Resource) (goqu.Record, error) {
	row, err := toResourceRow(r)
	if err != nil {
		return nil, err
	}
	return goqu.Record{
		"id": row.ID, "library_id": row.LibraryID, "title": row.Title, "author": row.Author,
		"category": row.Category, "kind": row.Kind, "details": row.Details,
		"total_copies": row.TotalCopies, "available_copies": row.AvailableCopies,
	}, nil
}

// InsertResource relies on ON CONFLICT DO NOTHING: FOR UPDATE cannot lock a
// row that does not exist yet, so a concurrent insert shows up as zero rows.
func (t *pgTx) InsertResource(ctx context.Context, r lending.Resource) error {
	record, err := catalogRecord(r)
	if err != nil {
		return err
	}
	query, args, err := dialect.Insert(tableResources).
		Rows(record).
		OnConflict(goqu.DoNothing()).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, query, args,
		fmt.Errorf("%w: resource %s inserted concurrently", lending.ErrContention, r.ID))
}

func (t *pgTx) UpdateResource(ctx context.Context, r lending.Resource) error {
	record, err := catalogRecord(r)
	if err != nil {
		return err
	}
	delete(record, "id")
	query, args, err := dialect.Update(tableResources).
		Set(record).
		Where(goqu.C("id").Eq(r.ID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, query, args, lending.ErrResourceNotFound)
}

func (t *pgTx) InsertLoan(ctx context.Context, l lending.Loan) error {
	query, args, err := dialect.Insert(tableLoans).Rows(fromLoan(l)).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *pgTx) UpdateLoan(ctx context.Context, l lending.Loan) error {
	query, args, err := dialect.Update(tableLoans).
		Set(fromLoan(l)).
		Where(goqu.C("id").Eq(l.ID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, query, args, lending.ErrLoanNotFound)
}

func (t *pgTx) InsertReservation(ctx context.Context, r lending.Reservation) error {
	query, args, err := dialect.Insert(tableReservations).Rows(fromReservation(r)).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *pgTx) UpdateReservation(ctx context.Context, r lending.Reservation) error {
	query, args, err := dialect.Update(tableReservations).
		Set(fromReservation(r)).
		Where(goqu.C("id").Eq(r.ID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, query, args, lending.ErrReservationNotFound)
}

func (t *pgTx) ActiveReservation(ctx context.Context, userID, resourceID string) (lending.Reservation, bool, error) {
	query, args, err := dialect.From(tableReservations).
		Select(reservationCols...).
		Where(
			goqu.C("user_id").Eq(userID),
			goqu.C("resource_id").Eq(resourceID),
			goqu.C("status").In(string(lending.ReservationPending), string(lending.ReservationApproved)),
		).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return lending.Reservation{}, false, err
	}
	var row reservationRow
	err = t.tx.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Reservation{}, false, nil
	}
	if err != nil {
		return lending.Reservation{}, false, err
	}
	return row.toReservation(), true, nil
}

func (t *pgTx) PendingReservations(ctx context.Context, resourceID string) ([]lending.Reservation, error) {
	query, args, err := dialect.From(tableReservations).
		Select(reservationCols...).
		Where(
			goqu.C("resource_id").Eq(resourceID),
			goqu.C("status").Eq(string(lending.ReservationPending)),
		).
		Order(goqu.I("reservation_date").Asc(), goqu.I("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	return selectReservations(ctx, t.tx, query, args)
}

// --- helpers ---

func getResource(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (lending.Resource, error) {
	ds := dialect.From(tableResources).Select(resourceCols...).Where(goqu.C("id").Eq(id))
	if lock {
		ds = ds.ForUpdate(goqu.Wait)
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return lending.Resource{}, err
	}
	var row resourceRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lending.Resource{}, lending.ErrResourceNotFound
		}
		return lending.Resource{}, classify(err)
	}
	return row.toResource()
}

func getLoan(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (lending.Loan, error) {
	ds := dialect.From(tableLoans).Select(loanCols...).Where(goqu.C("id").Eq(id))
	if lock {
		ds = ds.ForUpdate(goqu.Wait)
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return lending.Loan{}, err
	}
	var row loanRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lending.Loan{}, lending.ErrLoanNotFound
		}
		return lending.Loan{}, classify(err)
	}
	return row.toLoan(), nil
}

func getReservation(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (lending.Reservation, error) {
	ds := dialect.From(tableReservations).Select(reservationCols...).Where(goqu.C("id").Eq(id))
	if lock {
		ds = ds.ForUpdate(goqu.Wait)
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return lending.Reservation{}, err
	}
	var row reservationRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lending.Reservation{}, lending.ErrReservationNotFound
		}
		return lending.Reservation{}, classify(err)
	}
	return row.toReservation(), nil
}

func selectReservations(ctx context.Context, q sqlx.QueryerContext, query string, args []any) ([]lending.Reservation, error) {
	var rows []reservationRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]lending.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toReservation())
	}
	return out, nil
}

func execOne(ctx context.Context, tx *sqlx.Tx, query string, args []any, notFound error) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// SQLSTATE codes the store maps onto lending errors.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// classify maps driver errors onto the lending error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", lending.ErrLockTimeout, pgErr.Message)
	case codeUniqueViolation:
		if pgErr.ConstraintName == "reservations_active_uidx" {
			return fmt.Errorf("%w: %s", lending.ErrDuplicateRequest, pgErr.Detail)
		}
	case codeCheckViolation:
		if pgErr.ConstraintName == "resources_copies_check" {
			return fmt.Errorf("%w: %s", lending.ErrNoCopyAvailable, pgErr.Message)
		}
	}
	return err
}
