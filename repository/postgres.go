package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carbonmarket/apperr"
	"carbonmarket/ledger"
	"carbonmarket/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresRepository struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewPostgresRepository(db *sql.DB) PostgresRepository {
	return PostgresRepository{db: db, q: db}
}

const (
	accountColumns = "id, email, name, phone, balance, role, password_hash, mpin, created_at"
	listingColumns = "id, seller_id, name, type, location, description, quantity, price_per_unit, " +
		"total_price, status, issue_date, expiry_date, verification_document, trend, created_at"
	transactionColumns  = "id, buyer_id, seller_id, listing_id, quantity, price_per_unit, amount, created_at"
	notificationColumns = "id, user_id, subject, message, status, created_at"

	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// RunInTx binds fn to one database transaction. Reads of balances and
// listings made through the Ledger passed to fn take row locks.
func (r PostgresRepository) RunInTx(ctx context.Context, fn ledger.TxFunc) error {
	if r.inTx {
		return fn(ctx, r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, PostgresRepository{db: r.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// Transactional reports whether r is bound to an open transaction.
func (r PostgresRepository) Transactional() bool {
	return r.inTx
}

func (r PostgresRepository) lockClause() string {
	if r.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func (r PostgresRepository) CreateAccount(ctx context.Context, a models.Account) error {
	_, err := r.q.ExecContext(
		ctx,
		"INSERT INTO accounts ("+accountColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		a.ID, a.Email, a.Name, a.Phone, a.Balance, string(a.Role), a.PasswordHash, a.MPIN, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "account with email %s already exists", a.Email)
	}
	return err
}

func (r PostgresRepository) GetAccount(ctx context.Context, id string) (models.Account, error) {
	if !validID(id) {
		return models.Account{}, notFound("account", id)
	}
	row := r.q.QueryRowContext(
		ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id=$1",
		id,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, notFound("account", id)
	}
	return a, err
}

func (r PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	row := r.q.QueryRowContext(
		ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email=$1",
		email,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, notFound("account", email)
	}
	return a, err
}

func (r PostgresRepository) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	if !validID(id) {
		return decimal.Zero, notFound("account", id)
	}
	var balance decimal.Decimal
	err := r.q.QueryRowContext(
		ctx,
		"SELECT balance FROM accounts WHERE id=$1"+r.lockClause(),
		id,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, notFound("account", id)
	}
	return balance, err
}

func (r PostgresRepository) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("account %s: balance cannot be negative", id)
	}
	res, err := r.q.ExecContext(
		ctx,
		"UPDATE accounts SET balance=$1 WHERE id=$2",
		balance, id,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "account", id)
}

func (r PostgresRepository) SetMPIN(ctx context.Context, id, record string) error {
	res, err := r.q.ExecContext(
		ctx,
		"UPDATE accounts SET mpin=$1 WHERE id=$2",
		record, id,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "account", id)
}

func (r PostgresRepository) CreateListing(ctx context.Context, l models.CreditListing) error {
	if !validID(l.SellerID) {
		return notFound("account", l.SellerID)
	}
	_, err := r.q.ExecContext(
		ctx,
		"INSERT INTO credit_listings ("+listingColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
		l.ID, l.SellerID, l.Name, l.Type, l.Location, l.Description, l.Quantity, l.PricePerUnit,
		l.TotalPrice, string(l.Status), l.IssueDate, l.ExpiryDate, l.VerificationDocument, l.Trend, l.CreatedAt,
	)
	if pqCode(err) == pqForeignKeyViolation {
		return notFound("account", l.SellerID)
	}
	return err
}

func (r PostgresRepository) GetListing(ctx context.Context, id string) (models.CreditListing, error) {
	if !validID(id) {
		return models.CreditListing{}, notFound("listing", id)
	}
	l, err := scanListing(r.q.QueryRowContext(
		ctx,
		"SELECT "+listingColumns+" FROM credit_listings WHERE id=$1",
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CreditListing{}, notFound("listing", id)
	}
	return l, err
}

func (r PostgresRepository) GetAvailable(ctx context.Context, id string) (models.CreditListing, error) {
	if !validID(id) {
		return models.CreditListing{}, notFound("listing", id)
	}
	l, err := scanListing(r.q.QueryRowContext(
		ctx,
		"SELECT "+listingColumns+" FROM credit_listings WHERE id=$1 AND status='available'"+r.lockClause(),
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CreditListing{}, notFound("listing", id)
	}
	return l, err
}

func (r PostgresRepository) UpdateQuantityAndStatus(
	ctx context.Context,
	id string,
	quantity int,
	status models.ListingStatus,
) error {
	res, err := r.q.ExecContext(
		ctx,
		"UPDATE credit_listings SET quantity=$1, status=$2, total_price=price_per_unit*$1 WHERE id=$3",
		quantity, string(status), id,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "listing", id)
}

func (r PostgresRepository) SetListingStatus(ctx context.Context, id string, from, to models.ListingStatus) error {
	res, err := r.q.ExecContext(
		ctx,
		"UPDATE credit_listings SET status=$1 WHERE id=$2 AND status=$3",
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	return expectRow(res, "listing", id)
}

func (r PostgresRepository) ListListings(ctx context.Context, status models.ListingStatus) ([]models.CreditListing, error) {
	rows, err := r.q.QueryContext(
		ctx,
		"SELECT "+listingColumns+" FROM credit_listings WHERE status=$1 ORDER BY created_at DESC",
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CreditListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r PostgresRepository) Append(ctx context.Context, t models.Transaction) error {
	_, err := r.q.ExecContext(
		ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		t.ID, t.BuyerID, t.SellerID, t.ListingID, t.Quantity, t.PricePerUnit, t.Amount, t.CreatedAt,
	)
	return err
}

func (r PostgresRepository) ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	rows, err := r.q.QueryContext(
		ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE buyer_id=$1 OR seller_id=$1
		 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(
			&t.ID,
			&t.BuyerID,
			&t.SellerID,
			&t.ListingID,
			&t.Quantity,
			&t.PricePerUnit,
			&t.Amount,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r PostgresRepository) CreateNotification(ctx context.Context, n models.Notification) error {
	_, err := r.q.ExecContext(
		ctx,
		"INSERT INTO notifications ("+notificationColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		n.ID, n.UserID, n.Subject, n.Message, string(n.Status), n.CreatedAt,
	)
	return err
}

func (r PostgresRepository) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	rows, err := r.q.QueryContext(
		ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE user_id=$1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var status string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Subject, &n.Message, &status, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Status = models.NotificationStatus(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r PostgresRepository) MarkNotificationRead(ctx context.Context, userID, id string) error {
	if !validID(id) {
		return notFound("notification", id)
	}
	res, err := r.q.ExecContext(
		ctx,
		"UPDATE notifications SET status='read' WHERE id=$1 AND user_id=$2",
		id, userID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "notification", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var a models.Account
	var role string
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Name,
		&a.Phone,
		&a.Balance,
		&role,
		&a.PasswordHash,
		&a.MPIN,
		&a.CreatedAt,
	)
	if err != nil {
		return models.Account{}, err
	}
	a.Role = models.Role(role)
	return a, nil
}

func scanListing(row rowScanner) (models.CreditListing, error) {
	var l models.CreditListing
	var status string
	var issue, expiry sql.NullTime
	err := row.Scan(
		&l.ID,
		&l.SellerID,
		&l.Name,
		&l.Type,
		&l.Location,
		&l.Description,
		&l.Quantity,
		&l.PricePerUnit,
		&l.TotalPrice,
		&status,
		&issue,
		&expiry,
		&l.VerificationDocument,
		&l.Trend,
		&l.CreatedAt,
	)
	if err != nil {
		return models.CreditListing{}, err
	}
	l.Status = models.ListingStatus(status)
	l.IssueDate = timePtr(issue)
	l.ExpiryDate = timePtr(expiry)
	return l, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
}

func expectRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
