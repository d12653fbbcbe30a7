package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"carbonmarket/apperr"
	"carbonmarket/ledger"
	"carbonmarket/models"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps everything in process memory. Each call is atomic
// on its own, but RunInTx has nothing to roll back: a failed unit of work
// leaves its completed writes in place and the caller must undo them.
type MemoryRepository struct {
	mu            sync.RWMutex
	accounts      map[string]models.Account
	emails        map[string]string
	listings      map[string]models.CreditListing
	transactions  []models.Transaction
	notifications map[string]models.Notification
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[string]models.Account),
		emails:        make(map[string]string),
		listings:      make(map[string]models.CreditListing),
		notifications: make(map[string]models.Notification),
	}
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn ledger.TxFunc) error {
	return fn(ctx, r)
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, a models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.emails[a.Email]; ok {
		return apperr.New(apperr.KindConflict, "account with email %s already exists", a.Email)
	}
	if _, ok := r.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	r.accounts[a.ID] = a
	r.emails[a.Email] = a.ID
	return nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, id string) (models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return models.Account{}, notFound("account", id)
	}
	return a, nil
}

func (r *MemoryRepository) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.emails[email]
	if !ok {
		return models.Account{}, notFound("account", email)
	}
	return r.accounts[id], nil
}

func (r *MemoryRepository) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	a, err := r.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (r *MemoryRepository) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("account %s: balance cannot be negative", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.Balance = balance
	r.accounts[id] = a
	return nil
}

func (r *MemoryRepository) SetMPIN(ctx context.Context, id, record string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.MPIN = record
	r.accounts[id] = a
	return nil
}

func (r *MemoryRepository) CreateListing(ctx context.Context, l models.CreditListing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[l.ID]; ok {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	if _, ok := r.accounts[l.SellerID]; !ok {
		return notFound("account", l.SellerID)
	}
	r.listings[l.ID] = l
	return nil
}

func (r *MemoryRepository) GetListing(ctx context.Context, id string) (models.CreditListing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return models.CreditListing{}, notFound("listing", id)
	}
	return l, nil
}

func (r *MemoryRepository) GetAvailable(ctx context.Context, id string) (models.CreditListing, error) {
	l, err := r.GetListing(ctx, id)
	if err != nil {
		return models.CreditListing{}, err
	}
	if l.Status != models.ListingAvailable {
		return models.CreditListing{}, notFound("listing", id)
	}
	return l, nil
}

func (r *MemoryRepository) UpdateQuantityAndStatus(
	ctx context.Context,
	id string,
	quantity int,
	status models.ListingStatus,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if quantity < 0 {
		return fmt.Errorf("listing %s: quantity cannot be negative", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return notFound("listing", id)
	}
	l.Quantity = quantity
	l.Status = status
	l.TotalPrice = l.PricePerUnit.Mul(decimal.NewFromInt(int64(quantity)))
	r.listings[id] = l
	return nil
}

func (r *MemoryRepository) SetListingStatus(ctx context.Context, id string, from, to models.ListingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok || l.Status != from {
		return notFound("listing", id)
	}
	l.Status = to
	r.listings[id] = l
	return nil
}

func (r *MemoryRepository) ListListings(ctx context.Context, status models.ListingStatus) ([]models.CreditListing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.CreditListing
	for _, l := range r.listings {
		if l.Status == status {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Append(ctx context.Context, t models.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.transactions {
		if existing.ID == t.ID {
			return fmt.Errorf("transaction %s already recorded", t.ID)
		}
	}
	r.transactions = append(r.transactions, t)
	return nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		t := r.transactions[i]
		if t.BuyerID == accountID || t.SellerID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateNotification(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[n.ID] = n
	return nil
}

func (r *MemoryRepository) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Notification
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) MarkNotificationRead(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok || n.UserID != userID {
		return notFound("notification", id)
	}
	n.Status = models.NotificationRead
	r.notifications[id] = n
	return nil
}
