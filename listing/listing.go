// Package listing owns the sellable state of carbon credit listings:
// submission, admin approval, browsing and the quantity reservation used by
// purchases.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carbonmarket/apperr"
	"carbonmarket/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the slice of listing storage a purchase touches.
type Store interface {
	GetAvailable(ctx context.Context, id string) (models.CreditListing, error)
	UpdateQuantityAndStatus(ctx context.Context, id string, quantity int, status models.ListingStatus) error
}

type Repository interface {
	Store
	CreateListing(ctx context.Context, l models.CreditListing) error
	GetListing(ctx context.Context, id string) (models.CreditListing, error)
	ListListings(ctx context.Context, status models.ListingStatus) ([]models.CreditListing, error)
	SetListingStatus(ctx context.Context, id string, from, to models.ListingStatus) error
}

type Notifier interface {
	Enqueue(ctx context.Context, userID, subject, message string) error
}

// Reservation is the outcome of taking units off a listing.
type Reservation struct {
	ListingID string
	Requested int
	Remaining int
	Status    models.ListingStatus
}

// Plan computes the quantity and status a listing moves to after selling
// requested units. It does not write anything.
func Plan(l models.CreditListing, requested int) (Reservation, error) {
	if requested <= 0 {
		return Reservation{}, apperr.Validation("requested quantity must be a positive integer")
	}
	if requested > l.Quantity {
		return Reservation{}, apperr.New(
			apperr.KindInsufficientInventory,
			"insufficient credits: requested %d, available %d",
			requested, l.Quantity,
		)
	}
	remaining := l.Quantity - requested
	status := models.ListingAvailable
	if remaining == 0 {
		status = models.ListingSold
	}
	return Reservation{
		ListingID: l.ID,
		Requested: requested,
		Remaining: remaining,
		Status:    status,
	}, nil
}

// FetchAvailable treats pending and sold listings as missing.
func FetchAvailable(ctx context.Context, store Store, id string) (models.CreditListing, error) {
	l, err := store.GetAvailable(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.CreditListing{}, apperr.NotFound("listing %s is not available", id)
		}
		return models.CreditListing{}, apperr.Persistence(err, "fetch listing %s", id)
	}
	return l, nil
}

// Reserve re-reads the listing through store and writes the reduced
// quantity. Run it inside the same unit of work as the rest of the
// purchase so the read is not stale.
func Reserve(ctx context.Context, store Store, id string, requested int) (Reservation, error) {
	l, err := FetchAvailable(ctx, store, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			// sold out between the funds check and now
			return Reservation{}, apperr.New(
				apperr.KindInsufficientInventory,
				"insufficient credits: requested %d, available 0", requested,
			)
		}
		return Reservation{}, err
	}
	r, err := Plan(l, requested)
	if err != nil {
		return Reservation{}, err
	}
	if err := store.UpdateQuantityAndStatus(ctx, id, r.Remaining, r.Status); err != nil {
		return Reservation{}, apperr.Persistence(err, "update listing %s", id)
	}
	return r, nil
}

// Release puts reserved units back and reopens the listing.
func Release(ctx context.Context, store Store, r Reservation) error {
	if err := store.UpdateQuantityAndStatus(ctx, r.ListingID, r.Remaining+r.Requested, models.ListingAvailable); err != nil {
		return apperr.Persistence(err, "release listing %s", r.ListingID)
	}
	return nil
}

type SubmitInput struct {
	Name                 string          `json:"name"`
	Type                 string          `json:"type"`
	Location             string          `json:"location"`
	Description          string          `json:"description"`
	Quantity             int             `json:"quantity"`
	PricePerUnit         decimal.Decimal `json:"pricePerUnit"`
	IssueDate            *time.Time      `json:"issueDate,omitempty"`
	ExpiryDate           *time.Time      `json:"expiryDate,omitempty"`
	VerificationDocument string          `json:"verificationDocument"`
	Trend                int             `json:"trend"`
}

func (in SubmitInput) validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return apperr.Validation("listing name is required")
	case strings.TrimSpace(in.Type) == "":
		return apperr.Validation("credit type is required")
	case in.Quantity <= 0:
		return apperr.Validation("quantity must be a positive integer")
	case !in.PricePerUnit.IsPositive():
		return apperr.Validation("price per unit must be positive")
	case in.PricePerUnit.Exponent() < -2 && !in.PricePerUnit.Equal(in.PricePerUnit.Truncate(2)):
		return apperr.Validation("price per unit cannot have more than 2 decimal places")
	case in.Trend < 0 || in.Trend > 100:
		return apperr.Validation("trend must be between 0 and 100")
	case in.IssueDate != nil && in.ExpiryDate != nil && in.ExpiryDate.Before(*in.IssueDate):
		return apperr.Validation("expiry date is before issue date")
	}
	return nil
}

type Manager struct {
	repo     Repository
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(repo Repository, notifier Notifier, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return Manager{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (m Manager) Submit(
	ctx context.Context,
	sellerID string,
	in SubmitInput,
) (models.CreditListing, error) {
	if sellerID == "" {
		return models.CreditListing{}, apperr.Validation("seller is required")
	}
	if err := in.validate(); err != nil {
		return models.CreditListing{}, err
	}
	l := models.CreditListing{
		ID:                   uuid.NewString(),
		SellerID:             sellerID,
		Name:                 strings.TrimSpace(in.Name),
		Type:                 strings.TrimSpace(in.Type),
		Location:             in.Location,
		Description:          in.Description,
		Quantity:             in.Quantity,
		PricePerUnit:         in.PricePerUnit,
		TotalPrice:           in.PricePerUnit.Mul(decimal.NewFromInt(int64(in.Quantity))),
		Status:               models.ListingPending,
		IssueDate:            in.IssueDate,
		ExpiryDate:           in.ExpiryDate,
		VerificationDocument: in.VerificationDocument,
		Trend:                in.Trend,
		CreatedAt:            m.now().UTC(),
	}
	if err := m.repo.CreateListing(ctx, l); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.CreditListing{}, apperr.NotFound("seller %s not found", sellerID)
		}
		return models.CreditListing{}, apperr.Persistence(err, "create listing")
	}
	m.logger.Info("listing submitted", "listing_id", l.ID, "seller_id", sellerID, "quantity", l.Quantity)
	return l, nil
}

// Approve moves a pending listing to available and tells the seller.
func (m Manager) Approve(ctx context.Context, id string) (models.CreditListing, error) {
	l, err := m.Get(ctx, id)
	if err != nil {
		return models.CreditListing{}, err
	}
	if l.Status != models.ListingPending {
		return models.CreditListing{}, apperr.New(
			apperr.KindConflict,
			"listing %s is %s, only pending listings can be approved", id, l.Status,
		)
	}
	if err := m.repo.SetListingStatus(ctx, id, models.ListingPending, models.ListingAvailable); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.CreditListing{}, apperr.New(apperr.KindConflict, "listing %s is no longer pending", id)
		}
		return models.CreditListing{}, apperr.Persistence(err, "approve listing %s", id)
	}
	l.Status = models.ListingAvailable
	m.logger.Info("listing approved", "listing_id", id, "seller_id", l.SellerID)

	msg := fmt.Sprintf("Your listing %q (%d credits) is now available on the marketplace.", l.Name, l.Quantity)
	if err := m.notifier.Enqueue(ctx, l.SellerID, "Listing approved", msg); err != nil {
		m.logger.Error("approval notification failed", "listing_id", id, "error", err)
	}
	return l, nil
}

func (m Manager) Get(ctx context.Context, id string) (models.CreditListing, error) {
	l, err := m.repo.GetListing(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.CreditListing{}, apperr.NotFound("listing %s not found", id)
		}
		return models.CreditListing{}, apperr.Persistence(err, "get listing %s", id)
	}
	return l, nil
}

func (m Manager) FetchAvailable(ctx context.Context, id string) (models.CreditListing, error) {
	return FetchAvailable(ctx, m.repo, id)
}

// Browse returns the marketplace: available listings, newest first.
func (m Manager) Browse(ctx context.Context) ([]models.CreditListing, error) {
	return m.list(ctx, models.ListingAvailable)
}

func (m Manager) Pending(ctx context.Context) ([]models.CreditListing, error) {
	return m.list(ctx, models.ListingPending)
}

func (m Manager) list(ctx context.Context, status models.ListingStatus) ([]models.CreditListing, error) {
	ls, err := m.repo.ListListings(ctx, status)
	if err != nil {
		return nil, apperr.Persistence(err, "list %s listings", status)
	}
	if ls == nil {
		ls = []models.CreditListing{}
	}
	return ls, nil
}
