package repository_test

import (
	"context"
	"testing"
	"time"

	"carbonmarket/apperr"
	"carbonmarket/models"
	"carbonmarket/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func seedMemory(t *testing.T) (*repository.MemoryRepository, models.Account, models.CreditListing) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	seller := models.Account{ID: "seller", Email: "seller@example.com", Role: models.RoleUser, Balance: decimal.Zero}
	require.NoError(t, repo.CreateAccount(ctx, seller))
	l := models.CreditListing{
		ID:           "listing",
		SellerID:     seller.ID,
		Name:         "Wind farm",
		Type:         "renewable",
		Quantity:     100,
		PricePerUnit: decimal.NewFromInt(10),
		TotalPrice:   decimal.NewFromInt(1000),
		Status:       models.ListingPending,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, repo.CreateListing(ctx, l))
	return repo, seller, l
}

func TestMemoryRepository_AvailableFilter(t *testing.T) {
	repo, _, l := seedMemory(t)
	ctx := context.Background()

	_, err := repo.GetAvailable(ctx, l.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, repo.SetListingStatus(ctx, l.ID, models.ListingPending, models.ListingAvailable))
	got, err := repo.GetAvailable(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, 100, got.Quantity)

	err = repo.SetListingStatus(ctx, l.ID, models.ListingPending, models.ListingAvailable)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryRepository_UpdateQuantityRecomputesTotal(t *testing.T) {
	repo, _, l := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, repo.UpdateQuantityAndStatus(ctx, l.ID, 70, models.ListingAvailable))
	got, err := repo.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, 70, got.Quantity)
	require.True(t, got.TotalPrice.Equal(decimal.NewFromInt(700)))

	require.Error(t, repo.UpdateQuantityAndStatus(ctx, l.ID, -1, models.ListingAvailable))
}

func TestMemoryRepository_BalanceNeverNegative(t *testing.T) {
	repo, seller, _ := seedMemory(t)
	ctx := context.Background()

	require.Error(t, repo.SetBalance(ctx, seller.ID, decimal.NewFromInt(-1)))
	require.NoError(t, repo.SetBalance(ctx, seller.ID, decimal.NewFromInt(42)))
	bal, err := repo.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(42)))
}

func TestMemoryRepository_DuplicateEmail(t *testing.T) {
	repo, seller, _ := seedMemory(t)
	err := repo.CreateAccount(context.Background(), models.Account{ID: "other", Email: seller.Email})
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestMemoryRepository_TransactionsNewestFirst(t *testing.T) {
	repo, seller, l := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, models.Transaction{ID: "t1", BuyerID: "b", SellerID: seller.ID, ListingID: l.ID, Quantity: 1}))
	require.NoError(t, repo.Append(ctx, models.Transaction{ID: "t2", BuyerID: seller.ID, SellerID: "x", ListingID: l.ID, Quantity: 2}))
	require.NoError(t, repo.Append(ctx, models.Transaction{ID: "t3", BuyerID: "b", SellerID: "x", ListingID: l.ID, Quantity: 3}))
	require.Error(t, repo.Append(ctx, models.Transaction{ID: "t1"}))

	txs, err := repo.ListTransactions(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, "t2", txs[0].ID)
	require.Equal(t, "t1", txs[1].ID)
}

func TestMemoryRepository_NotificationOwnership(t *testing.T) {
	repo, seller, _ := seedMemory(t)
	ctx := context.Background()

	n := models.Notification{ID: "n1", UserID: seller.ID, Subject: "s", Message: "m", Status: models.NotificationUnread, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateNotification(ctx, n))

	require.ErrorIs(t, repo.MarkNotificationRead(ctx, "someone-else", n.ID), apperr.ErrNotFound)
	require.NoError(t, repo.MarkNotificationRead(ctx, seller.ID, n.ID))

	ns, err := repo.ListNotifications(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	require.Equal(t, models.NotificationRead, ns[0].Status)
}

func TestMemoryRepository_CreateListingUnknownSeller(t *testing.T) {
	repo, _, l := seedMemory(t)
	l.ID = "orphan"
	l.SellerID = "nobody"
	require.ErrorIs(t, repo.CreateListing(context.Background(), l), apperr.ErrNotFound)
}
