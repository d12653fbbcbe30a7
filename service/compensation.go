package service

import (
	"context"
	"fmt"

	"carbonmarket/ledger"
	"carbonmarket/listing"

	"github.com/shopspring/decimal"
)

// compensation reverses one durable write made while settling a purchase.
type compensation interface {
	undo(ctx context.Context, lg ledger.Ledger) error
	String() string
}

// rollback holds compensations in the order their writes happened.
type rollback []compensation

func (r *rollback) push(c compensation) {
	*r = append(*r, c)
}

type refundBuyer struct {
	accountID string
	amount    decimal.Decimal
}

func (c refundBuyer) undo(ctx context.Context, lg ledger.Ledger) error {
	balance, err := lg.GetBalance(ctx, c.accountID)
	if err != nil {
		return err
	}
	return lg.SetBalance(ctx, c.accountID, balance.Add(c.amount))
}

func (c refundBuyer) String() string {
	return fmt.Sprintf("refund %s to buyer %s", c.amount.StringFixed(2), c.accountID)
}

type reclaimFromSeller struct {
	accountID string
	amount    decimal.Decimal
}

func (c reclaimFromSeller) undo(ctx context.Context, lg ledger.Ledger) error {
	balance, err := lg.GetBalance(ctx, c.accountID)
	if err != nil {
		return err
	}
	return lg.SetBalance(ctx, c.accountID, balance.Sub(c.amount))
}

func (c reclaimFromSeller) String() string {
	return fmt.Sprintf("reclaim %s from seller %s", c.amount.StringFixed(2), c.accountID)
}

type releaseCredits struct {
	reservation listing.Reservation
}

func (c releaseCredits) undo(ctx context.Context, lg ledger.Ledger) error {
	return listing.Release(ctx, lg, c.reservation)
}

func (c releaseCredits) String() string {
	return fmt.Sprintf("release %d credits of listing %s", c.reservation.Requested, c.reservation.ListingID)
}
