package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"carbonmarket/apperr"
	"carbonmarket/ledger"
	"carbonmarket/listing"
	"carbonmarket/models"
	"carbonmarket/mpin"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PurchaseState int

const (
	StateValidating PurchaseState = iota
	StateAuthorizingMPIN
	StateCheckingFunds
	StateDebitingBuyer
	StateCreditingSeller
	StateUpdatingInventory
	StateRecordingTransaction
	StateNotifyingParties
	StateCompleted
)

var stateNames = [...]string{
	"validating",
	"authorizing_mpin",
	"checking_funds",
	"debiting_buyer",
	"crediting_seller",
	"updating_inventory",
	"recording_transaction",
	"notifying_parties",
	"completed",
}

func (s PurchaseState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

type PurchaseRequest struct {
	ListingID         string
	BuyerID           string
	RequestedQuantity int
	MPIN              string
}

type PurchaseResult struct {
	TransactionID     string               `json:"transactionId"`
	PurchasedQuantity int                  `json:"purchasedQuantity"`
	AmountPaid        decimal.Decimal      `json:"amountPaid"`
	RemainingCredits  int                  `json:"remainingCredits"`
	CreditStatus      models.ListingStatus `json:"creditStatus"`
}

// AbortError reports the state a purchase stopped in. The wrapped error
// carries the apperr kind.
type AbortError struct {
	State PurchaseState
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("purchase aborted while %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Purchase buys RequestedQuantity credits of a listing for the buyer.
//
// The MPIN is checked before anything is written. Funds checks, the
// buyer debit, the seller credit, the inventory update and the
// transaction record run under per-resource locks inside one unit of
// work; a failure at any of those steps undoes the earlier ones. Once the
// transaction is recorded the purchase is final and notification
// failures are only logged.
func (s Service) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	req.MPIN = strings.TrimSpace(req.MPIN)
	if err := validatePurchase(req); err != nil {
		return PurchaseResult{}, s.abort(StateValidating, req, err)
	}

	s.trace(StateAuthorizingMPIN, req)
	if err := s.authorize(ctx, req); err != nil {
		return PurchaseResult{}, s.abort(StateAuthorizingMPIN, req, err)
	}

	s.trace(StateCheckingFunds, req)
	var offer models.CreditListing
	err := s.bounded(ctx, func(ctx context.Context) (err error) {
		offer, err = listing.FetchAvailable(ctx, s.repo, req.ListingID)
		return err
	})
	if err != nil {
		return PurchaseResult{}, s.abort(StateCheckingFunds, req, err)
	}
	if offer.SellerID == req.BuyerID {
		return PurchaseResult{}, s.abort(StateCheckingFunds, req, apperr.Validation("cannot purchase your own listing"))
	}

	unlock, err := s.locks.Lock(ctx,
		"listing:"+req.ListingID,
		"account:"+req.BuyerID,
		"account:"+offer.SellerID,
	)
	if err != nil {
		return PurchaseResult{}, s.abort(StateCheckingFunds, req,
			apperr.Wrap(apperr.KindConflict, err, "listing %s is busy, try again", req.ListingID))
	}
	defer unlock()

	var out settlement
	var settleErr error
	failedAt := StateCheckingFunds
	err = s.repo.RunInTx(ctx, func(ctx context.Context, lg ledger.Ledger) error {
		out, failedAt, settleErr = s.settle(ctx, lg, req)
		return settleErr
	})
	if err != nil {
		if settleErr == nil {
			// begin or commit failed; nothing was kept
			err = apperr.Persistence(err, "commit purchase")
		}
		return PurchaseResult{}, s.abort(failedAt, req, err)
	}

	s.trace(StateNotifyingParties, req)
	s.notifyParties(ctx, out)

	s.logger.Info("purchase completed",
		"transaction_id", out.tx.ID,
		"listing_id", out.tx.ListingID,
		"buyer_id", out.tx.BuyerID,
		"seller_id", out.tx.SellerID,
		"quantity", out.tx.Quantity,
		"amount", out.tx.Amount.String(),
	)
	return PurchaseResult{
		TransactionID:     out.tx.ID,
		PurchasedQuantity: out.tx.Quantity,
		AmountPaid:        out.tx.Amount,
		RemainingCredits:  out.reservation.Remaining,
		CreditStatus:      out.reservation.Status,
	}, nil
}

func validatePurchase(req PurchaseRequest) error {
	switch {
	case strings.TrimSpace(req.ListingID) == "":
		return apperr.Validation("listing id is required")
	case strings.TrimSpace(req.BuyerID) == "":
		return apperr.Validation("buyer id is required")
	case req.RequestedQuantity <= 0:
		return apperr.Validation("requested quantity must be a positive integer")
	case !mpin.Valid(req.MPIN):
		return apperr.Validation("mpin must be 4 to 6 digits")
	}
	return nil
}

func (s Service) authorize(ctx context.Context, req PurchaseRequest) error {
	var buyer models.Account
	err := s.bounded(ctx, func(ctx context.Context) (err error) {
		buyer, err = s.repo.GetAccount(ctx, req.BuyerID)
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.NotFound("buyer %s not found", req.BuyerID)
		}
		return apperr.Persistence(err, "load buyer")
	}
	if buyer.MPIN == "" {
		return apperr.ErrMPINNotConfigured
	}
	if !s.verifier.Verify(req.MPIN, buyer.MPIN) {
		return apperr.ErrInvalidCredential
	}
	return nil
}

type settlement struct {
	tx          models.Transaction
	listingName string
	reservation listing.Reservation
}

// settle runs the funds check and every durable write. It returns the
// state it stopped in so the caller can report where a purchase aborted.
func (s Service) settle(
	ctx context.Context,
	lg ledger.Ledger,
	req PurchaseRequest,
) (settlement, PurchaseState, error) {
	var undo rollback
	fail := func(state PurchaseState, err error) (settlement, PurchaseState, error) {
		if len(undo) == 0 {
			return settlement{}, state, err
		}
		if cerr := s.compensate(ctx, lg, undo); cerr != nil {
			s.logger.Error("compensation failed, ledger needs manual repair",
				"listing_id", req.ListingID,
				"buyer_id", req.BuyerID,
				"state", state.String(),
				"error", cerr,
			)
			return settlement{}, state, errors.Join(err, cerr)
		}
		return settlement{}, state, err
	}

	var offer models.CreditListing
	err := s.bounded(ctx, func(ctx context.Context) (err error) {
		offer, err = listing.FetchAvailable(ctx, lg, req.ListingID)
		return err
	})
	if err != nil {
		return fail(StateCheckingFunds, err)
	}
	if _, err := listing.Plan(offer, req.RequestedQuantity); err != nil {
		return fail(StateCheckingFunds, err)
	}
	amount := offer.PricePerUnit.Mul(decimal.NewFromInt(int64(req.RequestedQuantity)))

	var buyerBalance decimal.Decimal
	err = s.bounded(ctx, func(ctx context.Context) (err error) {
		buyerBalance, err = lg.GetBalance(ctx, req.BuyerID)
		return err
	})
	if err != nil {
		return fail(StateCheckingFunds, apperr.Persistence(err, "read buyer balance"))
	}
	if buyerBalance.LessThan(amount) {
		return fail(StateCheckingFunds, apperr.New(
			apperr.KindInsufficientFunds,
			"insufficient funds: required %s, available %s",
			amount.StringFixed(2), buyerBalance.StringFixed(2),
		))
	}

	s.trace(StateDebitingBuyer, req)
	err = s.bounded(ctx, func(ctx context.Context) error {
		return lg.SetBalance(ctx, req.BuyerID, buyerBalance.Sub(amount))
	})
	if err != nil {
		return fail(StateDebitingBuyer, apperr.Persistence(err, "debit buyer"))
	}
	undo.push(refundBuyer{accountID: req.BuyerID, amount: amount})

	s.trace(StateCreditingSeller, req)
	err = s.bounded(ctx, func(ctx context.Context) error {
		sellerBalance, err := lg.GetBalance(ctx, offer.SellerID)
		if err != nil {
			return err
		}
		return lg.SetBalance(ctx, offer.SellerID, sellerBalance.Add(amount))
	})
	if err != nil {
		return fail(StateCreditingSeller, apperr.Persistence(err, "credit seller"))
	}
	undo.push(reclaimFromSeller{accountID: offer.SellerID, amount: amount})

	s.trace(StateUpdatingInventory, req)
	var reservation listing.Reservation
	err = s.bounded(ctx, func(ctx context.Context) (err error) {
		reservation, err = listing.Reserve(ctx, lg, req.ListingID, req.RequestedQuantity)
		return err
	})
	if err != nil {
		return fail(StateUpdatingInventory, err)
	}
	undo.push(releaseCredits{reservation: reservation})

	s.trace(StateRecordingTransaction, req)
	tx := models.Transaction{
		ID:           uuid.NewString(),
		BuyerID:      req.BuyerID,
		SellerID:     offer.SellerID,
		ListingID:    req.ListingID,
		Quantity:     req.RequestedQuantity,
		PricePerUnit: offer.PricePerUnit,
		Amount:       amount,
		CreatedAt:    s.now().UTC(),
	}
	err = s.bounded(ctx, func(ctx context.Context) error {
		return lg.Append(ctx, tx)
	})
	if err != nil {
		return fail(StateRecordingTransaction, apperr.Persistence(err, "record transaction"))
	}

	return settlement{tx: tx, listingName: offer.Name, reservation: reservation}, StateRecordingTransaction, nil
}

// compensate runs the undo stack on a context detached from the request,
// which may already be cancelled or past its deadline.
func (s Service) compensate(ctx context.Context, lg ledger.Ledger, undo rollback) error {
	if t, ok := lg.(ledger.Transactional); ok && t.Transactional() {
		s.logger.Debug("writes discarded by storage rollback", "steps", len(undo))
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		c := undo[i]
		err := s.bounded(ctx, func(ctx context.Context) error {
			return c.undo(ctx, lg)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		s.logger.Info("compensation applied", "step", c.String())
	}
	return errors.Join(errs...)
}

func (s Service) notifyParties(ctx context.Context, out settlement) {
	t := out.tx
	buyerMsg := fmt.Sprintf(
		"You bought %d credits of %q for %s.",
		t.Quantity, out.listingName, t.Amount.StringFixed(2),
	)
	if err := s.notifier.Enqueue(ctx, t.BuyerID, "Purchase completed", buyerMsg); err != nil {
		s.logger.Error("buyer notification failed", "transaction_id", t.ID, "error", err)
	}
	sellerMsg := fmt.Sprintf(
		"%d credits of %q were sold for %s. %d remaining.",
		t.Quantity, out.listingName, t.Amount.StringFixed(2), out.reservation.Remaining,
	)
	if err := s.notifier.Enqueue(ctx, t.SellerID, "Credits sold", sellerMsg); err != nil {
		s.logger.Error("seller notification failed", "transaction_id", t.ID, "error", err)
	}
}

func (s Service) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (s Service) trace(state PurchaseState, req PurchaseRequest) {
	s.logger.Debug("purchase state",
		"state", state.String(),
		"listing_id", req.ListingID,
		"buyer_id", req.BuyerID,
	)
}

func (s Service) abort(state PurchaseState, req PurchaseRequest, err error) error {
	s.logger.Warn("purchase aborted",
		"state", state.String(),
		"listing_id", req.ListingID,
		"buyer_id", req.BuyerID,
		"reason", err.Error(),
	)
	return &AbortError{State: state, Err: err}
}
