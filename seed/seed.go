// Package seed loads demo accounts and listings from a YAML fixture file.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"carbonmarket/listing"
	"carbonmarket/models"
	"carbonmarket/service"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Fixtures struct {
	Accounts []AccountFixture `yaml:"accounts"`
	Listings []ListingFixture `yaml:"listings"`
}

type AccountFixture struct {
	Email    string      `yaml:"email"`
	Password string      `yaml:"password"`
	Name     string      `yaml:"name"`
	Phone    string      `yaml:"phone"`
	Role     models.Role `yaml:"role"`
	Balance  string      `yaml:"balance"`
	MPIN     string      `yaml:"mpin"`
}

type ListingFixture struct {
	Seller               string               `yaml:"seller"`
	Name                 string               `yaml:"name"`
	Type                 string               `yaml:"type"`
	Location             string               `yaml:"location"`
	Description          string               `yaml:"description"`
	Quantity             int                  `yaml:"quantity"`
	PricePerUnit         string               `yaml:"pricePerUnit"`
	IssueDate            *time.Time           `yaml:"issueDate"`
	ExpiryDate           *time.Time           `yaml:"expiryDate"`
	VerificationDocument string               `yaml:"verificationDocument"`
	Trend                int                  `yaml:"trend"`
	Status               models.ListingStatus `yaml:"status"`
}

// Parse decodes fixtures, rejecting unknown keys.
func Parse(data []byte) (Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Fixtures{}, fmt.Errorf("parse fixtures: %w", err)
	}
	return f, nil
}

func LoadFile(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixtures{}, err
	}
	return Parse(data)
}

type BalanceStore interface {
	SetBalance(ctx context.Context, id string, balance decimal.Decimal) error
}

type Seeder struct {
	svc      service.Service
	listings listing.Manager
	balances BalanceStore
	logger   *slog.Logger
}

func NewSeeder(svc service.Service, listings listing.Manager, balances BalanceStore, logger *slog.Logger) Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return Seeder{svc: svc, listings: listings, balances: balances, logger: logger}
}

type Result struct {
	Accounts map[string]string
	Listings []string
}

// Apply creates every account, then every listing. Listings name their
// seller by email. A listing with status available is approved right away;
// sold listings cannot be seeded.
func (s Seeder) Apply(ctx context.Context, f Fixtures) (Result, error) {
	res := Result{Accounts: make(map[string]string, len(f.Accounts))}

	for i, af := range f.Accounts {
		a, err := s.svc.SignUp(ctx, service.SignUpInput{
			Email:    af.Email,
			Password: af.Password,
			Name:     af.Name,
			Phone:    af.Phone,
			Role:     af.Role,
		})
		if err != nil {
			return res, fmt.Errorf("account %d (%s): %w", i, af.Email, err)
		}
		if af.Balance != "" {
			balance, err := decimal.NewFromString(af.Balance)
			if err != nil || balance.IsNegative() {
				return res, fmt.Errorf("account %d (%s): invalid balance %q", i, af.Email, af.Balance)
			}
			if err := s.balances.SetBalance(ctx, a.ID, balance); err != nil {
				return res, fmt.Errorf("account %d (%s): set balance: %w", i, af.Email, err)
			}
		}
		if af.MPIN != "" {
			if err := s.svc.SetMPIN(ctx, a.ID, af.MPIN); err != nil {
				return res, fmt.Errorf("account %d (%s): %w", i, af.Email, err)
			}
		}
		res.Accounts[a.Email] = a.ID
	}

	for i, lf := range f.Listings {
		sellerID, ok := res.Accounts[strings.ToLower(strings.TrimSpace(lf.Seller))]
		if !ok {
			return res, fmt.Errorf("listing %d (%s): unknown seller %q", i, lf.Name, lf.Seller)
		}
		price, err := decimal.NewFromString(lf.PricePerUnit)
		if err != nil {
			return res, fmt.Errorf("listing %d (%s): invalid price %q", i, lf.Name, lf.PricePerUnit)
		}
		switch lf.Status {
		case "", models.ListingPending, models.ListingAvailable:
		default:
			return res, fmt.Errorf("listing %d (%s): cannot seed status %q", i, lf.Name, lf.Status)
		}

		l, err := s.listings.Submit(ctx, sellerID, listing.SubmitInput{
			Name:                 lf.Name,
			Type:                 lf.Type,
			Location:             lf.Location,
			Description:          lf.Description,
			Quantity:             lf.Quantity,
			PricePerUnit:         price,
			IssueDate:            lf.IssueDate,
			ExpiryDate:           lf.ExpiryDate,
			VerificationDocument: lf.VerificationDocument,
			Trend:                lf.Trend,
		})
		if err != nil {
			return res, fmt.Errorf("listing %d (%s): %w", i, lf.Name, err)
		}
		if lf.Status == models.ListingAvailable {
			if _, err := s.listings.Approve(ctx, l.ID); err != nil {
				return res, fmt.Errorf("listing %d (%s): %w", i, lf.Name, err)
			}
		}
		res.Listings = append(res.Listings, l.ID)
	}

	s.logger.Info("fixtures seeded", "accounts", len(res.Accounts), "listings", len(res.Listings))
	return res, nil
}
