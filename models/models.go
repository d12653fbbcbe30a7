package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type ListingStatus string

const (
	ListingPending   ListingStatus = "pending"
	ListingAvailable ListingStatus = "available"
	ListingSold      ListingStatus = "sold"
)

type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// Account never serializes its password hash or MPIN record.
type Account struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	Phone        string          `json:"phone"`
	Balance      decimal.Decimal `json:"balance"`
	Role         Role            `json:"role"`
	PasswordHash string          `json:"-"`
	MPIN         string          `json:"-"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type CreditListing struct {
	ID                   string          `json:"id"`
	SellerID             string          `json:"sellerId"`
	Name                 string          `json:"name"`
	Type                 string          `json:"type"`
	Location             string          `json:"location"`
	Description          string          `json:"description"`
	Quantity             int             `json:"quantity"`
	PricePerUnit         decimal.Decimal `json:"pricePerUnit"`
	TotalPrice           decimal.Decimal `json:"totalPrice"`
	Status               ListingStatus   `json:"status"`
	IssueDate            *time.Time      `json:"issueDate,omitempty"`
	ExpiryDate           *time.Time      `json:"expiryDate,omitempty"`
	VerificationDocument string          `json:"verificationDocument,omitempty"`
	Trend                int             `json:"trend"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// Transaction is append-only: nothing updates or deletes a recorded row.
type Transaction struct {
	ID           string          `json:"id"`
	BuyerID      string          `json:"buyerId"`
	SellerID     string          `json:"sellerId"`
	ListingID    string          `json:"listingId"`
	Quantity     int             `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type Notification struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	Subject   string             `json:"subject"`
	Message   string             `json:"message"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
}
