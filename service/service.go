package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"carbonmarket/apperr"
	"carbonmarket/keylock"
	"carbonmarket/ledger"
	"carbonmarket/models"
	"carbonmarket/mpin"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

//go:generate mockgen -destination=./mocks/mock_repository.go -package=mocks carbonmarket/service Repository,Notifier

type Repository interface {
	ledger.UnitOfWork
	ledger.Ledger
	CreateAccount(ctx context.Context, a models.Account) error
	GetAccountByEmail(ctx context.Context, email string) (models.Account, error)
	SetMPIN(ctx context.Context, id, record string) error
	ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error)
	ListNotifications(ctx context.Context, userID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
}

type Notifier interface {
	Enqueue(ctx context.Context, userID, subject, message string) error
}

type Settings struct {
	JWTSecret     string
	SignupBalance decimal.Decimal
	StoreTimeout  time.Duration
	TokenTTL      time.Duration
	Logger        *slog.Logger
	// Locks is shared with other services settling against the same store.
	// A fresh set is used when nil.
	Locks *keylock.Set
}

type Service struct {
	repo          Repository
	verifier      *mpin.Verifier
	notifier      Notifier
	locks         *keylock.Set
	jwtSecret     string
	signupBalance decimal.Decimal
	storeTimeout  time.Duration
	tokenTTL      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(
	repo Repository,
	verifier *mpin.Verifier,
	notifier Notifier,
	settings Settings,
) Service {
	s := Service{
		repo:          repo,
		verifier:      verifier,
		notifier:      notifier,
		locks:         keylock.New(),
		jwtSecret:     settings.JWTSecret,
		signupBalance: settings.SignupBalance,
		storeTimeout:  settings.StoreTimeout,
		tokenTTL:      settings.TokenTTL,
		logger:        settings.Logger,
		now:           time.Now,
	}
	if settings.Locks != nil {
		s.locks = settings.Locks
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = 5 * time.Second
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

type SignUpInput struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Name     string      `json:"name"`
	Phone    string      `json:"phone"`
	Role     models.Role `json:"role"`
}

func (s Service) SignUp(ctx context.Context, in SignUpInput) (models.Account, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return models.Account{}, apperr.Validation("a valid email is required")
	}
	if len(in.Password) < 6 {
		return models.Account{}, apperr.Validation("password must be at least 6 characters")
	}
	role := in.Role
	switch role {
	case "":
		role = models.RoleUser
	case models.RoleUser, models.RoleAdmin:
	default:
		return models.Account{}, apperr.Validation("role must be user or admin")
	}

	hashed, err := bcryptHash(in.Password)
	if err != nil {
		return models.Account{}, err
	}
	a := models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		Balance:      s.signupBalance,
		Role:         role,
		PasswordHash: hashed,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return models.Account{}, err
		}
		return models.Account{}, apperr.Persistence(err, "create account")
	}
	s.logger.Info("account created", "account_id", a.ID, "role", a.Role)
	return a, nil
}

// Authenticate checks the primary credentials and issues a signed token
// carrying the account id and role.
func (s Service) Authenticate(
	ctx context.Context,
	email, password string,
) (string, error) {
	user, err := s.repo.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.New(apperr.KindAuthorization, "invalid credentials")
		}
		return "", apperr.Persistence(err, "load account")
	}
	if !bcryptCompare(user.PasswordHash, password) {
		return "", apperr.New(apperr.KindAuthorization, "invalid credentials")
	}
	return generateJWT(user, s.jwtSecret, s.now().Add(s.tokenTTL))
}

func (s Service) GetAccount(ctx context.Context, id string) (models.Account, error) {
	a, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.Account{}, apperr.NotFound("account %s not found", id)
		}
		return models.Account{}, apperr.Persistence(err, "load account %s", id)
	}
	return a, nil
}

// SetMPIN stores a freshly encrypted PIN, replacing any previous one.
func (s Service) SetMPIN(ctx context.Context, accountID, pin string) error {
	record, err := s.verifier.Encrypt(strings.TrimSpace(pin))
	if err != nil {
		return err
	}
	if err := s.repo.SetMPIN(ctx, accountID, record); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.NotFound("account %s not found", accountID)
		}
		return apperr.Persistence(err, "store mpin")
	}
	s.logger.Info("mpin updated", "account_id", accountID)
	return nil
}

func (s Service) Transactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	txs, err := s.repo.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, apperr.Persistence(err, "list transactions")
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

func (s Service) Notifications(ctx context.Context, userID string) ([]models.Notification, error) {
	ns, err := s.repo.ListNotifications(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence(err, "list notifications")
	}
	if ns == nil {
		ns = []models.Notification{}
	}
	return ns, nil
}

func (s Service) MarkNotificationRead(ctx context.Context, userID, id string) error {
	if err := s.repo.MarkNotificationRead(ctx, userID, id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.NotFound("notification %s not found", id)
		}
		return apperr.Persistence(err, "mark notification read")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func bcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(
		[]byte(password),
		bcrypt.DefaultCost,
	)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func bcryptCompare(hashed, password string) bool {
	err := bcrypt.CompareHashAndPassword(
		[]byte(hashed),
		[]byte(password),
	)
	return err == nil
}

func generateJWT(
	user models.Account,
	secret string,
	expires time.Time,
) (string, error) {
	token := jwt.NewWithClaims(
		jwt.SigningMethodHS256,
		jwt.MapClaims{
			"user_id": user.ID,
			"role":    string(user.Role),
			"exp":     expires.Unix(),
		},
	)
	tokenStr, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}
	return tokenStr, nil
}
