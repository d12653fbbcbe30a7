package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"carbonmarket/handlers"
	"carbonmarket/listing"
	"carbonmarket/models"
	"carbonmarket/mpin"
	"carbonmarket/notify"
	"carbonmarket/repository"
	"carbonmarket/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) apiClient {
	t.Helper()
	repo := repository.NewMemoryRepository()
	emitter := notify.NewEmitter(repo, nil, nil, 64)
	emitter.Start()

	verifier, err := mpin.NewVerifier(bytes.Repeat([]byte{42}, mpin.KeySize))
	require.NoError(t, err)
	svc := service.NewService(repo, verifier, emitter, service.Settings{
		JWTSecret:     "secret",
		SignupBalance: decimal.NewFromInt(2000),
		StoreTimeout:  time.Second,
	})
	h := handlers.NewHandler(svc, listing.NewManager(repo, emitter, nil), "secret", nil)

	ts := httptest.NewServer(handlers.NewRouter(h))
	t.Cleanup(func() {
		ts.Close()
		emitter.Close()
	})
	return apiClient{t: t, ts: ts, svc: svc}
}

type apiClient struct {
	t   *testing.T
	ts  *httptest.Server
	svc service.Service
}

func (c apiClient) call(method, path, token string, payload any) (int, []byte) {
	c.t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.ts.URL+path, body)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.ts.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c apiClient) decode(method, path, token string, payload any, wantCode int, out any) {
	c.t.Helper()
	code, data := c.call(method, path, token, payload)
	require.Equal(c.t, wantCode, code, string(data))
	if out != nil {
		require.NoError(c.t, json.Unmarshal(data, out))
	}
}

// signUp creates an account and returns its id and a token.
func (c apiClient) signUp(email string, role models.Role) (string, string) {
	c.t.Helper()
	var a models.Account
	c.decode("POST", "/api/signup", "", map[string]string{
		"email":    email,
		"password": "pass123",
		"name":     email,
		"role":     string(role),
	}, http.StatusCreated, &a)
	require.NotEmpty(c.t, a.ID)

	var auth handlers.AuthResponse
	c.decode("POST", "/api/auth", "", handlers.AuthRequest{Email: email, Password: "pass123"}, http.StatusOK, &auth)
	require.NotEmpty(c.t, auth.Token)
	return a.ID, auth.Token
}

// admin creates an admin account behind the API, the way seeding does, and
// logs it in.
func (c apiClient) admin(email string) string {
	c.t.Helper()
	_, err := c.svc.SignUp(context.Background(), service.SignUpInput{
		Email:    email,
		Password: "pass123",
		Role:     models.RoleAdmin,
	})
	require.NoError(c.t, err)

	var auth handlers.AuthResponse
	c.decode("POST", "/api/auth", "", handlers.AuthRequest{Email: email, Password: "pass123"}, http.StatusOK, &auth)
	return auth.Token
}

func (c apiClient) balance(token string) decimal.Decimal {
	c.t.Helper()
	var a models.Account
	c.decode("GET", "/api/account", token, nil, http.StatusOK, &a)
	return a.Balance
}

type market struct {
	apiClient
	buyerID, buyerToken   string
	sellerID, sellerToken string
	adminToken            string
	listingID             string
}

// newMarket prepares a seller with one approved listing of quantity
// credits at 10 each and a buyer with MPIN 1234.
func newMarket(t *testing.T, quantity int) market {
	t.Helper()
	m := market{apiClient: setupTestServer(t)}
	m.sellerID, m.sellerToken = m.signUp("seller@example.com", models.RoleUser)
	m.buyerID, m.buyerToken = m.signUp("buyer@example.com", models.RoleUser)
	m.adminToken = m.admin("admin@example.com")

	m.decode("PUT", "/api/account/mpin", m.buyerToken, handlers.MPINRequest{MPIN: "1234"}, http.StatusOK, nil)

	var l models.CreditListing
	m.decode("POST", "/api/listings", m.sellerToken, map[string]any{
		"name":         "Amazon Reforestation",
		"type":         "forestry",
		"location":     "Pará, Brazil",
		"quantity":     quantity,
		"pricePerUnit": "10",
	}, http.StatusCreated, &l)
	require.Equal(t, models.ListingPending, l.Status)
	m.listingID = l.ID

	m.decode("POST", "/api/admin/listings/"+l.ID+"/approve", m.adminToken, nil, http.StatusOK, &l)
	require.Equal(t, models.ListingAvailable, l.Status)
	return m
}

func (m market) purchase(token, buyerID string, quantity int, pin string) (int, []byte) {
	return m.call("POST", "/purchase/"+m.listingID, token, handlers.PurchaseRequest{
		BuyerID:           buyerID,
		RequestedQuantity: quantity,
		MPIN:              pin,
	})
}

func TestE2E_Purchase(t *testing.T) {
	type args struct {
		listingQuantity int
		requested       int
		mpin            string
	}
	type expected struct {
		code         int
		errMsg       string
		buyerBalance int64
		remaining    int
		status       models.ListingStatus
	}
	tests := []struct {
		name     string
		args     args
		expected expected
	}{
		{
			name: "partial purchase",
			args: args{listingQuantity: 100, requested: 30, mpin: "1234"},
			expected: expected{
				code:         http.StatusOK,
				buyerBalance: 1700,
				remaining:    70,
				status:       models.ListingAvailable,
			},
		},
		{
			name: "buying everything sells out the listing",
			args: args{listingQuantity: 100, requested: 100, mpin: "1234"},
			expected: expected{
				code:         http.StatusOK,
				buyerBalance: 1000,
				remaining:    0,
				status:       models.ListingSold,
			},
		},
		{
			name: "more than available",
			args: args{listingQuantity: 100, requested: 150, mpin: "1234"},
			expected: expected{
				code:         http.StatusBadRequest,
				errMsg:       "insufficient credits: requested 150, available 100",
				buyerBalance: 2000,
				remaining:    100,
				status:       models.ListingAvailable,
			},
		},
		{
			name: "more than the buyer can afford",
			args: args{listingQuantity: 500, requested: 300, mpin: "1234"},
			expected: expected{
				code:         http.StatusBadRequest,
				errMsg:       "insufficient funds: required 3000.00, available 2000.00",
				buyerBalance: 2000,
				remaining:    500,
				status:       models.ListingAvailable,
			},
		},
		{
			name: "wrong mpin",
			args: args{listingQuantity: 100, requested: 30, mpin: "0000"},
			expected: expected{
				code:         http.StatusUnauthorized,
				errMsg:       "invalid mpin",
				buyerBalance: 2000,
				remaining:    100,
				status:       models.ListingAvailable,
			},
		},
		{
			name: "non numeric mpin",
			args: args{listingQuantity: 100, requested: 30, mpin: "12ab"},
			expected: expected{
				code:         http.StatusBadRequest,
				buyerBalance: 2000,
				remaining:    100,
				status:       models.ListingAvailable,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(t, tt.args.listingQuantity)

			code, body := m.purchase(m.buyerToken, m.buyerID, tt.args.requested, tt.args.mpin)
			require.Equal(t, tt.expected.code, code, string(body))
			if code == http.StatusOK {
				var res service.PurchaseResult
				require.NoError(t, json.Unmarshal(body, &res))
				require.Equal(t, tt.args.requested, res.PurchasedQuantity)
				require.True(t, res.AmountPaid.Equal(decimal.NewFromInt(int64(10*tt.args.requested))))
				require.Equal(t, tt.expected.remaining, res.RemainingCredits)
				require.Equal(t, tt.expected.status, res.CreditStatus)
			} else {
				var errResp handlers.ErrorResponse
				require.NoError(t, json.Unmarshal(body, &errResp))
				require.NotEmpty(t, errResp.Error)
				if tt.expected.errMsg != "" {
					require.Equal(t, tt.expected.errMsg, errResp.Error)
				}
			}

			require.True(t, m.balance(m.buyerToken).Equal(decimal.NewFromInt(tt.expected.buyerBalance)))
			sellerWant := decimal.NewFromInt(2000 + 2000 - tt.expected.buyerBalance)
			require.True(t, m.balance(m.sellerToken).Equal(sellerWant))

			var l models.CreditListing
			m.decode("GET", "/api/listings/"+m.listingID, "", nil, http.StatusOK, &l)
			require.Equal(t, tt.expected.remaining, l.Quantity)
			require.Equal(t, tt.expected.status, l.Status)
			require.True(t, l.TotalPrice.Equal(decimal.NewFromInt(int64(10*tt.expected.remaining))))
		})
	}
}

func TestE2E_PurchaseRejections(t *testing.T) {
	m := newMarket(t, 100)

	code, _ := m.purchase("", m.buyerID, 1, "1234")
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = m.purchase(m.buyerToken, m.sellerID, 1, "1234")
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := m.purchase(m.sellerToken, m.sellerID, 1, "1234")
	require.Equal(t, http.StatusUnauthorized, code, "seller has no mpin yet: %s", body)

	m.decode("PUT", "/api/account/mpin", m.sellerToken, handlers.MPINRequest{MPIN: "5678"}, http.StatusOK, nil)
	code, body = m.purchase(m.sellerToken, m.sellerID, 1, "5678")
	require.Equal(t, http.StatusBadRequest, code, string(body))

	code, _ = m.call("POST", "/purchase/00000000-0000-0000-0000-000000000000", m.buyerToken, handlers.PurchaseRequest{
		BuyerID: m.buyerID, RequestedQuantity: 1, MPIN: "1234",
	})
	require.Equal(t, http.StatusNotFound, code)

	var pending models.CreditListing
	m.decode("POST", "/api/listings", m.sellerToken, map[string]any{
		"name": "Pending Wind", "type": "wind", "quantity": 10, "pricePerUnit": "5",
	}, http.StatusCreated, &pending)
	code, _ = m.call("POST", "/purchase/"+pending.ID, m.buyerToken, handlers.PurchaseRequest{
		BuyerID: m.buyerID, RequestedQuantity: 1, MPIN: "1234",
	})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = m.call("POST", "/api/admin/listings/"+pending.ID+"/approve", m.buyerToken, nil)
	require.Equal(t, http.StatusForbidden, code)

	m.decode("POST", "/api/admin/listings/"+m.listingID+"/approve", m.adminToken, nil, http.StatusConflict, nil)
}

func TestE2E_ConcurrentPurchases(t *testing.T) {
	m := newMarket(t, 100)

	type buyer struct{ id, token string }
	buyers := make([]buyer, 10)
	for i := range buyers {
		id, token := m.signUp(fmt.Sprintf("buyer%d@example.com", i), models.RoleUser)
		m.decode("PUT", "/api/account/mpin", token, handlers.MPINRequest{MPIN: "4321"}, http.StatusOK, nil)
		buyers[i] = buyer{id: id, token: token}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for _, b := range buyers {
		wg.Add(1)
		go func(b buyer) {
			defer wg.Done()
			code, _ := m.purchase(b.token, b.id, 20, "4321")
			mu.Lock()
			codes[code]++
			mu.Unlock()
		}(b)
	}
	wg.Wait()

	require.Equal(t, 5, codes[http.StatusOK])
	require.Equal(t, 5, codes[http.StatusBadRequest]+codes[http.StatusNotFound])

	var l models.CreditListing
	m.decode("GET", "/api/listings/"+m.listingID, "", nil, http.StatusOK, &l)
	require.Equal(t, 0, l.Quantity)
	require.Equal(t, models.ListingSold, l.Status)
	require.True(t, m.balance(m.sellerToken).Equal(decimal.NewFromInt(3000)))

	var txs []models.Transaction
	m.decode("GET", "/api/transactions", m.sellerToken, nil, http.StatusOK, &txs)
	require.Len(t, txs, 5)

	var browse []models.CreditListing
	m.decode("GET", "/api/listings", "", nil, http.StatusOK, &browse)
	require.Empty(t, browse)
}

func TestE2E_Notifications(t *testing.T) {
	m := newMarket(t, 100)

	code, body := m.purchase(m.buyerToken, m.buyerID, 30, "1234")
	require.Equal(t, http.StatusOK, code, string(body))

	var inbox []models.Notification
	require.Eventually(t, func() bool {
		m.decode("GET", "/api/notifications", m.buyerToken, nil, http.StatusOK, &inbox)
		return len(inbox) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "Purchase completed", inbox[0].Subject)
	require.Equal(t, models.NotificationUnread, inbox[0].Status)

	var sellerInbox []models.Notification
	require.Eventually(t, func() bool {
		m.decode("GET", "/api/notifications", m.sellerToken, nil, http.StatusOK, &sellerInbox)
		return len(sellerInbox) == 2
	}, 2*time.Second, 10*time.Millisecond)
	subjects := []string{sellerInbox[0].Subject, sellerInbox[1].Subject}
	require.ElementsMatch(t, []string{"Listing approved", "Credits sold"}, subjects)

	code, _ = m.call("POST", "/api/notifications/"+inbox[0].ID+"/read", m.sellerToken, nil)
	require.Equal(t, http.StatusNotFound, code)

	m.decode("POST", "/api/notifications/"+inbox[0].ID+"/read", m.buyerToken, nil, http.StatusOK, nil)
	m.decode("GET", "/api/notifications", m.buyerToken, nil, http.StatusOK, &inbox)
	require.Equal(t, models.NotificationRead, inbox[0].Status)

	var txs []models.Transaction
	m.decode("GET", "/api/transactions", m.buyerToken, nil, http.StatusOK, &txs)
	require.Len(t, txs, 1)
	require.Equal(t, m.sellerID, txs[0].SellerID)
	require.Equal(t, 30, txs[0].Quantity)
}

func TestE2E_SignUpAndAuth(t *testing.T) {
	c := setupTestServer(t)
	_, token := c.signUp("jane@example.com", "")

	var a models.Account
	c.decode("GET", "/api/account", token, nil, http.StatusOK, &a)
	require.Equal(t, "jane@example.com", a.Email)
	require.Equal(t, models.RoleUser, a.Role)

	code, body := c.call("GET", "/api/account", token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NotContains(t, string(body), "password")
	require.NotContains(t, string(body), "mpin")

	code, _ = c.call("POST", "/api/signup", "", map[string]string{"email": "jane@example.com", "password": "pass123"})
	require.Equal(t, http.StatusConflict, code)

	code, _ = c.call("POST", "/api/auth", "", handlers.AuthRequest{Email: "jane@example.com", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.call("PUT", "/api/account/mpin", token, handlers.MPINRequest{MPIN: "12"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = c.call("POST", "/api/signup", "", map[string]string{
		"email":    "mallory@example.com",
		"password": "pass123",
		"role":     string(models.RoleAdmin),
	})
	require.Equal(t, http.StatusForbidden, code)
	code, _ = c.call("POST", "/api/auth", "", handlers.AuthRequest{Email: "mallory@example.com", Password: "pass123"})
	require.Equal(t, http.StatusUnauthorized, code)
}
