package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"carbonmarket/apperr"
	"carbonmarket/listing"
	"carbonmarket/models"
	"carbonmarket/service"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
)

type ctxKey string

const (
	userIDKey ctxKey = "user_id"
	roleKey   ctxKey = "role"
)

type Handler struct {
	svc       service.Service
	listings  listing.Manager
	jwtSecret string
	logger    *slog.Logger
}

func NewHandler(svc service.Service, listings listing.Manager, jwtSecret string, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return Handler{
		svc:       svc,
		listings:  listings,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// NewRouter wires every public route.
func NewRouter(h Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/signup", h.SignUpHandler).Methods("POST")
	r.HandleFunc("/api/auth", h.AuthHandler).Methods("POST")
	r.HandleFunc("/api/account", h.JWTMiddleware(h.AccountHandler)).Methods("GET")
	r.HandleFunc("/api/account/mpin", h.JWTMiddleware(h.SetMPINHandler)).Methods("PUT")

	r.HandleFunc("/api/listings", h.BrowseListingsHandler).Methods("GET")
	r.HandleFunc("/api/listings", h.JWTMiddleware(h.SubmitListingHandler)).Methods("POST")
	r.HandleFunc("/api/listings/{id}", h.GetListingHandler).Methods("GET")
	r.HandleFunc("/api/admin/listings/pending", h.JWTMiddleware(h.AdminOnly(h.PendingListingsHandler))).Methods("GET")
	r.HandleFunc("/api/admin/listings/{id}/approve", h.JWTMiddleware(h.AdminOnly(h.ApproveListingHandler))).Methods("POST")

	r.HandleFunc("/purchase/{listingId}", h.JWTMiddleware(h.PurchaseHandler)).Methods("POST")
	r.HandleFunc("/api/transactions", h.JWTMiddleware(h.TransactionsHandler)).Methods("GET")
	r.HandleFunc("/api/notifications", h.JWTMiddleware(h.NotificationsHandler)).Methods("GET")
	r.HandleFunc("/api/notifications/{id}/read", h.JWTMiddleware(h.ReadNotificationHandler)).Methods("POST")

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("Carbon credit marketplace API")); err != nil {
			h.logger.Error("write response", "error", err)
		}
	}).Methods("GET")
	return r
}

type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string `json:"token"`
}

type MPINRequest struct {
	MPIN string `json:"mpin"`
}

type PurchaseRequest struct {
	BuyerID           string `json:"buyerId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	MPIN              string `json:"mpin"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h Handler) SignUpHandler(w http.ResponseWriter, r *http.Request) {
	var req service.SignUpInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// admins are created by an operator through the seed command
	if req.Role == models.RoleAdmin {
		respondWithError(w, http.StatusForbidden, "admin accounts cannot be created through signup")
		return
	}
	a, err := h.svc.SignUp(r.Context(), req)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, a)
}

func (h Handler) AuthHandler(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := h.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, AuthResponse{Token: token})
}

func (h Handler) AccountHandler(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAccount(r.Context(), userID(r))
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, a)
}

func (h Handler) SetMPINHandler(w http.ResponseWriter, r *http.Request) {
	var req MPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.SetMPIN(r.Context(), userID(r), req.MPIN); err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h Handler) SubmitListingHandler(w http.ResponseWriter, r *http.Request) {
	var req listing.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	l, err := h.listings.Submit(r.Context(), userID(r), req)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, l)
}

func (h Handler) BrowseListingsHandler(w http.ResponseWriter, r *http.Request) {
	ls, err := h.listings.Browse(r.Context())
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ls)
}

func (h Handler) GetListingHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, l)
}

func (h Handler) PendingListingsHandler(w http.ResponseWriter, r *http.Request) {
	ls, err := h.listings.Pending(r.Context())
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ls)
}

func (h Handler) ApproveListingHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, l)
}

// PurchaseHandler only lets the token holder buy for themselves.
func (h Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BuyerID != "" && req.BuyerID != userID(r) {
		respondWithError(w, http.StatusUnauthorized, "buyer does not match the authenticated user")
		return
	}
	res, err := h.svc.Purchase(r.Context(), service.PurchaseRequest{
		ListingID:         mux.Vars(r)["listingId"],
		BuyerID:           req.BuyerID,
		RequestedQuantity: req.RequestedQuantity,
		MPIN:              req.MPIN,
	})
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h Handler) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.Transactions(r.Context(), userID(r))
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h Handler) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	ns, err := h.svc.Notifications(r.Context(), userID(r))
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ns)
}

func (h Handler) ReadNotificationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkNotificationRead(r.Context(), userID(r), mux.Vars(r)["id"]); err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h Handler) JWTMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondWithError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		const bearerPrefix = "Bearer "
		if len(authHeader) <= len(bearerPrefix) || authHeader[:len(bearerPrefix)] != bearerPrefix {
			respondWithError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}

		tokenStr := authHeader[len(bearerPrefix):]
		token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			respondWithError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		uid, _ := claims["user_id"].(string)
		if uid == "" {
			respondWithError(w, http.StatusUnauthorized, "invalid user id in token")
			return
		}
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), userIDKey, uid)
		ctx = context.WithValue(ctx, roleKey, models.Role(role))
		next(w, r.WithContext(ctx))
	}
}

// AdminOnly must run inside JWTMiddleware.
func (h Handler) AdminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(roleKey).(models.Role); role != models.RoleAdmin {
			respondWithError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userIDKey).(string)
	return uid
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInsufficientFunds, apperr.KindInsufficientInventory:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h Handler) respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(apperr.KindOf(err))
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondWithError(w, code, apperr.Message(err))
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
