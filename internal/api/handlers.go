package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/models"
)

// TransferLister reads recorded transfer instructions.
type TransferLister interface {
	Transfers(ctx context.Context, receiver models.AccountID, limit int) ([]models.Transfer, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Dispatcher  *escrow.Dispatcher
	AuthService *auth.AuthService
	Transfers   TransferLister // nil when nothing is persisted
	Decimals    int32
	Log         *logrus.Entry
}

// NewHandler creates a new handler
func NewHandler(d *escrow.Dispatcher, authService *auth.AuthService, transfers TransferLister, decimals int32, log *logrus.Entry) *Handler {
	return &Handler{Dispatcher: d, AuthService: authService, Transfers: transfers, Decimals: decimals, Log: log}
}

type ctxKey int

const callerKey ctxKey = iota

// CallerFrom returns the authenticated account of a request.
func CallerFrom(ctx context.Context) (models.AccountID, bool) {
	id, ok := ctx.Value(callerKey).(models.AccountID)
	return id, ok && id != ""
}

// Login exchanges an account secret for a token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Secret  string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Account == "" || req.Secret == "" {
		writeMessage(w, http.StatusBadRequest, "Account and secret required")
		return
	}

	token, err := h.AuthService.Login(r.Context(), models.AccountID(req.Account), req.Secret)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and stores the caller in the context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		account, err := h.AuthService.AccountFromToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type balanceView struct {
	Token          models.TokenID  `json:"token"`
	Deposit        uint64          `json:"deposit"`
	Income         uint64          `json:"income"`
	DepositDisplay decimal.Decimal `json:"deposit_display"`
	IncomeDisplay  decimal.Decimal `json:"income_display"`
}

type accountView struct {
	ID         models.AccountID `json:"id"`
	Roles      models.Roles     `json:"roles"`
	Balances   []balanceView    `json:"balances"`
	Orders     []*models.Order  `json:"orders"`
	OrderCount uint8            `json:"order_count"`
}

// GetAccount returns an account with balances in base and display units
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := models.AccountID(chi.URLParam(r, "id"))
	if id == "me" {
		id, _ = CallerFrom(r.Context())
	}
	a, err := h.Dispatcher.Account(id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	view := accountView{ID: a.ID, Roles: a.Roles, Orders: a.Orders, OrderCount: a.OrderCount, Balances: []balanceView{}}
	for token, b := range a.Balances {
		view.Balances = append(view.Balances, balanceView{
			Token:          token,
			Deposit:        b.Deposit,
			Income:         b.Income,
			DepositDisplay: h.display(b.Deposit),
			IncomeDisplay:  h.display(b.Income),
		})
	}
	sort.Slice(view.Balances, func(i, j int) bool { return view.Balances[i].Token < view.Balances[j].Token })
	writeJSON(w, http.StatusOK, view)
}

// GetConfig returns the global config with earnings in display units
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.Dispatcher.Config()
	earning := make(map[string]decimal.Decimal, len(cfg.Earning))
	for token, v := range cfg.Earning {
		earning[strconv.FormatUint(uint64(token), 10)] = h.display(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":          cfg,
		"earning_display": earning,
	})
}

// GetTransfers lists the caller's recorded transfer instructions
func (h *Handler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	if h.Transfers == nil {
		writeMessage(w, http.StatusNotImplemented, "Transfers are not persisted")
		return
	}
	caller, _ := CallerFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	transfers, err := h.Transfers.Transfers(r.Context(), caller, limit)
	if err != nil {
		h.Log.WithError(err).Error("failed to list transfers")
		writeMessage(w, http.StatusInternalServerError, "Failed to retrieve transfers")
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (h *Handler) display(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -h.Decimals)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "unauthorized":
		return http.StatusForbidden
	case "not_found", "not_opted_in":
		return http.StatusNotFound
	case "insufficient_balance", "capacity_exceeded", "already_set",
		"invalid_transition", "account_not_empty", "aborted":
		return http.StatusConflict
	case "invalid_evidence", "token_not_bound", "overflow":
		return http.StatusUnprocessableEntity
	case "invalid_argument":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := escrow.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}
