package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/evidence"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/logging"
	"github.com/xtrntr/escrow/internal/models"
)

const (
	admin  models.AccountID = "admin"
	buyer  models.AccountID = "buyer"
	seller models.AccountID = "seller"
	app    models.AccountID = "escrow-app"
	usdc   models.TokenID   = 98_430_563
)

type testServer struct {
	t       *testing.T
	router  chi.Router
	auth    *auth.AuthService
	metrics *HTTPMetrics
	tokens  map[models.AccountID]string
}

func newTestServer(t *testing.T, credentials map[models.AccountID]string) *testServer {
	t.Helper()
	l, err := ledger.New(admin, ledger.Options{})
	require.NoError(t, err)
	d := escrow.NewDispatcher(l, escrow.Config{Address: app, SetupMinPayment: 1},
		evidence.NewMemoryRegistry(), nil, nil, logging.Discard())

	s := &testServer{
		t:       t,
		auth:    auth.NewAuthService("test-secret", time.Hour, credentials),
		metrics: NewHTTPMetrics(prometheus.NewRegistry()),
		tokens:  map[models.AccountID]string{},
	}
	h := NewHandler(d, s.auth, nil, 6, logging.Discard())
	s.router = h.Routes(s.metrics)
	return s
}

func (s *testServer) token(id models.AccountID) string {
	if tok, ok := s.tokens[id]; ok {
		return tok
	}
	tok, err := s.auth.IssueToken(id)
	require.NoError(s.t, err)
	s.tokens[id] = tok
	return tok
}

func (s *testServer) do(method, path string, as models.AccountID, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(as))
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) mustOK(rr *httptest.ResponseRecorder) map[string]interface{} {
	s.t.Helper()
	require.Equal(s.t, http.StatusOK, rr.Code, rr.Body.String())
	var out map[string]interface{}
	require.NoError(s.t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

// bootstrap binds usdc, opts buyer and seller in and registers the seller.
func (s *testServer) bootstrap() {
	s.t.Helper()
	s.mustOK(s.do("POST", "/admin/setup", admin, map[string]interface{}{
		"token": usdc,
		"payments": []models.Payment{
			{TxID: "setup", Kind: models.PaymentNative, Sender: admin, Receiver: app, Amount: 1},
		},
	}))
	s.mustOK(s.do("POST", "/account/optin", buyer, nil))
	s.mustOK(s.do("POST", "/account/optin", seller, nil))
	s.mustOK(s.do("POST", "/account/seller", seller, map[string]interface{}{
		"payments": []models.Payment{
			{TxID: "insurance", Kind: models.PaymentNative, Sender: seller, Receiver: app, Amount: 1_000_000},
		},
	}))
}

func TestHandler_Login(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)
	s := newTestServer(t, map[models.AccountID]string{"buyer": hash})

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
	}{
		{"Success", map[string]interface{}{"account": "buyer", "secret": "s3cret"}, http.StatusOK},
		{"WrongSecret", map[string]interface{}{"account": "buyer", "secret": "nope"}, http.StatusUnauthorized},
		{"UnknownAccount", map[string]interface{}{"account": "mallory", "secret": "s3cret"}, http.StatusUnauthorized},
		{"CaseVariant", map[string]interface{}{"account": "BUYER", "secret": "s3cret"}, http.StatusUnauthorized},
		{"MissingFields", map[string]interface{}{"account": "buyer"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do("POST", "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusOK {
				var resp map[string]string
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				account, err := s.auth.AccountFromToken(resp["token"])
				require.NoError(t, err)
				assert.Equal(t, buyer, account)
			}
		})
	}
}

func TestHandler_RequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do("POST", "/account/optin", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest("POST", "/account/optin", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandler_DepositAndSettle(t *testing.T) {
	s := newTestServer(t, nil)
	s.bootstrap()

	s.mustOK(s.do("POST", "/deposits", buyer, map[string]interface{}{
		"token": usdc,
		"payments": []models.Payment{
			{TxID: "dep", Kind: models.PaymentAsset, Sender: buyer, Receiver: app, Amount: 2_500_000, Token: usdc},
			{TxID: "fee", Kind: models.PaymentNative, Sender: buyer, Receiver: admin, Amount: 50_000},
		},
	}))

	out := s.mustOK(s.do("POST", "/oracle/complete", admin, escrow.SettleArgs{
		Seller: seller, Buyer: buyer, Token: usdc, Amount: 2_000_000,
	}))
	settlement := out["settlement"].(map[string]interface{})
	assert.Equal(t, float64(20_000), settlement["commission"])

	out = s.mustOK(s.do("GET", "/accounts/me", buyer, nil))
	balances := out["balances"].([]interface{})
	require.Len(t, balances, 1)
	b := balances[0].(map[string]interface{})
	assert.Equal(t, float64(500_000), b["deposit"])
	assert.Equal(t, "0.5", b["deposit_display"])

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestCount.WithLabelValues("POST", "/oracle/complete", "200")))
}

func TestHandler_ErrorStatuses(t *testing.T) {
	s := newTestServer(t, nil)
	s.bootstrap()

	tests := []struct {
		name           string
		method, path   string
		as             models.AccountID
		body           interface{}
		expectedStatus int
		expectedKind   string
	}{
		{"Unauthorized", "POST", "/admin/oracle", buyer, map[string]string{"oracle": "x"}, http.StatusForbidden, "unauthorized"},
		{"AlreadySet", "POST", "/account/optin", buyer, nil, http.StatusConflict, "already_set"},
		{"NotOptedIn", "GET", "/accounts/ghost", buyer, nil, http.StatusNotFound, "not_opted_in"},
		{"InsufficientBalance", "POST", "/account/withdraw/deposit", buyer, map[string]interface{}{"token": usdc, "amount": 1}, http.StatusConflict, "insufficient_balance"},
		{"InvalidEvidence", "POST", "/account/premium", seller, map[string]interface{}{
			"payments": []models.Payment{{TxID: "p", Kind: models.PaymentNative, Sender: seller, Receiver: app, Amount: 1}},
		}, http.StatusUnprocessableEntity, "invalid_evidence"},
		{"ReplayedEvidence", "POST", "/account/premium", seller, map[string]interface{}{
			"payments": []models.Payment{{TxID: "insurance", Kind: models.PaymentNative, Sender: seller, Receiver: app, Amount: 100_000}},
		}, http.StatusUnprocessableEntity, "invalid_evidence"},
		{"InvalidArgument", "POST", "/account/withdraw/income", seller, map[string]interface{}{"token": usdc, "amount": 0}, http.StatusBadRequest, "invalid_argument"},
		{"InvalidAction", "POST", "/orders/buyer/o-1/requests", buyer, map[string]interface{}{"action": "bump"}, http.StatusBadRequest, "invalid_argument"},
		{"NotFound", "DELETE", "/oracle/orders/buyer/o-1", admin, nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedKind, resp["kind"])
		})
	}
}

func TestHandler_OrderFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.bootstrap()

	out := s.mustOK(s.do("POST", "/oracle/orders/buyer", admin, map[string]interface{}{
		"order":   models.Order{Seller: seller, OrderID: "o-1", Amount: 700, Token: usdc},
		"deposit": 700,
	}))
	assert.Equal(t, float64(0), out["slot"])

	out = s.mustOK(s.do("POST", "/orders/buyer/missing/take", seller, nil))
	assert.Equal(t, escrow.StatusOrderNotFound, out["status"])

	out = s.mustOK(s.do("POST", "/orders/buyer/o-1/take", buyer, nil))
	assert.Equal(t, escrow.StatusNotTheSeller, out["status"])

	out = s.mustOK(s.do("POST", "/orders/buyer/o-1/take", seller, nil))
	assert.Equal(t, escrow.StatusOrderUpdated, out["status"])

	out = s.mustOK(s.do("POST", "/oracle/complete", admin, escrow.SettleArgs{Seller: seller, Buyer: buyer, OrderID: "o-1"}))
	assert.Equal(t, "completed", out["order"].(map[string]interface{})["status"])

	s.mustOK(s.do("DELETE", "/oracle/orders/buyer/o-1", admin, nil))
	out = s.mustOK(s.do("GET", "/accounts/buyer", buyer, nil))
	assert.Equal(t, float64(0), out["order_count"])

	out = s.mustOK(s.do("POST", "/account/withdraw/income", seller, map[string]interface{}{"token": usdc, "amount": 693}))
	transfers := out["transfers"].([]interface{})
	require.Len(t, transfers, 1)
	assert.Equal(t, string(seller), transfers[0].(map[string]interface{})["receiver"])
}

func TestHandler_TransfersNotPersisted(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do("GET", "/transfers", buyer, nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestHandler_Healthz(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do("GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor("error"))
	assert.Equal(t, http.StatusConflict, statusFor("capacity_exceeded"))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor("token_not_bound"))
}
