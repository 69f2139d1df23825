package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Aidin1998/denver/api"
	"github.com/Aidin1998/denver/internal/consistency"
	"github.com/Aidin1998/denver/internal/lending"
	"github.com/Aidin1998/denver/internal/ledger"
	"github.com/Aidin1998/denver/internal/repository"
	"github.com/Aidin1998/denver/internal/trading/orderbook"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/Aidin1998/denver/pkg/validation"
	"github.com/Aidin1998/denver/testutil"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

type stubTrigger struct {
	matches int
	skipped bool
	err     error
	calls   int
}

func (s *stubTrigger) Trigger(context.Context) (int, bool, error) {
	s.calls++
	return s.matches, s.skipped, s.err
}

type fixture struct {
	router  *gin.Engine
	ledger  *ledger.MemoryLedger
	trigger *stubTrigger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, store := testutil.NewLedger(t)
	repo := repository.NewLendingRepository(store, repository.NewResolver(store, "1", 64, zap.NewNop()), zap.NewNop())
	svc := lending.NewService(l, repo, validation.NewValidator(zap.NewNop()), lending.Config{
		Platform: testutil.Platform,
		Retry:    consistency.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}, zap.NewNop())
	trigger := &stubTrigger{}
	srv := api.NewServer(zap.NewNop(), svc, orderbook.NewAggregator(repo, zap.NewNop()), trigger, api.Options{
		JWTSecret: secret,
		AdminRole: "admin",
	})
	return &fixture{router: srv.Router(), ledger: l, trigger: trigger}
}

func token(t *testing.T, party, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		Party: party,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(method, path, bearer string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodGet, "/api/v1/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestOrderBook_PublicAndAnonymous(t *testing.T) {
	f := setup(t)
	testutil.PlaceOrder(t, f.ledger, testutil.Order(models.SideSupply, "alice", "100", "0.03", 20, 0))
	testutil.PlaceOrder(t, f.ledger, testutil.Order(models.SideSupply, "carol", "50", "0.03", 20, time.Second))
	testutil.PlaceOrder(t, f.ledger, testutil.Order(models.SideDemand, "bob", "80", "0.05", 30, 0))

	w := f.do(http.MethodGet, "/api/v1/orderbook", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "alice")

	var book models.OrderBook
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
	require.Len(t, book.Asks, 1)
	assert.Equal(t, 2, book.Asks[0].OrderCount)
	assert.Equal(t, "150", book.Asks[0].TotalAmount.String())
	require.NotNil(t, book.Spread)
	assert.Equal(t, "-0.02", book.Spread.String())
}

func TestMarket_Unauthorized(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodGet, "/api/v1/market/orders?side=supply", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = f.do(http.MethodGet, "/api/v1/market/orders?side=supply", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMarket_PlaceListCancel(t *testing.T) {
	f := setup(t)
	alice := token(t, "alice", "")

	w := f.do(http.MethodPost, "/api/v1/market/orders", alice, map[string]any{
		"side":           "supply",
		"amount":         "100",
		"rate_limit":     "0.03",
		"duration_limit": 20,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placed struct{ Order models.Order }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))
	assert.Equal(t, "alice", placed.Order.Owner)

	w = f.do(http.MethodGet, "/api/v1/market/orders?side=supply", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct{ Orders []models.Order }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Orders, 1)

	w = f.do(http.MethodGet, "/api/v1/market/orders?side=supply", token(t, "bob", ""), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Empty(t, listed.Orders)

	_, suffix, _ := strings.Cut(placed.Order.ContractID, "::")
	w = f.do(http.MethodDelete, "/api/v1/market/orders/supply/"+suffix, alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, f.ledger.IsActive(placed.Order.ContractID))

	w = f.do(http.MethodDelete, "/api/v1/market/orders/supply/"+suffix, alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarket_PlaceInvalid(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodPost, "/api/v1/market/orders", token(t, "alice", ""), map[string]any{
		"side":           "supply",
		"amount":         "-5",
		"rate_limit":     "0.03",
		"duration_limit": 20,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, float64(http.StatusBadRequest), problem["status"])
	assert.NotEmpty(t, problem["errors"])
}

func TestProposals_VisibleToParticipants(t *testing.T) {
	f := setup(t)
	id, err := f.ledger.Create(context.Background(), models.TemplateMatchedProposal, models.ProposalPayload{
		Borrower: "bob",
		Lender:   "alice",
		Status:   models.ProposalProposed,
	}, "p", testutil.Platform)
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/proposals", token(t, "bob", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = f.do(http.MethodGet, "/api/v1/proposals/"+id, token(t, "alice", ""), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/v1/proposals/"+id, token(t, "mallory", ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminMatchingRun(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodPost, "/api/v1/admin/matching/run", token(t, "alice", ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, f.trigger.calls)

	f.trigger.matches = 3
	w = f.do(http.MethodPost, "/api/v1/admin/matching/run", token(t, "ops", "admin"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"matches":3,"skipped":false}`, w.Body.String())

	f.trigger.matches, f.trigger.skipped = 0, true
	w = f.do(http.MethodPost, "/api/v1/admin/matching/run", token(t, "ops", "admin"), nil)
	assert.JSONEq(t, `{"matches":0,"skipped":true}`, w.Body.String())
}
