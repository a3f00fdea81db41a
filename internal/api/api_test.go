package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"mirapay/internal/account"
	"mirapay/internal/cache"
	"mirapay/internal/credential"
	"mirapay/internal/domain"
	"mirapay/internal/ledger"
	"mirapay/internal/testutil"
	"mirapay/internal/user"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() { gin.SetMode(gin.TestMode) }

type server struct {
	t      *testing.T
	db     *gorm.DB
	router *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newCachedServer(t, nil)
}

// newCachedServer runs the API over rc without an event bus, so only the
// handlers themselves keep the cache fresh
func newCachedServer(t *testing.T, rc *cache.Cache) *server {
	t.Helper()
	gdb := testutil.NewDB(t)
	logger, _ := test.NewNullLogger()
	accounts := account.NewService(gdb, nil, logger, "NGN")
	creds := credential.NewStore(gdb, credential.DefaultConfig(), nil, logger)
	users := user.NewService(gdb, accounts, creds, nil, nil, logger, user.Config{
		JWTSecret:            "test-secret",
		RequireVerifiedEmail: true,
		BcryptCost:           bcrypt.MinCost,
	})
	r := gin.New()
	Register(r, Deps{
		DB:          gdb,
		Users:       users,
		Accounts:    accounts,
		Credentials: creds,
		Ledger:      ledger.NewEngine(gdb, nil, logger, 3),
		Cache:       rc,
		Log:         logger,
	})
	return &server{t: t, db: gdb, router: r}
}

func (s *server) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

type session struct {
	UserID    uint
	AccountID uint
	PublicKey string
	Number    string
	Live      string
	Test      string
}

// signUp registers email through the API and marks it verified
func (s *server) signUp(email string) session {
	s.t.Helper()
	w, body := s.do(http.MethodPost, "/users/signup", "", gin.H{
		"email": email, "password": "password123", "first_name": "Ada", "account_name": "Main",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	data := body["data"].(map[string]any)
	acct := data["account"].(map[string]any)
	sess := session{
		UserID:    uint(data["user"].(map[string]any)["id"].(float64)),
		AccountID: uint(acct["id"].(float64)),
		PublicKey: acct["public_key"].(string),
		Number:    acct["account_number"].(string),
		Live:      data["live_token"].(string),
		Test:      data["test_token"].(string),
	}
	require.NoError(s.t, s.db.Model(&domain.User{}).Where("id = ?", sess.UserID).Update("email_verified", true).Error)
	return sess
}

func (s *server) balance(accountID uint) decimal.Decimal {
	var a domain.Account
	require.NoError(s.t, s.db.First(&a, accountID).Error)
	return a.Balance
}

func TestSignUpAndLogin(t *testing.T) {
	s := newServer(t)
	w, body := s.do(http.MethodPost, "/users/signup", "", gin.H{"email": "ada@example.com", "password": "password123", "first_name": "Ada"})
	require.Equal(t, http.StatusCreated, w.Code)
	data := body["data"].(map[string]any)
	assert.Regexp(t, `^live_sk_[0-9a-f]{64}$`, data["live_token"])
	assert.Regexp(t, `^test_sk_[0-9a-f]{64}$`, data["test_token"])
	assert.NotContains(t, w.Body.String(), "password123")

	w, body = s.do(http.MethodPost, "/users/login", "", gin.H{"email": "ada@example.com", "password": "password123"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "email_not_verified", body["error"])

	w, body = s.do(http.MethodPost, "/users/signup", "", gin.H{"email": "ada@example.com", "password": "password123", "first_name": "Ada"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", body["error"])

	w, _ = s.do(http.MethodPost, "/users/login", "", gin.H{"email": "ada@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginIssuesWorkingCredential(t *testing.T) {
	s := newServer(t)
	s.signUp("ada@example.com")

	w, body := s.do(http.MethodPost, "/users/login", "", gin.H{"email": "ada@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_credentials", body["error"])

	w, body = s.do(http.MethodPost, "/users/login", "", gin.H{"email": "ada@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code)
	live := body["data"].(map[string]any)["live_token"].(string)

	w, body = s.do(http.MethodGet, "/users/me", live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada@example.com", body["data"].(map[string]any)["email"])

	w, body = s.do(http.MethodGet, "/users/tokens", live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["tokens"], 2)
}

func TestLedgerFlow(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")
	b := s.signUp("bola@example.com")

	w, body := s.do(http.MethodPost, "/ledger/deposit", a.Live, gin.H{"amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "live", body["mode"])

	w, body = s.do(http.MethodPost, "/ledger/deposit", a.Live, gin.H{"amount": "500.00"})
	require.Equal(t, http.StatusOK, w.Code)
	entry := body["transaction"].(map[string]any)
	assert.Equal(t, "1500", entry["running_balance"])

	w, body = s.do(http.MethodPost, "/ledger/withdraw", a.Live, gin.H{"amount": "2000"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_funds", body["error"])

	w, body = s.do(http.MethodPost, "/ledger/transfer", a.Live, gin.H{"to": b.PublicKey, "amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, body["transfer"].(map[string]any)["reference"])
	assert.True(t, s.balance(a.AccountID).Equal(decimal.RequireFromString("500")))
	assert.True(t, s.balance(b.AccountID).Equal(decimal.RequireFromString("1000")))

	w, _ = s.do(http.MethodPost, "/ledger/transfer", b.Live, gin.H{"to": a.Number, "amount": "250.5"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.balance(a.AccountID).Equal(decimal.RequireFromString("750.5")))

	w, body = s.do(http.MethodGet, "/ledger/balance", a.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "750.50", body["balance"])
	assert.Equal(t, "NGN", body["currency"])

	w, body = s.do(http.MethodGet, "/ledger/sufficient-balance?amount=750.51", a.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["sufficient"])

	w, body = s.do(http.MethodGet, "/ledger/transactions?page_size=2", a.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, body["total"])
	assert.EqualValues(t, 2, body["total_pages"])
	assert.Len(t, body["transactions"], 2)
}

func TestLedgerValidationErrors(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")

	tests := []struct {
		path   string
		body   gin.H
		status int
		kind   string
	}{
		{"/ledger/deposit", gin.H{"amount": "-5"}, http.StatusBadRequest, "invalid_amount"},
		{"/ledger/deposit", gin.H{"amount": "1.001"}, http.StatusBadRequest, "invalid_amount"},
		{"/ledger/deposit", gin.H{"amount": "abc"}, http.StatusBadRequest, "invalid_amount"},
		{"/ledger/deposit", gin.H{"amount": "5", "currency": "USD"}, http.StatusBadRequest, "currency_mismatch"},
		{"/ledger/transfer", gin.H{"to": a.PublicKey, "amount": "5"}, http.StatusBadRequest, "validation"},
		{"/ledger/transfer", gin.H{"to": "acct_nope", "amount": "5"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		w, body := s.do(http.MethodPost, tt.path, a.Live, tt.body)
		assert.Equal(t, tt.status, w.Code, "%s %v", tt.path, tt.body)
		assert.Equal(t, tt.kind, body["error"], "%s %v", tt.path, tt.body)
	}
}

func TestCachedBalanceFollowsWrites(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger, _ := test.NewNullLogger()
	s := newCachedServer(t, cache.New(rdb, time.Minute, logger))
	a := s.signUp("ada@example.com")
	b := s.signUp("bola@example.com")

	balanceOf := func(token string) string {
		w, body := s.do(http.MethodGet, "/ledger/balance", token, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return body["balance"].(string)
	}

	assert.Equal(t, "0.00", balanceOf(a.Live))
	assert.Equal(t, "0.00", balanceOf(b.Live))
	require.True(t, mr.Exists(cache.AccountKey(a.AccountID)))

	w, _ := s.do(http.MethodPost, "/ledger/deposit", a.Live, gin.H{"amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000.00", balanceOf(a.Live))

	w, _ = s.do(http.MethodPost, "/ledger/transfer", a.Live, gin.H{"to": b.PublicKey, "amount": "400"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "600.00", balanceOf(a.Live))
	assert.Equal(t, "400.00", balanceOf(b.Live))

	w, _ = s.do(http.MethodGet, "/ledger/transactions", a.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(http.MethodPost, "/ledger/withdraw", a.Live, gin.H{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code)
	w, body := s.do(http.MethodGet, "/ledger/transactions", a.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["total"])

	// Sandbox writes leave the cached live balance in place
	w, _ = s.do(http.MethodPost, "/ledger/deposit", a.Test, gin.H{"amount": "5"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mr.Exists(cache.AccountKey(a.AccountID)))
	assert.Equal(t, "500.00", balanceOf(a.Live))
}

func TestTestModeIsSandboxed(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")

	w, body := s.do(http.MethodPost, "/ledger/deposit", a.Test, gin.H{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", body["mode"])
	assert.Equal(t, "100", body["transaction"].(map[string]any)["running_balance"])

	assert.True(t, s.balance(a.AccountID).IsZero())
	var n int64
	require.NoError(t, s.db.Model(&domain.Transaction{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestLogout(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")

	w, _ := s.do(http.MethodPost, "/users/logout", a.Live, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, body := s.do(http.MethodGet, "/users/me", a.Live, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", body["error"])
	w, _ = s.do(http.MethodGet, "/users/me", a.Test, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutAll(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")
	_, body := s.do(http.MethodPost, "/users/login", "", gin.H{"email": "ada@example.com", "password": "password123"})
	second := body["data"].(map[string]any)["live_token"].(string)

	w, body := s.do(http.MethodPost, "/users/logoutall", second, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["revoked"])
	w, _ = s.do(http.MethodGet, "/users/me", a.Live, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccounts(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")
	b := s.signUp("bola@example.com")

	w, body := s.do(http.MethodPost, "/accounts", a.Live, gin.H{"classification": "corporate", "currency": "usd"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "USD", body["data"].(map[string]any)["currency"])

	w, body = s.do(http.MethodPost, "/accounts", a.Live, gin.H{"classification": "corporate"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", body["error"])

	w, body = s.do(http.MethodGet, "/accounts", a.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 2)

	w, _ = s.do(http.MethodGet, "/accounts/"+a.PublicKey, a.Live, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(http.MethodGet, "/accounts/"+b.PublicKey, a.Live, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProfileUpdate(t *testing.T) {
	s := newServer(t)
	a := s.signUp("ada@example.com")

	w, body := s.do(http.MethodPut, "/users/me", a.Live, gin.H{"last_name": "Obi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Obi", body["data"].(map[string]any)["last_name"])
	assert.Equal(t, "Ada", body["data"].(map[string]any)["first_name"])
}

func TestVerifyEmailRoute(t *testing.T) {
	s := newServer(t)
	w, _ := s.do(http.MethodGet, "/users/verify-email/garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t)
	admin := s.signUp("admin@example.com")
	a := s.signUp("ada@example.com")
	_, _ = s.do(http.MethodPost, "/ledger/deposit", a.Live, gin.H{"amount": "10"})

	w, _ := s.do(http.MethodGet, "/admin/users", admin.Live, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(t, s.db.Model(&domain.User{}).Where("id = ?", admin.UserID).Update("role", domain.RoleAdmin).Error)

	w, body := s.do(http.MethodGet, "/admin/users", admin.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["total"])

	w, body = s.do(http.MethodGet, "/admin/transactions?kind=deposit", admin.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])

	w, body = s.do(http.MethodGet, "/admin/accounts/"+itoa(a.AccountID)+"/verify", admin.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["consistent"])

	w, _ = s.do(http.MethodPost, "/admin/users/"+itoa(a.UserID)+"/deactivate", admin.Live, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, body = s.do(http.MethodGet, "/ledger/balance", a.Live, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "user_inactive", body["error"])

	w, _ = s.do(http.MethodPost, "/admin/users/abc/deactivate", admin.Live, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func itoa(n uint) string { return strconv.FormatUint(uint64(n), 10) }

func TestHealth(t *testing.T) {
	s := newServer(t)
	w, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}
