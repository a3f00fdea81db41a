package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mirapay/internal/apperr"
	"mirapay/internal/domain"
	"mirapay/internal/events"
	"mirapay/internal/testutil"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	db      *gorm.DB
	store   *Store
	clock   *fakeClock
	user    *domain.User
	account *domain.Account
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	gdb := testutil.NewDB(t)
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger, _ := test.NewNullLogger()
	store := NewStore(gdb, cfg, nil, logger)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store.now = clock.Now

	user := testutil.CreateUser(t, gdb, "ada@example.com")
	account := testutil.CreateAccount(t, gdb, user.ID, domain.Individual, "0", "NGN")
	return &fixture{db: gdb, store: store, clock: clock, user: user, account: account}
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&domain.AuthToken{}).Count(&n).Error)
	return n
}

func TestIssueAndAuthenticateBothModes(t *testing.T) {
	for _, scheme := range []Scheme{SchemeHashed, SchemePlain} {
		t.Run(string(scheme), func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.Scheme = scheme })
			ctx := context.Background()

			issued, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(issued.LiveSecret, "live_sk_"))
			assert.True(t, strings.HasPrefix(issued.TestSecret, "test_sk_"))
			assert.Len(t, issued.LiveSecret, len("live_sk_")+64)
			assert.Nil(t, issued.Token.Expiry)

			live, err := f.store.Authenticate(ctx, issued.LiveSecret)
			require.NoError(t, err)
			assert.Equal(t, ModeLive, live.Mode)
			assert.Equal(t, f.user.ID, live.User.ID)
			assert.Equal(t, f.account.ID, live.Token.AccountID)

			sandbox, err := f.store.Authenticate(ctx, issued.TestSecret)
			require.NoError(t, err)
			assert.Equal(t, ModeTest, sandbox.Mode)
			assert.Equal(t, live.Token.ID, sandbox.Token.ID)
		})
	}
}

func TestHashedSchemeDoesNotPersistSecrets(t *testing.T) {
	f := newFixture(t, nil)
	issued, err := f.store.Issue(context.Background(), f.user.ID, f.account.ID, 0)
	require.NoError(t, err)

	var row domain.AuthToken
	require.NoError(t, f.db.First(&row, issued.Token.ID).Error)
	liveBody := strings.TrimPrefix(issued.LiveSecret, "live_sk_")
	testBody := strings.TrimPrefix(issued.TestSecret, "test_sk_")

	assert.Equal(t, liveBody[:KeyLength], row.LiveKey)
	assert.NotContains(t, row.LiveDigest, liveBody)
	assert.NotContains(t, row.TestDigest, testBody)
	assert.Len(t, row.LiveDigest, 128)
	assert.NotEmpty(t, row.LiveSalt)
	assert.NotEqual(t, row.LiveSalt, row.TestSalt)
}

func TestSecretsAreUniquePerIssuance(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LimitPerUser = 0 })
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		issued, err := f.store.Issue(context.Background(), f.user.ID, f.account.ID, 0)
		require.NoError(t, err)
		assert.False(t, seen[issued.LiveSecret])
		assert.False(t, seen[issued.TestSecret])
		seen[issued.LiveSecret], seen[issued.TestSecret] = true, true
	}
}

func TestAuthenticateRejections(t *testing.T) {
	f := newFixture(t, nil)
	issued, err := f.store.Issue(context.Background(), f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	body := strings.TrimPrefix(issued.LiveSecret, "live_sk_")

	tests := []struct {
		name   string
		secret string
		want   error
	}{
		{name: "no prefix", secret: body, want: ErrUnrecognizedPrefix},
		{name: "foreign prefix", secret: "prod_sk_" + body, want: ErrUnrecognizedPrefix},
		{name: "truncated", secret: issued.LiveSecret[:len(issued.LiveSecret)-1], want: ErrInvalidToken},
		{name: "upper case hex", secret: "live_sk_" + strings.ToUpper(body), want: ErrInvalidToken},
		{name: "same key different tail", secret: "live_sk_" + body[:KeyLength] + strings.Repeat("0", 56), want: ErrInvalidToken},
		{name: "live body under test prefix", secret: "test_sk_" + body, want: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Authenticate(context.Background(), tt.secret)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAuthenticateInactiveUser(t *testing.T) {
	f := newFixture(t, nil)
	issued, err := f.store.Issue(context.Background(), f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&domain.User{}).Where("id = ?", f.user.ID).Update("is_active", false).Error)

	_, err = f.store.Authenticate(context.Background(), issued.LiveSecret)
	assert.True(t, errors.Is(err, ErrUserInactive))
}

func TestLimitExceeded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LimitPerUser = 2 })
	ctx := context.Background()

	_, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	_, err = f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	_, err = f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	assert.True(t, errors.Is(err, ErrLimitExceeded))
	assert.EqualValues(t, 2, f.count(t))
}

func TestLimitIgnoresExpiredCredentials(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LimitPerUser = 1 })
	ctx := context.Background()

	_, err := f.store.Issue(ctx, f.user.ID, f.account.ID, time.Minute)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	_, err = f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.count(t))
}

func TestIssueUnknownUserOrAccount(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Issue(context.Background(), 999, f.account.ID, 0)
	assert.Error(t, err)
	_, err = f.store.Issue(context.Background(), f.user.ID, 999, 0)
	assert.Error(t, err)
	_, err = f.store.Issue(context.Background(), f.user.ID, f.account.ID, -time.Second)
	assert.Error(t, err)
}

func TestIssueRejectsFractionalTTL(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRefresh = true; c.MinRefreshInterval = 0 })
	ctx := context.Background()

	for _, ttl := range []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond} {
		_, err := f.store.Issue(ctx, f.user.ID, f.account.ID, ttl)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err), ttl)
	}
	assert.Zero(t, f.count(t))

	issued, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), issued.Token.TTL)
}

func TestExpiredCredentialIsSweptOnLookup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.store.Issue(ctx, f.user.ID, f.account.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, issued.Token.Expiry)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(*issued.Token.Expiry))

	f.clock.Advance(2 * time.Hour)
	_, err = f.store.Authenticate(ctx, issued.LiveSecret)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	assert.EqualValues(t, 0, f.count(t))

	// A second sweep of the same secret finds nothing and still fails cleanly
	_, err = f.store.Authenticate(ctx, issued.TestSecret)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestRenewIsThrottled(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AutoRefresh = true
		c.MinRefreshInterval = time.Minute
	})
	ctx := context.Background()

	issued, err := f.store.Issue(ctx, f.user.ID, f.account.ID, time.Hour)
	require.NoError(t, err)
	original := *issued.Token.Expiry

	// Within the interval: no write
	f.clock.Advance(30 * time.Second)
	res, err := f.store.Authenticate(ctx, issued.LiveSecret)
	require.NoError(t, err)
	assert.True(t, res.Token.Expiry.Equal(original))

	var row domain.AuthToken
	require.NoError(t, f.db.First(&row, issued.Token.ID).Error)
	assert.True(t, row.Expiry.Equal(original))

	// Past the interval: expiry moves to now + ttl
	f.clock.Advance(45 * time.Minute)
	res, err = f.store.Authenticate(ctx, issued.LiveSecret)
	require.NoError(t, err)
	want := f.clock.Now().Add(time.Hour)
	assert.True(t, res.Token.Expiry.Equal(want))

	require.NoError(t, f.db.First(&row, issued.Token.ID).Error)
	assert.True(t, row.Expiry.Equal(want))

	// Renewal keeps the credential alive past the original expiry
	f.clock.Advance(30 * time.Minute)
	_, err = f.store.Authenticate(ctx, issued.LiveSecret)
	assert.NoError(t, err)
}

func TestRenewDisabledLetsCredentialExpire(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.store.Issue(ctx, f.user.ID, f.account.ID, time.Hour)
	require.NoError(t, err)
	f.clock.Advance(50 * time.Minute)
	_, err = f.store.Authenticate(ctx, issued.LiveSecret)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.store.Authenticate(ctx, issued.LiveSecret)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	second, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	require.NoError(t, err)

	require.NoError(t, f.store.Revoke(ctx, first.Token.ID))
	require.NoError(t, f.store.Revoke(ctx, first.Token.ID)) // already gone

	_, err = f.store.Authenticate(ctx, first.LiveSecret)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	_, err = f.store.Authenticate(ctx, first.TestSecret)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	_, err = f.store.Authenticate(ctx, second.LiveSecret)
	assert.NoError(t, err)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	other := testutil.CreateUser(t, f.db, "grace@example.com")
	otherAccount := testutil.CreateAccount(t, f.db, other.ID, domain.Individual, "0", "NGN")

	var issued []*Issued
	for i := 0; i < 3; i++ {
		is, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
		require.NoError(t, err)
		issued = append(issued, is)
	}
	kept, err := f.store.Issue(ctx, other.ID, otherAccount.ID, 0)
	require.NoError(t, err)

	n, err := f.store.RevokeAll(ctx, f.user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, is := range issued {
		_, err := f.store.Authenticate(ctx, is.LiveSecret)
		assert.True(t, errors.Is(err, ErrInvalidToken))
		_, err = f.store.Authenticate(ctx, is.TestSecret)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	}
	_, err = f.store.Authenticate(ctx, kept.LiveSecret)
	assert.NoError(t, err)
}

func TestStoredSchemeWinsOverConfig(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Scheme = SchemePlain })
	issued, err := f.store.Issue(context.Background(), f.user.ID, f.account.ID, 0)
	require.NoError(t, err)

	f.store.cfg.Scheme = SchemeHashed
	res, err := f.store.Authenticate(context.Background(), issued.LiveSecret)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, res.Mode)
}

func TestEventsArePublished(t *testing.T) {
	f := newFixture(t, nil)
	logger, _ := test.NewNullLogger()
	bus := events.NewBus(8, logger)
	var mu sync.Mutex
	var kinds []events.Kind
	bus.Subscribe(func(e events.Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock() })
	store := NewStore(f.db, DefaultConfig(), bus, logger)

	issued, err := store.Issue(context.Background(), f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(context.Background(), issued.Token.ID))

	// The transaction-bound copy stays silent
	_, err = store.WithDB(f.db).Issue(context.Background(), f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	bus.Close()

	assert.Equal(t, []events.Kind{events.CredentialIssued, events.CredentialRevoked}, kinds)
}

func TestList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.store.Issue(ctx, f.user.ID, f.account.ID, 0)
	require.NoError(t, err)
	b, err := f.store.Issue(ctx, f.user.ID, f.account.ID, time.Hour)
	require.NoError(t, err)

	tokens, err := f.store.List(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, b.Token.ID, tokens[0].ID)
	assert.Equal(t, a.Token.ID, tokens[1].ID)
}
