// Package credential issues, authenticates and revokes dual-mode bearer secrets.
//
// Every credential row carries a live and a test secret generated together.
// A secret is "<prefix><64 hex chars>"; the first KeyLength hex chars are stored
// in the clear as an indexed lookup key, the rest is either hashed with a
// per-secret salt (SchemeHashed) or stored as is (SchemePlain). Rows remember
// the scheme they were written with, so switching the configuration does not
// invalidate credentials already issued.
package credential

import (
	"context" // Request-scoped cancellation
	"errors"  // Error inspection
	"fmt"     // Error formatting
	"strconv" // String conversion
	"strings" // String helpers
	"time"    // Expiry handling

	"mirapay/internal/apperr" // Error kinds
	"mirapay/internal/domain" // Domain models
	"mirapay/internal/events" // Event bus

	"github.com/sirupsen/logrus" // Logging library
	"gorm.io/gorm"               // GORM ORM library
	"gorm.io/gorm/clause"        // Row locking
)

// Mode tells the caller whether a request runs against live or sandbox money
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Scheme is how secrets are kept at rest
type Scheme string

const (
	SchemeHashed Scheme = "hashed"
	SchemePlain  Scheme = "plain"
)

// Config is loaded once at startup
type Config struct {
	TTL                time.Duration // Default lifetime handed out by callers, 0 = never expires
	AutoRefresh        bool          // Extend expiry on successful authentication
	MinRefreshInterval time.Duration // Expiry must move further than this before it is written
	LimitPerUser       int           // Max unexpired credentials per user, 0 = unlimited
	Scheme             Scheme
	LivePrefix         string
	TestPrefix         string
}

// DefaultConfig mirrors the production defaults
func DefaultConfig() Config {
	return Config{
		MinRefreshInterval: 60 * time.Second,
		LimitPerUser:       4,
		Scheme:             SchemeHashed,
		LivePrefix:         "live_sk_",
		TestPrefix:         "test_sk_",
	}
}

// Issued is a freshly created credential with its plaintext secrets.
// The secrets cannot be recovered later.
type Issued struct {
	Token      domain.AuthToken
	LiveSecret string
	TestSecret string
}

// Result is a successful authentication
type Result struct {
	User  domain.User
	Token domain.AuthToken
	Mode  Mode
}

// Store is the credential store
type Store struct {
	db     *gorm.DB
	cfg    Config
	events events.Publisher
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewStore builds a Store. bus may be nil.
func NewStore(db *gorm.DB, cfg Config, bus *events.Bus, log logrus.FieldLogger) *Store {
	s := &Store{db: db, cfg: cfg, log: log, now: time.Now}
	if bus != nil {
		s.events = bus
	}
	return s
}

// Config returns the store configuration
func (s *Store) Config() Config { return s.cfg }

// WithDB returns a copy bound to tx. The copy publishes no events; the owner of
// tx notifies once it commits.
func (s *Store) WithDB(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	c.events = nil
	return &c
}

func (s *Store) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func (s *Store) clock() time.Time { return s.now().UTC() }

// Issue creates a credential for userID scoped to accountID. ttl == 0 means
// the credential never expires. ttl is stored in seconds, so it must be whole.
func (s *Store) Issue(ctx context.Context, userID, accountID uint, ttl time.Duration) (*Issued, error) {
	if ttl < 0 {
		return nil, apperr.New(apperr.Validation, "ttl must not be negative")
	}
	if ttl%time.Second != 0 {
		return nil, apperr.New(apperr.Validation, "ttl must be a whole number of seconds")
	}
	liveBody, err := newSecretBody()
	if err != nil {
		return nil, fmt.Errorf("generate live secret: %w", err)
	}
	testBody, err := newSecretBody()
	if err != nil {
		return nil, fmt.Errorf("generate test secret: %w", err)
	}

	now := s.clock()
	tok := domain.AuthToken{
		UserID:    userID,
		AccountID: accountID,
		Scheme:    string(s.cfg.Scheme),
		TTL:       int64(ttl / time.Second),
		Created:   now,
	}
	if ttl > 0 {
		expiry := now.Add(ttl)
		tok.Expiry = &expiry
	}
	if tok.LiveKey, tok.LiveDigest, tok.LiveSalt, err = s.seal(liveBody); err != nil {
		return nil, err
	}
	if tok.TestKey, tok.TestDigest, tok.TestSalt, err = s.seal(testBody); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the user row so concurrent logins cannot both slip under the cap
		var user domain.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "user not found")
			}
			return err
		}
		var account domain.Account
		if err := tx.Select("id").First(&account, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "account not found")
			}
			return err
		}
		if s.cfg.LimitPerUser > 0 {
			active, err := s.sweepUser(tx, userID, now)
			if err != nil {
				return err
			}
			if active >= s.cfg.LimitPerUser {
				return ErrLimitExceeded
			}
		}
		return tx.Create(&tok).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"account_id": accountID,
		"token_id":   tok.ID,
		"scheme":     tok.Scheme,
	}).Info("Credential issued")
	s.publish(IssuedEvent(tok))

	return &Issued{
		Token:      tok,
		LiveSecret: s.cfg.LivePrefix + liveBody,
		TestSecret: s.cfg.TestPrefix + testBody,
	}, nil
}

// IssuedEvent describes tok for subscribers
func IssuedEvent(tok domain.AuthToken) events.Event {
	data := map[string]string{"token_id": strconv.FormatUint(uint64(tok.ID), 10)}
	if tok.Expiry != nil {
		data["expiry"] = tok.Expiry.Format(time.RFC3339)
	}
	return events.New(events.CredentialIssued, tok.UserID, tok.AccountID, data)
}

// sweepUser deletes the user's expired credentials and returns how many remain
func (s *Store) sweepUser(tx *gorm.DB, userID uint, now time.Time) (int, error) {
	var tokens []domain.AuthToken
	if err := tx.Select("id", "expiry").Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
		return 0, err
	}
	active := 0
	for _, t := range tokens {
		if !t.Expired(now) {
			active++
			continue
		}
		if err := tx.Where("id = ?", t.ID).Delete(&domain.AuthToken{}).Error; err != nil {
			return 0, err
		}
	}
	return active, nil
}

// seal derives what is persisted for one secret body
func (s *Store) seal(body string) (key, digest, salt string, err error) {
	key = body[:KeyLength]
	if s.cfg.Scheme == SchemePlain {
		return key, body, "", nil
	}
	if salt, err = newSalt(); err != nil {
		return "", "", "", fmt.Errorf("generate salt: %w", err)
	}
	if digest, err = hashBody(body, salt); err != nil {
		return "", "", "", err
	}
	return key, digest, salt, nil
}

// parse splits a presented secret into its mode and random body
func (s *Store) parse(secret string) (Mode, string, error) {
	var mode Mode
	var body string
	switch {
	case strings.HasPrefix(secret, s.cfg.LivePrefix):
		mode, body = ModeLive, secret[len(s.cfg.LivePrefix):]
	case strings.HasPrefix(secret, s.cfg.TestPrefix):
		mode, body = ModeTest, secret[len(s.cfg.TestPrefix):]
	default:
		return "", "", ErrUnrecognizedPrefix
	}
	if !isHexBody(body) {
		return "", "", ErrInvalidToken
	}
	return mode, body, nil
}

// Authenticate resolves a presented secret. Expired candidates met on the way
// are deleted. Expired and unknown secrets both yield ErrInvalidToken.
func (s *Store) Authenticate(ctx context.Context, secret string) (*Result, error) {
	mode, body, err := s.parse(secret)
	if err != nil {
		return nil, err
	}
	keyColumn := "live_key"
	if mode == ModeTest {
		keyColumn = "test_key"
	}

	db := s.db.WithContext(ctx)
	var candidates []domain.AuthToken
	if err := db.Where(keyColumn+" = ?", body[:KeyLength]).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	now := s.clock()
	for i := range candidates {
		tok := &candidates[i]
		if tok.Expired(now) {
			s.expire(ctx, tok)
			continue
		}
		if !matches(tok, mode, body) {
			continue
		}

		var user domain.User
		if err := db.First(&user, tok.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrInvalidToken
			}
			return nil, fmt.Errorf("load credential owner: %w", err)
		}
		if !user.IsActive {
			return nil, ErrUserInactive
		}
		if err := s.Renew(ctx, tok); err != nil {
			s.log.WithError(err).WithField("token_id", tok.ID).Warn("Credential renewal failed")
		}
		return &Result{User: user, Token: *tok, Mode: mode}, nil
	}
	return nil, ErrInvalidToken
}

func matches(tok *domain.AuthToken, mode Mode, body string) bool {
	digest, salt := tok.LiveDigest, tok.LiveSalt
	if mode == ModeTest {
		digest, salt = tok.TestDigest, tok.TestSalt
	}
	if Scheme(tok.Scheme) == SchemePlain {
		return equal(body, digest)
	}
	computed, err := hashBody(body, salt)
	if err != nil {
		return false
	}
	return equal(computed, digest)
}

// expire deletes an expired credential if it is still there
func (s *Store) expire(ctx context.Context, tok *domain.AuthToken) {
	res := s.db.WithContext(ctx).Where("id = ?", tok.ID).Delete(&domain.AuthToken{})
	if res.Error != nil {
		s.log.WithError(res.Error).WithField("token_id", tok.ID).Warn("Failed to delete expired credential")
		return
	}
	if res.RowsAffected > 0 {
		s.log.WithFields(logrus.Fields{"token_id": tok.ID, "user_id": tok.UserID}).Debug("Expired credential removed")
	}
}

// Renew moves the expiry of tok to now + its TTL when auto refresh is on.
// The write is skipped unless the expiry moves by more than MinRefreshInterval.
func (s *Store) Renew(ctx context.Context, tok *domain.AuthToken) error {
	if !s.cfg.AutoRefresh || tok.Expiry == nil || tok.TTL <= 0 {
		return nil
	}
	newExpiry := s.clock().Add(time.Duration(tok.TTL) * time.Second)
	if newExpiry.Sub(*tok.Expiry) <= s.cfg.MinRefreshInterval {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&domain.AuthToken{}).Where("id = ?", tok.ID).Update("expiry", newExpiry).Error; err != nil {
		return err
	}
	tok.Expiry = &newExpiry
	return nil
}

// Revoke deletes one credential. Revoking a missing credential is not an error.
func (s *Store) Revoke(ctx context.Context, tokenID uint) error {
	var tok domain.AuthToken
	err := s.db.WithContext(ctx).Select("id", "user_id", "account_id").First(&tok, tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Where("id = ?", tokenID).Delete(&domain.AuthToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.log.WithFields(logrus.Fields{"token_id": tokenID, "user_id": tok.UserID}).Info("Credential revoked")
		s.publish(events.New(events.CredentialRevoked, tok.UserID, tok.AccountID, map[string]string{"token_id": strconv.FormatUint(uint64(tokenID), 10)}))
	}
	return nil
}

// RevokeAll deletes every credential of userID and returns how many went
func (s *Store) RevokeAll(ctx context.Context, userID uint) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.AuthToken{})
	if res.Error != nil {
		return 0, res.Error
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "count": res.RowsAffected}).Info("All credentials revoked")
	if res.RowsAffected > 0 {
		s.publish(events.New(events.CredentialRevoked, userID, 0, map[string]string{"count": strconv.FormatInt(res.RowsAffected, 10)}))
	}
	return res.RowsAffected, nil
}

// List returns the user's credentials, newest first
func (s *Store) List(ctx context.Context, userID uint) ([]domain.AuthToken, error) {
	var tokens []domain.AuthToken
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id desc").Find(&tokens).Error
	return tokens, err
}
