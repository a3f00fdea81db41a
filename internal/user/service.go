// Package user handles signup, login and profile management.
package user

import (
	"context"  // Request-scoped cancellation
	"errors"   // Error inspection
	"fmt"      // Error wrapping
	"net/mail" // Email address parsing
	"strings"  // String helpers
	"time"     // Token lifetimes

	"mirapay/internal/account"    // Account service
	"mirapay/internal/apperr"     // Error kinds
	"mirapay/internal/credential" // Credential store
	"mirapay/internal/domain"     // Domain models
	"mirapay/internal/events"     // Event bus

	"github.com/sirupsen/logrus" // Logging library
	"golang.org/x/crypto/bcrypt" // Password hashing
	"gorm.io/gorm"               // GORM ORM library
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = apperr.New(apperr.InvalidCredentials, "invalid credentials")
	ErrEmailNotVerified   = apperr.New(apperr.EmailNotVerified, "please verify your email address")
	ErrEmailTaken         = apperr.New(apperr.Conflict, "user with this email already exists")
	ErrNotFound           = apperr.New(apperr.NotFound, "user not found")
	ErrNoAccount          = apperr.New(apperr.NotFound, "user has no account to log in to")
)

// Limiter throttles login attempts per key
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

// Config holds the settings the service reads at startup
type Config struct {
	JWTSecret            string
	RequireVerifiedEmail bool
	TokenTTL             time.Duration // Lifetime of credentials issued at login, 0 = never expires
	BcryptCost           int
}

// SignUpInput is what a new user submits
type SignUpInput struct {
	Email          string
	Password       string
	FirstName      string
	LastName       string
	Phone          string
	AccountName    string
	Classification domain.AccountClassification
	Currency       string
}

// Session is a user together with the account they act on and a fresh credential
type Session struct {
	User       domain.User
	Account    domain.Account
	Credential credential.Issued
}

// ProfileUpdate carries the editable profile fields; empty fields are left as is
type ProfileUpdate struct {
	FirstName string
	LastName  string
	Phone     string
}

// Service is the user service
type Service struct {
	db       *gorm.DB
	accounts *account.Service
	creds    *credential.Store
	events   events.Publisher
	limiter  Limiter
	log      logrus.FieldLogger
	cfg      Config
	now      func() time.Time
}

// NewService builds a Service. bus and limiter may be nil.
func NewService(db *gorm.DB, accounts *account.Service, creds *credential.Store, bus *events.Bus, limiter Limiter, log logrus.FieldLogger, cfg Config) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	s := &Service{db: db, accounts: accounts, creds: creds, limiter: limiter, log: log, cfg: cfg, now: time.Now}
	if bus != nil {
		s.events = bus
	}
	return s
}

func (s *Service) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// SignUp creates the user, their first account and a credential as one unit
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Session, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if len(in.Password) < minPasswordLength {
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if strings.TrimSpace(in.FirstName) == "" {
		return nil, apperr.New(apperr.Validation, "first name is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var session Session
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&domain.User{}).Where("email = ?", email).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrEmailTaken
		}
		u := domain.User{
			Email:     email,
			Password:  string(hash),
			FirstName: strings.TrimSpace(in.FirstName),
			LastName:  strings.TrimSpace(in.LastName),
			Phone:     strings.TrimSpace(in.Phone),
			IsActive:  true,
			Role:      domain.RoleUser,
		}
		if err := tx.Create(&u).Error; err != nil {
			return err
		}
		a, err := s.accounts.WithDB(tx).Create(ctx, account.CreateInput{
			OwnerID:        u.ID,
			Classification: in.Classification,
			Name:           in.AccountName,
			Currency:       in.Currency,
		})
		if err != nil {
			return err
		}
		issued, err := s.creds.WithDB(tx).Issue(ctx, u.ID, a.ID, s.cfg.TokenTTL)
		if err != nil {
			return err
		}
		session = Session{User: u, Account: *a, Credential: *issued}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id":    session.User.ID,
		"account_id": session.Account.ID,
	}).Info("User signed up")
	s.publish(events.New(events.UserSignedUp, session.User.ID, session.Account.ID, map[string]string{"email": session.User.Email}))
	s.publish(account.CreatedEvent(&session.Account))
	s.publish(credential.IssuedEvent(session.Credential.Token))
	if _, err := s.VerificationToken(&session.User); err != nil {
		s.log.WithField("user_id", session.User.ID).WithError(err).Warn("Could not issue verification token")
	}
	return &session, nil
}

// Login checks the password and issues a credential scoped to accountKey, or to
// the first account the user can access when accountKey is empty.
func (s *Service) Login(ctx context.Context, email, password, accountKey string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email)) // Emails are stored lower-cased
	if email == "" || password == "" {
		return nil, apperr.New(apperr.Validation, "please provide both email and password")
	}
	// Throttle before touching the password hash
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, email); err != nil {
			return nil, err
		}
	}

	var u domain.User // Find user by email
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials // Same answer as a wrong password
		}
		return nil, err
	}
	// Compare password hash
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		s.log.WithField("user_id", u.ID).Warn("Login with wrong password")
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, credential.ErrUserInactive
	}
	if s.cfg.RequireVerifiedEmail && !u.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	a, err := s.loginAccount(ctx, u.ID, accountKey) // Account the new credential is scoped to
	if err != nil {
		return nil, err
	}
	issued, err := s.creds.Issue(ctx, u.ID, a.ID, s.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"user_id":    u.ID,
		"account_id": a.ID,
		"token_id":   issued.Token.ID,
	}).Info("User logged in")
	return &Session{User: u, Account: *a, Credential: *issued}, nil
}

func (s *Service) loginAccount(ctx context.Context, userID uint, accountKey string) (*domain.Account, error) {
	accounts, err := s.accounts.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccount
	}
	if accountKey == "" {
		return &accounts[0], nil
	}
	for i := range accounts {
		if accounts[i].PublicKey == accountKey {
			return &accounts[i], nil
		}
	}
	return nil, account.ErrNotFound
}

// Profile loads the user with the accounts they can log in to
func (s *Service) Profile(ctx context.Context, userID uint) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	accounts, err := s.accounts.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Accounts = accounts
	return &u, nil
}

// UpdateProfile changes the non-empty fields of upd
func (s *Service) UpdateProfile(ctx context.Context, userID uint, upd ProfileUpdate) (*domain.User, error) {
	changes := map[string]any{}
	if v := strings.TrimSpace(upd.FirstName); v != "" {
		changes["first_name"] = v
	}
	if v := strings.TrimSpace(upd.LastName); v != "" {
		changes["last_name"] = v
	}
	if v := strings.TrimSpace(upd.Phone); v != "" {
		changes["phone"] = v
	}
	if len(changes) > 0 {
		res := s.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", userID).Updates(changes)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return s.Profile(ctx, userID)
}

// Deactivate disables the user; their credentials stop authenticating
func (s *Service) Deactivate(ctx context.Context, userID uint) error {
	return s.setActive(ctx, userID, false)
}

// Activate re-enables the user
func (s *Service) Activate(ctx context.Context, userID uint) error {
	return s.setActive(ctx, userID, true)
}

func (s *Service) setActive(ctx context.Context, userID uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", userID).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "is_active": active}).Info("User activation changed")
	return nil
}

// List returns a page of users, newest first
func (s *Service) List(ctx context.Context, page, pageSize int) ([]domain.User, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&domain.User{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var users []domain.User
	err := q.Order("id desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error
	return users, total, err
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.New(apperr.Validation, "enter a valid email address")
	}
	return email, nil
}
