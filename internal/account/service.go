// Package account creates accounts and resolves them by their public identifiers.
package account

import (
	"context"      // Request-scoped cancellation
	"crypto/rand"  // Secure randomness for identifiers
	"encoding/hex" // Public key encoding
	"errors"       // Error inspection
	"fmt"          // Error formatting
	"math/big"     // Random digits
	"strings"      // String helpers

	"mirapay/internal/apperr" // Error kinds
	"mirapay/internal/domain" // Domain models
	"mirapay/internal/events" // Event bus

	"github.com/sirupsen/logrus" // Logging library
	"gorm.io/gorm"               // GORM ORM library
)

const (
	PublicKeyPrefix     = "acct_"
	publicKeyBytes      = 16
	AccountNumberDigits = 10
	maxGenerateAttempts = 5
)

var (
	ErrNotFound       = apperr.New(apperr.NotFound, "account not found")
	ErrDuplicateClass = apperr.New(apperr.Conflict, "user already holds an account of this classification")
	ErrProtected      = apperr.New(apperr.Protected, "account is referenced by transactions or credentials and cannot be deleted")
)

// CreateInput is what Create needs
type CreateInput struct {
	OwnerID        uint
	Classification domain.AccountClassification
	Name           string
	Currency       string
}

// Service manages accounts
type Service struct {
	db              *gorm.DB
	events          events.Publisher
	log             logrus.FieldLogger
	defaultCurrency string
}

// NewService builds a Service. bus may be nil.
func NewService(db *gorm.DB, bus *events.Bus, log logrus.FieldLogger, defaultCurrency string) *Service {
	s := &Service{db: db, log: log, defaultCurrency: defaultCurrency}
	if bus != nil {
		s.events = bus
	}
	return s
}

// WithDB returns a copy bound to tx that publishes nothing
func (s *Service) WithDB(tx *gorm.DB) *Service {
	c := *s
	c.db = tx
	c.events = nil
	return &c
}

// CreatedEvent is the account.created notification for a
func CreatedEvent(a *domain.Account) events.Event {
	return events.New(events.AccountCreated, a.UserID, a.ID, map[string]string{
		"public_key":     a.PublicKey,
		"account_number": a.AccountNumber,
		"classification": string(a.Classification),
		"currency":       a.Currency,
	})
}

// Create opens a zero-balance account for the owner and links the owner to it
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Account, error) {
	in.Classification = domain.AccountClassification(strings.ToLower(strings.TrimSpace(string(in.Classification))))
	if in.Classification == "" {
		in.Classification = domain.Individual
	}
	if !in.Classification.Valid() {
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("unknown account classification %q", in.Classification))
	}
	if in.Currency == "" {
		in.Currency = s.defaultCurrency
	}
	currency, err := domain.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}

	var a domain.Account
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner domain.User
		if err := tx.First(&owner, in.OwnerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "user not found")
			}
			return err
		}
		var taken int64
		if err := tx.Model(&domain.Account{}).
			Where("user_id = ? AND classification = ?", in.OwnerID, in.Classification).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrDuplicateClass
		}

		publicKey, err := uniqueValue(tx, "public_key", newPublicKey)
		if err != nil {
			return err
		}
		number, err := uniqueValue(tx, "account_number", newAccountNumber)
		if err != nil {
			return err
		}
		a = domain.Account{
			UserID:         in.OwnerID,
			Classification: in.Classification,
			PublicKey:      publicKey,
			AccountNumber:  number,
			Name:           strings.TrimSpace(in.Name),
			Currency:       currency,
		}
		if a.Name == "" {
			a.Name = fmt.Sprintf("%s %s account", owner.FullName(), a.Classification)
		}
		if err := tx.Create(&a).Error; err != nil {
			return err
		}
		return tx.Model(&owner).Association("Accounts").Append(&a)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"account_id":     a.ID,
		"user_id":        a.UserID,
		"classification": a.Classification,
		"currency":       a.Currency,
	}).Info("Account created")
	if s.events != nil {
		s.events.Publish(CreatedEvent(&a))
	}
	return &a, nil
}

// Get loads an account by id
func (s *Service) Get(ctx context.Context, id uint) (*domain.Account, error) {
	return s.first(ctx, "id = ?", id)
}

// GetByPublicKey loads an account by its public key
func (s *Service) GetByPublicKey(ctx context.Context, key string) (*domain.Account, error) {
	return s.first(ctx, "public_key = ?", key)
}

// GetByNumber loads an account by its account number
func (s *Service) GetByNumber(ctx context.Context, number string) (*domain.Account, error) {
	return s.first(ctx, "account_number = ?", number)
}

func (s *Service) first(ctx context.Context, query string, arg any) (*domain.Account, error) {
	var a domain.Account
	if err := s.db.WithContext(ctx).Where(query, arg).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListForUser returns every account the user owns or has been added to
func (s *Service) ListForUser(ctx context.Context, userID uint) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ? OR id IN (?)", userID,
			s.db.Table("user_accounts").Select("account_id").Where("user_id = ?", userID)).
		Order("id asc").
		Find(&accounts).Error
	return accounts, err
}

// CanAccess reports whether userID owns or has been added to the account
func (s *Service) CanAccess(ctx context.Context, userID, accountID uint) (bool, error) {
	accounts, err := s.ListForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, a := range accounts {
		if a.ID == accountID {
			return true, nil
		}
	}
	return false, nil
}

// AddMember lets userID select the account at login. Ownership is unchanged.
func (s *Service) AddMember(ctx context.Context, accountID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Account
		if err := tx.First(&a, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var u domain.User
		if err := tx.First(&u, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "user not found")
			}
			return err
		}
		return tx.Model(&u).Association("Accounts").Append(&a)
	})
}

// Delete removes an account nothing references
func (s *Service) Delete(ctx context.Context, accountID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Account
		if err := tx.First(&a, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		for _, ref := range []any{&domain.Transaction{}, &domain.AuthToken{}} {
			var n int64
			if err := tx.Model(ref).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrProtected
			}
		}
		if err := tx.Exec("DELETE FROM user_accounts WHERE account_id = ?", accountID).Error; err != nil {
			return err
		}
		return tx.Delete(&a).Error
	})
	if err != nil {
		return err
	}
	s.log.WithField("account_id", accountID).Info("Account deleted")
	return nil
}

// uniqueValue draws from gen until the value is unused in column
func uniqueValue(tx *gorm.DB, column string, gen func() (string, error)) (string, error) {
	for i := 0; i < maxGenerateAttempts; i++ {
		v, err := gen()
		if err != nil {
			return "", err
		}
		var n int64
		if err := tx.Model(&domain.Account{}).Where(column+" = ?", v).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return v, nil
		}
	}
	return "", fmt.Errorf("generate unique %s: %d collisions", column, maxGenerateAttempts)
}

func newPublicKey() (string, error) {
	b := make([]byte, publicKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return PublicKeyPrefix + hex.EncodeToString(b), nil
}

func newAccountNumber() (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < AccountNumberDigits; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}
