// Package ledger mutates account balances and records the transaction trail.
//
// Every mutation runs in one database transaction: the account row is read
// with SELECT ... FOR UPDATE and written back with a version compare-and-swap.
// A lost swap surfaces as ErrConcurrentModification, which the engine retries
// from a fresh read a bounded number of times.
package ledger

import (
	"context" // Request-scoped cancellation
	"errors"  // Error inspection
	"fmt"     // Error wrapping
	"sort"    // Lock ordering
	"time"    // Timestamps

	"mirapay/internal/domain" // Domain models
	"mirapay/internal/events" // Event bus

	"github.com/google/uuid"        // Transfer references
	"github.com/shopspring/decimal" // Fixed-point money
	"github.com/sirupsen/logrus"    // Logging library
	"gorm.io/gorm"                  // GORM ORM library
	"gorm.io/gorm/clause"           // Row locking
)

// errSandboxRollback aborts a sandbox transaction after it has been applied
var errSandboxRollback = errors.New("sandbox rollback")

// Engine is the ledger engine
type Engine struct {
	db         *gorm.DB
	events     events.Publisher
	log        logrus.FieldLogger
	maxRetries int
	sandbox    bool
}

// NewEngine builds an Engine. bus may be nil.
func NewEngine(db *gorm.DB, bus *events.Bus, log logrus.FieldLogger, maxRetries int) *Engine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	e := &Engine{db: db, log: log, maxRetries: maxRetries}
	if bus != nil {
		e.events = bus
	}
	return e
}

// Sandbox returns an engine whose mutations are fully applied inside a
// transaction and then rolled back, so results are realistic but nothing persists.
func (e *Engine) Sandbox() *Engine {
	c := *e
	c.sandbox = true
	c.events = nil
	return &c
}

// IsSandbox reports whether mutations are rolled back
func (e *Engine) IsSandbox() bool { return e.sandbox }

// TransferResult holds both legs of a transfer
type TransferResult struct {
	Reference  string             `json:"reference"`
	Withdrawal domain.Transaction `json:"withdrawal"`
	Deposit    domain.Transaction `json:"deposit"`
}

// Deposit credits amount to the account
func (e *Engine) Deposit(ctx context.Context, accountID uint, amount domain.Money) (*domain.Transaction, error) {
	if err := amount.ValidatePositive(); err != nil {
		return nil, err
	}
	var entry domain.Transaction
	var account domain.Account
	err := e.atomically(ctx, func(tx *gorm.DB) error {
		a, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if entry, err = apply(tx, a, amount.Amount, amount.Currency, domain.KindDeposit, ""); err != nil {
			return err
		}
		account = *a
		return nil
	})
	if err != nil {
		e.logFailure("Deposit failed", accountID, amount, err)
		return nil, err
	}
	e.committed(&entry, account)
	return &entry, nil
}

// Withdraw debits amount from the account; the balance never goes below zero
func (e *Engine) Withdraw(ctx context.Context, accountID uint, amount domain.Money) (*domain.Transaction, error) {
	if err := amount.ValidatePositive(); err != nil {
		return nil, err
	}
	var entry domain.Transaction
	var account domain.Account
	err := e.atomically(ctx, func(tx *gorm.DB) error {
		a, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if entry, err = apply(tx, a, amount.Amount.Neg(), amount.Currency, domain.KindWithdrawal, ""); err != nil {
			return err
		}
		account = *a
		return nil
	})
	if err != nil {
		e.logFailure("Withdraw failed", accountID, amount, err)
		return nil, err
	}
	e.committed(&entry, account)
	return &entry, nil
}

// Transfer withdraws from src and deposits into dst as one atomic unit. If
// either leg fails nothing is written.
func (e *Engine) Transfer(ctx context.Context, srcID, dstID uint, amount domain.Money) (*TransferResult, error) {
	if err := amount.ValidatePositive(); err != nil {
		return nil, err
	}
	if srcID == dstID {
		return nil, ErrSameAccount
	}
	result := TransferResult{Reference: uuid.NewString()}
	var src, dst domain.Account
	err := e.atomically(ctx, func(tx *gorm.DB) error {
		// Lock in id order so opposite transfers cannot deadlock
		locked, err := lockAccounts(tx, srcID, dstID)
		if err != nil {
			return err
		}
		from, to := locked[srcID], locked[dstID]
		if result.Withdrawal, err = apply(tx, from, amount.Amount.Neg(), amount.Currency, domain.KindTransferOut, result.Reference); err != nil {
			return fmt.Errorf("debit leg: %w", err)
		}
		if result.Deposit, err = apply(tx, to, amount.Amount, amount.Currency, domain.KindTransferIn, result.Reference); err != nil {
			return fmt.Errorf("credit leg: %w", err)
		}
		src, dst = *from, *to
		return nil
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"from_account_id": srcID,
			"to_account_id":   dstID,
			"amount":          amount.Amount.String(),
			"currency":        amount.Currency,
			"error":           err.Error(),
		}).Warn("Transfer failed")
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"from_account_id": srcID,
		"to_account_id":   dstID,
		"amount":          amount.Amount.String(),
		"currency":        amount.Currency,
		"reference":       result.Reference,
		"sandbox":         e.sandbox,
	}).Info("Transfer transaction")
	e.committed(&result.Withdrawal, src)
	e.committed(&result.Deposit, dst)
	return &result, nil
}

// SufficientBalance reports whether the account could pay amount right now.
// It takes no lock, so a later Withdraw may still fail.
func (e *Engine) SufficientBalance(ctx context.Context, accountID uint, amount domain.Money) (bool, error) {
	if err := amount.ValidatePositive(); err != nil {
		return false, err
	}
	var a domain.Account
	if err := e.db.WithContext(ctx).First(&a, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrAccountNotFound
		}
		return false, err
	}
	if a.Currency != amount.Currency {
		return false, ErrCurrencyMismatch
	}
	return a.Balance.GreaterThanOrEqual(amount.Amount), nil
}

// History returns a page of the account's entries, newest first
func (e *Engine) History(ctx context.Context, accountID uint, page, pageSize int) ([]domain.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	q := e.db.WithContext(ctx).Model(&domain.Transaction{}).Where("account_id = ?", accountID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []domain.Transaction
	err := q.Order("id desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&entries).Error
	return entries, total, err
}

// atomically runs fn in a transaction, retrying on optimistic lock conflicts
func (e *Engine) atomically(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := fn(tx); err != nil {
				return err
			}
			if e.sandbox {
				return errSandboxRollback
			}
			return nil
		})
		if errors.Is(err, errSandboxRollback) {
			return nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.log.WithField("attempt", attempt+1).Debug("Concurrent balance update, retrying")
	}
	return err
}

func lockAccount(tx *gorm.DB, id uint) (*domain.Account, error) {
	var a domain.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
		}
		return nil, err
	}
	return &a, nil
}

func lockAccounts(tx *gorm.DB, ids ...uint) (map[uint]*domain.Account, error) {
	ordered := append([]uint(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	locked := make(map[uint]*domain.Account, len(ordered))
	for _, id := range ordered {
		a, err := lockAccount(tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = a
	}
	return locked, nil
}

// apply moves a's balance by delta and appends the matching entry. a is
// updated in place on success.
func apply(tx *gorm.DB, a *domain.Account, delta decimal.Decimal, currency string, kind domain.TransactionKind, reference string) (domain.Transaction, error) {
	if currency != a.Currency {
		return domain.Transaction{}, fmt.Errorf("account %d holds %s, got %s: %w", a.ID, a.Currency, currency, ErrCurrencyMismatch)
	}
	balance := a.Balance.Add(delta)
	if balance.IsNegative() {
		return domain.Transaction{}, ErrInsufficientFunds
	}
	if !domain.WithinLimit(balance) {
		return domain.Transaction{}, ErrBalanceTooLarge
	}

	res := tx.Model(&domain.Account{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(map[string]any{"balance": balance, "version": a.Version + 1, "updated_at": time.Now()})
	if res.Error != nil {
		return domain.Transaction{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Transaction{}, ErrConcurrentModification
	}

	entry := domain.Transaction{
		AccountID:      a.ID,
		Value:          delta,
		Currency:       currency,
		RunningBalance: balance,
		Kind:           kind,
		Reference:      reference,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return domain.Transaction{}, err
	}
	a.Balance = balance
	a.Version++
	return entry, nil
}

// committed logs and announces an entry once its transaction has committed
func (e *Engine) committed(entry *domain.Transaction, a domain.Account) {
	if e.sandbox {
		entry.ID = 0 // the row was rolled back
		return
	}
	e.log.WithFields(logrus.Fields{
		"account_id":      a.ID,
		"transaction_id":  entry.ID,
		"kind":            entry.Kind,
		"value":           entry.Value.String(),
		"running_balance": entry.RunningBalance.String(),
		"currency":        entry.Currency,
	}).Info("Ledger entry recorded")
	if e.events != nil {
		e.events.Publish(events.New(events.BalanceChanged, a.UserID, a.ID, map[string]string{
			"transaction_id": fmt.Sprint(entry.ID),
			"kind":           string(entry.Kind),
			"value":          entry.Value.StringFixed(domain.MaxScale),
			"balance":        a.Balance.StringFixed(domain.MaxScale),
			"currency":       a.Currency,
		}))
	}
}

func (e *Engine) logFailure(msg string, accountID uint, amount domain.Money, err error) {
	e.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"amount":     amount.Amount.String(),
		"currency":   amount.Currency,
		"sandbox":    e.sandbox,
		"error":      err.Error(),
	}).Warn(msg)
}
