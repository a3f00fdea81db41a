package ledger

import (
	"context"
	"errors"
	"fmt"

	"mirapay/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reconciliation summarises a replay of an account's trail
type Reconciliation struct {
	AccountID uint            `json:"account_id"`
	Entries   int             `json:"entries"`
	Opening   decimal.Decimal `json:"opening"` // Balance before the first entry
	Net       decimal.Decimal `json:"net"`     // Sum of all entry values
	Balance   decimal.Decimal `json:"balance"` // Live balance
}

// Verify replays the trail: every running balance must equal the previous one
// plus the entry value, and the last must equal the live balance.
func (e *Engine) Verify(ctx context.Context, accountID uint) (*Reconciliation, error) {
	db := e.db.WithContext(ctx)
	var a domain.Account
	if err := db.First(&a, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	var entries []domain.Transaction
	if err := db.Where("account_id = ?", accountID).Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}

	rec := &Reconciliation{AccountID: a.ID, Entries: len(entries), Opening: a.Balance, Net: decimal.Zero, Balance: a.Balance}
	if len(entries) == 0 {
		return rec, nil
	}
	rec.Opening = entries[0].RunningBalance.Sub(entries[0].Value)
	running := rec.Opening
	for _, t := range entries {
		running = running.Add(t.Value)
		rec.Net = rec.Net.Add(t.Value)
		if !running.Equal(t.RunningBalance) {
			return rec, fmt.Errorf("entry %d: running balance %s, expected %s: %w", t.ID, t.RunningBalance, running, ErrInconsistent)
		}
	}
	if !running.Equal(a.Balance) {
		return rec, fmt.Errorf("trail ends at %s, balance is %s: %w", running, a.Balance, ErrInconsistent)
	}
	return rec, nil
}
