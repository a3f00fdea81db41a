package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind says which ledger operation produced an entry
type TransactionKind string

const (
	KindDeposit     TransactionKind = "deposit"
	KindWithdrawal  TransactionKind = "withdrawal"
	KindTransferIn  TransactionKind = "transfer_in"
	KindTransferOut TransactionKind = "transfer_out"
)

// Transaction Model. Rows are append-only.
type Transaction struct {
	ID             uint            `gorm:"primaryKey" json:"id"`                                          // Primary key
	AccountID      uint            `gorm:"index;not null" json:"account_id"`                              // Account the entry belongs to
	Account        *Account        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`       // Blocks account deletion
	Value          decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"value"`                      // Signed amount: credit > 0, debit < 0
	Currency       string          `gorm:"size:3;not null" json:"currency"`                               // Currency of Value
	RunningBalance decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"running_balance"`            // Balance right after this entry
	Kind           TransactionKind `gorm:"size:16;not null" json:"kind"`                                  // Producing operation
	Reference      string          `gorm:"size:36;index" json:"reference,omitempty"`                      // Shared by both legs of a transfer
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`                                       // Timestamp of creation
}
