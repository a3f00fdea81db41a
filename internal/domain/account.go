package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountClassification is the kind of entity an account belongs to
type AccountClassification string

const (
	Individual AccountClassification = "individual"
	Corporate  AccountClassification = "corporate"
	Religious  AccountClassification = "religious"
	Government AccountClassification = "government"
	NGO        AccountClassification = "ngo"
)

// Valid reports whether c is one of the known classifications
func (c AccountClassification) Valid() bool {
	switch c {
	case Individual, Corporate, Religious, Government, NGO:
		return true
	}
	return false
}

// Account Model. Balance is only mutated through the ledger engine.
type Account struct {
	ID             uint                  `gorm:"primaryKey" json:"id"`                                                    // Primary key
	UserID         uint                  `gorm:"not null;uniqueIndex:idx_owner_classification" json:"user_id"`            // Owner for ledger purposes
	Classification AccountClassification `gorm:"size:16;not null;uniqueIndex:idx_owner_classification" json:"classification"` // One account per type per owner
	PublicKey      string                `gorm:"size:50;uniqueIndex;not null" json:"public_key"`                         // Opaque public identifier
	AccountNumber  string                `gorm:"size:10;uniqueIndex;not null" json:"account_number"`                     // Numeric account number
	Name           string                `gorm:"size:150" json:"name"`                                                   // Display name
	Balance        decimal.Decimal       `gorm:"type:decimal(14,2);not null" json:"balance"`                              // Current balance
	Currency       string                `gorm:"size:3;not null" json:"currency"`                                         // ISO 4217 code of the balance
	Version        uint                  `gorm:"not null;default:0" json:"-"`                                             // Optimistic lock counter
	CreatedAt      time.Time             `json:"created_at"`                                                              // Creation timestamp
	UpdatedAt      time.Time             `json:"updated_at"`                                                              // Last update timestamp
}

// Money returns the balance together with its currency
func (a Account) Money() Money {
	return Money{Amount: a.Balance, Currency: a.Currency}
}
