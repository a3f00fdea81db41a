package domain

import (
	"fmt"
	"regexp"
	"strings"

	"mirapay/internal/apperr"

	"github.com/shopspring/decimal"
)

// MaxScale is the number of decimal places a monetary amount may carry
const MaxScale = 2

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// MaxAmount bounds amounts and balances to what a decimal(14,2) column holds
var MaxAmount = decimal.New(1, 12)

var (
	ErrInvalidAmount  = apperr.New(apperr.InvalidAmount, "amount must be a positive value with at most two decimal places")
	ErrAmountTooLarge = apperr.New(apperr.InvalidAmount, "amount must be less than 1000000000000")
)

// Money is a fixed-point amount tagged with its currency
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney parses a decimal string and normalises the currency code
func NewMoney(amount, currency string) (Money, error) {
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, ErrInvalidAmount)
	}
	return Money{Amount: d, Currency: cur}, nil
}

// MustMoney is NewMoney for literals
func MustMoney(amount, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// NormalizeCurrency upper-cases and validates an ISO 4217 style code
func NormalizeCurrency(currency string) (string, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if !currencyPattern.MatchString(cur) {
		return "", apperr.New(apperr.Validation, fmt.Sprintf("invalid currency code %q", currency))
	}
	return cur, nil
}

// ValidatePositive checks the amount is > 0, below MaxAmount and has at most
// MaxScale places
func (m Money) ValidatePositive() error {
	if !m.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !m.Amount.Equal(m.Amount.Round(MaxScale)) {
		return ErrInvalidAmount
	}
	if !WithinLimit(m.Amount) {
		return ErrAmountTooLarge
	}
	return nil
}

// WithinLimit reports whether d fits a decimal(14,2) column
func WithinLimit(d decimal.Decimal) bool {
	return d.Abs().LessThan(MaxAmount)
}

func (m Money) String() string {
	return m.Amount.StringFixed(MaxScale) + " " + m.Currency
}
