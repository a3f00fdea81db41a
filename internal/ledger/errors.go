package ledger

import "mirapay/internal/apperr"

var (
	ErrAccountNotFound        = apperr.New(apperr.NotFound, "account not found")
	ErrCurrencyMismatch       = apperr.New(apperr.CurrencyMismatch, "currency does not match the account currency")
	ErrInsufficientFunds      = apperr.New(apperr.InsufficientFunds, "this account has insufficient balance")
	ErrConcurrentModification = apperr.New(apperr.ConcurrentModification, "account was modified concurrently, retry the operation")
	ErrBalanceTooLarge        = apperr.New(apperr.InvalidAmount, "resulting balance exceeds the account limit")
	ErrSameAccount            = apperr.New(apperr.Validation, "cannot transfer to the same account")
	ErrInconsistent           = apperr.New(apperr.Inconsistent, "ledger trail does not reconcile with the account balance")
)
