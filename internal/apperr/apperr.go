package apperr

import "errors"

// Kind is the stable, machine-readable category of a failure
type Kind string

const (
	InvalidToken           Kind = "invalid_token"           // Secret not found, malformed, expired or revoked
	UnrecognizedPrefix     Kind = "unrecognized_prefix"     // Secret carries neither the live nor the test prefix
	UserInactive           Kind = "user_inactive"           // Resolved user is disabled
	LimitExceeded          Kind = "limit_exceeded"          // Credential cap reached
	CurrencyMismatch       Kind = "currency_mismatch"       // Amount currency differs from the account currency
	InsufficientFunds      Kind = "insufficient_funds"      // Debit exceeds the balance
	ConcurrentModification Kind = "concurrent_modification" // Lost an optimistic lock race, retry from a fresh read
	InvalidAmount          Kind = "invalid_amount"          // Amount is not a positive two-place decimal
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	Protected              Kind = "protected" // Entity is still referenced and cannot be deleted
	InvalidCredentials     Kind = "invalid_credentials"
	EmailNotVerified       Kind = "email_not_verified"
	RateLimited            Kind = "rate_limited"
	Validation             Kind = "validation"
	Forbidden              Kind = "forbidden" // Authenticated but not allowed
	Inconsistent           Kind = "inconsistent" // Ledger trail does not reconcile with the balance
	Internal               Kind = "internal"
)

// Error carries a Kind plus a human readable message
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error of the same kind, so wrapped sentinels compare by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the message of the first *Error in err's chain.
// Anything else is reported generically so internal detail never leaks.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
