package credential

import "mirapay/internal/apperr"

var (
	ErrInvalidToken       = apperr.New(apperr.InvalidToken, "invalid token")
	ErrUnrecognizedPrefix = apperr.New(apperr.UnrecognizedPrefix, "invalid token")
	ErrUserInactive       = apperr.New(apperr.UserInactive, "user inactive or deleted")
	ErrLimitExceeded      = apperr.New(apperr.LimitExceeded, "maximum amount of tokens allowed per user exceeded")
)
