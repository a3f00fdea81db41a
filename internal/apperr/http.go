package apperr

import "net/http"

// HTTPStatus maps a Kind to the response status the API uses for it
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation, InvalidAmount, CurrencyMismatch:
		return http.StatusBadRequest
	case InvalidToken, UnrecognizedPrefix, InvalidCredentials:
		return http.StatusUnauthorized
	case UserInactive, LimitExceeded, EmailNotVerified, Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict, Protected, ConcurrentModification:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
