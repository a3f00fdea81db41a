package middleware

import (
	"errors"   // Error inspection
	"net/http" // HTTP status codes
	"strings"  // Header parsing

	"mirapay/internal/apperr"     // Error kinds
	"mirapay/internal/credential" // Credential store
	"mirapay/internal/domain"     // Domain models

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// Context keys set by TokenAuth
const (
	KeyUser      = "user"
	KeyToken     = "token"
	KeyMode      = "mode"
	KeyUserID    = "userID"
	KeyAccountID = "accountID"
)

var errMissingHeader = apperr.New(apperr.InvalidToken, "missing or invalid Authorization header")

// Abort stops the chain with the error body for err
func Abort(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": kind, "message": apperr.MessageOf(err)})
}

// TokenAuth resolves "Authorization: <keyword> <secret>" through the credential
// store. "Bearer" is accepted as well as keyword.
func TokenAuth(store *credential.Store, keyword string, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := secretFromHeader(c.GetHeader("Authorization"), keyword) // Get token from header
		// Check if the header is present and well formed
		if !ok {
			Abort(c, errMissingHeader)
			return
		}
		res, err := store.Authenticate(c.Request.Context(), secret) // Resolve user, credential and mode
		if err != nil {
			if apperr.KindOf(err) == apperr.Internal {
				log.WithError(err).Error("Authentication failed")
			}
			// Unknown prefixes look like any other bad token from outside
			if errors.Is(err, credential.ErrUnrecognizedPrefix) {
				err = credential.ErrInvalidToken
			}
			Abort(c, err)
			return
		}
		c.Set(KeyUser, res.User)                 // Set user in context
		c.Set(KeyToken, res.Token)               // Set credential in context
		c.Set(KeyMode, res.Mode)                 // Live or test
		c.Set(KeyUserID, res.User.ID)            // Set userID in context
		c.Set(KeyAccountID, res.Token.AccountID) // Account the credential is scoped to
		c.Next()                                 // Proceed to next handler
	}
}

func secretFromHeader(header, keyword string) (string, bool) {
	scheme, secret, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return "", false
	}
	if !strings.EqualFold(scheme, keyword) && !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	secret = strings.TrimSpace(secret)
	return secret, secret != ""
}

// CurrentUser returns the user TokenAuth stored
func CurrentUser(c *gin.Context) domain.User {
	u, _ := c.MustGet(KeyUser).(domain.User)
	return u
}

// CurrentToken returns the credential the request authenticated with
func CurrentToken(c *gin.Context) domain.AuthToken {
	t, _ := c.MustGet(KeyToken).(domain.AuthToken)
	return t
}

// CurrentMode returns live or test
func CurrentMode(c *gin.Context) credential.Mode {
	m, _ := c.MustGet(KeyMode).(credential.Mode)
	return m
}

// RequestLogger logs each request once it completes
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		fields := logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}
		if id, ok := c.Get(KeyUserID); ok {
			fields["user_id"] = id
		}
		if mode, ok := c.Get(KeyMode); ok {
			fields["mode"] = mode
		}
		entry := log.WithFields(fields)
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("Request failed")
			return
		}
		entry.Debug("Request handled")
	}
}
