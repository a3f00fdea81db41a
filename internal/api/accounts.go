package api

import (
	"net/http" // HTTP status codes

	"mirapay/internal/account"    // Account service
	"mirapay/internal/domain"     // Domain models
	"mirapay/internal/middleware" // Context accessors

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// CreateAccountRequest opens another account for the authenticated user
type CreateAccountRequest struct {
	Classification string `json:"classification" binding:"required"` // One account per classification
	Name           string `json:"name"`                              // Optional display name
	Currency       string `json:"currency"`                          // Defaults to the service currency
}

// CreateAccountHandler opens an account owned by the authenticated user
func CreateAccountHandler(accounts *account.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAccountRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, log, errBadRequest)
			return
		}
		// Owned by the authenticated user
		a, err := accounts.Create(c.Request.Context(), account.CreateInput{
			OwnerID:        middleware.CurrentUser(c).ID,
			Classification: domain.AccountClassification(req.Classification),
			Name:           req.Name,
			Currency:       req.Currency,
		})
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "Account created", "data": a})
	}
}

// ListAccountsHandler lists the accounts the user can log in to
func ListAccountsHandler(accounts *account.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Owned and shared accounts alike
		list, err := accounts.ListForUser(c.Request.Context(), middleware.CurrentUser(c).ID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": list})
	}
}

// GetAccountHandler returns one of the user's accounts by public key
func GetAccountHandler(accounts *account.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		a, err := accounts.GetByPublicKey(ctx, c.Param("public_key"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		ok, err := accounts.CanAccess(ctx, middleware.CurrentUser(c).ID, a.ID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		// Someone else's account looks the same as a missing one
		if !ok {
			respondError(c, log, account.ErrNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a})
	}
}
