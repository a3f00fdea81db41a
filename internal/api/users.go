package api

import (
	"net/http" // HTTP status codes
	"time"     // Credential expiry

	"mirapay/internal/credential" // Credential store
	"mirapay/internal/domain"     // Domain models
	"mirapay/internal/middleware" // Context accessors
	"mirapay/internal/user"       // User service

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// SignUpRequest is the signup body
type SignUpRequest struct {
	Email          string `json:"email" binding:"required"`      // Login email
	Password       string `json:"password" binding:"required"`   // Plaintext password, hashed before storage
	FirstName      string `json:"first_name" binding:"required"` // First name
	LastName       string `json:"last_name"`                     // Last name
	Phone          string `json:"phone"`                         // Phone number
	AccountName    string `json:"account_name"`                  // Name of the first account
	Classification string `json:"classification"`                // Defaults to individual
	Currency       string `json:"currency"`                      // Defaults to the service currency
}

// LoginRequest is the login body. Account selects which account the new
// credential is scoped to.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`    // Login email
	Password string `json:"password" binding:"required"` // Plaintext password
	Account  string `json:"account"`                     // Optional account public key
}

// SessionResponse carries both plaintext secrets; they are shown only once
type SessionResponse struct {
	User      domain.User    `json:"user"`
	Account   domain.Account `json:"account"`
	LiveToken string         `json:"live_token"`
	TestToken string         `json:"test_token"`
	TokenID   uint           `json:"token_id"`
	Expiry    *time.Time     `json:"expiry"`
}

func sessionResponse(s *user.Session) SessionResponse {
	return SessionResponse{
		User:      s.User,
		Account:   s.Account,
		LiveToken: s.Credential.LiveSecret,
		TestToken: s.Credential.TestSecret,
		TokenID:   s.Credential.Token.ID,
		Expiry:    s.Credential.Token.Expiry,
	}
}

// SignUpHandler creates a user with their first account and credential
func SignUpHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignUpRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, log, errBadRequest)
			return
		}
		s, err := users.SignUp(c.Request.Context(), user.SignUpInput{
			Email:          req.Email,
			Password:       req.Password,
			FirstName:      req.FirstName,
			LastName:       req.LastName,
			Phone:          req.Phone,
			AccountName:    req.AccountName,
			Classification: domain.AccountClassification(req.Classification),
			Currency:       req.Currency,
		})
		if err != nil {
			respondError(c, log, err)
			return
		}
		// Secrets are returned once and never again
		c.JSON(http.StatusCreated, gin.H{"message": "User created successfully", "data": sessionResponse(s)})
	}
}

// LoginHandler checks the password and issues a new credential
func LoginHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, log, errBadRequest)
			return
		}
		s, err := users.Login(c.Request.Context(), req.Email, req.Password, req.Account)
		if err != nil {
			setRetryAfter(c, err) // Tell throttled clients when to come back
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Login successful", "data": sessionResponse(s)})
	}
}

// LogoutHandler revokes the credential the request was made with
func LogoutHandler(creds *credential.Store, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Only the credential this request came with
		if err := creds.Revoke(c.Request.Context(), middleware.CurrentToken(c).ID); err != nil {
			respondError(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// LogoutAllHandler revokes every credential of the user
func LogoutAllHandler(creds *credential.Store, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := creds.RevokeAll(c.Request.Context(), middleware.CurrentUser(c).ID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Logged out everywhere", "revoked": n})
	}
}

// TokensHandler lists the user's credentials without their secrets
func TokensHandler(creds *credential.Store, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokens, err := creds.List(c.Request.Context(), middleware.CurrentUser(c).ID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tokens": tokens, "current": middleware.CurrentToken(c).ID})
	}
}

// MeHandler returns the authenticated user's profile
func MeHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := users.Profile(c.Request.Context(), middleware.CurrentUser(c).ID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": u})
	}
}

// UpdateMeRequest holds the editable profile fields
type UpdateMeRequest struct {
	FirstName string `json:"first_name"` // Empty keeps the current value
	LastName  string `json:"last_name"`  // Empty keeps the current value
	Phone     string `json:"phone"`      // Empty keeps the current value
}

// UpdateMeHandler edits the authenticated user's profile
func UpdateMeHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateMeRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, log, errBadRequest)
			return
		}
		u, err := users.UpdateProfile(c.Request.Context(), middleware.CurrentUser(c).ID, user.ProfileUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		})
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User updated successfully", "data": u})
	}
}

// SendVerificationHandler asks the mailer to send a fresh verification link
func SendVerificationHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := middleware.CurrentUser(c) // Authenticated user
		// Nothing to send if already verified
		if u.EmailVerified {
			c.JSON(http.StatusOK, gin.H{"message": "Your email has already been verified"})
			return
		}
		if _, err := users.VerificationToken(&u); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "Verification email queued"})
	}
}

// VerifyEmailHandler consumes a verification token
func VerifyEmailHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		already, err := users.VerifyEmail(c.Request.Context(), c.Param("token"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		// Verifying twice is not an error
		if already {
			c.JSON(http.StatusOK, gin.H{"message": "Your email has already been verified"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Email verification was successful"})
	}
}
