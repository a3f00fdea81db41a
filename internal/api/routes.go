package api

import (
	"mirapay/internal/account"    // Account service
	"mirapay/internal/cache"      // Redis read cache
	"mirapay/internal/credential" // Credential store
	"mirapay/internal/ledger"     // Ledger engine
	"mirapay/internal/middleware" // Auth and admin middleware
	"mirapay/internal/user"       // User service

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
	"gorm.io/gorm"               // GORM ORM library
)

// Deps are the services the routes call into
type Deps struct {
	DB          *gorm.DB           // Admin queries and health check
	Users       *user.Service      // Signup, login, profiles
	Accounts    *account.Service   // Account lookups
	Credentials *credential.Store  // Bearer authentication
	Ledger      *ledger.Engine     // Money movement
	Cache       *cache.Cache       // May be nil
	AuthKeyword string             // Authorization header keyword, "Token" by default
	Log         logrus.FieldLogger // Request and error logging
}

// Register mounts every route on r
func Register(r *gin.Engine, d Deps) {
	if d.AuthKeyword == "" {
		d.AuthKeyword = "Token"
	}
	auth := middleware.TokenAuth(d.Credentials, d.AuthKeyword, d.Log)
	log := d.Log

	r.GET("/health", HealthHandler(d.DB, log))

	// User routes
	users := r.Group("/users")
	users.POST("/signup", SignUpHandler(d.Users, log))
	users.POST("/login", LoginHandler(d.Users, log))
	users.GET("/verify-email/:token", VerifyEmailHandler(d.Users, log))
	authed := users.Group("", auth)
	authed.POST("/logout", LogoutHandler(d.Credentials, log))
	authed.POST("/logoutall", LogoutAllHandler(d.Credentials, log))
	authed.GET("/me", MeHandler(d.Users, log))
	authed.PUT("/me", UpdateMeHandler(d.Users, log))
	authed.GET("/tokens", TokensHandler(d.Credentials, log))
	authed.POST("/send-verification-email", SendVerificationHandler(d.Users, log))

	// Account routes
	accounts := r.Group("/accounts", auth)
	accounts.POST("", CreateAccountHandler(d.Accounts, log))
	accounts.GET("", ListAccountsHandler(d.Accounts, log))
	accounts.GET("/:public_key", GetAccountHandler(d.Accounts, log))

	// Ledger routes act on the credential's account
	ledgerGroup := r.Group("/ledger", auth)
	ledgerGroup.GET("/balance", BalanceHandler(d.Accounts, d.Cache, log))
	ledgerGroup.GET("/sufficient-balance", SufficientBalanceHandler(d.Ledger, d.Accounts, d.Cache, log))
	ledgerGroup.POST("/deposit", DepositHandler(d.Ledger, d.Accounts, d.Cache, log))
	ledgerGroup.POST("/withdraw", WithdrawHandler(d.Ledger, d.Accounts, d.Cache, log))
	ledgerGroup.POST("/transfer", TransferHandler(d.Ledger, d.Accounts, d.Cache, log))
	ledgerGroup.GET("/transactions", TransactionsHandler(d.Ledger, d.Cache, log))

	// Admin routes
	admin := r.Group("/admin", auth, middleware.AdminOnly())
	admin.GET("/users", ListUsersHandler(d.Users, log))
	admin.GET("/transactions", ListTransactionsHandler(d.DB, log))
	admin.POST("/users/:id/deactivate", DeactivateUserHandler(d.Users, log))
	admin.POST("/users/:id/activate", ActivateUserHandler(d.Users, log))
	admin.GET("/accounts/:id/verify", VerifyAccountHandler(d.Ledger, log))
}
