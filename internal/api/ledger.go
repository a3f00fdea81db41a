package api

import (
	"context"  // Request-scoped context for the core
	"net/http" // HTTP status codes
	"strings"  // Trimming and prefix checks

	"mirapay/internal/account"    // Account lookups
	"mirapay/internal/apperr"     // Error kinds
	"mirapay/internal/cache"      // Redis read cache
	"mirapay/internal/credential" // Credential modes
	"mirapay/internal/domain"     // Domain models
	"mirapay/internal/ledger"     // Ledger engine
	"mirapay/internal/middleware" // Context accessors

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// AmountRequest is the body of deposit and withdraw. Currency defaults to the
// account currency.
type AmountRequest struct {
	Amount   string `json:"amount" binding:"required"` // Decimal string, at most two places
	Currency string `json:"currency"`                  // Optional ISO code
}

// TransferRequest moves money to another account, addressed by public key or
// account number
type TransferRequest struct {
	To       string `json:"to" binding:"required"`     // Public key or account number
	Amount   string `json:"amount" binding:"required"` // Decimal string, at most two places
	Currency string `json:"currency"`                  // Optional ISO code
}

// engineFor routes test-mode credentials to the sandbox
func engineFor(c *gin.Context, engine *ledger.Engine) *ledger.Engine {
	if middleware.CurrentMode(c) == credential.ModeTest {
		return engine.Sandbox()
	}
	return engine
}

// currentAccount loads the account the credential is scoped to, through the cache
func currentAccount(ctx context.Context, c *gin.Context, accounts *account.Service, rc *cache.Cache) (domain.Account, error) {
	id := middleware.CurrentToken(c).AccountID
	return cache.RememberAccount(ctx, rc, id, cache.AccountKey(id), func() (domain.Account, error) {
		a, err := accounts.Get(ctx, id)
		if err != nil {
			return domain.Account{}, err
		}
		return *a, nil
	})
}

// invalidate drops the cached reads of every account a live mutation touched
func invalidate(ctx context.Context, c *gin.Context, rc *cache.Cache, log logrus.FieldLogger, accountIDs ...uint) {
	// Sandbox writes were rolled back, nothing to drop
	if middleware.CurrentMode(c) == credential.ModeTest {
		return
	}
	for _, id := range accountIDs {
		if _, err := rc.InvalidateAccount(ctx, id); err != nil {
			log.WithError(err).WithField("account_id", id).Warn("Cache invalidation failed")
		}
	}
}

func moneyFor(a domain.Account, amount, currency string) (domain.Money, error) {
	if strings.TrimSpace(currency) == "" {
		currency = a.Currency // Default to the account currency
	}
	return domain.NewMoney(amount, currency)
}

// BalanceHandler returns the balance of the credential's account
func BalanceHandler(accounts *account.Service, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := currentAccount(c.Request.Context(), c, accounts, rc)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"account":  a.PublicKey,
			"balance":  a.Balance.StringFixed(domain.MaxScale),
			"currency": a.Currency,
			"mode":     middleware.CurrentMode(c),
		})
	}
}

// SufficientBalanceHandler reports whether ?amount= could be paid now
func SufficientBalanceHandler(engine *ledger.Engine, accounts *account.Service, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		a, err := currentAccount(ctx, c, accounts, rc)
		if err != nil {
			respondError(c, log, err)
			return
		}
		amount, err := moneyFor(a, c.Query("amount"), c.Query("currency"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		// Checked against the locked row, not the cached copy
		ok, err := engine.SufficientBalance(ctx, a.ID, amount)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sufficient": ok, "amount": amount.Amount.StringFixed(domain.MaxScale), "currency": amount.Currency})
	}
}

func entryHandler(op func(*ledger.Engine, context.Context, uint, domain.Money) (*domain.Transaction, error), engine *ledger.Engine, accounts *account.Service, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AmountRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, log, errBadRequest)
			return
		}
		ctx := c.Request.Context()
		a, err := currentAccount(ctx, c, accounts, rc)
		if err != nil {
			respondError(c, log, err)
			return
		}
		amount, err := moneyFor(a, req.Amount, req.Currency)
		if err != nil {
			respondError(c, log, err)
			return
		}
		entry, err := op(engineFor(c, engine), ctx, a.ID, amount)
		if err != nil {
			respondError(c, log, err)
			return
		}
		invalidate(ctx, c, rc, log, a.ID) // Before responding, so the next read sees the new balance
		c.JSON(http.StatusOK, gin.H{"mode": middleware.CurrentMode(c), "transaction": entry})
	}
}

// DepositHandler credits the credential's account
func DepositHandler(engine *ledger.Engine, accounts *account.Service, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return entryHandler((*ledger.Engine).Deposit, engine, accounts, rc, log)
}

// WithdrawHandler debits the credential's account
func WithdrawHandler(engine *ledger.Engine, accounts *account.Service, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return entryHandler((*ledger.Engine).Withdraw, engine, accounts, rc, log)
}

// TransferHandler moves money from the credential's account to another account
func TransferHandler(engine *ledger.Engine, accounts *account.Service, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransferRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, log, errBadRequest)
			return
		}
		ctx := c.Request.Context()
		from, err := currentAccount(ctx, c, accounts, rc)
		if err != nil {
			respondError(c, log, err)
			return
		}
		// Find the recipient account
		to, err := resolveAccount(ctx, accounts, req.To)
		if err != nil {
			respondError(c, log, err)
			return
		}
		amount, err := moneyFor(from, req.Amount, req.Currency)
		if err != nil {
			respondError(c, log, err)
			return
		}
		// Both legs commit or neither does
		res, err := engineFor(c, engine).Transfer(ctx, from.ID, to.ID, amount)
		if err != nil {
			respondError(c, log, err)
			return
		}
		invalidate(ctx, c, rc, log, from.ID, to.ID)
		c.JSON(http.StatusOK, gin.H{"mode": middleware.CurrentMode(c), "transfer": res})
	}
}

func resolveAccount(ctx context.Context, accounts *account.Service, ref string) (*domain.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.New(apperr.Validation, "destination account is required")
	}
	// Public keys carry a prefix, account numbers are bare digits
	if strings.HasPrefix(ref, account.PublicKeyPrefix) {
		return accounts.GetByPublicKey(ctx, ref)
	}
	return accounts.GetByNumber(ctx, ref)
}

type historyPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	Page         int                  `json:"page"`
	PageSize     int                  `json:"page_size"`
	Total        int64                `json:"total"`
	TotalPages   int                  `json:"total_pages"`
}

// TransactionsHandler pages through the credential account's trail, newest first
func TransactionsHandler(engine *ledger.Engine, rc *cache.Cache, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		accountID := middleware.CurrentToken(c).AccountID
		page, pageSize := pageParams(c) // Pagination parameters
		resp, err := cache.RememberAccount(ctx, rc, accountID, cache.HistoryKey(accountID, page, pageSize), func() (historyPage, error) {
			txs, total, err := engine.History(ctx, accountID, page, pageSize)
			if err != nil {
				return historyPage{}, err
			}
			return historyPage{Transactions: txs, Page: page, PageSize: pageSize, Total: total, TotalPages: totalPages(total, pageSize)}, nil
		})
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
