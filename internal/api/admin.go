package api

import (
	"net/http" // HTTP status codes
	"strconv"  // String conversion

	"mirapay/internal/apperr" // Error kinds
	"mirapay/internal/domain" // Domain models
	"mirapay/internal/ledger" // Ledger engine
	"mirapay/internal/user"   // User service

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
	"gorm.io/gorm"               // GORM ORM library
)

// ListUsersHandler pages through all users
func ListUsersHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, pageSize := pageParams(c) // Pagination parameters
		list, total, err := users.List(c.Request.Context(), page, pageSize)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"users":       list,
			"page":        page,
			"page_size":   pageSize,
			"total":       total,
			"total_pages": totalPages(total, pageSize),
		})
	}
}

// ListTransactionsHandler returns all entries, optionally filtered by account,
// kind or creation date
func ListTransactionsHandler(db *gorm.DB, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, pageSize := pageParams(c) // Pagination parameters
		query := db.WithContext(c.Request.Context()).Model(&domain.Transaction{})
		// Apply filters
		if accountID := c.Query("account_id"); accountID != "" {
			query = query.Where("account_id = ?", accountID)
		}
		if kind := c.Query("kind"); kind != "" {
			query = query.Where("kind = ?", kind)
		}
		if reference := c.Query("reference"); reference != "" {
			query = query.Where("reference = ?", reference)
		}
		if from := c.Query("from"); from != "" {
			query = query.Where("created_at >= ?", from)
		}
		if to := c.Query("to"); to != "" {
			query = query.Where("created_at <= ?", to)
		}
		var total int64 // Count before paging
		if err := query.Count(&total).Error; err != nil {
			respondError(c, log, err)
			return
		}
		var txs []domain.Transaction // Newest first
		if err := query.Order("id desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&txs).Error; err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transactions": txs,
			"page":         page,
			"page_size":    pageSize,
			"total":        total,
			"total_pages":  totalPages(total, pageSize),
		})
	}
}

func idParam(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.New(apperr.Validation, "invalid id")
	}
	return uint(id), nil
}

// DeactivateUserHandler disables a user
func DeactivateUserHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			respondError(c, log, err)
			return
		}
		if err := users.Deactivate(c.Request.Context(), id); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User deactivated"})
	}
}

// ActivateUserHandler re-enables a user
func ActivateUserHandler(users *user.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			respondError(c, log, err)
			return
		}
		if err := users.Activate(c.Request.Context(), id); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User activated"})
	}
}

// VerifyAccountHandler replays an account's trail against its balance
func VerifyAccountHandler(engine *ledger.Engine, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			respondError(c, log, err)
			return
		}
		rec, err := engine.Verify(c.Request.Context(), id)
		// A mismatch is a result, not a failure
		if err != nil && apperr.KindOf(err) != apperr.Inconsistent {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"consistent": err == nil, "reconciliation": rec})
	}
}
