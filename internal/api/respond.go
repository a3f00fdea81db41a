package api

import (
	"errors"   // Unwrapping rate limit errors
	"math"     // Rounding Retry-After up
	"net/http" // HTTP status codes
	"strconv"  // String conversion

	"mirapay/internal/apperr"     // Error kinds
	"mirapay/internal/cache"      // Login limiter errors
	"mirapay/internal/middleware" // Error responses

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
	"gorm.io/gorm"               // GORM ORM library
)

var errBadRequest = apperr.New(apperr.Validation, "invalid request")

// respondError writes the error body for err; unexpected errors are logged
// and reported without detail
func respondError(c *gin.Context, log logrus.FieldLogger, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		log.WithFields(logrus.Fields{
			"path":  c.FullPath(),
			"error": err.Error(),
		}).Error("Request failed")
	}
	middleware.Abort(c, err)
}

// pageParams reads page and page_size, defaulting to 1 and 20
func pageParams(c *gin.Context) (page, pageSize int) {
	page, pageSize = 1, 20 // Defaults
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.Query("page_size")); err == nil && v > 0 && v <= 100 {
		pageSize = v
	}
	return page, pageSize
}

func totalPages(total int64, pageSize int) int {
	return (int(total) + pageSize - 1) / pageSize
}

// setRetryAfter sets the Retry-After header when err is a rate limit
func setRetryAfter(c *gin.Context, err error) {
	var limited *cache.LimitError
	if errors.As(err, &limited) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
	}
}

// HealthHandler reports whether the database answers
func HealthHandler(db *gorm.DB, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB() // Underlying connection pool
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			log.WithError(err).Error("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
