package middleware

import (
	"mirapay/internal/apperr" // Error kinds
	"mirapay/internal/domain" // Domain models

	"github.com/gin-gonic/gin" // Gin web framework
)

var errAdminOnly = apperr.New(apperr.Forbidden, "admin access required")

// AdminOnly lets through users whose role is admin. It must run after TokenAuth,
// which reloads the user on every request.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(KeyUser)
		if !exists {
			Abort(c, errMissingHeader)
			return
		}
		if u, ok := v.(domain.User); !ok || u.Role != domain.RoleAdmin {
			Abort(c, errAdminOnly)
			return
		}
		c.Next()
	}
}
