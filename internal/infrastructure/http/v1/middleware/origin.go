package middleware

import (
	"github.com/gin-gonic/gin"

	appctx "trigon/internal/core/context"
	"trigon/internal/core/tenant"
)

const (
	// ActorHeader identifies the operator performing the request.
	ActorHeader = "X-Actor-ID"
)

// Origin middleware stamps the request context with who initiated the
// change, so handlers and audit sinks can attribute mutations.
// Must run after TenantDB.
func Origin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		origin := &appctx.Origin{
			TenantID: tenant.GetTenantID(ctx),
			ActorID:  c.GetHeader(ActorHeader),
			Source:   "api",
		}

		c.Request = c.Request.WithContext(appctx.WithOrigin(ctx, origin))
		c.Next()
	}
}
