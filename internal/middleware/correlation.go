// Package middleware contains gin middleware shared across the HTTP
// surface (the /ws upgrade endpoint, /metrics, and the health checks).
package middleware

import (
	"context"

	"chatsignal/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header carrying the per-request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns (or propagates) a correlation id for the request,
// echoes it back in the response header, and stamps it onto the request's
// context so every logging call downstream picks it up automatically.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
