package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kpath-enterprise/kpath/pkg/auth"
	"github.com/kpath-enterprise/kpath/pkg/models"
)

// recoveryMiddleware converts panics into 500s carrying only a
// correlation id.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				correlationID := uuid.New().String()
				s.logger.Error("Panic recovered", map[string]interface{}{
					"correlation_id": correlationID,
					"path":           c.FullPath(),
					"panic":          r,
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":          "internal error",
					"correlation_id": correlationID,
				})
			}
		}()
		c.Next()
	}
}

// deadlineMiddleware bounds each request by the configured timeout.
// Handlers observe the expiry through the request context; the error
// mapper turns it into a 504.
func (s *Server) deadlineMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// observabilityMiddleware records one request-log row and latency
// metrics per call. The log write uses a fresh short context so a
// request that timed out still gets its row.
func (s *Server) observabilityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		s.metrics.RecordAPIOperation(c.Request.Method+" "+c.FullPath(), status, elapsed.Seconds())

		entry := &models.APIRequestLog{
			Endpoint:  c.FullPath(),
			Method:    c.Request.Method,
			Status:    status,
			ElapsedMs: float64(elapsed.Microseconds()) / 1000.0,
		}
		if p, ok := auth.PrincipalFrom(c); ok {
			entry.KeyID = p.KeyID
			entry.UserID = p.UserID
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.LogAPIRequest(ctx, entry); err != nil {
			s.logger.Debug("Failed to write request log", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
