// Package api exposes the KPATH discovery service over HTTP: search,
// feedback capture, index lifecycle and health.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kpath-enterprise/kpath/pkg/catalog"
	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/indexer"
	"github.com/kpath-enterprise/kpath/pkg/search"
)

// writeError is the single place planner and store errors become HTTP
// responses.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *search.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
	case errors.Is(err, catalog.ErrInvalidSchema):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, indexer.ErrNotInitialized), errors.Is(err, embedding.ErrNotFitted):
		// An unfitted fallback embedder means the model artifact was
		// never built, the same uninitialized state as a missing index.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search index not initialized, retry shortly"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request deadline exceeded"})
	default:
		// Unexpected: log the details, return only a correlation id.
		correlationID := uuid.New().String()
		s.logger.Error("Request failed", map[string]interface{}{
			"correlation_id": correlationID,
			"path":           c.FullPath(),
			"error":          err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "internal error",
			"correlation_id": correlationID,
		})
	}
}
