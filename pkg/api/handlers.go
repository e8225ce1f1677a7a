package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kpath-enterprise/kpath/pkg/auth"
	"github.com/kpath-enterprise/kpath/pkg/catalog"
	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/search"
)

// contextWithLogTimeout returns a short-lived context for best-effort
// observation writes, detached from the request deadline.
func contextWithLogTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// decodeStrict decodes a JSON body rejecting unknown fields.
func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleSearchPost(c *gin.Context) {
	var req search.SearchRequest
	if err := decodeStrict(c.Request.Body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
		return
	}
	s.runSearch(c, &req)
}

func (s *Server) handleSearchGet(c *gin.Context) {
	req := search.SearchRequest{
		Query:      c.Query("query"),
		SearchMode: c.Query("search_mode"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		req.Limit = n
	}
	if raw := c.Query("min_score"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_score must be a number"})
			return
		}
		req.MinScore = f
	}
	if raw := c.Query("include_orchestration"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "include_orchestration must be a boolean"})
			return
		}
		req.IncludeOrchestration = b
	}
	req.Domains = c.QueryArray("domains")
	req.Capabilities = c.QueryArray("capabilities")

	s.runSearch(c, &req)
}

func (s *Server) runSearch(c *gin.Context, req *search.SearchRequest) {
	p, _ := auth.PrincipalFrom(c)

	resp, err := s.searcher.Search(c.Request.Context(), p.UserID, req)
	if err != nil {
		if c.Request.Context().Err() != nil {
			s.writeError(c, c.Request.Context().Err())
			return
		}
		s.writeError(c, err)
		return
	}

	s.logQuery(p.UserID, resp)
	c.JSON(http.StatusOK, resp)
}

// logQuery appends the per-search observation row. Best effort.
func (s *Server) logQuery(userID int64, resp *search.SearchResponse) {
	ctx, cancel := contextWithLogTimeout()
	defer cancel()
	err := s.store.LogSearchQuery(ctx, &models.SearchQueryLog{
		Query:       resp.Query,
		UserID:      userID,
		SearchMode:  resp.SearchMode,
		ResultCount: resp.TotalResults,
		ElapsedMs:   resp.SearchTimeMs,
	})
	if err != nil {
		s.logger.Debug("Failed to write query log", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// feedbackRequest is the feedback submission body.
type feedbackRequest struct {
	Query        string   `json:"query"`
	ServiceID    int64    `json:"service_id"`
	Rank         int      `json:"rank"`
	FeedbackType string   `json:"feedback_type"`
	Score        *float64 `json:"score,omitempty"`
}

func (s *Server) handleFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := decodeStrict(c.Request.Body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
		return
	}

	fields := map[string]string{}
	if req.Query == "" {
		fields["query"] = "must not be empty"
	}
	if req.ServiceID <= 0 {
		fields["service_id"] = "must be positive"
	}
	if req.Rank < 1 {
		fields["rank"] = "must be 1 or greater"
	}
	if !models.ValidFeedbackType(req.FeedbackType) {
		fields["feedback_type"] = "must be one of click, select, relevant, not_relevant"
	}
	if req.Score != nil && (*req.Score < 0 || *req.Score > 5) {
		fields["score"] = "must be between 0 and 5"
	}
	if len(fields) > 0 {
		s.writeError(c, &search.ValidationError{Fields: fields})
		return
	}

	p, _ := auth.PrincipalFrom(c)
	ev := &models.FeedbackEvent{
		Query:             req.Query,
		QueryHash:         embedding.QueryHash(req.Query),
		SelectedServiceID: req.ServiceID,
		Rank:              req.Rank,
		ClickThrough:      req.FeedbackType == models.FeedbackTypeClick || req.FeedbackType == models.FeedbackTypeSelect,
		UserID:            p.UserID,
	}
	switch {
	case req.Score != nil:
		satisfaction := *req.Score / 5
		ev.UserSatisfaction = &satisfaction
	case req.FeedbackType == models.FeedbackTypeRelevant:
		one := 1.0
		ev.UserSatisfaction = &one
	case req.FeedbackType == models.FeedbackTypeNotRelevant:
		zero := 0.0
		ev.UserSatisfaction = &zero
	}

	// A lost feedback row is regrettable, a failed search would be
	// worse: write failures are logged and the request still succeeds.
	if err := s.store.RecordFeedback(c.Request.Context(), ev); err != nil {
		s.logger.Warn("Failed to record feedback", map[string]interface{}{
			"service_id": req.ServiceID,
			"error":      err.Error(),
		})
	} else if s.invalidator != nil {
		s.invalidator.Invalidate(req.ServiceID)
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleIndexStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Status())
}

func (s *Server) handleIndexRebuild(c *gin.Context) {
	if err := s.manager.Rebuild(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.manager.Status())
}

// serviceUpsert is the optional body on admin service endpoints: when
// present the catalog row is written before the index delta.
type serviceUpsert struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Endpoint           *string         `json:"endpoint,omitempty"`
	Version            *string         `json:"version,omitempty"`
	Status             string          `json:"status"`
	ToolType           string          `json:"tool_type"`
	Visibility         string          `json:"visibility"`
	InteractionModes   models.JSONList `json:"interaction_modes,omitempty"`
	DefaultTimeoutMs   int             `json:"default_timeout_ms,omitempty"`
	DefaultRetryPolicy models.JSONMap  `json:"default_retry_policy,omitempty"`
	SuccessCriteria    models.JSONMap  `json:"success_criteria,omitempty"`
	Tags               models.JSONList `json:"tags,omitempty"`
}

func (u *serviceUpsert) apply(svc *models.Service) {
	svc.Name = u.Name
	svc.Description = u.Description
	svc.Endpoint = u.Endpoint
	svc.Version = u.Version
	svc.Status = u.Status
	svc.ToolType = u.ToolType
	svc.Visibility = u.Visibility
	svc.InteractionModes = u.InteractionModes
	svc.DefaultTimeoutMs = u.DefaultTimeoutMs
	svc.DefaultRetryPolicy = u.DefaultRetryPolicy
	svc.SuccessCriteria = u.SuccessCriteria
	svc.Tags = u.Tags
}

func serviceIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleServiceAdd(c *gin.Context) {
	id, ok := serviceIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// Without a body this indexes an already-cataloged service; the
	// service must exist.
	if _, err := s.store.ServiceByID(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.manager.AddService(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "indexed", "service_id": id})
}

func (s *Server) handleServiceUpdate(c *gin.Context) {
	id, ok := serviceIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	svc, err := s.store.ServiceByID(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if c.Request.ContentLength > 0 {
		var upsert serviceUpsert
		if err := decodeStrict(c.Request.Body, &upsert); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
			return
		}
		upsert.apply(svc)
		if err := s.store.UpdateService(ctx, svc); err != nil {
			s.writeError(c, err)
			return
		}
	}

	if err := s.manager.UpdateService(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "service_id": id})
}

func (s *Server) handleServiceRemove(c *gin.Context) {
	id, ok := serviceIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := s.store.DeleteService(ctx, id); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		s.writeError(c, err)
		return
	}
	if err := s.manager.RemoveService(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "service_id": id})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := contextWithLogTimeout()
	defer cancel()

	dbHealthy := s.store.Ping(ctx) == nil
	cacheHealthy := true
	if s.cache != nil {
		_, err := s.cache.Exists(ctx, "healthcheck")
		cacheHealthy = err == nil
	}
	status := s.manager.Status()

	body := gin.H{
		"status": "ok",
		"database": gin.H{
			"healthy": dbHealthy,
		},
		"cache": gin.H{
			"healthy": cacheHealthy,
		},
		"index": gin.H{
			"state":    status.State,
			"services": status.ServiceCount,
			"tools":    status.ToolCount,
		},
		"timestamp": time.Now().UTC(),
	}
	code := http.StatusOK
	if !dbHealthy {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}
