package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-enterprise/kpath/pkg/auth"
	"github.com/kpath-enterprise/kpath/pkg/catalog"
	"github.com/kpath-enterprise/kpath/pkg/common/cache"
	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/indexer"
	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
	"github.com/kpath-enterprise/kpath/pkg/search"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSearcher struct {
	resp *search.SearchResponse
	err  error
	wait bool
}

func (f *fakeSearcher) Search(ctx context.Context, userID int64, req *search.SearchRequest) (*search.SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.Query = req.Query
	resp.SearchMode = req.SearchMode
	resp.UserID = userID
	return &resp, nil
}

type fakeManager struct {
	status   indexer.Status
	rebuilt  bool
	added    []int64
	updated  []int64
	removed  []int64
	deltaErr error
}

func (f *fakeManager) Status() indexer.Status { return f.status }
func (f *fakeManager) Rebuild(context.Context) error {
	f.rebuilt = true
	return nil
}
func (f *fakeManager) AddService(_ context.Context, id int64) error {
	f.added = append(f.added, id)
	return f.deltaErr
}
func (f *fakeManager) UpdateService(_ context.Context, id int64) error {
	f.updated = append(f.updated, id)
	return f.deltaErr
}
func (f *fakeManager) RemoveService(_ context.Context, id int64) error {
	f.removed = append(f.removed, id)
	return f.deltaErr
}

type fakeStore struct {
	services    map[int64]*models.Service
	feedback    []*models.FeedbackEvent
	queryLogs   []*models.SearchQueryLog
	requestLogs []*models.APIRequestLog
	feedbackErr error
	pingErr     error
	deleted     []int64
}

func (f *fakeStore) ServiceByID(_ context.Context, id int64) (*models.Service, error) {
	svc, ok := f.services[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return svc, nil
}
func (f *fakeStore) CreateService(_ context.Context, svc *models.Service) error {
	f.services[svc.ID] = svc
	return nil
}
func (f *fakeStore) UpdateService(_ context.Context, svc *models.Service) error {
	if _, ok := f.services[svc.ID]; !ok {
		return catalog.ErrNotFound
	}
	f.services[svc.ID] = svc
	return nil
}
func (f *fakeStore) DeleteService(_ context.Context, id int64) error {
	if _, ok := f.services[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(f.services, id)
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeStore) RecordFeedback(_ context.Context, ev *models.FeedbackEvent) error {
	if f.feedbackErr != nil {
		return f.feedbackErr
	}
	f.feedback = append(f.feedback, ev)
	return nil
}
func (f *fakeStore) LogSearchQuery(_ context.Context, entry *models.SearchQueryLog) error {
	f.queryLogs = append(f.queryLogs, entry)
	return nil
}
func (f *fakeStore) LogAPIRequest(_ context.Context, entry *models.APIRequestLog) error {
	f.requestLogs = append(f.requestLogs, entry)
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeInvalidator struct {
	invalidated []int64
}

func (f *fakeInvalidator) Invalidate(ids ...int64) {
	f.invalidated = append(f.invalidated, ids...)
}

type fixture struct {
	server      *Server
	searcher    *fakeSearcher
	manager     *fakeManager
	store       *fakeStore
	invalidator *fakeInvalidator
	tokens      *auth.TokenService
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	keys := auth.NewKeyStore(sqlx.NewDb(mockDB, "sqlmock"), observability.NewNoopLogger())
	tokens := auth.NewTokenService("test-secret", time.Hour)
	authn := auth.NewAuthenticator(keys, tokens, 1000, observability.NewNoopLogger())
	limiter := auth.NewRateLimiter(cache.NewMemoryCache(), nil, observability.NewNoopLogger())

	f := &fixture{
		searcher: &fakeSearcher{resp: &search.SearchResponse{
			Results: []*search.SearchResult{
				{ServiceID: 1, Score: 0.9, Rank: 1, EntityType: search.EntityService},
			},
			TotalResults: 1,
			Timestamp:    time.Now().UTC(),
		}},
		manager: &fakeManager{status: indexer.Status{
			State:        indexer.StateBuilt,
			ServiceCount: 3,
			ToolCount:    7,
			Dimension:    384,
		}},
		store:       &fakeStore{services: map[int64]*models.Service{1: {ID: 1, Name: "email-gateway", Status: "active"}}},
		invalidator: &fakeInvalidator{},
		tokens:      tokens,
	}
	f.server = NewServer(opts, f.searcher, f.manager, f.store, f.invalidator,
		cache.NewMemoryCache(), authn, limiter, observability.NewNoopLogger(), nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(scopes) > 0 {
		token, err := f.tokens.Issue(7, scopes)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_HealthIsPublic(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"built"`)
}

func TestServer_HealthDegradedWhenDBDown(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.pingErr = fmt.Errorf("connection refused")

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestServer_SearchRequiresAuth(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":"email"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_SearchRequiresSearchScope(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":"email"}`, auth.ScopeAdmin)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_SearchPost(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search",
		`{"query":"send email","search_mode":"agents_only"}`, auth.ScopeSearch)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, w.Body.String(), `"query":"send email"`)
	assert.Contains(t, w.Body.String(), `"search_mode":"agents_only"`)
	assert.Contains(t, w.Body.String(), `"user_id":7`)

	// One query-log row and one request-log row.
	require.Len(t, f.store.queryLogs, 1)
	assert.Equal(t, "send email", f.store.queryLogs[0].Query)
	require.Len(t, f.store.requestLogs, 1)
	assert.Equal(t, http.StatusOK, f.store.requestLogs[0].Status)
	assert.Equal(t, int64(7), f.store.requestLogs[0].UserID)
}

func TestServer_SearchRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search",
		`{"query":"x","surprise":true}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SearchGetWithParams(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodGet,
		"/api/v1/search?query=email&limit=5&min_score=0.2&domains=Finance&domains=Sales&search_mode=agents_only",
		"", auth.ScopeSearch)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_SearchGetBadLimit(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodGet, "/api/v1/search?query=email&limit=abc", "", auth.ScopeSearch)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SearchValidationError(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":""}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"query"`)
}

func TestServer_SearchIndexUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	f.searcher.err = indexer.ErrNotInitialized

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":"email"}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_SearchUnfittedEmbedderIsRetriable(t *testing.T) {
	// With no model artifact the fallback embedder fails before the
	// planner touches the indexes; same uninitialized state, same 503.
	f := newFixture(t, Options{})
	f.searcher.err = fmt.Errorf("failed to embed query: %w", embedding.ErrNotFitted)

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":"email"}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_SearchInternalErrorCarriesCorrelationID(t *testing.T) {
	f := newFixture(t, Options{})
	f.searcher.err = fmt.Errorf("matrix dimensions went sideways")

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":"email"}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "correlation_id")
	assert.NotContains(t, w.Body.String(), "matrix dimensions")
}

func TestServer_SearchDeadline(t *testing.T) {
	f := newFixture(t, Options{RequestTimeout: 30 * time.Millisecond})
	f.searcher.wait = true

	w := f.do(t, http.MethodPost, "/api/v1/search", `{"query":"email"}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestServer_FeedbackAccepted(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search/feedback",
		`{"query":"send email","service_id":1,"rank":1,"feedback_type":"click"}`, auth.ScopeSearch)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.store.feedback, 1)
	ev := f.store.feedback[0]
	assert.True(t, ev.ClickThrough)
	assert.Equal(t, int64(1), ev.SelectedServiceID)
	assert.NotEmpty(t, ev.QueryHash)
	assert.Equal(t, []int64{1}, f.invalidator.invalidated)
}

func TestServer_FeedbackScoreNormalized(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search/feedback",
		`{"query":"q","service_id":1,"rank":2,"feedback_type":"relevant","score":4}`, auth.ScopeSearch)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.store.feedback, 1)
	require.NotNil(t, f.store.feedback[0].UserSatisfaction)
	assert.InDelta(t, 0.8, *f.store.feedback[0].UserSatisfaction, 1e-9)
}

func TestServer_FeedbackInvalidType(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/search/feedback",
		`{"query":"q","service_id":1,"rank":1,"feedback_type":"meh"}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "feedback_type")
}

func TestServer_FeedbackWriteFailureSwallowed(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.feedbackErr = fmt.Errorf("disk full")

	w := f.do(t, http.MethodPost, "/api/v1/search/feedback",
		`{"query":"q","service_id":1,"rank":1,"feedback_type":"select"}`, auth.ScopeSearch)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.invalidator.invalidated)
}

func TestServer_IndexStatus(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodGet, "/api/v1/index/status", "", auth.ScopeSearch)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"built"`)
	assert.Contains(t, w.Body.String(), `"service_count":3`)
}

func TestServer_RebuildRequiresAdmin(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/index/rebuild", "", auth.ScopeSearch)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, f.manager.rebuilt)
}

func TestServer_Rebuild(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/index/rebuild", "", auth.ScopeAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.manager.rebuilt)
}

func TestServer_ServiceAdd(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/index/services/1", "", auth.ScopeAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, f.manager.added)
}

func TestServer_ServiceAddUnknown(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/index/services/404", "", auth.ScopeAdmin)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, f.manager.added)
}

func TestServer_ServiceUpdateWithBody(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPut, "/api/v1/index/services/1",
		`{"name":"email-gateway","description":"Sends email","status":"active","tool_type":"api","visibility":"internal"}`,
		auth.ScopeAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, f.manager.updated)
	assert.Equal(t, "Sends email", f.store.services[1].Description)
}

func TestServer_ServiceRemove(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodDelete, "/api/v1/index/services/1", "", auth.ScopeAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, f.store.deleted)
	assert.Equal(t, []int64{1}, f.manager.removed)
}

func TestServer_ServiceRemoveAbsentIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodDelete, "/api/v1/index/services/999", "", auth.ScopeAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{999}, f.manager.removed)
}

func TestServer_BadServiceID(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/v1/index/services/banana", "", auth.ScopeAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
