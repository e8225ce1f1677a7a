package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
	"github.com/kpath-enterprise/kpath/pkg/ranking"
	"github.com/kpath-enterprise/kpath/pkg/vectorindex"
)

// Catalog is the slice of the catalog store the planner hydrates from.
type Catalog interface {
	ServicesByIDs(ctx context.Context, ids []int64) (map[int64]*models.Service, error)
	ToolsByServiceID(ctx context.Context, serviceID int64) ([]*models.Tool, error)
	ToolByID(ctx context.Context, id int64) (*models.Tool, error)
	ActiveCapabilities(ctx context.Context) ([]*models.Capability, error)
	ActiveTools(ctx context.Context) ([]*models.Tool, error)
	WorkflowTriples(ctx context.Context, minInvocations int64) ([]*models.WorkflowTriple, error)
}

// IndexProvider hands out the live vector indexes.
type IndexProvider interface {
	ServiceIndex() (*vectorindex.Index, error)
	ToolIndex() (*vectorindex.Index, error)
}

// Options tune planner behavior.
type Options struct {
	// WorkflowsEnabled gates workflow mode.
	WorkflowsEnabled bool
	// MinWorkflowInvocations is the success threshold for mined triples.
	MinWorkflowInvocations int64
}

// Service plans and executes searches.
type Service struct {
	indexes  IndexProvider
	embedder embedding.Embedder
	catalog  Catalog
	ranker   *ranking.Ranker
	opts     Options
	logger   observability.Logger
	metrics  observability.MetricsClient
	now      func() time.Time
}

// NewService wires a planner over the given collaborators.
func NewService(indexes IndexProvider, embedder embedding.Embedder, cat Catalog, ranker *ranking.Ranker, opts Options, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if logger == nil {
		logger = observability.NewLogger("search")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if opts.MinWorkflowInvocations <= 0 {
		opts.MinWorkflowInvocations = 2
	}
	return &Service{
		indexes:  indexes,
		embedder: embedder,
		catalog:  cat,
		ranker:   ranker,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Search validates the request, dispatches it to the selected mode and
// assembles the response envelope.
func (s *Service) Search(ctx context.Context, userID int64, req *SearchRequest) (*SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.SearchMode == ModeWorkflows && !s.opts.WorkflowsEnabled {
		return nil, &ValidationError{Fields: map[string]string{
			"search_mode": "workflows mode is disabled",
		}}
	}

	start := s.now()
	queryVector, err := s.embedder.EmbedText(ctx, embedding.ExpandQuery(req.Query))
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var results []*SearchResult
	switch req.SearchMode {
	case ModeAgentsOnly:
		results, err = s.searchAgents(ctx, queryVector, req, true)
	case ModeToolsOnly:
		results, err = s.searchTools(ctx, queryVector, req)
	case ModeAgentsAndTools:
		results, err = s.searchAgentsAndTools(ctx, queryVector, req)
	case ModeWorkflows:
		results, err = s.searchWorkflows(ctx, queryVector, req)
	case ModeCapabilities:
		results, err = s.searchCapabilities(ctx, queryVector, req)
	}
	if err != nil {
		return nil, err
	}

	assignRanks(results)
	elapsed := s.now().Sub(start)
	s.metrics.RecordTimer("search_duration_seconds", elapsed, map[string]string{"mode": req.SearchMode})

	return &SearchResponse{
		Query:        req.Query,
		Results:      results,
		TotalResults: len(results),
		SearchTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		UserID:       userID,
		Timestamp:    s.now().UTC(),
		SearchMode:   req.SearchMode,
	}, nil
}

// searchAgents ranks services: candidates from the service index,
// feedback rerank, then domain/capability and score filters. The
// merged mode passes rerank=false and applies feedback after merging.
func (s *Service) searchAgents(ctx context.Context, queryVector []float32, req *SearchRequest, rerank bool) ([]*SearchResult, error) {
	index, err := s.indexes.ServiceIndex()
	if err != nil {
		return nil, err
	}
	hits, err := index.Search(queryVector, 3*req.Limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []*SearchResult{}, nil
	}

	candidates := make([]ranking.Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = ranking.Candidate{ServiceID: h.ID, Score: h.Score}
	}
	if rerank {
		candidates = s.ranker.Rerank(ctx, embedding.QueryHash(req.Query), candidates)
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ServiceID
	}
	services, err := s.catalog.ServicesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate services: %w", err)
	}

	results := make([]*SearchResult, 0, req.Limit)
	for _, c := range candidates {
		if c.Score < req.MinScore {
			continue
		}
		svc, ok := services[c.ServiceID]
		if !ok {
			// Dropped between index build and hydration.
			continue
		}
		if !matchesFilters(svc, req.Domains, req.Capabilities) {
			continue
		}
		if req.IncludeOrchestration {
			tools, err := s.catalog.ToolsByServiceID(ctx, svc.ID)
			if err != nil {
				s.logger.Warn("Dropping result, tool hydration failed", map[string]interface{}{
					"service_id": svc.ID,
					"error":      err.Error(),
				})
				continue
			}
			svc.Tools = tools
		}

		results = append(results, &SearchResult{
			ServiceID:  svc.ID,
			Score:      c.Score,
			EntityType: EntityService,
			Service:    newServiceRecord(svc, req.IncludeOrchestration),
			Distance:   distanceOf(c.Score),
		})
		if len(results) == req.Limit {
			break
		}
	}
	return results, nil
}

// searchTools ranks tools and shapes each hit as service+recommended_tool.
func (s *Service) searchTools(ctx context.Context, queryVector []float32, req *SearchRequest) ([]*SearchResult, error) {
	index, err := s.indexes.ToolIndex()
	if err != nil {
		return nil, err
	}
	hits, err := index.Search(queryVector, 3*req.Limit)
	if err != nil {
		return nil, err
	}

	serviceIDs := make([]int64, 0, len(hits))
	for _, h := range hits {
		if ref, ok := index.Ref(h.ID); ok {
			serviceIDs = append(serviceIDs, ref)
		}
	}
	services, err := s.catalog.ServicesByIDs(ctx, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate services: %w", err)
	}

	results := make([]*SearchResult, 0, req.Limit)
	for _, h := range hits {
		if h.Score < req.MinScore {
			continue
		}
		parentID, ok := index.Ref(h.ID)
		if !ok {
			continue
		}
		svc, ok := services[parentID]
		if !ok {
			continue
		}
		tool, err := s.catalog.ToolByID(ctx, h.ID)
		if err != nil {
			s.logger.Warn("Dropping result, tool hydration failed", map[string]interface{}{
				"tool_id": h.ID,
				"error":   err.Error(),
			})
			continue
		}

		results = append(results, &SearchResult{
			ServiceID:  svc.ID,
			Score:      h.Score,
			EntityType: EntityServiceWithTool,
			Service:    newServiceRecord(svc, req.IncludeOrchestration),
			RecommendedTool: &RecommendedTool{
				ToolID:              tool.ID,
				ToolName:            tool.ToolName,
				ToolDescription:     tool.Description,
				InputSchema:         tool.InputSchema,
				OutputSchema:        tool.OutputSchema,
				ExampleCalls:        tool.ExampleCalls,
				RecommendationScore: h.Score,
				RecommendationReason: fmt.Sprintf("%s is the closest tool match for this query (similarity %.2f)",
					tool.ToolName, h.Score),
			},
			Distance: distanceOf(h.Score),
		})
		if len(results) == req.Limit {
			break
		}
	}
	return results, nil
}

// searchAgentsAndTools merges the two single-entity modes, applies the
// feedback adjustment to the merged list so agent and tool records
// compete on the same scale, then resorts and truncates.
func (s *Service) searchAgentsAndTools(ctx context.Context, queryVector []float32, req *SearchRequest) ([]*SearchResult, error) {
	agents, err := s.searchAgents(ctx, queryVector, req, false)
	if err != nil {
		return nil, err
	}
	tools, err := s.searchTools(ctx, queryVector, req)
	if err != nil {
		return nil, err
	}

	merged := append(agents, tools...)
	if len(merged) == 0 {
		return merged, nil
	}

	candidates := make([]ranking.Candidate, len(merged))
	for i, rec := range merged {
		candidates[i] = ranking.Candidate{ServiceID: rec.ServiceID, Score: rec.Score}
	}
	blended := s.ranker.Apply(ctx, embedding.QueryHash(req.Query), candidates)

	results := make([]*SearchResult, 0, len(merged))
	for i, rec := range merged {
		rec.Score = blended[i].Score
		rec.Distance = distanceOf(rec.Score)
		if rec.Score < req.MinScore {
			continue
		}
		results = append(results, rec)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// matchesFilters applies the domain and capability post-filters. The
// capability filter matches a case-insensitive substring of any
// capability description.
func matchesFilters(svc *models.Service, domains, capabilities []string) bool {
	if len(domains) > 0 {
		found := false
	domainLoop:
		for _, want := range domains {
			for _, have := range svc.DomainNames() {
				if equalFold(have, want) {
					found = true
					break domainLoop
				}
			}
		}
		if !found {
			return false
		}
	}

	if len(capabilities) > 0 {
		found := false
	capLoop:
		for _, want := range capabilities {
			for _, desc := range svc.CapabilityDescriptions() {
				if containsFold(desc, want) {
					found = true
					break capLoop
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// assignRanks numbers results 1..n in place.
func assignRanks(results []*SearchResult) {
	for i, r := range results {
		r.Rank = i + 1
	}
}

func distanceOf(score float64) *float64 {
	d := 1 - score
	return &d
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(strings.TrimSpace(needle)))
}
