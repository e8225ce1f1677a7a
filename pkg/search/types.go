// Package search plans queries across the five search modes, applies
// post-filters and feedback reranking, and assembles response records.
package search

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kpath-enterprise/kpath/pkg/models"
)

// Search modes.
const (
	ModeAgentsOnly     = "agents_only"
	ModeToolsOnly      = "tools_only"
	ModeAgentsAndTools = "agents_and_tools"
	ModeWorkflows      = "workflows"
	ModeCapabilities   = "capabilities"
)

// Entity types carried on result records.
const (
	EntityService         = "service"
	EntityServiceWithTool = "service_with_tool"
	EntityWorkflow        = "workflow"
	EntityCapability      = "capability"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// ValidationError carries field-level messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, "; ")
}

// SearchRequest is the validated search input.
type SearchRequest struct {
	Query                string   `json:"query"`
	Limit                int      `json:"limit"`
	MinScore             float64  `json:"min_score"`
	Domains              []string `json:"domains,omitempty"`
	Capabilities         []string `json:"capabilities,omitempty"`
	IncludeOrchestration bool     `json:"include_orchestration"`
	SearchMode           string   `json:"search_mode"`
}

// Validate applies defaults and returns a ValidationError listing every
// violated constraint.
func (r *SearchRequest) Validate() error {
	fields := map[string]string{}

	if strings.TrimSpace(r.Query) == "" {
		fields["query"] = "must not be empty"
	}
	if r.Limit == 0 {
		r.Limit = defaultLimit
	}
	if r.Limit < 1 || r.Limit > maxLimit {
		fields["limit"] = fmt.Sprintf("must be between 1 and %d", maxLimit)
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		fields["min_score"] = "must be between 0 and 1"
	}
	if r.SearchMode == "" {
		r.SearchMode = ModeAgentsOnly
	}
	switch r.SearchMode {
	case ModeAgentsOnly, ModeToolsOnly, ModeAgentsAndTools, ModeWorkflows, ModeCapabilities:
	default:
		fields["search_mode"] = fmt.Sprintf("unknown mode %q", r.SearchMode)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ServiceRecord is the hydrated service shape returned with results.
type ServiceRecord struct {
	ID                   int64                      `json:"id"`
	Name                 string                     `json:"name"`
	Description          string                     `json:"description"`
	Endpoint             *string                    `json:"endpoint"`
	Version              *string                    `json:"version"`
	Status               string                     `json:"status"`
	ToolType             string                     `json:"tool_type"`
	Visibility           string                     `json:"visibility"`
	InteractionModes     models.JSONList            `json:"interaction_modes"`
	Capabilities         []string                   `json:"capabilities"`
	Domains              []string                   `json:"domains"`
	DefaultTimeoutMs     int                        `json:"default_timeout_ms"`
	DefaultRetryPolicy   models.JSONMap             `json:"default_retry_policy"`
	IntegrationDetails   *models.IntegrationDetails `json:"integration_details"`
	AgentProtocolDetails *models.AgentProtocol      `json:"agent_protocol_details"`

	// Orchestration-only fields, present when include_orchestration is set.
	Tools           []*models.Tool `json:"tools,omitempty"`
	SuccessCriteria models.JSONMap `json:"success_criteria,omitempty"`
}

// RecommendedTool is the tool payload returned in tools-only records.
type RecommendedTool struct {
	ToolID               int64           `json:"tool_id"`
	ToolName             string          `json:"tool_name"`
	ToolDescription      string          `json:"tool_description"`
	InputSchema          models.JSONMap  `json:"input_schema"`
	OutputSchema         models.JSONMap  `json:"output_schema"`
	ExampleCalls         models.JSONList `json:"example_calls"`
	RecommendationScore  float64         `json:"recommendation_score"`
	RecommendationReason string          `json:"recommendation_reason"`
}

// WorkflowData describes a mined invocation pattern.
type WorkflowData struct {
	InitiatorID     int64  `json:"initiator_id"`
	TargetID        int64  `json:"target_id"`
	ToolID          int64  `json:"tool_id"`
	InvocationCount int64  `json:"invocation_count"`
	Description     string `json:"description"`
}

// SearchResult is one ranked record.
type SearchResult struct {
	ServiceID       int64            `json:"service_id"`
	Score           float64          `json:"score"`
	Rank            int              `json:"rank"`
	EntityType      string           `json:"entity_type"`
	Service         *ServiceRecord   `json:"service,omitempty"`
	RecommendedTool *RecommendedTool `json:"recommended_tool,omitempty"`
	WorkflowData    *WorkflowData    `json:"workflow_data,omitempty"`
	Distance        *float64         `json:"distance,omitempty"`
}

// SearchResponse is the full response envelope.
type SearchResponse struct {
	Query        string          `json:"query"`
	Results      []*SearchResult `json:"results"`
	TotalResults int             `json:"total_results"`
	SearchTimeMs float64         `json:"search_time_ms"`
	UserID       int64           `json:"user_id"`
	Timestamp    time.Time       `json:"timestamp"`
	SearchMode   string          `json:"search_mode"`
}

// newServiceRecord projects a catalog service onto the response shape.
func newServiceRecord(svc *models.Service, includeOrchestration bool) *ServiceRecord {
	capabilities := make([]string, 0, len(svc.Capabilities))
	for _, c := range svc.Capabilities {
		capabilities = append(capabilities, c.Name)
	}

	rec := &ServiceRecord{
		ID:                   svc.ID,
		Name:                 svc.Name,
		Description:          svc.Description,
		Endpoint:             svc.Endpoint,
		Version:              svc.Version,
		Status:               svc.Status,
		ToolType:             svc.ToolType,
		Visibility:           svc.Visibility,
		InteractionModes:     svc.InteractionModes,
		Capabilities:         capabilities,
		Domains:              svc.DomainNames(),
		DefaultTimeoutMs:     svc.DefaultTimeoutMs,
		DefaultRetryPolicy:   svc.DefaultRetryPolicy,
		IntegrationDetails:   svc.IntegrationDetails,
		AgentProtocolDetails: svc.AgentProtocol,
	}
	if includeOrchestration {
		rec.Tools = svc.Tools
		rec.SuccessCriteria = svc.SuccessCriteria
	}
	return rec
}
