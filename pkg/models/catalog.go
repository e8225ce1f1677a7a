// Package models defines the catalog entities served by the KPATH
// discovery service: services, their tools and capabilities, the
// connectivity metadata returned with search results, and the
// append-only feedback and observation records.
package models

import (
	"sort"
	"time"
)

// Service lifecycle states. Only active services are searchable.
const (
	ServiceStatusActive     = "active"
	ServiceStatusInactive   = "inactive"
	ServiceStatusDeprecated = "deprecated"
)

// Service is a discoverable provider of invocable tools.
type Service struct {
	ID                 int64     `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Description        string    `db:"description" json:"description"`
	Endpoint           *string   `db:"endpoint" json:"endpoint"`
	Version            *string   `db:"version" json:"version"`
	Status             string    `db:"status" json:"status"`
	ToolType           string    `db:"tool_type" json:"tool_type"`
	Visibility         string    `db:"visibility" json:"visibility"`
	InteractionModes   JSONList  `db:"interaction_modes" json:"interaction_modes"`
	DefaultTimeoutMs   int       `db:"default_timeout_ms" json:"default_timeout_ms"`
	DefaultRetryPolicy JSONMap   `db:"default_retry_policy" json:"default_retry_policy"`
	SuccessCriteria    JSONMap   `db:"success_criteria" json:"success_criteria,omitempty"`
	Tags               JSONList  `db:"tags" json:"tags,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`

	// Eager-loaded relations, populated by the catalog reader.
	Capabilities       []*Capability       `db:"-" json:"capabilities,omitempty"`
	Industries         []*ServiceIndustry  `db:"-" json:"industries,omitempty"`
	IntegrationDetails *IntegrationDetails `db:"-" json:"integration_details,omitempty"`
	AgentProtocol      *AgentProtocol      `db:"-" json:"agent_protocol,omitempty"`
	Tools              []*Tool             `db:"-" json:"tools,omitempty"`
}

// IsActive reports whether the service participates in search.
func (s *Service) IsActive() bool {
	return s.Status == ServiceStatusActive
}

// DomainNames returns the service's industry/domain tags.
func (s *Service) DomainNames() []string {
	out := make([]string, 0, len(s.Industries))
	for _, ind := range s.Industries {
		out = append(out, ind.Domain)
	}
	return out
}

// CapabilityDescriptions returns the descriptions of the service's capabilities.
func (s *Service) CapabilityDescriptions() []string {
	out := make([]string, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		out = append(out, c.Description)
	}
	return out
}

// Capability is a short described ability of a service.
type Capability struct {
	ID           int64   `db:"id" json:"id"`
	ServiceID    int64   `db:"service_id" json:"service_id"`
	Name         string  `db:"name" json:"name"`
	Description  string  `db:"description" json:"description"`
	InputSchema  JSONMap `db:"input_schema" json:"input_schema,omitempty"`
	OutputSchema JSONMap `db:"output_schema" json:"output_schema,omitempty"`
}

// ServiceIndustry tags a service with a business domain.
type ServiceIndustry struct {
	ID        int64  `db:"id" json:"id"`
	ServiceID int64  `db:"service_id" json:"service_id"`
	Domain    string `db:"domain" json:"domain"`
}

// IntegrationDetails is the per-service connectivity contract.
type IntegrationDetails struct {
	ID                  int64    `db:"id" json:"id"`
	ServiceID           int64    `db:"service_id" json:"service_id"`
	Protocol            string   `db:"protocol" json:"protocol"`
	BaseEndpoint        *string  `db:"base_endpoint" json:"base_endpoint"`
	AuthMethod          *string  `db:"auth_method" json:"auth_method"`
	AuthConfig          JSONMap  `db:"auth_config" json:"auth_config,omitempty"`
	RateLimitRequests   *int     `db:"rate_limit_requests" json:"rate_limit_requests,omitempty"`
	RateLimitWindowSecs *int     `db:"rate_limit_window_seconds" json:"rate_limit_window_seconds,omitempty"`
	CustomHeaders       JSONMap  `db:"custom_headers" json:"custom_headers,omitempty"`
	RequestContentType  *string  `db:"request_content_type" json:"request_content_type,omitempty"`
	ResponseContentType *string  `db:"response_content_type" json:"response_content_type,omitempty"`
	HealthCheckEndpoint *string  `db:"health_check_endpoint" json:"health_check_endpoint,omitempty"`
}

// AgentProtocol is the per-service agent-facing contract.
type AgentProtocol struct {
	ID                  int64   `db:"id" json:"id"`
	ServiceID           int64   `db:"service_id" json:"service_id"`
	MessageProtocol     string  `db:"message_protocol" json:"message_protocol"`
	ProtocolVersion     *string `db:"protocol_version" json:"protocol_version,omitempty"`
	ExpectedInputFormat *string `db:"expected_input_format" json:"expected_input_format,omitempty"`
	ResponseStyle       *string `db:"response_style" json:"response_style,omitempty"`
	ToolSchema          JSONMap `db:"tool_schema" json:"tool_schema,omitempty"`
	SupportsStreaming   bool    `db:"supports_streaming" json:"supports_streaming"`
	SupportsAsync       bool    `db:"supports_async" json:"supports_async"`
	SupportsBatch       bool    `db:"supports_batch" json:"supports_batch"`
}

// Tool is a named invocable operation belonging to exactly one service.
type Tool struct {
	ID                int64      `db:"id" json:"id"`
	ServiceID         int64      `db:"service_id" json:"service_id"`
	ToolName          string     `db:"tool_name" json:"tool_name"`
	Description       string     `db:"description" json:"description"`
	InputSchema       JSONMap    `db:"input_schema" json:"input_schema"`
	OutputSchema      JSONMap    `db:"output_schema" json:"output_schema"`
	ExampleCalls      JSONList   `db:"example_calls" json:"example_calls,omitempty"`
	ValidationRules   JSONMap    `db:"validation_rules" json:"validation_rules,omitempty"`
	Version           *string    `db:"version" json:"version,omitempty"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	DeprecationDate   *time.Time `db:"deprecation_date" json:"deprecation_date,omitempty"`
	DeprecationNotice *string    `db:"deprecation_notice" json:"deprecation_notice,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	// ServiceName is the parent service's name, joined by the reader.
	ServiceName string `db:"service_name" json:"service_name,omitempty"`
}

// SchemaPropertyNames returns the sorted top-level property names of a
// JSON schema. Used by the text composer.
func SchemaPropertyNames(schema JSONMap) []string {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExampleCallLabels returns the labels of a tool's example calls.
func (t *Tool) ExampleCallLabels() []string {
	var labels []string
	for _, ex := range t.ExampleCalls {
		m, ok := ex.(map[string]interface{})
		if !ok {
			continue
		}
		if label, ok := m["label"].(string); ok && label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}
