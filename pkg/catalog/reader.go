package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kpath-enterprise/kpath/pkg/models"
)

// ActiveServices returns all active services ordered by id, with
// capabilities, industries, integration details and agent protocol
// eager-loaded through batched secondary selects.
func (r *Repository) ActiveServices(ctx context.Context) ([]*models.Service, error) {
	var services []*models.Service
	query := `
		SELECT id, name, description, endpoint, version, status, tool_type,
		       visibility, interaction_modes, default_timeout_ms,
		       default_retry_policy, success_criteria, tags, created_at, updated_at
		FROM services
		WHERE status = 'active'
		ORDER BY id`
	if err := r.db.SelectContext(ctx, &services, query); err != nil {
		return nil, fmt.Errorf("failed to list active services: %w", err)
	}
	if len(services) == 0 {
		return services, nil
	}

	ids := make([]int64, len(services))
	byID := make(map[int64]*models.Service, len(services))
	for i, svc := range services {
		ids[i] = svc.ID
		byID[svc.ID] = svc
	}

	if err := r.loadRelations(ctx, ids, byID); err != nil {
		return nil, err
	}
	return services, nil
}

func (r *Repository) loadRelations(ctx context.Context, ids []int64, byID map[int64]*models.Service) error {
	var caps []*models.Capability
	query := `
		SELECT id, service_id, name, description, input_schema, output_schema
		FROM capabilities WHERE service_id = ANY($1) ORDER BY id`
	if err := r.db.SelectContext(ctx, &caps, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load capabilities: %w", err)
	}
	for _, c := range caps {
		if svc, ok := byID[c.ServiceID]; ok {
			svc.Capabilities = append(svc.Capabilities, c)
		}
	}

	var industries []*models.ServiceIndustry
	query = `SELECT id, service_id, domain FROM service_industries WHERE service_id = ANY($1) ORDER BY id`
	if err := r.db.SelectContext(ctx, &industries, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load industries: %w", err)
	}
	for _, ind := range industries {
		if svc, ok := byID[ind.ServiceID]; ok {
			svc.Industries = append(svc.Industries, ind)
		}
	}

	var details []*models.IntegrationDetails
	query = `
		SELECT id, service_id, protocol, base_endpoint, auth_method, auth_config,
		       rate_limit_requests, rate_limit_window_seconds, custom_headers,
		       request_content_type, response_content_type, health_check_endpoint
		FROM integration_details WHERE service_id = ANY($1)`
	if err := r.db.SelectContext(ctx, &details, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load integration details: %w", err)
	}
	for _, d := range details {
		if svc, ok := byID[d.ServiceID]; ok {
			svc.IntegrationDetails = d
		}
	}

	var protocols []*models.AgentProtocol
	query = `
		SELECT id, service_id, message_protocol, protocol_version,
		       expected_input_format, response_style, tool_schema,
		       supports_streaming, supports_async, supports_batch
		FROM agent_protocols WHERE service_id = ANY($1)`
	if err := r.db.SelectContext(ctx, &protocols, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load agent protocols: %w", err)
	}
	for _, p := range protocols {
		if svc, ok := byID[p.ServiceID]; ok {
			svc.AgentProtocol = p
		}
	}

	return nil
}

// ActiveTools returns tools whose own flag and parent service are both
// active, with the parent service name joined in.
func (r *Repository) ActiveTools(ctx context.Context) ([]*models.Tool, error) {
	var tools []*models.Tool
	query := `
		SELECT t.id, t.service_id, t.tool_name, t.description, t.input_schema,
		       t.output_schema, t.example_calls, t.validation_rules, t.version,
		       t.is_active, t.deprecation_date, t.deprecation_notice,
		       t.created_at, t.updated_at, s.name AS service_name
		FROM tools t
		JOIN services s ON s.id = t.service_id
		WHERE t.is_active = true AND s.status = 'active'
		ORDER BY t.id`
	if err := r.db.SelectContext(ctx, &tools, query); err != nil {
		return nil, fmt.Errorf("failed to list active tools: %w", err)
	}
	return tools, nil
}

// ToolsByServiceID returns the active tools of one service.
func (r *Repository) ToolsByServiceID(ctx context.Context, serviceID int64) ([]*models.Tool, error) {
	var tools []*models.Tool
	query := `
		SELECT t.id, t.service_id, t.tool_name, t.description, t.input_schema,
		       t.output_schema, t.example_calls, t.validation_rules, t.version,
		       t.is_active, t.deprecation_date, t.deprecation_notice,
		       t.created_at, t.updated_at, s.name AS service_name
		FROM tools t
		JOIN services s ON s.id = t.service_id
		WHERE t.service_id = $1 AND t.is_active = true
		ORDER BY t.id`
	if err := r.db.SelectContext(ctx, &tools, query, serviceID); err != nil {
		return nil, fmt.Errorf("failed to list tools for service %d: %w", serviceID, err)
	}
	return tools, nil
}

// ServiceByID returns one service with relations eager-loaded.
func (r *Repository) ServiceByID(ctx context.Context, id int64) (*models.Service, error) {
	var svc models.Service
	query := `
		SELECT id, name, description, endpoint, version, status, tool_type,
		       visibility, interaction_modes, default_timeout_ms,
		       default_retry_policy, success_criteria, tags, created_at, updated_at
		FROM services WHERE id = $1`
	if err := r.db.GetContext(ctx, &svc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get service %d: %w", id, err)
	}

	byID := map[int64]*models.Service{svc.ID: &svc}
	if err := r.loadRelations(ctx, []int64{svc.ID}, byID); err != nil {
		return nil, err
	}
	return &svc, nil
}

// ServicesByIDs returns the named services with relations, keyed by id.
// Missing ids are silently absent from the result.
func (r *Repository) ServicesByIDs(ctx context.Context, ids []int64) (map[int64]*models.Service, error) {
	if len(ids) == 0 {
		return map[int64]*models.Service{}, nil
	}

	var services []*models.Service
	query := `
		SELECT id, name, description, endpoint, version, status, tool_type,
		       visibility, interaction_modes, default_timeout_ms,
		       default_retry_policy, success_criteria, tags, created_at, updated_at
		FROM services WHERE id = ANY($1)`
	if err := r.db.SelectContext(ctx, &services, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get services by ids: %w", err)
	}

	byID := make(map[int64]*models.Service, len(services))
	found := make([]int64, 0, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
		found = append(found, svc.ID)
	}
	if len(found) > 0 {
		if err := r.loadRelations(ctx, found, byID); err != nil {
			return nil, err
		}
	}
	return byID, nil
}

// ToolByID returns one tool with its parent service name.
func (r *Repository) ToolByID(ctx context.Context, id int64) (*models.Tool, error) {
	var tool models.Tool
	query := `
		SELECT t.id, t.service_id, t.tool_name, t.description, t.input_schema,
		       t.output_schema, t.example_calls, t.validation_rules, t.version,
		       t.is_active, t.deprecation_date, t.deprecation_notice,
		       t.created_at, t.updated_at, s.name AS service_name
		FROM tools t
		JOIN services s ON s.id = t.service_id
		WHERE t.id = $1`
	if err := r.db.GetContext(ctx, &tool, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tool %d: %w", id, err)
	}
	return &tool, nil
}

// ActiveCapabilities returns capability rows of active services.
func (r *Repository) ActiveCapabilities(ctx context.Context) ([]*models.Capability, error) {
	var caps []*models.Capability
	query := `
		SELECT c.id, c.service_id, c.name, c.description, c.input_schema, c.output_schema
		FROM capabilities c
		JOIN services s ON s.id = c.service_id
		WHERE s.status = 'active'
		ORDER BY c.id`
	if err := r.db.SelectContext(ctx, &caps, query); err != nil {
		return nil, fmt.Errorf("failed to list active capabilities: %w", err)
	}
	return caps, nil
}

// WorkflowTriples returns aggregated (initiator, target, tool) patterns
// with at least minInvocations successful invocations.
func (r *Repository) WorkflowTriples(ctx context.Context, minInvocations int64) ([]*models.WorkflowTriple, error) {
	var triples []*models.WorkflowTriple
	query := `
		SELECT il.initiator_service_id, si.name AS initiator_name,
		       il.target_service_id, st.name AS target_name,
		       il.tool_id, t.tool_name,
		       COUNT(*) AS invocation_count
		FROM invocation_logs il
		JOIN services si ON si.id = il.initiator_service_id
		JOIN services st ON st.id = il.target_service_id
		JOIN tools t ON t.id = il.tool_id
		WHERE il.success = true AND st.status = 'active'
		GROUP BY il.initiator_service_id, si.name, il.target_service_id, st.name, il.tool_id, t.tool_name
		HAVING COUNT(*) >= $1
		ORDER BY invocation_count DESC`
	if err := r.db.SelectContext(ctx, &triples, query, minInvocations); err != nil {
		return nil, fmt.Errorf("failed to list workflow triples: %w", err)
	}
	return triples, nil
}
