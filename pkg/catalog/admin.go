package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kpath-enterprise/kpath/pkg/models"
)

// ErrInvalidSchema is returned when a tool carries a malformed JSON schema.
var ErrInvalidSchema = errors.New("invalid JSON schema")

// validateSchema rejects schemas that are not themselves loadable as
// JSON Schema documents. An empty schema is allowed.
func validateSchema(schema models.JSONMap) error {
	if len(schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return nil
}

// CreateService inserts a new service row with its capabilities and
// industry tags in one transaction.
func (r *Repository) CreateService(ctx context.Context, svc *models.Service) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO services
			(name, description, endpoint, version, status, tool_type, visibility,
			 interaction_modes, default_timeout_ms, default_retry_policy, success_criteria, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`
	if err := tx.QueryRowxContext(ctx, query,
		svc.Name, svc.Description, svc.Endpoint, svc.Version, svc.Status,
		svc.ToolType, svc.Visibility, svc.InteractionModes, svc.DefaultTimeoutMs,
		svc.DefaultRetryPolicy, svc.SuccessCriteria, svc.Tags,
	).Scan(&svc.ID, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}

	for _, c := range svc.Capabilities {
		c.ServiceID = svc.ID
		capQuery := `
			INSERT INTO capabilities (service_id, name, description, input_schema, output_schema)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`
		if err := tx.QueryRowxContext(ctx, capQuery,
			c.ServiceID, c.Name, c.Description, c.InputSchema, c.OutputSchema,
		).Scan(&c.ID); err != nil {
			return fmt.Errorf("failed to insert capability: %w", err)
		}
	}

	for _, ind := range svc.Industries {
		ind.ServiceID = svc.ID
		indQuery := `INSERT INTO service_industries (service_id, domain) VALUES ($1, $2) RETURNING id`
		if err := tx.QueryRowxContext(ctx, indQuery, ind.ServiceID, ind.Domain).Scan(&ind.ID); err != nil {
			return fmt.Errorf("failed to insert industry tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit service insert: %w", err)
	}
	return nil
}

// UpdateService updates the mutable columns of a service.
func (r *Repository) UpdateService(ctx context.Context, svc *models.Service) error {
	query := `
		UPDATE services
		SET name = $2, description = $3, endpoint = $4, version = $5, status = $6,
		    tool_type = $7, visibility = $8, interaction_modes = $9,
		    default_timeout_ms = $10, default_retry_policy = $11,
		    success_criteria = $12, tags = $13, updated_at = now()
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		svc.ID, svc.Name, svc.Description, svc.Endpoint, svc.Version, svc.Status,
		svc.ToolType, svc.Visibility, svc.InteractionModes, svc.DefaultTimeoutMs,
		svc.DefaultRetryPolicy, svc.SuccessCriteria, svc.Tags)
	if err != nil {
		return fmt.Errorf("failed to update service %d: %w", svc.ID, err)
	}
	return checkAffected(res)
}

// DeleteService removes a service. Capabilities, industries, integration
// details, protocol record and tools cascade at the schema level.
func (r *Repository) DeleteService(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service %d: %w", id, err)
	}
	return checkAffected(res)
}

// CreateTool inserts a tool after validating its schemas.
func (r *Repository) CreateTool(ctx context.Context, tool *models.Tool) error {
	if err := validateSchema(tool.InputSchema); err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	if err := validateSchema(tool.OutputSchema); err != nil {
		return fmt.Errorf("output schema: %w", err)
	}

	query := `
		INSERT INTO tools
			(service_id, tool_name, description, input_schema, output_schema,
			 example_calls, validation_rules, version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	if err := r.db.QueryRowxContext(ctx, query,
		tool.ServiceID, tool.ToolName, tool.Description, tool.InputSchema,
		tool.OutputSchema, tool.ExampleCalls, tool.ValidationRules,
		tool.Version, tool.IsActive,
	).Scan(&tool.ID, &tool.CreatedAt, &tool.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert tool: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
