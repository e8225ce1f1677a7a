package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/kpath-enterprise/kpath/pkg/catalog"
	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/vectorindex"
)

// removeToolsOf drops every tool entry whose ref points at the given
// service. Returns how many entries were removed.
func removeToolsOf(toolIndex *vectorindex.Index, serviceID int64) int {
	removed := 0
	for _, id := range toolIndex.IDs() {
		if ref, ok := toolIndex.Ref(id); ok && ref == serviceID {
			if toolIndex.Remove(id) {
				removed++
			}
		}
	}
	return removed
}

// AddService embeds a single service and its tools into the live
// indexes and persists the result. An inactive or missing service is
// treated as a removal so callers can use this after any upsert.
func (m *Manager) AddService(ctx context.Context, serviceID int64) error {
	return m.applyServiceDelta(ctx, serviceID, false)
}

// UpdateService re-embeds a single service and replaces its index
// entries, including the full set of its tool entries.
func (m *Manager) UpdateService(ctx context.Context, serviceID int64) error {
	return m.applyServiceDelta(ctx, serviceID, true)
}

// RemoveService drops a service and all of its tools from the indexes
// and persists the result.
func (m *Manager) RemoveService(ctx context.Context, serviceID int64) error {
	serviceIndex, err := m.ServiceIndex()
	if err != nil {
		return err
	}
	toolIndex, err := m.ToolIndex()
	if err != nil {
		return err
	}

	removed := serviceIndex.Remove(serviceID)
	removedTools := removeToolsOf(toolIndex, serviceID)
	if !removed && removedTools == 0 {
		return nil
	}

	if err := m.persist(serviceIndex, toolIndex); err != nil {
		return err
	}
	m.logger.Info("Removed service from indexes", map[string]interface{}{
		"service_id": serviceID,
		"tools":      removedTools,
	})
	return nil
}

func (m *Manager) applyServiceDelta(ctx context.Context, serviceID int64, replace bool) error {
	serviceIndex, err := m.ServiceIndex()
	if err != nil {
		return err
	}
	toolIndex, err := m.ToolIndex()
	if err != nil {
		return err
	}

	svc, err := m.catalog.ServiceByID(ctx, serviceID)
	if errors.Is(err, catalog.ErrNotFound) {
		return m.RemoveService(ctx, serviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to read service %d: %w", serviceID, err)
	}
	if !svc.IsActive() {
		return m.RemoveService(ctx, serviceID)
	}

	vector, err := m.embedder.EmbedText(ctx, embedding.ComposeServiceText(svc))
	if err != nil {
		return fmt.Errorf("failed to embed service %d: %w", serviceID, err)
	}

	if replace {
		ok, err := serviceIndex.Update(serviceID, vector)
		if err != nil {
			return err
		}
		if !ok {
			if err := serviceIndex.Add(serviceID, vector); err != nil {
				return err
			}
		}
	} else {
		if err := serviceIndex.Add(serviceID, vector); err != nil {
			if !errors.Is(err, vectorindex.ErrDuplicateID) {
				return err
			}
			// An add that races an existing entry degrades to an update.
			if _, uerr := serviceIndex.Update(serviceID, vector); uerr != nil {
				return uerr
			}
		}
	}

	// The tool set may have changed arbitrarily; rebuild this service's
	// slice of the tool index from scratch.
	removeToolsOf(toolIndex, serviceID)
	tools, err := m.catalog.ToolsByServiceID(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("failed to read tools of service %d: %w", serviceID, err)
	}
	for _, tool := range tools {
		toolVec, err := m.embedder.EmbedText(ctx, embedding.ComposeToolText(tool))
		if err != nil {
			return fmt.Errorf("failed to embed tool %d: %w", tool.ID, err)
		}
		if err := toolIndex.Add(tool.ID, toolVec); err != nil {
			return err
		}
		toolIndex.SetRef(tool.ID, serviceID)
	}

	if err := m.persist(serviceIndex, toolIndex); err != nil {
		return err
	}
	m.logger.Info("Applied service delta to indexes", map[string]interface{}{
		"service_id": serviceID,
		"tools":      len(tools),
		"replace":    replace,
	})
	return nil
}
