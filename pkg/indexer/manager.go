// Package indexer owns the build/load/persist lifecycle of the service
// and tool vector indexes and keeps them consistent with the catalog.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
	"github.com/kpath-enterprise/kpath/pkg/vectorindex"
)

// ErrNotInitialized is returned when searches arrive before any index
// has been built or loaded. Retriable: a rebuild may be in flight.
var ErrNotInitialized = errors.New("search index not initialized")

// State of the lifecycle manager.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoaded        State = "loaded"
	StateBuilt         State = "built"
	StateRebuilding    State = "rebuilding"
)

// Artifact file names under the artifacts directory.
const (
	modelFile        = "models/embedding_model.pkl"
	serviceIndexFile = "indexes/search_index"
	toolIndexFile    = "indexes/tool_search_index"
)

// CatalogSource is the slice of the catalog the manager reads.
type CatalogSource interface {
	ActiveServices(ctx context.Context) ([]*models.Service, error)
	ActiveTools(ctx context.Context) ([]*models.Tool, error)
	ServiceByID(ctx context.Context, id int64) (*models.Service, error)
	ToolsByServiceID(ctx context.Context, serviceID int64) ([]*models.Tool, error)
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State        State     `json:"state"`
	Dimension    int       `json:"dimension"`
	ServiceCount int       `json:"service_count"`
	ToolCount    int       `json:"tool_count"`
	ArtifactsDir string    `json:"artifacts_dir"`
	LastBuiltAt  time.Time `json:"last_built_at,omitempty"`
}

// Manager exclusively owns the two vector indexes and their on-disk
// artifacts. All other components borrow index references per call.
type Manager struct {
	mu           sync.RWMutex
	state        State
	serviceIndex *vectorindex.Index
	toolIndex    *vectorindex.Index
	lastBuiltAt  time.Time

	embedder embedding.Embedder
	catalog  CatalogSource
	dir      string
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewManager creates a manager in the uninitialized state.
func NewManager(catalog CatalogSource, embedder embedding.Embedder, artifactsDir string, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewLogger("indexer")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Manager{
		state:    StateUninitialized,
		embedder: embedder,
		catalog:  catalog,
		dir:      artifactsDir,
		logger:   logger,
		metrics:  metrics,
	}
}

func (m *Manager) modelPath() string        { return filepath.Join(m.dir, modelFile) }
func (m *Manager) serviceIndexPath() string { return filepath.Join(m.dir, serviceIndexFile) }
func (m *Manager) toolIndexPath() string    { return filepath.Join(m.dir, toolIndexFile) }

// Startup attempts to restore persisted artifacts. Missing or corrupt
// artifacts leave the manager uninitialized; a later Initialize builds
// from the catalog.
func (m *Manager) Startup(ctx context.Context) error {
	if _, err := os.Stat(m.modelPath()); err != nil {
		m.logger.Info("No persisted embedding model, index must be built", map[string]interface{}{
			"path": m.modelPath(),
		})
		return nil
	}

	if err := m.embedder.Load(m.modelPath()); err != nil {
		m.logger.Warn("Failed to load embedding model, index must be rebuilt", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	serviceIndex := vectorindex.New(m.embedder.Dimension())
	if err := serviceIndex.Load(m.serviceIndexPath()); err != nil {
		m.logger.Warn("Failed to load service index, index must be rebuilt", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	toolIndex := vectorindex.New(m.embedder.Dimension())
	if err := toolIndex.Load(m.toolIndexPath()); err != nil {
		m.logger.Warn("Failed to load tool index, index must be rebuilt", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	// A persisted index whose dimension disagrees with the model is a
	// fatal configuration error, not something to limp past.
	if serviceIndex.Dimension() != m.embedder.Dimension() || toolIndex.Dimension() != m.embedder.Dimension() {
		return fmt.Errorf("%w: model dimension %d, service index %d, tool index %d",
			embedding.ErrDimensionMismatch, m.embedder.Dimension(),
			serviceIndex.Dimension(), toolIndex.Dimension())
	}

	m.mu.Lock()
	m.serviceIndex = serviceIndex
	m.toolIndex = toolIndex
	m.state = StateLoaded
	m.mu.Unlock()

	m.logger.Info("Loaded persisted search indexes", map[string]interface{}{
		"services":  serviceIndex.Len(),
		"tools":     toolIndex.Len(),
		"dimension": m.embedder.Dimension(),
	})
	return nil
}

// Initialize builds the indexes from the catalog. When the manager
// already holds artifacts loaded from disk and force is false this is
// a no-op.
func (m *Manager) Initialize(ctx context.Context, force bool) error {
	m.mu.Lock()
	if !force && (m.state == StateLoaded || m.state == StateBuilt) {
		m.mu.Unlock()
		return nil
	}
	prevState := m.state
	m.state = StateRebuilding
	m.mu.Unlock()

	if err := m.build(ctx); err != nil {
		// A failed build reverts to the previous state; artifacts on
		// disk were written through rename and remain the last good set.
		m.mu.Lock()
		m.state = prevState
		m.mu.Unlock()
		return err
	}
	return nil
}

// Rebuild recomputes everything from the catalog.
func (m *Manager) Rebuild(ctx context.Context) error {
	return m.Initialize(ctx, true)
}

func (m *Manager) build(ctx context.Context) error {
	start := time.Now()

	services, err := m.catalog.ActiveServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active services: %w", err)
	}
	tools, err := m.catalog.ActiveTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active tools: %w", err)
	}

	serviceTexts := make([]string, len(services))
	serviceIDs := make([]int64, len(services))
	for i, svc := range services {
		serviceTexts[i] = embedding.ComposeServiceText(svc)
		serviceIDs[i] = svc.ID
	}
	toolTexts := make([]string, len(tools))
	toolIDs := make([]int64, len(tools))
	for i, tool := range tools {
		toolTexts[i] = embedding.ComposeToolText(tool)
		toolIDs[i] = tool.ID
	}

	// The fallback embedder fits on the full corpus; the pre-trained
	// provider treats this as a no-op.
	corpus := append(append([]string{}, serviceTexts...), toolTexts...)
	if err := m.embedder.Fit(ctx, corpus); err != nil {
		return fmt.Errorf("failed to fit embedder: %w", err)
	}

	serviceVectors, err := m.embedder.EmbedBatch(ctx, serviceTexts)
	if err != nil {
		return fmt.Errorf("failed to embed services: %w", err)
	}
	toolVectors, err := m.embedder.EmbedBatch(ctx, toolTexts)
	if err != nil {
		return fmt.Errorf("failed to embed tools: %w", err)
	}

	dimension := m.embedder.Dimension()
	serviceIndex := vectorindex.New(dimension)
	if err := serviceIndex.Build(serviceVectors, serviceIDs); err != nil {
		return fmt.Errorf("failed to build service index: %w", err)
	}
	toolIndex := vectorindex.New(dimension)
	if err := toolIndex.Build(toolVectors, toolIDs); err != nil {
		return fmt.Errorf("failed to build tool index: %w", err)
	}
	for _, tool := range tools {
		toolIndex.SetRef(tool.ID, tool.ServiceID)
	}

	if err := m.persist(serviceIndex, toolIndex); err != nil {
		return err
	}

	m.mu.Lock()
	m.serviceIndex = serviceIndex
	m.toolIndex = toolIndex
	m.state = StateBuilt
	m.lastBuiltAt = time.Now()
	m.mu.Unlock()

	m.metrics.RecordTimer("index_build_duration_seconds", time.Since(start), nil)
	m.logger.Info("Built search indexes", map[string]interface{}{
		"services":   len(services),
		"tools":      len(tools),
		"dimension":  dimension,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func (m *Manager) persist(serviceIndex, toolIndex *vectorindex.Index) error {
	if err := m.embedder.Save(m.modelPath()); err != nil {
		return fmt.Errorf("failed to save embedding model: %w", err)
	}
	if err := serviceIndex.Save(m.serviceIndexPath()); err != nil {
		return fmt.Errorf("failed to save service index: %w", err)
	}
	if err := toolIndex.Save(m.toolIndexPath()); err != nil {
		return fmt.Errorf("failed to save tool index: %w", err)
	}
	return nil
}

// ServiceIndex borrows the current service index.
func (m *Manager) ServiceIndex() (*vectorindex.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.serviceIndex == nil {
		return nil, ErrNotInitialized
	}
	return m.serviceIndex, nil
}

// ToolIndex borrows the current tool index.
func (m *Manager) ToolIndex() (*vectorindex.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.toolIndex == nil {
		return nil, ErrNotInitialized
	}
	return m.toolIndex, nil
}

// Embedder returns the active embedder.
func (m *Manager) Embedder() embedding.Embedder { return m.embedder }

// Status reports the current lifecycle snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:        m.state,
		Dimension:    m.embedder.Dimension(),
		ArtifactsDir: m.dir,
		LastBuiltAt:  m.lastBuiltAt,
	}
	if m.serviceIndex != nil {
		st.ServiceCount = m.serviceIndex.Len()
	}
	if m.toolIndex != nil {
		st.ToolCount = m.toolIndex.Len()
	}
	return st
}
