package indexer

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-enterprise/kpath/pkg/catalog"
	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// stubEmbedder maps text deterministically onto a small vector so
// tests exercise the lifecycle without a trained model.
type stubEmbedder struct {
	dim    int
	fitted bool
}

func (s *stubEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dim)
	for i, r := range text {
		v[i%s.dim] += float32(r % 13)
	}
	return v, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.EmbedText(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Fit(context.Context, []string) error { s.fitted = true; return nil }
func (s *stubEmbedder) Dimension() int                      { return s.dim }

func (s *stubEmbedder) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(s.dim)
}

func (s *stubEmbedder) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(&s.dim)
}

// fakeCatalog serves a fixed in-memory service/tool set.
type fakeCatalog struct {
	services map[int64]*models.Service
	tools    map[int64][]*models.Tool
}

func (f *fakeCatalog) ActiveServices(context.Context) ([]*models.Service, error) {
	var out []*models.Service
	for _, svc := range f.services {
		if svc.IsActive() {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCatalog) ActiveTools(ctx context.Context) ([]*models.Tool, error) {
	var out []*models.Tool
	for svcID, tools := range f.tools {
		svc, ok := f.services[svcID]
		if !ok || !svc.IsActive() {
			continue
		}
		out = append(out, tools...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCatalog) ServiceByID(_ context.Context, id int64) (*models.Service, error) {
	svc, ok := f.services[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return svc, nil
}

func (f *fakeCatalog) ToolsByServiceID(_ context.Context, serviceID int64) ([]*models.Tool, error) {
	return f.tools[serviceID], nil
}

func seedCatalog() *fakeCatalog {
	return &fakeCatalog{
		services: map[int64]*models.Service{
			1: {ID: 1, Name: "invoice-api", Description: "Processes customer invoices", Status: "active"},
			2: {ID: 2, Name: "ledger-sync", Description: "Synchronizes general ledger entries", Status: "active"},
			3: {ID: 3, Name: "legacy-fax", Description: "Retired fax bridge", Status: "deprecated"},
		},
		tools: map[int64][]*models.Tool{
			1: {
				{ID: 11, ServiceID: 1, ToolName: "create_invoice", Description: "Create a new invoice"},
				{ID: 12, ServiceID: 1, ToolName: "void_invoice", Description: "Void an existing invoice"},
			},
			2: {
				{ID: 21, ServiceID: 2, ToolName: "post_entry", Description: "Post a ledger entry"},
			},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeCatalog, string) {
	t.Helper()
	dir := t.TempDir()
	cat := seedCatalog()
	m := NewManager(cat, &stubEmbedder{dim: 8}, dir, observability.NewNoopLogger(), nil)
	return m, cat, dir
}

func TestManager_InitializeBuildsFromCatalog(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx, false))

	st := m.Status()
	assert.Equal(t, StateBuilt, st.State)
	assert.Equal(t, 2, st.ServiceCount) // deprecated service excluded
	assert.Equal(t, 3, st.ToolCount)
	assert.Equal(t, 8, st.Dimension)
	assert.False(t, st.LastBuiltAt.IsZero())

	for _, rel := range []string{modelFile, serviceIndexFile, toolIndexFile} {
		_, err := os.Stat(filepath.Join(dir, rel))
		assert.NoError(t, err, rel)
	}

	toolIndex, err := m.ToolIndex()
	require.NoError(t, err)
	ref, ok := toolIndex.Ref(11)
	assert.True(t, ok)
	assert.Equal(t, int64(1), ref)
}

func TestManager_SearchBeforeInitialize(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.ServiceIndex()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.ToolIndex()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, StateUninitialized, m.Status().State)
}

func TestManager_StartupLoadsPersistedArtifacts(t *testing.T) {
	m, cat, dir := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	fresh := NewManager(cat, &stubEmbedder{dim: 8}, dir, observability.NewNoopLogger(), nil)
	require.NoError(t, fresh.Startup(ctx))

	st := fresh.Status()
	assert.Equal(t, StateLoaded, st.State)
	assert.Equal(t, 2, st.ServiceCount)
	assert.Equal(t, 3, st.ToolCount)

	// Refs survive the round trip.
	toolIndex, err := fresh.ToolIndex()
	require.NoError(t, err)
	ref, ok := toolIndex.Ref(21)
	assert.True(t, ok)
	assert.Equal(t, int64(2), ref)
}

func TestManager_StartupWithoutArtifacts(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.Startup(context.Background()))
	assert.Equal(t, StateUninitialized, m.Status().State)
}

func TestManager_InitializeSkipsWhenLoaded(t *testing.T) {
	m, cat, dir := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	fresh := NewManager(cat, &stubEmbedder{dim: 8}, dir, observability.NewNoopLogger(), nil)
	require.NoError(t, fresh.Startup(ctx))
	require.NoError(t, fresh.Initialize(ctx, false))
	assert.Equal(t, StateLoaded, fresh.Status().State)

	require.NoError(t, fresh.Initialize(ctx, true))
	assert.Equal(t, StateBuilt, fresh.Status().State)
}

func TestManager_InitializeFailureRevertsState(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(&failingCatalog{}, &stubEmbedder{dim: 8}, dir, observability.NewNoopLogger(), nil)

	err := m.Initialize(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, m.Status().State)
}

type failingCatalog struct{}

func (failingCatalog) ActiveServices(context.Context) ([]*models.Service, error) {
	return nil, fmt.Errorf("connection refused")
}
func (failingCatalog) ActiveTools(context.Context) ([]*models.Tool, error) {
	return nil, fmt.Errorf("connection refused")
}
func (failingCatalog) ServiceByID(context.Context, int64) (*models.Service, error) {
	return nil, fmt.Errorf("connection refused")
}
func (failingCatalog) ToolsByServiceID(context.Context, int64) ([]*models.Tool, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestManager_AddService(t *testing.T) {
	m, cat, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	cat.services[4] = &models.Service{ID: 4, Name: "payroll", Description: "Runs payroll", Status: "active"}
	cat.tools[4] = []*models.Tool{
		{ID: 41, ServiceID: 4, ToolName: "run_payroll", Description: "Run the payroll cycle"},
	}

	require.NoError(t, m.AddService(ctx, 4))

	st := m.Status()
	assert.Equal(t, 3, st.ServiceCount)
	assert.Equal(t, 4, st.ToolCount)

	toolIndex, err := m.ToolIndex()
	require.NoError(t, err)
	ref, ok := toolIndex.Ref(41)
	assert.True(t, ok)
	assert.Equal(t, int64(4), ref)
}

func TestManager_UpdateServiceReplacesTools(t *testing.T) {
	m, cat, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	// Tool 12 disappears, tool 13 appears.
	cat.tools[1] = []*models.Tool{
		{ID: 11, ServiceID: 1, ToolName: "create_invoice", Description: "Create a new invoice"},
		{ID: 13, ServiceID: 1, ToolName: "refund_invoice", Description: "Refund an invoice"},
	}
	require.NoError(t, m.UpdateService(ctx, 1))

	toolIndex, err := m.ToolIndex()
	require.NoError(t, err)
	ids := toolIndex.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{11, 13, 21}, ids)
}

func TestManager_UpdateDeactivatedServiceRemoves(t *testing.T) {
	m, cat, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	cat.services[1].Status = "inactive"
	require.NoError(t, m.UpdateService(ctx, 1))

	st := m.Status()
	assert.Equal(t, 1, st.ServiceCount)
	assert.Equal(t, 1, st.ToolCount)
}

func TestManager_RemoveService(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	require.NoError(t, m.RemoveService(ctx, 1))

	st := m.Status()
	assert.Equal(t, 1, st.ServiceCount)
	assert.Equal(t, 1, st.ToolCount)

	// Removing an absent service is a no-op.
	require.NoError(t, m.RemoveService(ctx, 99))
}

func TestManager_RebuildReflectsCatalogChanges(t *testing.T) {
	m, cat, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, false))

	delete(cat.services, 2)
	delete(cat.tools, 2)
	require.NoError(t, m.Rebuild(ctx))

	st := m.Status()
	assert.Equal(t, StateBuilt, st.State)
	assert.Equal(t, 1, st.ServiceCount)
	assert.Equal(t, 2, st.ToolCount)
}
