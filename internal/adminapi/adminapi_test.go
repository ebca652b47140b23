package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkos/relay/internal/adaptermgr"
	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/internal/maildir"
	"github.com/dorkos/relay/internal/plugin"
	"github.com/dorkos/relay/internal/registry"
	"github.com/dorkos/relay/internal/relaycore"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relaymodels"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Deliver(ctx context.Context, adapterID string, env relaymodels.Envelope) error {
	return nil
}

type fakeAdapter struct{ id string }

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Start(ctx context.Context, pub contracts.Publisher) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                          { return nil }
func (f *fakeAdapter) Deliver(ctx context.Context, env relaymodels.Envelope) error {
	return nil
}
func (f *fakeAdapter) GetStatus() relaymodels.AdapterStatus {
	return relaymodels.AdapterStatus{AdapterID: f.id, State: relaymodels.RunStateRunning}
}

func testHarness(t *testing.T) (*registry.Registry, *relaycore.Core, *adaptermgr.Manager) {
	t.Helper()
	root := t.TempDir()

	store, err := maildir.Open(filepath.Join(root, "maildir"))
	require.NoError(t, err)
	db, err := relaydb.Open(context.Background(), filepath.Join(root, "relay.db"), config.IndexConfig{
		BusyTimeout: 2 * time.Second, MmapSizeMB: 4, CacheSizeKB: 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	core := relaycore.New(store, db, fakeDispatcher{}, config.CoreConfig{AdapterInboxDepth: 4}, zerolog.Nop())
	t.Cleanup(core.Close)

	reg := registry.New(core, zerolog.Nop())
	factory := adaptermgr.NewFactory(db, store, plugin.NewLoader(), zerolog.Nop())
	mgr := adaptermgr.New(filepath.Join(root, "adapters.json"), reg, core, factory, config.CoreConfig{}, zerolog.Nop())

	return reg, core, mgr
}

func TestListAdapters_ReturnsStatuses(t *testing.T) {
	reg, core, mgr := testHarness(t)
	require.NoError(t, reg.Register(context.Background(), "a1", &fakeAdapter{id: "a1"}))

	router := NewRouter(reg, core, mgr, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/adapters", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var statuses map[string]relaymodels.AdapterStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	assert.Contains(t, statuses, "a1")
}

func TestGetAdapterStatus_MissingReturns404(t *testing.T) {
	reg, core, mgr := testHarness(t)
	router := NewRouter(reg, core, mgr, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/adapters/missing", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnregisterAdapter_Succeeds(t *testing.T) {
	reg, core, mgr := testHarness(t)
	require.NoError(t, reg.Register(context.Background(), "a1", &fakeAdapter{id: "a1"}))

	router := NewRouter(reg, core, mgr, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/admin/adapters/a1", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, reg.IDs())
}

func TestGetMetrics_ReturnsSnapshot(t *testing.T) {
	reg, core, mgr := testHarness(t)
	router := NewRouter(reg, core, mgr, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var metrics relaycore.Metrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&metrics))
}

func TestReloadAdapters_TriggersReconcile(t *testing.T) {
	reg, core, mgr := testHarness(t)
	router := NewRouter(reg, core, mgr, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/adapters/reload", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
