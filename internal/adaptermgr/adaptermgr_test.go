package adaptermgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/internal/maildir"
	"github.com/dorkos/relay/internal/plugin"
	"github.com/dorkos/relay/internal/registry"
	"github.com/dorkos/relay/internal/relaycore"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/relaymodels"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Deliver(ctx context.Context, adapterID string, env relaymodels.Envelope) error {
	return nil
}

func testSetup(t *testing.T) (*Manager, string) {
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
	factory := NewFactory(db, store, plugin.NewLoader(), zerolog.Nop())

	cfgPath := filepath.Join(root, "adapters.json")
	mgr := New(cfgPath, reg, core, factory, config.CoreConfig{ConfigWatchDebounce: 30 * time.Millisecond}, zerolog.Nop())
	return mgr, cfgPath
}

func writeConfigs(t *testing.T, path string, cfgs []relaymodels.AdapterConfig) {
	t.Helper()
	body, err := json.Marshal(cfgs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o600))
}

func webhookCfg(id, target string) relaymodels.AdapterConfig {
	settings, _ := json.Marshal(map[string]string{"target_url": target})
	return relaymodels.AdapterConfig{
		ID: id, Kind: relaymodels.AdapterKindWebhook, Subject: "relay.out." + id,
		Settings: settings, Secrets: []string{"shh"},
	}
}

func TestLoadConfigFile_MissingFileReturnsEmpty(t *testing.T) {
	cfgs, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, cfgs)
}

func TestStart_RegistersAdaptersFromInitialFile(t *testing.T) {
	mgr, path := testSetup(t)
	writeConfigs(t, path, []relaymodels.AdapterConfig{webhookCfg("wh-1", "http://example.invalid")})

	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop(context.Background())

	assert.Contains(t, mgr.registry.IDs(), "wh-1")
}

func TestReconcile_RemovesDroppedAdapter(t *testing.T) {
	mgr, path := testSetup(t)
	writeConfigs(t, path, []relaymodels.AdapterConfig{webhookCfg("wh-1", "http://example.invalid")})
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop(context.Background())

	require.NoError(t, mgr.reconcile(context.Background(), nil))
	assert.Empty(t, mgr.registry.IDs())
}

func TestReconcile_SkipsDisabledAdapter(t *testing.T) {
	mgr, path := testSetup(t)
	cfg := webhookCfg("wh-1", "http://example.invalid")
	cfg.Disabled = true
	writeConfigs(t, path, []relaymodels.AdapterConfig{cfg})

	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop(context.Background())

	assert.Empty(t, mgr.registry.IDs())
}

func TestReconcile_UnknownKindRejected(t *testing.T) {
	mgr, path := testSetup(t)
	writeConfigs(t, path, []relaymodels.AdapterConfig{{ID: "x", Kind: "bogus", Subject: "relay.x"}})

	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop(context.Background())

	assert.Empty(t, mgr.registry.IDs())
}

func TestWatchLoop_PicksUpFileEdits(t *testing.T) {
	mgr, path := testSetup(t)
	writeConfigs(t, path, []relaymodels.AdapterConfig{webhookCfg("wh-1", "http://example.invalid")})
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop(context.Background())

	require.Contains(t, mgr.registry.IDs(), "wh-1")

	writeConfigs(t, path, []relaymodels.AdapterConfig{
		webhookCfg("wh-1", "http://example.invalid"),
		webhookCfg("wh-2", "http://example.invalid"),
	})

	require.Eventually(t, func() bool {
		ids := mgr.registry.IDs()
		return len(ids) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
