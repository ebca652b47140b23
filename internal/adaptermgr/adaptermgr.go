// Package adaptermgr implements the Adapter Manager: it loads
// adapters.json, drives the Adapter Registry to register/hot-reload/
// unregister adapters to match it, and watches the file for edits via
// fsnotify so operators can add or reconfigure adapters without
// restarting the process.
package adaptermgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/internal/registry"
	"github.com/dorkos/relay/internal/relaycore"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// Manager owns adapters.json's lifecycle: loading it, reconciling the
// Registry against it, and watching it for changes.
type Manager struct {
	path     string
	registry *registry.Registry
	core     *relaycore.Core
	factory  *Factory
	cfg      config.CoreConfig
	log      zerolog.Logger

	mu          sync.Mutex
	current     map[string]relaymodels.AdapterConfig
	currentHash map[string]string
	subIDs      map[string]string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Manager bound to the adapters.json at path.
func New(path string, reg *registry.Registry, core *relaycore.Core, factory *Factory, cfg config.CoreConfig, log zerolog.Logger) *Manager {
	return &Manager{
		path:        path,
		registry:    reg,
		core:        core,
		factory:     factory,
		cfg:         cfg,
		log:         log.With().Str("component", "adaptermgr").Logger(),
		current:     make(map[string]relaymodels.AdapterConfig),
		currentHash: make(map[string]string),
		subIDs:      make(map[string]string),
	}
}

// LoadConfigFile reads and parses an adapters.json file. A missing file is
// treated as an empty adapter set, not an error, so a fresh install can
// start with no adapters.json at all.
func LoadConfigFile(path string) ([]relaymodels.AdapterConfig, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfgs []relaymodels.AdapterConfig
	if err := json.Unmarshal(body, &cfgs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfgs, nil
}

// Start performs the initial reconciliation against the file on disk and
// begins watching it for changes.
func (m *Manager) Start(ctx context.Context) error {
	desired, err := LoadConfigFile(m.path)
	if err != nil {
		return err
	}
	if err := m.reconcile(ctx, desired); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	m.watcher = watcher

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

// Stop stops watching adapters.json and shuts down every registered
// adapter.
func (m *Manager) Stop(ctx context.Context) error {
	if m.watcher != nil {
		close(m.stopCh)
		m.watcher.Close()
		m.wg.Wait()
	}
	return m.registry.Shutdown(ctx)
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()

	debounce := m.cfg.ConfigWatchDebounce
	if debounce <= 0 {
		debounce = 150 * time.Millisecond
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.path {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		case <-timerC:
			m.reload()
			timerC = nil
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (m *Manager) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.ReloadNow(ctx); err != nil {
		m.log.Error().Err(err).Msg("failed to reload adapters.json")
	}
}

// ReloadNow re-reads adapters.json and reconciles the Registry against it
// immediately, bypassing the fsnotify debounce. Used by the admin API's
// POST /admin/adapters/reload route.
func (m *Manager) ReloadNow(ctx context.Context) error {
	desired, err := LoadConfigFile(m.path)
	if err != nil {
		return err
	}
	return m.reconcile(ctx, desired)
}

// reconcile drives the Registry so its live adapter set matches desired:
// adapters removed from the file are unregistered, new ones are
// registered, and changed ones are hot-reloaded.
func (m *Manager) reconcile(ctx context.Context, desired []relaymodels.AdapterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desiredByID := make(map[string]relaymodels.AdapterConfig, len(desired))
	for _, cfg := range desired {
		desiredByID[cfg.ID] = cfg
	}

	for id := range m.current {
		if _, ok := desiredByID[id]; !ok {
			if subID, ok := m.subIDs[id]; ok {
				m.core.Unsubscribe(subID)
				delete(m.subIDs, id)
			}
			if err := m.registry.Unregister(ctx, id); err != nil {
				m.log.Warn().Err(err).Str("adapter_id", id).Msg("failed to unregister removed adapter")
			}
			delete(m.current, id)
			delete(m.currentHash, id)
		}
	}

	for id, cfg := range desiredByID {
		if cfg.Disabled {
			continue
		}
		hash, err := hashConfig(cfg)
		if err != nil {
			m.log.Error().Err(err).Str("adapter_id", id).Msg("failed to hash adapter config")
			continue
		}
		if existingHash, ok := m.currentHash[id]; ok && existingHash == hash {
			continue
		}

		adapter, err := m.factory.Build(cfg)
		if err != nil {
			m.log.Error().Err(err).Str("adapter_id", id).Msg("failed to build adapter")
			continue
		}

		if _, exists := m.current[id]; exists {
			if err := m.registry.HotReload(ctx, id, adapter); err != nil {
				m.log.Error().Err(err).Str("adapter_id", id).Msg("failed to hot-reload adapter")
				continue
			}
		} else {
			if err := m.registry.Register(ctx, id, adapter); err != nil {
				m.log.Error().Err(err).Str("adapter_id", id).Msg("failed to register adapter")
				continue
			}
			subID, err := m.core.Subscribe(id, cfg.Subject, relaymodels.DeliveryModeFanout)
			if err != nil {
				m.log.Error().Err(err).Str("adapter_id", id).Msg("failed to subscribe adapter's subject")
			} else {
				m.subIDs[id] = subID
			}
		}

		m.current[id] = cfg
		m.currentHash[id] = hash
	}

	return nil
}

func hashConfig(cfg relaymodels.AdapterConfig) (string, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
