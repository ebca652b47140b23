// Package plugin implements Relay's Plugin Loader: dynamic loading of
// compiled .so modules via the standard library's plugin package. Each
// module is expected to export a "Module" symbol implementing
// contracts.PluginModule; a loader instance loads any given path at most
// once per process, matching plugin.Open's own per-path caching (opening
// the same .so again returns the already-loaded plugin).
//
// hashicorp/go-plugin was considered and rejected: it drives plugins as
// out-of-process RPC servers, which contradicts the spec's requirement
// that a loaded plugin be an in-process Adapter satisfying the same
// {Start, Stop, Deliver, GetStatus} capability set as every built-in
// adapter.
package plugin

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
)

const moduleSymbolName = "Module"

// opener abstracts *plugin.Plugin's Lookup method so tests can substitute
// a fake symbol table without a real compiled .so.
type opener interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// openPlugin is a package variable so tests can override it.
var openPlugin = func(path string) (opener, error) {
	return plugin.Open(path)
}

// Loader loads and caches plugin modules by absolute path.
type Loader struct {
	mu     sync.Mutex
	loaded map[string]contracts.PluginModule
}

// NewLoader builds an empty Loader.
func NewLoader() *Loader {
	return &Loader{loaded: make(map[string]contracts.PluginModule)}
}

// Load opens the .so at path and returns its exported PluginModule. path
// must be absolute: relative paths resolve against the process's current
// working directory, which is not a stable notion for a long-running
// daemon whose adapters.json may be edited from anywhere.
func (l *Loader) Load(path string) (contracts.PluginModule, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: plugin path must be absolute, got %q", relayerr.ErrPluginLoad, path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.loaded[path]; ok {
		return m, nil
	}

	p, err := openPlugin(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", relayerr.ErrPluginLoad, path, err)
	}

	sym, err := p.Lookup(moduleSymbolName)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %q symbol in %s: %v", relayerr.ErrPluginLoad, moduleSymbolName, path, err)
	}

	module, ok := sym.(contracts.PluginModule)
	if !ok {
		return nil, fmt.Errorf("%w: %s's %q symbol does not implement PluginModule", relayerr.ErrPluginLoad, path, moduleSymbolName)
	}

	l.loaded[path] = module
	return module, nil
}

// ValidateSettings checks that settings is well-formed JSON when module
// declares a config schema. Full JSON Schema validation is deliberately
// not performed here: the corpus carries no JSON Schema validator, and a
// plugin that needs stricter validation than "is this valid JSON" can do
// it itself inside CreateAdapter.
func ValidateSettings(module contracts.PluginModule, settings []byte) error {
	if module.ConfigSchema() == nil {
		return nil
	}
	if len(settings) == 0 {
		return fmt.Errorf("%w: %s requires settings but none were provided", relayerr.ErrPluginLoad, module.Name())
	}
	var v any
	if err := json.Unmarshal(settings, &v); err != nil {
		return fmt.Errorf("%w: %s settings are not valid JSON: %v", relayerr.ErrPluginLoad, module.Name(), err)
	}
	return nil
}

// Loaded returns the absolute paths currently cached by l.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	paths := make([]string, 0, len(l.loaded))
	for p := range l.loaded {
		paths = append(paths, p)
	}
	return paths
}
