package plugin

import (
	"plugin"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
)

type fakeOpener struct {
	symbols map[string]plugin.Symbol
	err     error
}

func (f *fakeOpener) Lookup(name string) (plugin.Symbol, error) {
	if f.err != nil {
		return nil, f.err
	}
	sym, ok := f.symbols[name]
	if !ok {
		return nil, assertNotFoundErr(name)
	}
	return sym, nil
}

func assertNotFoundErr(name string) error {
	return &lookupError{name: name}
}

type lookupError struct{ name string }

func (e *lookupError) Error() string { return "symbol not found: " + e.name }

type fakeModule struct {
	name   string
	schema []byte
}

func (m *fakeModule) Name() string    { return m.name }
func (m *fakeModule) Version() string { return "0.1.0" }
func (m *fakeModule) CreateAdapter(settings []byte) (contracts.Adapter, error) {
	return nil, nil
}
func (m *fakeModule) ConfigSchema() []byte { return m.schema }

func withFakeOpener(t *testing.T, o opener) {
	t.Helper()
	prev := openPlugin
	openPlugin = func(path string) (opener, error) { return o, nil }
	t.Cleanup(func() { openPlugin = prev })
}

func TestLoad_RejectsRelativePath(t *testing.T) {
	l := NewLoader()
	_, err := l.Load("relative/path.so")
	require.ErrorIs(t, err, relayerr.ErrPluginLoad)
}

func TestLoad_ValidModuleSucceeds(t *testing.T) {
	module := &fakeModule{name: "echo-plugin"}
	withFakeOpener(t, &fakeOpener{symbols: map[string]plugin.Symbol{moduleSymbolName: module}})

	l := NewLoader()
	got, err := l.Load("/abs/path/echo.so")
	require.NoError(t, err)
	assert.Equal(t, "echo-plugin", got.Name())
}

func TestLoad_CachesByPath(t *testing.T) {
	calls := 0
	module := &fakeModule{name: "echo-plugin"}
	prev := openPlugin
	openPlugin = func(path string) (opener, error) {
		calls++
		return &fakeOpener{symbols: map[string]plugin.Symbol{moduleSymbolName: module}}, nil
	}
	t.Cleanup(func() { openPlugin = prev })

	l := NewLoader()
	_, err := l.Load("/abs/path/echo.so")
	require.NoError(t, err)
	_, err = l.Load("/abs/path/echo.so")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"/abs/path/echo.so"}, l.Loaded())
}

func TestLoad_MissingSymbolRejected(t *testing.T) {
	withFakeOpener(t, &fakeOpener{symbols: map[string]plugin.Symbol{}})

	l := NewLoader()
	_, err := l.Load("/abs/path/echo.so")
	require.ErrorIs(t, err, relayerr.ErrPluginLoad)
}

func TestLoad_WrongShapeRejected(t *testing.T) {
	withFakeOpener(t, &fakeOpener{symbols: map[string]plugin.Symbol{moduleSymbolName: "not a module"}})

	l := NewLoader()
	_, err := l.Load("/abs/path/echo.so")
	require.ErrorIs(t, err, relayerr.ErrPluginLoad)
}

func TestValidateSettings_NilSchemaSkipsValidation(t *testing.T) {
	module := &fakeModule{name: "echo-plugin"}
	assert.NoError(t, ValidateSettings(module, nil))
}

func TestValidateSettings_RequiresValidJSON(t *testing.T) {
	module := &fakeModule{name: "echo-plugin", schema: []byte(`{"type":"object"}`)}

	assert.Error(t, ValidateSettings(module, []byte("not json")))
	assert.NoError(t, ValidateSettings(module, []byte(`{"key":"value"}`)))
}
