package adaptermgr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dorkos/relay/internal/adapters/claudecode"
	"github.com/dorkos/relay/internal/adapters/telegram"
	"github.com/dorkos/relay/internal/adapters/webhook"
	"github.com/dorkos/relay/internal/maildir"
	"github.com/dorkos/relay/internal/plugin"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// Factory builds a live contracts.Adapter from a persisted AdapterConfig.
// It is the one place that knows how AdapterKind maps onto a concrete
// adapter implementation.
type Factory struct {
	db     *relaydb.DB
	store  *maildir.Store
	loader *plugin.Loader
	log    zerolog.Logger
}

// NewFactory builds a Factory. db backs every adapter kind that needs
// durable state (webhook retries, Claude Code run history); store lets the
// webhook outbound adapter re-read an envelope's original body by maildir
// key when retrying a delivery; loader resolves AdapterKindPlugin instances.
func NewFactory(db *relaydb.DB, store *maildir.Store, loader *plugin.Loader, log zerolog.Logger) *Factory {
	return &Factory{db: db, store: store, loader: loader, log: log}
}

// Build constructs the adapter described by cfg.
func (f *Factory) Build(cfg relaymodels.AdapterConfig) (contracts.Adapter, error) {
	switch cfg.Kind {
	case relaymodels.AdapterKindTelegram:
		return f.buildTelegram(cfg)
	case relaymodels.AdapterKindWebhook:
		return f.buildWebhook(cfg)
	case relaymodels.AdapterKindClaudeCode:
		return f.buildClaudeCode(cfg)
	case relaymodels.AdapterKindPlugin:
		return f.buildPlugin(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown adapter kind %q for %s", relayerr.ErrPluginLoad, cfg.Kind, cfg.ID)
	}
}

type telegramSettings struct {
	BotToken      string  `json:"bot_token"`
	SubjectPrefix string  `json:"subject_prefix"`
	PollTimeout   int     `json:"poll_timeout_seconds"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

func (f *Factory) buildTelegram(cfg relaymodels.AdapterConfig) (contracts.Adapter, error) {
	var s telegramSettings
	if err := unmarshalSettings(cfg, &s); err != nil {
		return nil, err
	}
	if s.SubjectPrefix == "" {
		s.SubjectPrefix = cfg.Subject
	}
	tgCfg := telegram.Config{
		ID:            cfg.ID,
		BotToken:      s.BotToken,
		SubjectPrefix: s.SubjectPrefix,
	}
	if s.PollTimeout > 0 {
		tgCfg.PollTimeout = time.Duration(s.PollTimeout) * time.Second
	}
	if s.RatePerSecond > 0 {
		tgCfg.RatePerSecond = rate.Limit(s.RatePerSecond)
	}
	tgCfg.Burst = s.Burst
	return telegram.New(tgCfg, f.log), nil
}

type webhookSettings struct {
	TargetURL string `json:"target_url"`
}

func (f *Factory) buildWebhook(cfg relaymodels.AdapterConfig) (contracts.Adapter, error) {
	var s webhookSettings
	if err := unmarshalSettings(cfg, &s); err != nil {
		return nil, err
	}
	return webhook.NewOutboundAdapter(webhook.OutboundConfig{
		ID:        cfg.ID,
		TargetURL: s.TargetURL,
		Secrets:   cfg.Secrets,
	}, f.db, f.store, f.log), nil
}

type claudeCodeSettings struct {
	CLIPath       string   `json:"cli_path"`
	MaxConcurrent int64    `json:"max_concurrent"`
	RunTimeout    int      `json:"run_timeout_seconds"`
	ExtraArgs     []string `json:"extra_args"`
}

func (f *Factory) buildClaudeCode(cfg relaymodels.AdapterConfig) (contracts.Adapter, error) {
	var s claudeCodeSettings
	if err := unmarshalSettings(cfg, &s); err != nil {
		return nil, err
	}
	ccCfg := claudecode.Config{
		ID:            cfg.ID,
		CLIPath:       s.CLIPath,
		MaxConcurrent: s.MaxConcurrent,
		ExtraArgs:     s.ExtraArgs,
	}
	if s.RunTimeout > 0 {
		ccCfg.RunTimeout = time.Duration(s.RunTimeout) * time.Second
	}
	return claudecode.New(ccCfg, f.db, f.log), nil
}

func (f *Factory) buildPlugin(cfg relaymodels.AdapterConfig) (contracts.Adapter, error) {
	if cfg.PluginPath == "" {
		return nil, fmt.Errorf("%w: adapter %s has kind=plugin but no plugin_path", relayerr.ErrPluginLoad, cfg.ID)
	}
	module, err := f.loader.Load(cfg.PluginPath)
	if err != nil {
		return nil, err
	}
	if err := plugin.ValidateSettings(module, cfg.Settings); err != nil {
		return nil, err
	}
	return module.CreateAdapter(cfg.Settings)
}

func unmarshalSettings(cfg relaymodels.AdapterConfig, target any) error {
	if len(cfg.Settings) == 0 {
		return nil
	}
	if err := json.Unmarshal(cfg.Settings, target); err != nil {
		return fmt.Errorf("%w: adapter %s has malformed settings: %v", relayerr.ErrPluginLoad, cfg.ID, err)
	}
	return nil
}
