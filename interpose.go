// Package interpose owns the process-wide instrumentation state: the
// signature cache, the hook installer, the loader shim and the native
// configuration, plus the parallel initializer that runs feature setups.
package interpose

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/interpose/asset"
	"github.com/sliverarmory/interpose/config"
	"github.com/sliverarmory/interpose/hook"
	"github.com/sliverarmory/interpose/procmaps"
	"github.com/sliverarmory/interpose/script"
	"github.com/sliverarmory/interpose/sig"
)

// ClientModules are tried in order when locating the client library.
var ClientModules = []string{"libclient.so", "split_config.arm"}

// ErrFeatureDisabled is reported for features switched off in the config.
var ErrFeatureDisabled = errors.New("feature disabled")

// Core is the explicitly owned replacement for process globals. One Core is
// created per process by the host bridge.
type Core struct {
	logger    zerolog.Logger
	cache     *sig.Cache
	matcher   *sig.Matcher
	installer *hook.Installer
	config    config.Store

	locate        func(fragments ...string) (*procmaps.Module, error)
	installAssets func(*hook.Installer, asset.ShimSource, zerolog.Logger, ...asset.Option) (*asset.Interceptor, error)
	scriptBackend func() (script.Backend, error)

	shimMu sync.RWMutex
	shim   string

	clientMu sync.Mutex
	client   *procmaps.Module

	stateMu    sync.RWMutex
	assets     *asset.Interceptor
	scriptEval uintptr
	script     *script.Bridge
}

type options struct {
	logger   zerolog.Logger
	patcher  hook.Patcher
	resolver hook.Resolver
	memory   sig.Memory
	strategy *sig.Strategy
	locate   func(fragments ...string) (*procmaps.Module, error)
}

// Option configures a Core.
type Option func(*options)

// WithLogger sets the logger every subsystem derives from.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPatcher replaces the native code patcher.
func WithPatcher(p hook.Patcher) Option {
	return func(o *options) { o.patcher = p }
}

// WithResolver replaces the ELF symbol resolver.
func WithResolver(r hook.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMemory replaces the memory the matcher scans.
func WithMemory(m sig.Memory) Option {
	return func(o *options) { o.memory = m }
}

// WithStrategy forces the architecture strategy used for dual patterns.
func WithStrategy(s sig.Strategy) Option {
	return func(o *options) { o.strategy = &s }
}

// WithLocator replaces how modules are found in the memory map.
func WithLocator(locate func(fragments ...string) (*procmaps.Module, error)) Option {
	return func(o *options) { o.locate = locate }
}

// unavailablePatcher reports why no native patcher could be created.
type unavailablePatcher struct{ err error }

func (p unavailablePatcher) Patch(uintptr, uintptr) (uintptr, error) { return 0, p.err }

// New creates a Core. Without WithPatcher the native patcher for the running
// platform is used; on platforms without one every install fails with
// hook.ErrUnsupported.
func New(opts ...Option) *Core {
	o := options{
		logger: zerolog.Nop(),
		locate: procmaps.LocateAny,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.patcher == nil {
		if p, err := hook.NewNativePatcher(); err == nil {
			o.patcher = p
		} else {
			o.patcher = unavailablePatcher{err: err}
		}
	}
	if o.resolver == nil {
		o.resolver = hook.NewELFResolver()
	}

	var matcherOpts []sig.Option
	if o.memory != nil {
		matcherOpts = append(matcherOpts, sig.WithMemory(o.memory))
	}
	if o.strategy != nil {
		matcherOpts = append(matcherOpts, sig.WithStrategy(*o.strategy))
	}

	cache := sig.NewCache()
	return &Core{
		logger:        o.logger,
		cache:         cache,
		matcher:       sig.NewMatcher(cache, o.logger.With().Str("component", "sig").Logger(), matcherOpts...),
		installer:     hook.NewInstaller(o.patcher, o.resolver, o.logger.With().Str("component", "hook").Logger()),
		locate:        o.locate,
		installAssets: asset.Install,
		scriptBackend: script.Native,
	}
}

func (c *Core) Logger() zerolog.Logger { return c.logger }
func (c *Core) Cache() *sig.Cache { return c.cache }
func (c *Core) Matcher() *sig.Matcher { return c.matcher }
func (c *Core) Installer() *hook.Installer { return c.installer }
func (c *Core) ConfigStore() *config.Store { return &c.config }

// LoadConfig stores the configuration handed over by the host.
func (c *Core) LoadConfig(cfg config.Native) {
	c.config.Set(cfg)
	c.logger.Info().Interface("config", cfg).Msg("config loaded")
}

// Config returns the stored configuration.
func (c *Core) Config() (config.Native, error) {
	return c.config.Get()
}

// LoadSignatures merges a serialized signature cache into the in-memory one
// and returns how many patterns were added.
func (c *Core) LoadSignatures(payload []byte) (int, error) {
	entries, err := sig.DecodeEntries(payload)
	if err != nil {
		return 0, fmt.Errorf("load signature cache: %w", err)
	}
	n := c.cache.Load(entries)
	c.logger.Debug().Int("entries", len(entries)).Int("added", n).Msg("signature cache loaded")
	return n, nil
}

// Signatures serializes the signature cache for the host to persist.
func (c *Core) Signatures() ([]byte, error) {
	return sig.EncodeEntries(c.cache.Snapshot())
}

// SetLoaderShim replaces the loader shim. Archives opened afterwards use it.
func (c *Core) SetLoaderShim(code string) {
	c.shimMu.Lock()
	defer c.shimMu.Unlock()
	c.shim = code
}

// LoaderShim returns the current loader shim.
func (c *Core) LoaderShim() string {
	c.shimMu.RLock()
	defer c.shimMu.RUnlock()
	return c.shim
}

// ClientModule locates the client library, falling back through
// ClientModules. The first successful lookup is kept for the process.
func (c *Core) ClientModule() (*procmaps.Module, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	module, err := c.locate(ClientModules...)
	if err != nil {
		return nil, fmt.Errorf("locate client module: %w", err)
	}
	c.logger.Debug().
		Str("path", module.Path()).
		Int("regions", len(module.Regions)).
		Msgf("client module base %#x", module.Base())
	c.client = module
	return module, nil
}

// FindSignature resolves a dual-architecture signature in the client module.
func (c *Core) FindSignature(arch64, arch32 sig.Variant) (uintptr, bool, error) {
	module, err := c.ClientModule()
	if err != nil {
		return 0, false, err
	}
	return c.matcher.Resolve(module, arch64, arch32)
}

// Assets returns the archive interceptor once the composer feature installed it.
func (c *Core) Assets() *asset.Interceptor {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.assets
}

// ScriptEval returns the address of the script engine's eval entry, or zero
// when it was not found.
func (c *Core) ScriptEval() uintptr {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.scriptEval
}

// EvalScript runs source in the client's script engine and returns the
// rendered result. It needs the composer feature to have hooked the eval entry
// and the engine to have run at least one script since.
func (c *Core) EvalScript(source string) (string, error) {
	c.stateMu.RLock()
	bridge := c.script
	c.stateMu.RUnlock()
	if bridge == nil {
		return "", fmt.Errorf("script eval: %w", hook.ErrHookNotFound)
	}
	return bridge.Eval(source)
}
