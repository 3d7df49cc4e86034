package interpose

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sliverarmory/interpose/script"
	"github.com/sliverarmory/interpose/sig"
)

// Feature is one independently initialized interposer group.
type Feature struct {
	Name string
	Init func(c *Core) error
}

// Init runs every feature on its own goroutine and waits for all of them. A
// failing or panicking feature stays disabled without affecting its siblings.
// The returned map holds the outcome of each feature by name.
func (c *Core) Init(features ...Feature) map[string]error {
	start := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]error, len(features))
	)
	for _, f := range features {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.runFeature(f)

			mu.Lock()
			results[f.Name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.logger.Info().Dur("took", time.Since(start)).Int("features", len(features)).Msg("native init done")
	return results
}

func (c *Core) runFeature(f Feature) (err error) {
	logger := c.logger.With().Str("feature", f.Name).Logger()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feature %s panicked: %v", f.Name, r)
			logger.Error().Interface("panic", r).Msg("feature init panicked")
		}
	}()

	if err = f.Init(c); err != nil {
		if errors.Is(err, ErrFeatureDisabled) {
			logger.Debug().Msg("feature switched off")
		} else {
			logger.Warn().Err(err).Msg("feature disabled")
		}
		return err
	}
	logger.Debug().Msg("feature initialized")
	return nil
}

// Script engine eval entry, located relative to a stable instruction run.
var (
	scriptEval64 = sig.Variant{Pattern: "00 E4 00 6F 29 00 80 52 76 00 04 8B", Offset: -0x28}
	scriptEval32 = sig.Variant{Pattern: "A1 B0 07 92 81 46", Offset: -0x7}
)

// ComposerFeature hooks the asset manager so the script archive carries the
// loader shim, and hooks the script engine's eval entry for EvalScript.
func ComposerFeature() Feature {
	return Feature{Name: "composer", Init: initComposer}
}

func initComposer(c *Core) error {
	cfg, err := c.Config()
	if err != nil {
		return err
	}
	if !cfg.ComposerHooks {
		return ErrFeatureDisabled
	}

	logger := c.logger.With().Str("component", "asset").Logger()
	assets, err := c.installAssets(c.installer, c.LoaderShim, logger)
	if err != nil {
		return fmt.Errorf("install asset hooks: %w", err)
	}
	c.stateMu.Lock()
	c.assets = assets
	c.stateMu.Unlock()

	addr, ok, err := c.FindSignature(scriptEval64, scriptEval32)
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Msg("unable to search script eval signature")
	case !ok:
		c.logger.Warn().Msg("unable to find script eval signature")
	default:
		c.stateMu.Lock()
		c.scriptEval = addr
		c.stateMu.Unlock()
		c.logger.Debug().Msgf("script eval %#x", addr)
		c.hookScriptEval(addr)
	}
	return nil
}

// hookScriptEval installs the eval bridge. Failure leaves the asset hooks in
// place and only disables EvalScript.
func (c *Core) hookScriptEval(addr uintptr) {
	logger := c.logger.With().Str("component", "script").Logger()
	backend, err := c.scriptBackend()
	if err != nil {
		logger.Warn().Err(err).Msg("script eval bridge unavailable")
		return
	}
	bridge, err := script.Install(c.installer, addr, backend, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("unable to hook script eval")
		return
	}
	c.stateMu.Lock()
	c.script = bridge
	c.stateMu.Unlock()
}
