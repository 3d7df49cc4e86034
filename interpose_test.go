package interpose

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/interpose/asset"
	"github.com/sliverarmory/interpose/config"
	"github.com/sliverarmory/interpose/foreign"
	"github.com/sliverarmory/interpose/hook"
	"github.com/sliverarmory/interpose/procmaps"
	"github.com/sliverarmory/interpose/script"
	"github.com/sliverarmory/interpose/sig"
)

type countingMemory struct {
	mu      sync.Mutex
	regions map[uint64][]byte
	reads   int
}

func (m *countingMemory) Read(start, end uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	data, ok := m.regions[start]
	if !ok {
		return nil, fmt.Errorf("unmapped %#x", start)
	}
	return data[:min(uint64(len(data)), end-start)], nil
}

type nopPatcher struct{ next uintptr }

func (p *nopPatcher) Patch(target, _ uintptr) (uintptr, error) {
	p.next += 0x40
	return 0x9000 + p.next, nil
}

const clientBase = 0x7a10000000

func clientModule() *procmaps.Module {
	return &procmaps.Module{Name: "libclient.so", Regions: []procmaps.Region{
		{Start: clientBase, End: clientBase + 0x1000, Perms: procmaps.PermRead, Path: "/data/app/lib/libclient.so"},
		{Start: clientBase + 0x1000, End: clientBase + 0x1100, Perms: procmaps.PermRead | procmaps.PermExec, Offset: 0x1000, Path: "/data/app/lib/libclient.so"},
	}}
}

// evalCode holds the arm64 eval signature 0x40 bytes into the text region.
func evalCode() []byte {
	code := make([]byte, 0x100)
	copy(code[0x40:], []byte{0x00, 0xe4, 0x00, 0x6f, 0x29, 0x00, 0x80, 0x52, 0x76, 0x00, 0x04, 0x8b})
	return code
}

func newTestCore(t *testing.T, mem sig.Memory, opts ...Option) *Core {
	t.Helper()
	base := []Option{
		WithPatcher(&nopPatcher{}),
		WithMemory(mem),
		WithStrategy(sig.Arch64),
		WithLocator(func(...string) (*procmaps.Module, error) { return clientModule(), nil }),
	}
	c := New(append(base, opts...)...)
	c.scriptBackend = func() (script.Backend, error) { return nil, hook.ErrUnsupported }
	return c
}

// fakeEngine answers every eval with result and records what it was asked.
type fakeEngine struct {
	sink    *script.Bridge
	result  script.Value
	sources []string
}

func (e *fakeEngine) Interposer(sink *script.Bridge) (uintptr, error) {
	e.sink = sink
	return 0xe000, nil
}

func (e *fakeEngine) Eval(original, instance, ctx uintptr, source string) (script.Value, error) {
	e.sources = append(e.sources, source)
	return e.result, nil
}

func TestSignaturesRoundTrip(t *testing.T) {
	mem := &countingMemory{regions: map[uint64][]byte{clientBase + 0x1000: evalCode()}}
	first := newTestCore(t, mem)

	addr, ok, err := first.FindSignature(scriptEval64, scriptEval32)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uintptr(clientBase+0x1000+0x40-0x28), addr)

	payload, err := first.Signatures()
	require.NoError(t, err)
	assert.JSONEq(t, `[["00 E4 00 6F 29 00 80 52 76 00 04 8B",[64]]]`, string(payload))

	// a fresh process reuses the persisted offset without scanning
	fresh := &countingMemory{}
	second := newTestCore(t, fresh)
	n, err := second.LoadSignatures(payload)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, ok, err := second.FindSignature(scriptEval64, scriptEval32)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, addr, again)
	assert.Zero(t, fresh.reads)
}

func TestLoadSignaturesInvalid(t *testing.T) {
	c := newTestCore(t, &countingMemory{})
	_, err := c.LoadSignatures([]byte(`{"not":"a list"}`))
	require.Error(t, err)
}

func TestLoaderShim(t *testing.T) {
	c := newTestCore(t, &countingMemory{})
	assert.Empty(t, c.LoaderShim())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.SetLoaderShim(fmt.Sprintf("shim %d", i))
			_ = c.LoaderShim()
		}()
	}
	wg.Wait()
	assert.Contains(t, c.LoaderShim(), "shim ")

	c.SetLoaderShim("final")
	assert.Equal(t, "final", c.LoaderShim())
}

func TestClientModuleFallbackAndMemo(t *testing.T) {
	calls := 0
	locate := func(fragments ...string) (*procmaps.Module, error) {
		calls++
		assert.Equal(t, ClientModules, fragments)
		if calls == 1 {
			return nil, procmaps.ErrModuleNotFound
		}
		return clientModule(), nil
	}
	c := New(WithPatcher(&nopPatcher{}), WithLocator(locate))

	_, err := c.ClientModule()
	require.ErrorIs(t, err, procmaps.ErrModuleNotFound)

	m, err := c.ClientModule()
	require.NoError(t, err)
	assert.Equal(t, "/data/app/lib/libclient.so", m.Path())

	_, err = c.ClientModule()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInitIsolatesFeatures(t *testing.T) {
	c := newTestCore(t, &countingMemory{})

	var ran sync.Map
	boom := errors.New("boom")
	results := c.Init(
		Feature{Name: "ok", Init: func(*Core) error { ran.Store("ok", true); return nil }},
		Feature{Name: "fails", Init: func(*Core) error { return boom }},
		Feature{Name: "panics", Init: func(*Core) error { panic("broken hook chain") }},
		Feature{Name: "also-ok", Init: func(*Core) error { ran.Store("also-ok", true); return nil }},
	)

	require.Len(t, results, 4)
	assert.NoError(t, results["ok"])
	assert.NoError(t, results["also-ok"])
	assert.ErrorIs(t, results["fails"], boom)
	require.Error(t, results["panics"])
	assert.Contains(t, results["panics"].Error(), "broken hook chain")

	_, ok := ran.Load("ok")
	assert.True(t, ok)
	_, ok = ran.Load("also-ok")
	assert.True(t, ok)
}

func TestInitRunsInParallel(t *testing.T) {
	c := newTestCore(t, &countingMemory{})

	// each feature waits for the other, so a sequential runner would deadlock
	a, b := make(chan struct{}), make(chan struct{})
	results := c.Init(
		Feature{Name: "a", Init: func(*Core) error { close(a); <-b; return nil }},
		Feature{Name: "b", Init: func(*Core) error { close(b); <-a; return nil }},
	)
	assert.NoError(t, results["a"])
	assert.NoError(t, results["b"])
}

func TestComposerFeature(t *testing.T) {
	t.Run("config missing", func(t *testing.T) {
		c := newTestCore(t, &countingMemory{})
		results := c.Init(ComposerFeature())
		assert.ErrorIs(t, results["composer"], config.ErrNotLoaded)
	})

	t.Run("switched off", func(t *testing.T) {
		c := newTestCore(t, &countingMemory{})
		c.LoadConfig(config.Native{})
		results := c.Init(ComposerFeature())
		assert.ErrorIs(t, results["composer"], ErrFeatureDisabled)
		assert.Nil(t, c.Assets())
	})

	t.Run("installs and locates eval", func(t *testing.T) {
		mem := &countingMemory{regions: map[uint64][]byte{clientBase + 0x1000: evalCode()}}
		c := newTestCore(t, mem)
		c.LoadConfig(config.Native{ComposerHooks: true})
		c.SetLoaderShim("shim")

		var gotShim string
		c.installAssets = func(in *hook.Installer, shim asset.ShimSource, logger zerolog.Logger, _ ...asset.Option) (*asset.Interceptor, error) {
			assert.Same(t, c.Installer(), in)
			gotShim = shim()
			return asset.NewInterceptor(nil, shim, logger), nil
		}

		results := c.Init(ComposerFeature())
		require.NoError(t, results["composer"])
		assert.NotNil(t, c.Assets())
		assert.Equal(t, "shim", gotShim)
		assert.Equal(t, uintptr(clientBase+0x1000+0x40-0x28), c.ScriptEval())
	})

	t.Run("hooks eval for EvalScript", func(t *testing.T) {
		mem := &countingMemory{regions: map[uint64][]byte{clientBase + 0x1000: evalCode()}}
		c := newTestCore(t, mem)
		c.LoadConfig(config.Native{ComposerHooks: true})
		c.installAssets = func(_ *hook.Installer, shim asset.ShimSource, logger zerolog.Logger, _ ...asset.Option) (*asset.Interceptor, error) {
			return asset.NewInterceptor(nil, shim, logger), nil
		}
		engine := &fakeEngine{}
		binary.LittleEndian.PutUint64(engine.result[0:], 2)
		binary.LittleEndian.PutUint64(engine.result[8:], uint64(foreign.TagInt))
		c.scriptBackend = func() (script.Backend, error) { return engine, nil }

		_, err := c.EvalScript("1+1")
		require.ErrorIs(t, err, hook.ErrHookNotFound)

		results := c.Init(ComposerFeature())
		require.NoError(t, results["composer"])

		target := uintptr(clientBase + 0x1000 + 0x40 - 0x28)
		h, ok := c.Installer().Lookup(target)
		require.True(t, ok)
		assert.Equal(t, uintptr(0xe000), h.Interposer)

		_, err = c.EvalScript("1+1")
		require.ErrorIs(t, err, script.ErrNoContext)

		// the client evaluates its own script through the hooked entry
		require.NotNil(t, engine.sink)
		engine.sink.Capture(0xa000, 0xb000)

		out, err := c.EvalScript("1+1")
		require.NoError(t, err)
		assert.Equal(t, "2", out)
		assert.Equal(t, []string{"1+1"}, engine.sources)
	})

	t.Run("eval bridge unavailable", func(t *testing.T) {
		mem := &countingMemory{regions: map[uint64][]byte{clientBase + 0x1000: evalCode()}}
		c := newTestCore(t, mem)
		c.LoadConfig(config.Native{ComposerHooks: true})
		c.installAssets = func(_ *hook.Installer, shim asset.ShimSource, logger zerolog.Logger, _ ...asset.Option) (*asset.Interceptor, error) {
			return asset.NewInterceptor(nil, shim, logger), nil
		}

		results := c.Init(ComposerFeature())
		require.NoError(t, results["composer"])
		assert.NotZero(t, c.ScriptEval())
		_, err := c.EvalScript("1")
		assert.ErrorIs(t, err, hook.ErrHookNotFound)
	})

	t.Run("asset hooks unavailable", func(t *testing.T) {
		c := newTestCore(t, &countingMemory{})
		c.LoadConfig(config.Native{ComposerHooks: true})
		c.installAssets = func(*hook.Installer, asset.ShimSource, zerolog.Logger, ...asset.Option) (*asset.Interceptor, error) {
			return nil, hook.ErrUnsupported
		}
		results := c.Init(ComposerFeature())
		assert.ErrorIs(t, results["composer"], hook.ErrUnsupported)
	})
}

type mapResolver map[string]uintptr

func (r mapResolver) Resolve(library, symbol string) (uintptr, error) {
	if addr, ok := r[library+"!"+symbol]; ok {
		return addr, nil
	}
	return 0, hook.ErrSymbolNotFound
}

func TestCoreInstallerUsesResolver(t *testing.T) {
	c := newTestCore(t, &countingMemory{}, WithResolver(mapResolver{"libc.so!fstat": 0x4000}))

	h, err := c.Installer().InstallSymbol("libc.so", "fstat", 0x5000)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x4000), h.Target)
	assert.NotZero(t, h.MustOriginal())

	_, err = c.Installer().InstallSymbol("libc.so", "missing", 0x5000)
	require.ErrorIs(t, err, hook.ErrSymbolNotFound)
}

func TestUnavailablePatcher(t *testing.T) {
	c := New(WithPatcher(unavailablePatcher{err: hook.ErrUnsupported}))
	_, err := c.Installer().Install(0x1000, 0x2000)
	require.ErrorIs(t, err, hook.ErrUnsupported)
}
