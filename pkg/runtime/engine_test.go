package runtime

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasm-watchdog/pkg/cowfs"
	"github.com/cuemby/wasm-watchdog/pkg/gpu"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.Interpreter = true

	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func newTestOverlay(t *testing.T, files map[string]string) *cowfs.Overlay {
	t.Helper()

	fsys := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0644))
	}
	base, err := cowfs.NewBase(fsys)
	require.NoError(t, err)
	return cowfs.NewOverlay(base)
}

func compile(t *testing.T, e *Engine, name string, wasm []byte) *Module {
	t.Helper()
	m, err := e.Compile(context.Background(), name, wasm)
	require.NoError(t, err)
	return m
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "cross target", cfg: Config{Target: "wasm32-unknown-unknown"}},
		{name: "unknown feature", cfg: Config{CPUFeatures: "+teleport"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestCompileInvalidModule(t *testing.T) {
	e := newTestEngine(t, Config{})

	_, err := e.Compile(context.Background(), "junk", []byte("not wasm"))
	assert.Error(t, err)
}

func TestCompileFile(t *testing.T) {
	e := newTestEngine(t, Config{})

	path := filepath.Join(t.TempDir(), "hello.wasm")
	require.NoError(t, os.WriteFile(path, helloModule(), 0644))

	m, err := e.CompileFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Name)
	assert.Len(t, m.Digest, 64)
	assert.Equal(t, []string{wasiModule}, m.Imports())

	rec := m.Record()
	assert.Equal(t, path, rec.Path)
	assert.Equal(t, m.Digest, rec.Digest)
	assert.Equal(t, int64(len(helloModule())), rec.Size)
	assert.Equal(t, HostTarget(), rec.Target)
	assert.Equal(t, []string{wasiModule}, rec.Imports)
}

func TestRunStdout(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := compile(t, e, "hello", helloModule())

	var stdout bytes.Buffer
	err := m.Run(context.Background(), newTestOverlay(t, nil), &types.Invocation{}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestRunEchoesBody(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := compile(t, e, "echo", echoModule())

	var stdout bytes.Buffer
	inv := &types.Invocation{Body: []byte("ping")}
	require.NoError(t, m.Run(context.Background(), newTestOverlay(t, nil), inv, &stdout, &bytes.Buffer{}))
	assert.Equal(t, "ping", stdout.String())
}

func TestRunExitCodes(t *testing.T) {
	e := newTestEngine(t, Config{})

	tests := []struct {
		name     string
		code     int32
		wantCode uint32
	}{
		{name: "zero is success", code: 0},
		{name: "non-zero", code: 3, wantCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := compile(t, e, "exit", exitModule(tt.code))

			err := m.Run(context.Background(), newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}

			var exitErr *types.ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tt.wantCode, exitErr.Code)
		})
	}
}

func TestRunTrap(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := compile(t, e, "trap", trapModule())

	err := m.Run(context.Background(), newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})

	var trap *types.TrapError
	require.ErrorAs(t, err, &trap)
	assert.False(t, trap.Timeout)
	assert.Contains(t, trap.Reason, "unreachable")
}

func TestRunDeadline(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := compile(t, e, "loop", loopModule())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})

	var trap *types.TrapError
	require.ErrorAs(t, err, &trap)
	assert.True(t, trap.Timeout)
}

func TestWarmMemoryLimit(t *testing.T) {
	e := newTestEngine(t, Config{MemoryLimitPages: 1})

	m, err := e.Compile(context.Background(), "big", bigMemoryModule(2))
	if err == nil {
		err = m.Warm(context.Background(), newTestOverlay(t, nil))
	}
	assert.Error(t, err)
}

func TestRunMemoryGrowPastLimit(t *testing.T) {
	tests := []struct {
		name     string
		limit    uint32
		wantTrap bool
	}{
		{name: "within limit", limit: 2},
		{name: "past limit aborts", limit: 1, wantTrap: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{MemoryLimitPages: tt.limit})
			m := compile(t, e, "grow", growModule())
			require.NoError(t, m.Warm(context.Background(), newTestOverlay(t, nil)))

			err := m.Run(context.Background(), newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})
			if !tt.wantTrap {
				assert.NoError(t, err)
				return
			}

			var trap *types.TrapError
			require.ErrorAs(t, err, &trap)
			assert.False(t, trap.Timeout)
			assert.Contains(t, trap.Reason, "unreachable")
		})
	}
}

func TestWarmMissingGPUModule(t *testing.T) {
	e := newTestEngine(t, Config{})

	m, err := e.Compile(context.Background(), "gpu", gpuModule(false))
	if err == nil {
		err = m.Warm(context.Background(), newTestOverlay(t, nil))
	}
	assert.Error(t, err)
}

func TestWarmDoesNotRunEntryPoint(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := compile(t, e, "trap", trapModule())

	assert.NoError(t, m.Warm(context.Background(), newTestOverlay(t, nil)))
}

func TestRunWritesStayInOverlay(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := compile(t, e, "writer", writeFileModule())

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/data", []byte("base-content"), 0644))
	base, err := cowfs.NewBase(fsys)
	require.NoError(t, err)

	ov := cowfs.NewOverlay(base)
	sibling := cowfs.NewOverlay(base)

	require.NoError(t, m.Run(context.Background(), ov, &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{}))

	buf := make([]byte, 12)
	n, err := ov.ReadAt("/data", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "overlayntent", string(buf[:n]))

	n, err = sibling.ReadAt("/data", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "base-content", string(buf[:n]))

	onDisk, err := afero.ReadFile(fsys, "/data")
	require.NoError(t, err)
	assert.Equal(t, "base-content", string(onDisk))
}

func TestRunGPU(t *testing.T) {
	device := gpu.NewHostDevice("test0")
	mgr := gpu.NewManager(device)
	e := newTestEngine(t, Config{GPU: mgr})

	t.Run("lease released by guest", func(t *testing.T) {
		m := compile(t, e, "gpu", gpuModule(false))
		session := mgr.NewSession("inv-1", time.Second)
		ctx := gpu.WithSession(context.Background(), session)

		require.NoError(t, m.Run(ctx, newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{}))
		assert.False(t, session.Held())
		assert.Empty(t, mgr.Holder())
	})

	t.Run("trap while holding lease", func(t *testing.T) {
		m := compile(t, e, "gpu-trap", gpuModule(true))
		session := mgr.NewSession("inv-2", time.Second)
		ctx := gpu.WithSession(context.Background(), session)

		err := m.Run(ctx, newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})
		var trap *types.TrapError
		require.ErrorAs(t, err, &trap)
		assert.True(t, session.Held())

		session.End(true)
		assert.Empty(t, mgr.Holder())
		assert.Equal(t, int64(1), device.Resets())
	})

	t.Run("device busy", func(t *testing.T) {
		lease, err := mgr.AcquireLease(context.Background(), "other", time.Second)
		require.NoError(t, err)
		defer lease.Release()

		m := compile(t, e, "gpu", gpuModule(false))
		session := mgr.NewSession("inv-3", 20*time.Millisecond)
		ctx := gpu.WithSession(context.Background(), session)

		err = m.Run(ctx, newTestOverlay(t, nil), &types.Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})
		assert.True(t, errors.Is(err, gpu.ErrGPUUnavailable))
		assert.Equal(t, "other", mgr.Holder())
	})
}
