package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/cuemby/wasm-watchdog/pkg/cowfs"
	"github.com/cuemby/wasm-watchdog/pkg/gpu"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

const (
	// DefaultMemoryLimitPages caps guest linear memory at 256 MiB
	DefaultMemoryLimitPages = 4096

	// PageSize is the size of one WebAssembly memory page
	PageSize = 65536
)

// Config configures the engine
type Config struct {
	// MemoryLimitPages caps every guest's linear memory
	MemoryLimitPages uint32

	// CacheDir persists compiled code across restarts when set
	CacheDir string

	// Target is the compile target triple; empty means the host
	Target string

	// CPUFeatures adjusts the enabled WebAssembly core features
	CPUFeatures string

	// GPU exposes the "gpu" host module when set
	GPU *gpu.Manager

	// Interpreter forces the interpreter engine
	Interpreter bool
}

// Engine compiles and runs modules on one shared wazero runtime
type Engine struct {
	cfg     Config
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	logger  zerolog.Logger
}

// NewEngine creates the runtime, the WASI host module and, when a GPU
// manager is configured, the gpu host module.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if err := ValidateTarget(cfg.Target); err != nil {
		return nil, err
	}
	features, err := ParseCPUFeatures(cfg.CPUFeatures)
	if err != nil {
		return nil, err
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}

	rc := wazero.NewRuntimeConfig()
	if cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.
		WithCoreFeatures(features).
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	e := &Engine{
		cfg:    cfg,
		logger: log.WithComponent("runtime"),
	}

	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		e.cache = cache
		rc = rc.WithCompilationCache(cache)
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		_ = e.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if cfg.GPU != nil {
		if err := instantiateGPUModule(ctx, e.runtime); err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
	}

	e.logger.Info().
		Uint32("memory_limit_pages", cfg.MemoryLimitPages).
		Bool("gpu", cfg.GPU != nil).
		Str("cache_dir", cfg.CacheDir).
		Msg("Runtime initialized")

	return e, nil
}

// Close releases the runtime and every module compiled by it
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.runtime != nil {
		errs = append(errs, e.runtime.Close(ctx))
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close(ctx))
	}
	return errors.Join(errs...)
}

// Module is a compiled, immutable module image. It is safe for concurrent
// use by any number of instances.
type Module struct {
	Name     string
	Path     string
	Digest   string
	Size     int
	Compiled time.Duration

	engine   *Engine
	compiled wazero.CompiledModule
}

// Compile compiles wasm into a shareable module handle
func (e *Engine) Compile(ctx context.Context, name string, wasm []byte) (*Module, error) {
	start := time.Now()
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module %s: %w", name, err)
	}

	sum := sha256.Sum256(wasm)
	m := &Module{
		Name:     name,
		Digest:   hex.EncodeToString(sum[:]),
		Size:     len(wasm),
		Compiled: time.Since(start),
		engine:   e,
		compiled: compiled,
	}

	e.logger.Info().
		Str("module", name).
		Str("digest", m.Digest[:12]).
		Strs("imports", m.Imports()).
		Dur("took", m.Compiled).
		Msg("Module compiled")

	return m, nil
}

// CompileFile reads and compiles a module from disk
func (e *Engine) CompileFile(ctx context.Context, path string) (*Module, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m, err := e.Compile(ctx, name, wasm)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

// Record describes the module for the state store
func (m *Module) Record() *types.ModuleRecord {
	target := m.engine.cfg.Target
	if target == "" {
		target = HostTarget()
	}
	return &types.ModuleRecord{
		Name:        m.Name,
		Path:        m.Path,
		Digest:      m.Digest,
		Size:        int64(m.Size),
		Target:      target,
		CPUFeatures: m.engine.cfg.CPUFeatures,
		CompiledAt:  time.Now(),
		CompileTime: m.Compiled.String(),
		Imports:     m.Imports(),
	}
}

// Imports lists the host modules the module imports from
func (m *Module) Imports() []string {
	seen := make(map[string]bool)
	var mods []string
	for _, def := range m.compiled.ImportedFunctions() {
		modName, _, _ := def.Import()
		if !seen[modName] {
			seen[modName] = true
			mods = append(mods, modName)
		}
	}
	return mods
}

// Close releases the compiled code
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Warm instantiates the module against ov without running its entry point,
// surfacing link, memory and data segment errors before any request.
func (m *Module) Warm(ctx context.Context, ov *cowfs.Overlay) error {
	cfg := m.moduleConfig(ov, nil, io.Discard, io.Discard).WithStartFunctions()

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return fmt.Errorf("failed to instantiate module %s: %w", m.Name, err)
	}
	return mod.Close(ctx)
}

// Run executes the module entry point once. The returned error is nil on a
// zero exit status, *types.ExitError on a non-zero status, an error wrapping
// gpu.ErrGPUUnavailable when the guest could not get the device, and
// *types.TrapError for everything else.
func (m *Module) Run(ctx context.Context, ov *cowfs.Overlay, inv *types.Invocation, stdout, stderr io.Writer) error {
	cfg := m.moduleConfig(ov, inv, stdout, stderr)

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err == nil {
		return mod.Close(ctx)
	}
	return classify(err, gpu.SessionFrom(ctx))
}

func (m *Module) moduleConfig(ov *cowfs.Overlay, inv *types.Invocation, stdout, stderr io.Writer) wazero.ModuleConfig {
	fsConfig := wazero.NewFSConfig().(sysfs.FSConfig).WithSysFSMount(newOverlayFS(ov), "/")

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithFSConfig(fsConfig).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()

	if inv == nil {
		return cfg
	}

	cfg = cfg.
		WithStdin(bytes.NewReader(inv.Body)).
		WithArgs(append([]string{m.Name}, inv.Args...)...)
	for _, env := range inv.Env {
		cfg = cfg.WithEnv(env.Name, env.Value)
	}
	return cfg
}

func classify(err error, session *gpu.Session) error {
	if session != nil && session.Err() != nil {
		return session.Err()
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return &types.TrapError{Reason: "execution deadline exceeded", Timeout: true, Err: err}
		default:
			return &types.ExitError{Code: code}
		}
	}

	return &types.TrapError{Reason: trapReason(err), Err: err}
}

// trapReason keeps the first line of a wazero error, dropping the stack trace
func trapReason(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

var _ api.Closer = (*Module)(nil)
