package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/wasm-watchdog/pkg/api"
	"github.com/cuemby/wasm-watchdog/pkg/config"
	"github.com/cuemby/wasm-watchdog/pkg/cowfs"
	"github.com/cuemby/wasm-watchdog/pkg/dispatcher"
	"github.com/cuemby/wasm-watchdog/pkg/events"
	"github.com/cuemby/wasm-watchdog/pkg/gpu"
	"github.com/cuemby/wasm-watchdog/pkg/health"
	"github.com/cuemby/wasm-watchdog/pkg/instance"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/metrics"
	"github.com/cuemby/wasm-watchdog/pkg/pool"
	"github.com/cuemby/wasm-watchdog/pkg/runtime"
	"github.com/cuemby/wasm-watchdog/pkg/storage"
)

// shutdownTimeout bounds the wait for in-flight requests on exit
const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command) error {
	log.Init(log.Config{Level: log.InfoLevel})

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("watchdog")
	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("mode", cfg.Mode).
		Str("function", cfg.FunctionName()).
		Msg("Starting watchdog")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("runtime", "pool", "watchdog")

	ctx := context.Background()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if cfg.StateDir != "" {
		store, err := storage.NewBoltStore(cfg.StateDir)
		if err != nil {
			return err
		}
		defer store.Close()

		recorder := storage.NewRecorder(store, broker)
		recorder.Start()
		defer recorder.Stop()
		logger.Info().Str("state_dir", cfg.StateDir).Msg("Recording lifecycle history")
	}

	var gpuManager *gpu.Manager
	if cfg.UseCUDA {
		gpuManager = gpu.NewManager(gpu.NewHostDevice("cuda:0"))
		logger.Info().Str("device", gpuManager.Device().Name()).Msg("GPU sharing enabled")
	}

	engine, err := runtime.NewEngine(ctx, runtime.Config{
		MemoryLimitPages: cfg.MemoryLimitPages,
		CacheDir:         cfg.WasmCacheDir,
		Target:           cfg.WasmCTarget,
		CPUFeatures:      cfg.WasmCCPUFeatures,
		GPU:              gpuManager,
	})
	if err != nil {
		metrics.UpdateComponent("runtime", false, err.Error())
		return err
	}
	defer engine.Close(ctx)

	modulePath, args := cfg.FunctionCommand()
	mod, err := engine.CompileFile(ctx, modulePath)
	if err != nil {
		metrics.UpdateComponent("runtime", false, err.Error())
		return err
	}
	metrics.UpdateComponent("runtime", true, "module "+mod.Name+" compiled")
	broker.Publish(&events.Event{
		Type:    events.EventModuleLoaded,
		Message: fmt.Sprintf("compiled %s in %s", mod.Name, mod.Compiled),
		Module:  mod.Record(),
	})

	base, err := cowfs.NewBaseFromDir(cfg.WasmRoot)
	if err != nil {
		return fmt.Errorf("failed to open wasm_root: %w", err)
	}

	p, err := pool.New(pool.Config{
		Instance: instance.Config{
			Function:      mod.Name,
			Executor:      mod,
			Base:          base,
			GPU:           gpuManager,
			GPUTimeout:    cfg.GPUTimeout,
			ExecTimeout:   cfg.ExecTimeout,
			PrefixLogs:    cfg.PrefixLogs,
			LogBufferSize: cfg.LogBufferSize,
		},
		MinScale:  cfg.MinScale,
		MaxScale:  cfg.MaxScale,
		IdleGrace: cfg.IdleGrace,
		Events:    broker,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		metrics.UpdateComponent("pool", false, err.Error())
		return fmt.Errorf("failed to warm %d instance(s): %w", cfg.MinScale, err)
	}
	metrics.UpdateComponent("pool", true, "")

	collector := metrics.NewCollector(p, 0)
	collector.Start()
	defer collector.Stop()

	lock := health.NewLock(health.LockPath(""), cfg.SuppressLock)
	server, err := api.NewServer(api.Config{
		Addr:            net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		FunctionName:    mod.Name,
		FunctionProcess: cfg.FunctionProcess,
		Args:            args,
		ContentType:     cfg.ContentType,
		BufferHTTP:      cfg.BufferHTTP,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxInflight:     cfg.MaxInflight,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
	}, dispatcher.New(p, cfg.AcquireTimeout), p, lock)
	if err != nil {
		return err
	}
	healthServer := api.NewHealthServer(net.JoinHostPort("", strconv.Itoa(cfg.MetricsPort)))

	errCh := make(chan error, 2)
	go func() {
		if err := healthServer.Start(); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("watchdog server error: %w", err)
		}
	}()

	if err := lock.MarkHealthy(); err != nil {
		return err
	}
	defer func() {
		if err := lock.MarkUnhealthy(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove lock file")
		}
	}()

	monitor := health.NewMonitor("watchdog",
		health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/_/health", cfg.Port)).
			WithExpectedBody("OK").
			WithTimeout(cfg.WriteTimeout),
		health.Config{Interval: cfg.HealthcheckInterval, Timeout: cfg.WriteTimeout, Retries: 3},
	)
	monitor.Start()
	defer monitor.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed")
	}

	// Stop advertising health before draining so probes fail fast
	if err := lock.MarkUnhealthy(); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove lock file")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Watchdog server shutdown incomplete")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown incomplete")
	}

	logger.Info().Uint64("invocations", p.Status().Invocations).Msg("Shutdown complete")
	return runErr
}
