package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/cowfs"
	"github.com/cuemby/wasm-watchdog/pkg/gpu"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/runtime"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

// ErrTerminated is returned when work is submitted to a stopped instance
var ErrTerminated = errors.New("instance terminated")

// DefaultGPUTimeout bounds the device wait when Config.GPUTimeout is unset.
// Invocations ignore caller cancellation, so the wait always needs a bound.
const DefaultGPUTimeout = 10 * time.Second

// Executor runs a compiled module against an overlay. *runtime.Module
// implements it.
type Executor interface {
	Warm(ctx context.Context, ov *cowfs.Overlay) error
	Run(ctx context.Context, ov *cowfs.Overlay, inv *types.Invocation, stdout, stderr io.Writer) error
}

// Config holds what every instance of a function shares
type Config struct {
	Function string
	Executor Executor
	Base     *cowfs.Base

	// GPU is set when invocations may lease the device. GPUTimeout of zero
	// means DefaultGPUTimeout.
	GPU        *gpu.Manager
	GPUTimeout time.Duration

	// ExecTimeout bounds one invocation; zero disables it
	ExecTimeout time.Duration

	PrefixLogs    bool
	LogBufferSize int
}

// Instance is one isolated execution context. All of its work runs on a
// single goroutine locked to an OS thread for the instance lifetime.
type Instance struct {
	ID        string
	Function  string
	CreatedAt time.Time

	cfg     Config
	logger  zerolog.Logger
	overlay *cowfs.Overlay
	stderr  *runtime.LogWriter

	mu          sync.Mutex
	state       types.InstanceState
	lastUsed    time.Time
	invocations uint64
	dirtyBlocks int
	faultReason string

	jobs     chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a cold instance. Nothing runs until Start.
func New(cfg Config) *Instance {
	if cfg.GPUTimeout <= 0 {
		cfg.GPUTimeout = DefaultGPUTimeout
	}

	id := uuid.New().String()
	logger := log.WithInstanceID(id)

	prefix := ""
	if cfg.PrefixLogs {
		prefix = runtime.FunctionLogPrefix(cfg.Function)
	}

	return &Instance{
		ID:        id,
		Function:  cfg.Function,
		CreatedAt: time.Now(),
		cfg:       cfg,
		logger:    logger,
		stderr:    runtime.NewLogWriter(logger, prefix, cfg.LogBufferSize),
		state:     types.InstanceStateCold,
		jobs:      make(chan func()),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start binds a fresh overlay, starts the worker and warms the module on
// it. On error the instance is stopped and must be dropped.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	i.state = types.InstanceStateWarming
	i.overlay = cowfs.NewOverlay(i.cfg.Base)
	i.mu.Unlock()

	go i.loop()

	err := i.submit(func() error {
		return i.cfg.Executor.Warm(ctx, i.overlay)
	})
	if err != nil {
		i.stop()
		i.overlay.Discard()
		return err
	}

	i.mu.Lock()
	i.state = types.InstanceStateIdle
	i.lastUsed = time.Now()
	i.mu.Unlock()

	i.logger.Debug().Dur("took", time.Since(i.CreatedAt)).Msg("Instance warm")
	return nil
}

// Invoke runs the function once. It must not be called concurrently; the
// pool guarantees this by handing a Busy instance to one caller only.
//
// ctx only supplies values. An invocation is never cancelled once started;
// it is bounded by ExecTimeout alone.
func (i *Instance) Invoke(ctx context.Context, inv *types.Invocation) (*types.Result, error) {
	var res *types.Result
	err := i.submit(func() error {
		var err error
		res, err = i.run(context.WithoutCancel(ctx), inv)
		return err
	})
	return res, err
}

func (i *Instance) run(ctx context.Context, inv *types.Invocation) (res *types.Result, err error) {
	if i.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.ExecTimeout)
		defer cancel()
	}

	var session *gpu.Session
	if i.cfg.GPU != nil {
		session = i.cfg.GPU.NewSession(i.ID, i.cfg.GPUTimeout)
		ctx = gpu.WithSession(ctx, session)
	}

	var stdout bytes.Buffer
	start := time.Now()
	res = &types.Result{}

	defer func() {
		if r := recover(); r != nil {
			err = &types.TrapError{Reason: fmt.Sprintf("host panic: %v", r)}
		}
		i.stderr.Flush()

		res.Stdout = stdout.Bytes()
		res.Duration = time.Since(start)

		var trap *types.TrapError
		faulted := errors.As(err, &trap)
		if session != nil {
			res.GPUWait = session.Wait()
			session.End(faulted)
		}

		var exitErr *types.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.Code
			exitErr.Stdout = res.Stdout
		}

		i.finish(trap, i.overlay.DirtyBlocks())
	}()

	err = i.cfg.Executor.Run(ctx, i.overlay, inv, &stdout, i.stderr)
	return res, err
}

func (i *Instance) finish(trap *types.TrapError, dirtyBlocks int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.invocations++
	i.dirtyBlocks = dirtyBlocks
	i.lastUsed = time.Now()
	if trap == nil {
		return
	}

	trap.InstanceID = i.ID
	i.state = types.InstanceStateFaulted
	i.faultReason = trap.Reason
	i.logger.Warn().
		Str("reason", trap.Reason).
		Bool("timeout", trap.Timeout).
		Msg("Instance faulted")
}

// submit runs fn on the worker and waits for it
func (i *Instance) submit(fn func() error) error {
	select {
	case <-i.stopCh:
		return ErrTerminated
	default:
	}

	errCh := make(chan error, 1)
	job := func() { errCh <- fn() }

	select {
	case i.jobs <- job:
	case <-i.stopCh:
		return ErrTerminated
	}
	return <-errCh
}

func (i *Instance) loop() {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()
	defer close(i.done)

	for {
		select {
		case job := <-i.jobs:
			job()
		case <-i.stopCh:
			return
		}
	}
}

func (i *Instance) stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
}

// Terminate stops the worker and discards the overlay. The caller must
// ensure no invocation is running.
func (i *Instance) Terminate() {
	i.setState(types.InstanceStateTerminating)
	i.stop()

	i.mu.Lock()
	started := i.overlay != nil
	i.mu.Unlock()
	if !started {
		return
	}

	<-i.done
	i.overlay.Discard()
}

// MarkBusy moves an idle instance to Busy
func (i *Instance) MarkBusy() error {
	return i.transition(types.InstanceStateIdle, types.InstanceStateBusy)
}

// MarkIdle moves a busy instance back to Idle
func (i *Instance) MarkIdle() error {
	return i.transition(types.InstanceStateBusy, types.InstanceStateIdle)
}

func (i *Instance) transition(from, to types.InstanceState) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != from {
		return fmt.Errorf("instance %s: cannot move from %s to %s", i.ID, i.state, to)
	}
	i.state = to
	if to == types.InstanceStateIdle {
		i.lastUsed = time.Now()
	}
	return nil
}

func (i *Instance) setState(s types.InstanceState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// State returns the current lifecycle state
func (i *Instance) State() types.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// IdleSince returns when the instance last became idle or finished work
func (i *Instance) IdleSince() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// Invocations returns how many invocations the instance has run
func (i *Instance) Invocations() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.invocations
}

// Record returns a snapshot suitable for persistence
func (i *Instance) Record() *types.InstanceRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec := &types.InstanceRecord{
		ID:          i.ID,
		Function:    i.Function,
		State:       i.state,
		Invocations: i.invocations,
		DirtyBlocks: i.dirtyBlocks,
		FaultReason: i.faultReason,
		CreatedAt:   i.CreatedAt,
	}
	if i.state == types.InstanceStateTerminating {
		rec.TerminatedAt = time.Now()
	}
	return rec
}
