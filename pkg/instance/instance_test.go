package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasm-watchdog/pkg/cowfs"
	"github.com/cuemby/wasm-watchdog/pkg/gpu"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

// fakeExecutor runs a Go function in place of a guest module
type fakeExecutor struct {
	warmErr error
	run     func(ctx context.Context, ov *cowfs.Overlay, inv *types.Invocation, stdout, stderr io.Writer) error

	mu    sync.Mutex
	warms int
}

func (f *fakeExecutor) Warm(ctx context.Context, ov *cowfs.Overlay) error {
	f.mu.Lock()
	f.warms++
	f.mu.Unlock()
	return f.warmErr
}

func (f *fakeExecutor) Run(ctx context.Context, ov *cowfs.Overlay, inv *types.Invocation, stdout, stderr io.Writer) error {
	if f.run == nil {
		_, err := stdout.Write(inv.Body)
		return err
	}
	return f.run(ctx, ov, inv, stdout, stderr)
}

func testBase(t *testing.T) *cowfs.Base {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/data", []byte("base"), 0644))
	base, err := cowfs.NewBase(fsys)
	require.NoError(t, err)
	return base
}

func startInstance(t *testing.T, cfg Config) *Instance {
	t.Helper()
	inst := New(cfg)
	require.NoError(t, inst.Start(context.Background()))
	t.Cleanup(inst.Terminate)
	return inst
}

func TestStart(t *testing.T) {
	exec := &fakeExecutor{}
	inst := New(Config{Function: "echo", Executor: exec, Base: testBase(t)})
	assert.Equal(t, types.InstanceStateCold, inst.State())
	assert.NotEmpty(t, inst.ID)

	require.NoError(t, inst.Start(context.Background()))
	defer inst.Terminate()

	assert.Equal(t, types.InstanceStateIdle, inst.State())
	assert.Equal(t, 1, exec.warms)
}

func TestStartFailure(t *testing.T) {
	exec := &fakeExecutor{warmErr: errors.New("link error")}
	inst := New(Config{Function: "echo", Executor: exec, Base: testBase(t)})

	err := inst.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.InstanceStateWarming, inst.State())

	_, err = inst.Invoke(context.Background(), &types.Invocation{})
	assert.ErrorIs(t, err, ErrTerminated)
	inst.Terminate()
}

func TestInvoke(t *testing.T) {
	inst := startInstance(t, Config{Function: "echo", Executor: &fakeExecutor{}, Base: testBase(t)})
	require.NoError(t, inst.MarkBusy())

	res, err := inst.Invoke(context.Background(), &types.Invocation{Body: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Stdout))
	assert.Equal(t, uint64(1), inst.Invocations())

	require.NoError(t, inst.MarkIdle())
	assert.Equal(t, types.InstanceStateIdle, inst.State())
}

func TestInvokeOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState types.InstanceState
		wantCode  uint32
	}{
		{
			name:      "function error keeps instance",
			err:       &types.ExitError{Code: 2},
			wantState: types.InstanceStateBusy,
			wantCode:  2,
		},
		{
			name:      "trap faults instance",
			err:       &types.TrapError{Reason: "unreachable"},
			wantState: types.InstanceStateFaulted,
		},
		{
			name:      "gpu unavailable keeps instance",
			err:       fmt.Errorf("lease: %w", gpu.ErrGPUUnavailable),
			wantState: types.InstanceStateBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{run: func(_ context.Context, _ *cowfs.Overlay, _ *types.Invocation, stdout, _ io.Writer) error {
				_, _ = stdout.Write([]byte("partial"))
				return tt.err
			}}
			inst := startInstance(t, Config{Function: "f", Executor: exec, Base: testBase(t)})
			require.NoError(t, inst.MarkBusy())

			res, err := inst.Invoke(context.Background(), &types.Invocation{})
			require.Error(t, err)
			assert.Equal(t, tt.wantState, inst.State())
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.Equal(t, "partial", string(res.Stdout))

			var trap *types.TrapError
			if errors.As(err, &trap) {
				assert.Equal(t, inst.ID, trap.InstanceID)
				assert.Equal(t, "unreachable", inst.Record().FaultReason)
			}
		})
	}
}

func TestInvokePanicIsContained(t *testing.T) {
	exec := &fakeExecutor{run: func(context.Context, *cowfs.Overlay, *types.Invocation, io.Writer, io.Writer) error {
		panic("boom")
	}}
	inst := startInstance(t, Config{Function: "f", Executor: exec, Base: testBase(t)})
	require.NoError(t, inst.MarkBusy())

	_, err := inst.Invoke(context.Background(), &types.Invocation{})

	var trap *types.TrapError
	require.ErrorAs(t, err, &trap)
	assert.Contains(t, trap.Reason, "boom")
	assert.Equal(t, types.InstanceStateFaulted, inst.State())
}

func TestInvokeIgnoresCallerCancellation(t *testing.T) {
	exec := &fakeExecutor{run: func(ctx context.Context, _ *cowfs.Overlay, _ *types.Invocation, stdout, _ io.Writer) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return &types.TrapError{Reason: "cancelled", Timeout: true}
		}
		_, err := stdout.Write([]byte("done"))
		return err
	}}
	inst := startInstance(t, Config{Function: "f", Executor: exec, Base: testBase(t)})
	require.NoError(t, inst.MarkBusy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := inst.Invoke(ctx, &types.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "done", string(res.Stdout))
}

func TestInvokeExecTimeout(t *testing.T) {
	exec := &fakeExecutor{run: func(ctx context.Context, _ *cowfs.Overlay, _ *types.Invocation, _, _ io.Writer) error {
		<-ctx.Done()
		return &types.TrapError{Reason: "deadline", Timeout: true}
	}}
	inst := startInstance(t, Config{Function: "f", Executor: exec, Base: testBase(t), ExecTimeout: 10 * time.Millisecond})
	require.NoError(t, inst.MarkBusy())

	_, err := inst.Invoke(context.Background(), &types.Invocation{})

	var trap *types.TrapError
	require.ErrorAs(t, err, &trap)
	assert.True(t, trap.Timeout)
}

func TestOverlayPersistsAcrossInvocations(t *testing.T) {
	exec := &fakeExecutor{run: func(_ context.Context, ov *cowfs.Overlay, inv *types.Invocation, stdout, _ io.Writer) error {
		if len(inv.Body) > 0 {
			_, err := ov.WriteAt("/data", inv.Body, 0)
			return err
		}
		buf := make([]byte, 4)
		n, err := ov.ReadAt("/data", buf, 0)
		if err != nil {
			return err
		}
		_, err = stdout.Write(buf[:n])
		return err
	}}
	base := testBase(t)
	a := startInstance(t, Config{Function: "f", Executor: exec, Base: base})
	b := startInstance(t, Config{Function: "f", Executor: exec, Base: base})
	require.NoError(t, a.MarkBusy())
	require.NoError(t, b.MarkBusy())

	_, err := a.Invoke(context.Background(), &types.Invocation{Body: []byte("AAAA")})
	require.NoError(t, err)

	res, err := a.Invoke(context.Background(), &types.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(res.Stdout))
	assert.Equal(t, 1, a.Record().DirtyBlocks)

	res, err = b.Invoke(context.Background(), &types.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "base", string(res.Stdout))
}

func TestGPULeaseReleasedAtInvocationEnd(t *testing.T) {
	device := gpu.NewHostDevice("test0")
	mgr := gpu.NewManager(device)

	tests := []struct {
		name       string
		err        error
		wantResets int64
	}{
		{name: "success", err: nil},
		{name: "function error", err: &types.ExitError{Code: 1}},
		{name: "trap resets device", err: &types.TrapError{Reason: "oob"}, wantResets: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := device.Resets()
			exec := &fakeExecutor{run: func(ctx context.Context, _ *cowfs.Overlay, _ *types.Invocation, _, _ io.Writer) error {
				if err := gpu.SessionFrom(ctx).Acquire(ctx); err != nil {
					return err
				}
				return tt.err
			}}
			inst := startInstance(t, Config{
				Function:   "f",
				Executor:   exec,
				Base:       testBase(t),
				GPU:        mgr,
				GPUTimeout: time.Second,
			})
			require.NoError(t, inst.MarkBusy())

			_, _ = inst.Invoke(context.Background(), &types.Invocation{})
			assert.Empty(t, mgr.Holder())
			assert.Equal(t, tt.wantResets, device.Resets()-before)
		})
	}
}

func TestGPUSerializedAcrossInstances(t *testing.T) {
	mgr := gpu.NewManager(gpu.NewHostDevice("test0"))

	var mu sync.Mutex
	active, maxActive := 0, 0
	exec := &fakeExecutor{run: func(ctx context.Context, _ *cowfs.Overlay, _ *types.Invocation, _, _ io.Writer) error {
		session := gpu.SessionFrom(ctx)
		if err := session.Acquire(ctx); err != nil {
			return err
		}
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		session.Release()
		return nil
	}}

	base := testBase(t)
	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		inst := startInstance(t, Config{Function: "f", Executor: exec, Base: base, GPU: mgr, GPUTimeout: time.Second})
		require.NoError(t, inst.MarkBusy())

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inst.Invoke(context.Background(), &types.Invocation{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestGPUTimeoutDefaults(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{name: "explicit", timeout: time.Second, want: time.Second},
		{name: "zero", timeout: 0, want: DefaultGPUTimeout},
		{name: "negative", timeout: -time.Second, want: DefaultGPUTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := New(Config{Function: "f", Executor: &fakeExecutor{}, Base: testBase(t), GPUTimeout: tt.timeout})
			assert.Equal(t, tt.want, inst.cfg.GPUTimeout)
		})
	}
}

// A held device does not block an invocation past its GPU timeout, even
// though the caller's own deadline is ignored.
func TestGPUWaitBoundedDespiteCallerDeadline(t *testing.T) {
	mgr := gpu.NewManager(gpu.NewHostDevice("test0"))
	held, err := mgr.AcquireLease(context.Background(), "other", 0)
	require.NoError(t, err)
	defer held.Release()

	exec := &fakeExecutor{run: func(ctx context.Context, _ *cowfs.Overlay, _ *types.Invocation, _, _ io.Writer) error {
		return gpu.SessionFrom(ctx).Acquire(ctx)
	}}
	inst := startInstance(t, Config{Function: "f", Executor: exec, Base: testBase(t), GPU: mgr, GPUTimeout: 50 * time.Millisecond})
	require.NoError(t, inst.MarkBusy())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := inst.Invoke(ctx, &types.Invocation{})
	assert.ErrorIs(t, err, gpu.ErrGPUUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, res.GPUWait, 50*time.Millisecond)
	assert.Equal(t, types.InstanceStateBusy, inst.State())
}

func TestTransitions(t *testing.T) {
	inst := startInstance(t, Config{Function: "f", Executor: &fakeExecutor{}, Base: testBase(t)})

	assert.Error(t, inst.MarkIdle())
	require.NoError(t, inst.MarkBusy())
	assert.Error(t, inst.MarkBusy())

	inst.Terminate()
	assert.Equal(t, types.InstanceStateTerminating, inst.State())
	assert.Error(t, inst.MarkIdle())

	_, err := inst.Invoke(context.Background(), &types.Invocation{})
	assert.ErrorIs(t, err, ErrTerminated)
}
