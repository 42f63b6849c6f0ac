package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/cuemby/wasm-watchdog/pkg/gpu"
)

const (
	// GPUModuleName is the import module guests use for device access
	GPUModuleName = "gpu"

	// ExitCodeGPUUnavailable terminates a guest that could not get the device
	ExitCodeGPUUnavailable uint32 = 75
)

const (
	gpuOK uint32 = iota
	gpuDisabled
)

// instantiateGPUModule registers gpu.acquire and gpu.release. Both find
// the invocation's session on the call context.
func instantiateGPUModule(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(GPUModuleName).
		NewFunctionBuilder().WithFunc(gpuAcquire).Export("acquire").
		NewFunctionBuilder().WithFunc(gpuRelease).Export("release").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate gpu module: %w", err)
	}
	return nil
}

// gpuAcquire blocks until the lease is granted. On timeout the guest is
// terminated before it can run device code.
func gpuAcquire(ctx context.Context, mod api.Module) uint32 {
	session := gpu.SessionFrom(ctx)
	if session == nil {
		return gpuDisabled
	}

	if err := session.Acquire(ctx); err != nil {
		_ = mod.CloseWithExitCode(ctx, ExitCodeGPUUnavailable)
		panic(sys.NewExitError(ExitCodeGPUUnavailable))
	}
	return gpuOK
}

func gpuRelease(ctx context.Context) uint32 {
	session := gpu.SessionFrom(ctx)
	if session == nil {
		return gpuDisabled
	}
	session.Release()
	return gpuOK
}
