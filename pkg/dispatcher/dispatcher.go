package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/gpu"
	"github.com/cuemby/wasm-watchdog/pkg/instance"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/metrics"
	"github.com/cuemby/wasm-watchdog/pkg/pool"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

// DefaultAcquireTimeout bounds the wait for an instance when New is given
// no timeout
const DefaultAcquireTimeout = 10 * time.Second

// Pool is the part of *pool.Pool the dispatcher needs
type Pool interface {
	Acquire(ctx context.Context) (*instance.Instance, error)
	Release(inst *instance.Instance)
	RecordInvocation()
}

// Request is one function call
type Request struct {
	Method     string
	Path       string
	Invocation types.Invocation
}

// Response is the classified result of a request
type Response struct {
	Outcome    types.Outcome
	Result     *types.Result
	Err        error
	InstanceID string
	Duration   time.Duration
}

// Dispatcher runs each request on exactly one acquired instance
type Dispatcher struct {
	pool           Pool
	acquireTimeout time.Duration
	logger         zerolog.Logger
}

// New creates a dispatcher. acquireTimeout bounds the wait for an instance
// when the request context has no earlier deadline; zero or less means
// DefaultAcquireTimeout.
func New(p Pool, acquireTimeout time.Duration) *Dispatcher {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Dispatcher{
		pool:           p,
		acquireTimeout: acquireTimeout,
		logger:         log.WithComponent("dispatcher"),
	}
}

// Handle acquires an instance, invokes it once and releases it
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	timer := metrics.NewTimer()
	resp := d.handle(ctx, req)
	resp.Duration = timer.Duration()

	metrics.InvocationsTotal.WithLabelValues(string(resp.Outcome)).Inc()
	timer.ObserveDurationVec(metrics.InvocationDuration, string(resp.Outcome))

	event := d.logger.Debug()
	if resp.Outcome != types.OutcomeSuccess {
		event = d.logger.Warn().Err(resp.Err)
	}
	event.
		Str("method", req.Method).
		Str("path", req.Path).
		Str("instance_id", resp.InstanceID).
		Str("outcome", string(resp.Outcome)).
		Dur("took", resp.Duration).
		Msg("Request handled")

	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req *Request) *Response {
	acquireCtx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	defer cancel()

	inst, err := d.pool.Acquire(acquireCtx)
	if err != nil {
		return &Response{Outcome: Classify(err), Err: err}
	}

	res, err := inst.Invoke(ctx, &req.Invocation)
	d.pool.Release(inst)
	d.pool.RecordInvocation()

	return &Response{
		Outcome:    Classify(err),
		Result:     res,
		Err:        err,
		InstanceID: inst.ID,
	}
}

// Classify maps an acquire or invoke error to its outcome
func Classify(err error) types.Outcome {
	var (
		creationErr *pool.CreationError
		trapErr     *types.TrapError
		exitErr     *types.ExitError
	)

	switch {
	case err == nil:
		return types.OutcomeSuccess
	case errors.Is(err, pool.ErrBusy):
		return types.OutcomeBusy
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, instance.ErrTerminated):
		return types.OutcomeClosed
	case errors.As(err, &creationErr):
		return types.OutcomeCreationError
	case errors.Is(err, gpu.ErrGPUUnavailable):
		return types.OutcomeGPUUnavailable
	case errors.As(err, &trapErr):
		if trapErr.Timeout {
			return types.OutcomeTimeout
		}
		return types.OutcomeTrap
	case errors.As(err, &exitErr):
		return types.OutcomeFunctionError
	default:
		return types.OutcomeTrap
	}
}
