package types

import (
	"time"
)

// InstanceState is the lifecycle state of an execution instance
type InstanceState string

const (
	InstanceStateCold        InstanceState = "cold"
	InstanceStateWarming     InstanceState = "warming"
	InstanceStateIdle        InstanceState = "idle"
	InstanceStateBusy        InstanceState = "busy"
	InstanceStateFaulted     InstanceState = "faulted"
	InstanceStateTerminating InstanceState = "terminating"
)

// Live reports whether an instance in this state counts toward pool size
func (s InstanceState) Live() bool {
	switch s {
	case InstanceStateIdle, InstanceStateBusy, InstanceStateFaulted:
		return true
	default:
		return false
	}
}

// Outcome classifies how a request ended
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFunctionError  Outcome = "function_error"
	OutcomeTrap           Outcome = "trap"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeGPUUnavailable Outcome = "gpu_unavailable"
	OutcomeBusy           Outcome = "busy"
	OutcomeCreationError  Outcome = "creation_error"
	OutcomeClosed         Outcome = "closed"
)

// EnvVar is one guest environment variable. Order is preserved.
type EnvVar struct {
	Name  string
	Value string
}

// Invocation is the input of one function run
type Invocation struct {
	// Body is bound to the guest's stdin
	Body []byte

	// Args follow the module name in argv
	Args []string

	Env []EnvVar
}

// Result is the output of one function run
type Result struct {
	Stdout   []byte
	ExitCode uint32
	Duration time.Duration

	// GPUWait is the time spent waiting for the device lease, if any
	GPUWait time.Duration
}

// FunctionStatus reports the scale of the served function. Field names
// follow the FaaS provider replica status document.
type FunctionStatus struct {
	Name              string            `json:"name"`
	Image             string            `json:"image"`
	Namespace         string            `json:"namespace,omitempty"`
	EnvProcess        string            `json:"envProcess,omitempty"`
	EnvVars           map[string]string `json:"envVars,omitempty"`
	InvocationCount   uint64            `json:"invocationCount"`
	Replicas          uint64            `json:"replicas"`
	AvailableReplicas uint64            `json:"availableReplicas"`
}

// ScaleRequest sets the warm replica floor
type ScaleRequest struct {
	Replicas uint64 `json:"replicas"`
}

// InstanceRecord is the persisted history of one instance
type InstanceRecord struct {
	ID           string        `json:"id"`
	Function     string        `json:"function"`
	State        InstanceState `json:"state"`
	Invocations  uint64        `json:"invocations"`
	DirtyBlocks  int           `json:"dirty_blocks"`
	FaultReason  string        `json:"fault_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	TerminatedAt time.Time     `json:"terminated_at,omitempty"`
}

// ModuleRecord describes the compiled module currently served
type ModuleRecord struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	Target      string    `json:"target"`
	CPUFeatures string    `json:"cpu_features,omitempty"`
	CompiledAt  time.Time `json:"compiled_at"`
	CompileTime string    `json:"compile_time"`
	Imports     []string  `json:"imports,omitempty"`
}
