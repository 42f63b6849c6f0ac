package storage

import (
	"errors"
	"time"

	"github.com/cuemby/wasm-watchdog/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// EventRecord is a stored lifecycle event
type EventRecord struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Message    string            `json:"message,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store defines the interface for watchdog state storage
type Store interface {
	// Instances
	SaveInstance(rec *types.InstanceRecord) error
	GetInstance(id string) (*types.InstanceRecord, error)
	ListInstances() ([]*types.InstanceRecord, error)
	ListInstancesByFunction(function string) ([]*types.InstanceRecord, error)
	DeleteInstance(id string) error
	PruneInstances(before time.Time) (int, error)

	// Modules
	SaveModule(rec *types.ModuleRecord) error
	GetModule(name string) (*types.ModuleRecord, error)
	ListModules() ([]*types.ModuleRecord, error)

	// Events
	AppendEvent(rec *EventRecord) error
	ListEvents(limit int) ([]*EventRecord, error)

	// Utility
	Close() error
}
