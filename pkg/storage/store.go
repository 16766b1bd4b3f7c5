package storage

import (
	"errors"

	"github.com/cuemby/hangar/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store persists the supervisor state that must survive a restart
type Store interface {
	// Workers
	SaveWorker(rec *types.WorkerRecord) error
	GetWorker(id types.WorkerID) (*types.WorkerRecord, error)
	ListWorkers() ([]*types.WorkerRecord, error)
	DeleteWorker(id types.WorkerID) error

	// Proxy sidecars
	SaveProxy(rec *types.ProxyRecord) error
	GetProxy(id types.WorkerID) (*types.ProxyRecord, error)
	ListProxies() ([]*types.ProxyRecord, error)
	DeleteProxy(id types.WorkerID) error

	// Utility
	Close() error
}
