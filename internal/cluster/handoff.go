package cluster

import (
	"encoding/json"
	"strconv"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/pkg/errors"
)

// Environment variables of the worker handoff
const (
	EnvWorkerType   = "WORKER_TYPE"
	EnvPoolConfigs  = "POOL_CONFIGS"
	EnvPortalConfig = "PORTAL_CONFIG"
	EnvForkID       = "FORK_ID"

	// WorkerTypeWorker marks a pool worker process
	WorkerTypeWorker = "worker"
)

// Control pipe descriptors inherited by every worker
const (
	ControlInFD  = 3 // master → worker
	ControlOutFD = 4 // worker → master
)

// Handoff is everything a worker process needs from the master
type Handoff struct {
	Pools  map[string]*config.Pool
	Portal *config.Portal
	ForkID int
}

// Environ renders the handoff as environment entries
func (h *Handoff) Environ() ([]string, error) {
	pools, err := json.Marshal(h.Pools)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "handoff", "cannot encode pool configs")
	}
	portal, err := json.Marshal(h.Portal)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "handoff", "cannot encode portal config")
	}
	return []string{
		EnvWorkerType + "=" + WorkerTypeWorker,
		EnvPoolConfigs + "=" + string(pools),
		EnvPortalConfig + "=" + string(portal),
		EnvForkID + "=" + strconv.Itoa(h.ForkID),
	}, nil
}

// IsWorker reports whether the process was spawned as a pool worker
func IsWorker(getenv func(string) string) bool {
	return getenv(EnvWorkerType) == WorkerTypeWorker
}

// ParseHandoff decodes the handoff from the environment
func ParseHandoff(getenv func(string) string) (*Handoff, error) {
	h := &Handoff{}

	forkID, err := strconv.Atoi(getenv(EnvForkID))
	if err != nil || forkID < 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "handoff", "invalid %s %q", EnvForkID, getenv(EnvForkID))
	}
	h.ForkID = forkID

	if err := json.Unmarshal([]byte(getenv(EnvPoolConfigs)), &h.Pools); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "handoff", "cannot decode "+EnvPoolConfigs)
	}
	if err := json.Unmarshal([]byte(getenv(EnvPortalConfig)), &h.Portal); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "handoff", "cannot decode "+EnvPortalConfig)
	}
	if h.Portal == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "handoff", EnvPortalConfig+" is empty")
	}
	return h, nil
}
