package supervisor

import (
	"context"
	"time"

	"github.com/loykin/shepherd/internal/statestore"
)

// State of a supervisor instance.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Names of the supervisor's state document and singleton marker.
const (
	Key           = "supervisor"
	SingletonName = "supervisor"
)

// ProcessState is the persisted view of the running supervisor, readable from
// any process.
type ProcessState struct {
	PID        int             `json:"pid"`
	InstanceID string          `json:"instance_id,omitempty"`
	Status     string          `json:"status"`
	Mode       string          `json:"mode,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	StoppedAt  time.Time       `json:"stopped_at,omitzero"`
	Services   map[string]bool `json:"services"`
	// PIDs of the service processes owned by the instance.
	PIDs      map[string]int `json:"pids,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
}

// LoadProcessState reads the persisted supervisor document.
func LoadProcessState(ctx context.Context, st *statestore.Store) (ProcessState, error) {
	var ps ProcessState
	err := st.Load(ctx, Key, &ps)
	return ps, err
}
