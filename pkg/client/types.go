package client

import "time"

// ServiceStatus is the health of one supervised service.
type ServiceStatus struct {
	Name            string    `json:"name"`
	Kind            string    `json:"kind"`
	Healthy         bool      `json:"healthy"`
	Detail          string    `json:"detail,omitempty"`
	PID             int       `json:"pid,omitempty"`
	Launched        bool      `json:"launched"`
	RestartCount    int       `json:"restart_count"`
	LastRestartAt   time.Time `json:"last_restart_at,omitzero"`
	LastActor       string    `json:"last_actor,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	BudgetExhausted bool      `json:"budget_exhausted"`
}

// Status is the response of GET /status.
type Status struct {
	Running    bool            `json:"running"`
	PID        int             `json:"pid,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	Mode       string          `json:"mode"`
	Services   []ServiceStatus `json:"services"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Runner is one execution worker of the pool.
type Runner struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Profile        string    `json:"profile"`
	GPUID          *int      `json:"gpu_id"`
	Status         string    `json:"status"`
	CurrentTask    string    `json:"current_task,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	TasksCompleted int       `json:"tasks_completed"`
	LastError      string    `json:"last_error,omitempty"`
}

// GPUUsage is the reservation of one GPU.
type GPUUsage struct {
	GPU     int      `json:"gpu"`
	Runners []string `json:"runners"`
	Idle    int      `json:"idle"`
	Running int      `json:"running"`
	Error   int      `json:"error"`
}

// PoolSummary is the response of GET /pool.
type PoolSummary struct {
	Initialized          bool       `json:"initialized"`
	Total                int        `json:"total"`
	Idle                 int        `json:"idle"`
	Running              int        `json:"running"`
	Error                int        `json:"error"`
	MaxParallelWorkflows int        `json:"max_parallel_workflows"`
	GPUs                 []GPUUsage `json:"gpus"`
	Runners              []Runner   `json:"runners"`
	UpdatedAt            time.Time  `json:"updated_at,omitzero"`
}

// AssignRequest asks for a runner for a task. An empty profile matches any.
type AssignRequest struct {
	TaskID  string `json:"task_id"`
	Profile string `json:"profile,omitempty"`
}

type assignResponse struct {
	Assigned bool    `json:"assigned"`
	Runner   *Runner `json:"runner,omitempty"`
}

// CompleteRequest reports the end of the task on a runner.
type CompleteRequest struct {
	RunnerID string `json:"runner_id"`
	Success  bool   `json:"success"`
}

type resetRequest struct {
	RunnerID string `json:"runner_id"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
