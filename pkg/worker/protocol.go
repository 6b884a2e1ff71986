package worker

import (
	"encoding/json"
)

// Kind identifies the task family a pool serves. One pool instance fronts one
// external worker process group.
type Kind string

const (
	KindSTT   Kind = "stt"
	KindTTS   Kind = "tts"
	KindAgent Kind = "agent"
	KindClone Kind = "clone"
)

// Control protocol actions (pool → worker process). The protocol is
// line-delimited JSON over the process's stdin/stdout so worker groups can be
// implemented in any language.
const (
	actionSubmitTask  = "submit_task"
	actionGetResult   = "get_result"
	actionGetMetrics  = "get_metrics"
	actionHealthCheck = "health_check"
	actionShutdown    = "shutdown"
)

// Worker message types (worker process → pool).
const (
	msgReady         = "ready"
	msgTaskSubmitted = "task_submitted"
	msgTaskResult    = "task_result"
	msgNoResult      = "no_result"
	msgMetrics       = "metrics"
	msgError         = "error"
)

type controlMessage struct {
	Action   string          `json:"action"`
	TaskID   string          `json:"task_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

type workerMessage struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Metrics *remoteMetrics  `json:"metrics,omitempty"`
}

type remoteMetrics struct {
	AliveWorkers int `json:"alive_workers"`
	QueueDepth   int `json:"queue_depth"`
}

// Metrics is a point-in-time snapshot of one pool. Derived on demand, never
// the system of record.
type Metrics struct {
	WorkerCount  int     `json:"worker_count"`
	AliveWorkers int     `json:"alive_workers"`
	Submitted    uint64  `json:"submitted"`
	Completed    uint64  `json:"completed"`
	Failed       uint64  `json:"failed"`
	QueueDepth   int     `json:"queue_depth"`
	Utilization  float64 `json:"utilization"`
}
