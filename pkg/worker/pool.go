package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/core"
	"voicegate-server/pkg/metrics"
)

// Options carries the pool timing knobs. Zero values are replaced by the
// production defaults.
type Options struct {
	StartTimeout    time.Duration
	TaskTimeout     time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

type taskOutcome struct {
	result json.RawMessage
	err    error
}

type pendingTask struct {
	id          string
	submittedAt time.Time
	done        chan taskOutcome
}

// Pool fronts one external worker process group and dispatches tasks to it.
// Every pending task resolves exactly once: with a result, a timeout, or a
// termination error. Results arriving after a task was abandoned are
// discarded.
type Pool struct {
	kind   Kind
	logger *logrus.Entry
	tr     Transport
	opts   Options

	writeMu sync.Mutex
	enc     *json.Encoder
	stdin   io.Closer

	mu           sync.Mutex
	pending      map[string]*pendingTask
	ready        bool
	closed       bool
	workerCount  int
	aliveWorkers int
	remoteQueue  int
	submitted    uint64
	completed    uint64
	failed       uint64

	readyCh   chan struct{}
	readyOnce sync.Once
	exitedCh  chan struct{}
	healthCh  chan struct{}
	metricsCh chan struct{}
}

// NewPool builds a pool over the given transport. Call Start before Submit.
func NewPool(kind Kind, tr Transport, opts Options, logger *logrus.Logger) *Pool {
	return &Pool{
		kind:      kind,
		logger:    logger.WithField("pool", string(kind)),
		tr:        tr,
		opts:      opts.withDefaults(),
		pending:   make(map[string]*pendingTask),
		readyCh:   make(chan struct{}),
		exitedCh:  make(chan struct{}),
		healthCh:  make(chan struct{}, 1),
		metricsCh: make(chan struct{}, 1),
	}
}

// Start launches the worker process group and waits for its readiness
// announcement. The pool rejects submissions until the group reports ready.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	if workerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workerCount)
	}

	stdin, stdout, err := p.tr.Start(ctx, workerCount)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.workerCount = workerCount
	p.mu.Unlock()
	p.stdin = stdin
	p.enc = json.NewEncoder(stdin)

	go p.readLoop(stdout)
	go p.watchExit()

	select {
	case <-p.readyCh:
		p.logger.WithField("workers", workerCount).Info("Worker pool ready")
		return nil
	case <-ctx.Done():
		_ = p.tr.Terminate()
		return ctx.Err()
	case <-time.After(p.opts.StartTimeout):
		_ = p.tr.Terminate()
		return core.NewError(core.CodePoolNotReady,
			"%s pool reported no readiness within %s", p.kind, p.opts.StartTimeout)
	}
}

// Ready reports whether the pool accepts submissions.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready && !p.closed
}

// Submit dispatches one task and blocks until it resolves. Resolution is
// exactly once: the worker's result, a hard timeout, context cancellation, or
// pool termination. On timeout the task is abandoned and any late result is
// dropped on arrival.
func (p *Pool) Submit(ctx context.Context, payload interface{}, priority int) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding task payload: %w", err)
	}

	pt := &pendingTask{
		id:          uuid.New().String(),
		submittedAt: time.Now(),
		done:        make(chan taskOutcome, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.NewError(core.CodePoolTerminated, "%s pool is shut down", p.kind)
	}
	if !p.ready {
		p.mu.Unlock()
		metrics.TasksFailed.WithLabelValues(string(p.kind), "not_ready").Inc()
		return nil, core.NewError(core.CodePoolNotReady, "%s pool has no alive workers", p.kind)
	}
	p.pending[pt.id] = pt
	p.submitted++
	p.updateQueueGaugeLocked()
	p.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(string(p.kind)).Inc()

	if err := p.send(controlMessage{
		Action:   actionSubmitTask,
		TaskID:   pt.id,
		Payload:  raw,
		Priority: priority,
	}); err != nil {
		p.abandon(pt.id, "write_failed")
		return nil, core.WrapError(core.CodeWorkerTerminated, err, "%s pool control channel failed", p.kind)
	}

	timeout := time.NewTimer(p.opts.TaskTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(p.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case out := <-pt.done:
			if out.err == nil {
				metrics.ObserveStage(string(p.kind), time.Since(pt.submittedAt))
			}
			return out.result, out.err

		case <-poll.C:
			// Results are pull-based; a worker may also push task_result
			// unsolicited, which resolves the same pending entry.
			_ = p.send(controlMessage{Action: actionGetResult, TaskID: pt.id})

		case <-timeout.C:
			p.abandon(pt.id, "timeout")
			p.logger.WithFields(logrus.Fields{
				"task_id": pt.id,
				"after":   p.opts.TaskTimeout,
			}).Warn("Task abandoned after hard timeout")
			return nil, core.TaskTimeout(pt.id, p.opts.TaskTimeout)

		case <-ctx.Done():
			p.abandon(pt.id, "cancelled")
			return nil, ctx.Err()
		}
	}
}

// Health probes the worker group end to end. It fails fast when the pool is
// not ready instead of waiting out the probe.
func (p *Pool) Health(ctx context.Context) error {
	if !p.Ready() {
		return core.NewError(core.CodePoolNotReady, "%s pool has no alive workers", p.kind)
	}
	// Drain a stale signal so we wait for a fresh response.
	select {
	case <-p.healthCh:
	default:
	}
	if err := p.send(controlMessage{Action: actionHealthCheck}); err != nil {
		return err
	}
	select {
	case <-p.healthCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%s pool health check timed out", p.kind)
	}
}

// Metrics returns a snapshot of the pool counters, refreshing the remote
// worker figures best-effort first.
func (p *Pool) Metrics(ctx context.Context) Metrics {
	select {
	case <-p.metricsCh:
	default:
	}
	if p.Ready() && p.send(controlMessage{Action: actionGetMetrics}) == nil {
		select {
		case <-p.metricsCh:
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		WorkerCount:  p.workerCount,
		AliveWorkers: p.aliveWorkers,
		Submitted:    p.submitted,
		Completed:    p.completed,
		Failed:       p.failed,
		QueueDepth:   len(p.pending) + p.remoteQueue,
	}
	if p.workerCount > 0 {
		m.Utilization = float64(m.QueueDepth) / float64(p.workerCount)
		if m.Utilization > 1 {
			m.Utilization = 1
		}
	}
	return m
}

// Shutdown asks the worker group to exit gracefully and force-terminates it
// after the grace period. Pending tasks are always rejected with a pool
// termination error, never left hanging.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.ready = false
	p.failAllLocked(core.NewError(core.CodePoolTerminated, "%s pool is shutting down", p.kind), "terminated")
	p.mu.Unlock()

	graceful := p.send(controlMessage{Action: actionShutdown}) == nil
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	if graceful {
		select {
		case <-p.exitedCh:
			p.logger.Info("Worker pool exited gracefully")
			return nil
		case <-ctx.Done():
		case <-time.After(p.opts.ShutdownTimeout):
			p.logger.WithField("after", p.opts.ShutdownTimeout).Warn("Worker pool did not exit, killing")
		}
	}
	return p.tr.Terminate()
}

func (p *Pool) send(msg controlMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.enc == nil {
		return fmt.Errorf("%s pool is not started", p.kind)
	}
	return p.enc.Encode(msg)
}

func (p *Pool) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg workerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			p.logger.WithError(err).Warn("Malformed worker message")
			continue
		}
		p.handle(msg)
	}
}

func (p *Pool) handle(msg workerMessage) {
	switch msg.Type {
	case msgReady:
		p.mu.Lock()
		p.ready = true
		if p.aliveWorkers == 0 {
			p.aliveWorkers = p.workerCount
		}
		p.mu.Unlock()
		p.readyOnce.Do(func() { close(p.readyCh) })
		select {
		case p.healthCh <- struct{}{}:
		default:
		}

	case msgTaskSubmitted:
		p.logger.WithField("task_id", msg.TaskID).Debug("Task accepted by worker group")

	case msgTaskResult:
		p.resolve(msg.TaskID, taskOutcome{result: msg.Result}, "completed")

	case msgNoResult:
		// Task still in flight; the submit loop keeps polling.

	case msgMetrics:
		if msg.Metrics != nil {
			p.mu.Lock()
			p.aliveWorkers = msg.Metrics.AliveWorkers
			p.remoteQueue = msg.Metrics.QueueDepth
			p.mu.Unlock()
		}
		select {
		case p.metricsCh <- struct{}{}:
		default:
		}

	case msgError:
		if msg.TaskID != "" {
			p.resolve(msg.TaskID, taskOutcome{
				err: fmt.Errorf("worker task %s failed: %s", msg.TaskID, msg.Error),
			}, "worker_error")
			return
		}
		p.logger.WithField("error", msg.Error).Warn("Worker group reported an error")

	default:
		p.logger.WithField("type", msg.Type).Debug("Ignoring unknown worker message")
	}
}

// resolve completes a pending task exactly once. Unknown task ids are late
// results for abandoned tasks and are dropped.
func (p *Pool) resolve(taskID string, out taskOutcome, reason string) {
	p.mu.Lock()
	pt, ok := p.pending[taskID]
	if !ok {
		p.mu.Unlock()
		p.logger.WithField("task_id", taskID).Debug("Discarding result for abandoned task")
		return
	}
	delete(p.pending, taskID)
	if out.err == nil {
		p.completed++
	} else {
		p.failed++
	}
	p.updateQueueGaugeLocked()
	p.mu.Unlock()

	if out.err == nil {
		metrics.TasksCompleted.WithLabelValues(string(p.kind)).Inc()
	} else {
		metrics.TasksFailed.WithLabelValues(string(p.kind), reason).Inc()
	}
	pt.done <- out
}

func (p *Pool) abandon(taskID, reason string) {
	p.mu.Lock()
	if _, ok := p.pending[taskID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, taskID)
	p.failed++
	p.updateQueueGaugeLocked()
	p.mu.Unlock()
	metrics.TasksFailed.WithLabelValues(string(p.kind), reason).Inc()
}

func (p *Pool) watchExit() {
	err := <-p.tr.Exited()
	defer close(p.exitedCh)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.ready = false
	p.aliveWorkers = 0
	p.failAllLocked(core.WrapError(core.CodeWorkerTerminated, err,
		"%s worker process exited unexpectedly", p.kind), "process_exit")
	p.mu.Unlock()

	p.logger.WithError(err).Error("Worker process terminated unexpectedly")
}

// failAllLocked rejects every pending task with the given error. Caller holds
// p.mu.
func (p *Pool) failAllLocked(cause *core.Error, reason string) {
	for id, pt := range p.pending {
		delete(p.pending, id)
		p.failed++
		metrics.TasksFailed.WithLabelValues(string(p.kind), reason).Inc()
		pt.done <- taskOutcome{err: cause}
	}
	p.updateQueueGaugeLocked()
}

func (p *Pool) updateQueueGaugeLocked() {
	metrics.PoolQueueDepth.WithLabelValues(string(p.kind)).Set(float64(len(p.pending)))
}
