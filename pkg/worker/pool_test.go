package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/core"
)

// fakeTransport scripts the worker-side of the control protocol over
// in-memory pipes.
type fakeTransport struct {
	handle     func(msg controlMessage, reply func(workerMessage))
	onShutdown func()
	sendReady  bool
	exited     chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sendReady: true, exited: make(chan error, 1)}
}

func (f *fakeTransport) Start(_ context.Context, _ int) (io.WriteCloser, io.Reader, error) {
	ctrlR, ctrlW := io.Pipe()
	respR, respW := io.Pipe()

	var encMu sync.Mutex
	enc := json.NewEncoder(respW)
	reply := func(m workerMessage) {
		encMu.Lock()
		defer encMu.Unlock()
		_ = enc.Encode(m)
	}

	go func() {
		if f.sendReady {
			reply(workerMessage{Type: msgReady})
		}
		scanner := bufio.NewScanner(ctrlR)
		for scanner.Scan() {
			var msg controlMessage
			if json.Unmarshal(scanner.Bytes(), &msg) != nil {
				continue
			}
			if msg.Action == actionShutdown {
				if f.onShutdown != nil {
					f.onShutdown()
				}
				continue
			}
			if msg.Action == actionGetMetrics {
				reply(workerMessage{Type: msgMetrics, Metrics: &remoteMetrics{AliveWorkers: 1}})
				continue
			}
			if f.handle != nil {
				f.handle(msg, reply)
			}
		}
	}()
	return ctrlW, respR, nil
}

func (f *fakeTransport) Exited() <-chan error { return f.exited }

func (f *fakeTransport) Terminate() error {
	select {
	case f.exited <- errors.New("killed"):
	default:
	}
	return nil
}

func testPool(t *testing.T, tr Transport, opts Options) *Pool {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewPool(KindSTT, tr, opts, logger)
}

func TestPoolSubmitResolvesViaPolling(t *testing.T) {
	var mu sync.Mutex
	polls := 0

	tr := newFakeTransport()
	tr.handle = func(msg controlMessage, reply func(workerMessage)) {
		switch msg.Action {
		case actionSubmitTask:
			reply(workerMessage{Type: msgTaskSubmitted, TaskID: msg.TaskID})
		case actionGetResult:
			mu.Lock()
			polls++
			done := polls >= 3
			mu.Unlock()
			if done {
				reply(workerMessage{Type: msgTaskResult, TaskID: msg.TaskID, Result: json.RawMessage(`{"text":"hello"}`)})
			} else {
				reply(workerMessage{Type: msgNoResult, TaskID: msg.TaskID})
			}
		}
	}

	p := testPool(t, tr, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, p.Start(context.Background(), 2))
	require.True(t, p.Ready())

	result, err := p.Submit(context.Background(), map[string]string{"audio": "abc"}, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(result))

	m := p.Metrics(context.Background())
	assert.Equal(t, uint64(1), m.Submitted)
	assert.Equal(t, uint64(1), m.Completed)
	assert.Equal(t, 0, m.QueueDepth)
}

func TestPoolSubmitTimesOutAndDiscardsLateResult(t *testing.T) {
	taskIDs := make(chan string, 1)

	tr := newFakeTransport()
	tr.handle = func(msg controlMessage, reply func(workerMessage)) {
		switch msg.Action {
		case actionSubmitTask:
			select {
			case taskIDs <- msg.TaskID:
			default:
			}
		case actionGetResult:
			reply(workerMessage{Type: msgNoResult, TaskID: msg.TaskID})
		}
	}

	p := testPool(t, tr, Options{TaskTimeout: 80 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	require.NoError(t, p.Start(context.Background(), 1))

	_, err := p.Submit(context.Background(), "payload", 0)
	require.Error(t, err)
	assert.Equal(t, core.CodeTaskTimeout, core.CodeOf(err))
	assert.True(t, core.IsRetryable(err))

	// A result arriving after abandonment must be dropped, not double-counted.
	id := <-taskIDs
	p.handle(workerMessage{Type: msgTaskResult, TaskID: id, Result: json.RawMessage(`{}`)})

	m := p.Metrics(context.Background())
	assert.Equal(t, uint64(0), m.Completed)
	assert.Equal(t, uint64(1), m.Failed)
}

func TestPoolStartFailsWithoutReadiness(t *testing.T) {
	tr := newFakeTransport()
	tr.sendReady = false

	p := testPool(t, tr, Options{StartTimeout: 50 * time.Millisecond})
	err := p.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, core.CodePoolNotReady, core.CodeOf(err))

	_, err = p.Submit(context.Background(), "payload", 0)
	require.Error(t, err)
	assert.Equal(t, core.CodePoolNotReady, core.CodeOf(err))
}

func TestPoolShutdownRejectsPending(t *testing.T) {
	tr := newFakeTransport()
	tr.handle = func(msg controlMessage, reply func(workerMessage)) {
		if msg.Action == actionGetResult {
			reply(workerMessage{Type: msgNoResult, TaskID: msg.TaskID})
		}
	}
	tr.onShutdown = func() { tr.exited <- nil }

	p := testPool(t, tr, Options{TaskTimeout: 10 * time.Second, PollInterval: 20 * time.Millisecond})
	require.NoError(t, p.Start(context.Background(), 2))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Submit(context.Background(), "payload", 0)
			errs <- err
		}()
	}

	// Let both submissions land in the pending table first.
	require.Eventually(t, func() bool {
		return p.Metrics(context.Background()).Submitted == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.Equal(t, core.CodePoolTerminated, core.CodeOf(err))
	}
	assert.False(t, p.Ready())

	_, err := p.Submit(context.Background(), "payload", 0)
	assert.Equal(t, core.CodePoolTerminated, core.CodeOf(err))
}

func TestPoolProcessExitFailsPending(t *testing.T) {
	tr := newFakeTransport()
	tr.handle = func(msg controlMessage, reply func(workerMessage)) {
		if msg.Action == actionGetResult {
			reply(workerMessage{Type: msgNoResult, TaskID: msg.TaskID})
		}
	}

	p := testPool(t, tr, Options{TaskTimeout: 10 * time.Second, PollInterval: 20 * time.Millisecond})
	require.NoError(t, p.Start(context.Background(), 1))

	errs := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), "payload", 0)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return p.Metrics(context.Background()).Submitted == 1
	}, time.Second, 10*time.Millisecond)

	tr.exited <- errors.New("signal: segmentation fault")

	err := <-errs
	require.Error(t, err)
	assert.Equal(t, core.CodeWorkerTerminated, core.CodeOf(err))
	assert.False(t, p.Ready())
}
