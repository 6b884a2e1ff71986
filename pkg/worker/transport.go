package worker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// Transport abstracts the control channel to a worker process group. The pool
// only ever sees a write stream, a read stream and an exit signal, so tests
// can script the protocol over in-memory pipes.
type Transport interface {
	// Start launches the process group and returns its control streams.
	Start(ctx context.Context, workerCount int) (io.WriteCloser, io.Reader, error)
	// Exited delivers the process exit error exactly once.
	Exited() <-chan error
	// Terminate force-kills the process group.
	Terminate() error
}

// ExecTransport runs the worker group as an external long-lived process, with
// the control protocol on its stdin/stdout. Stderr is inherited so worker
// logs land next to ours.
type ExecTransport struct {
	command []string
	cmd     *exec.Cmd
	exited  chan error
}

func NewExecTransport(command []string) *ExecTransport {
	return &ExecTransport{command: command, exited: make(chan error, 1)}
}

func (t *ExecTransport) Start(ctx context.Context, workerCount int) (io.WriteCloser, io.Reader, error) {
	if len(t.command) == 0 {
		return nil, nil, fmt.Errorf("worker command is empty")
	}

	args := append(append([]string{}, t.command[1:]...), "--workers", strconv.Itoa(workerCount))
	cmd := exec.CommandContext(ctx, t.command[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting worker process %q: %w", t.command[0], err)
	}
	t.cmd = cmd
	go func() { t.exited <- cmd.Wait() }()
	return stdin, stdout, nil
}

func (t *ExecTransport) Exited() <-chan error { return t.exited }

func (t *ExecTransport) Terminate() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}
