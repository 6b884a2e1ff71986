package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/core"
)

// Converter is the audio format bridge between telephony framing (μ-law 8kHz)
// and ML framing (PCM16LE 16kHz). A conversion error must never drop a call:
// callers fall back to passing the raw frame through.
type Converter interface {
	TelephonyToML(ctx context.Context, frame []byte) ([]byte, error)
	MLToTelephony(ctx context.Context, frame []byte) ([]byte, error)
	Health(ctx context.Context) error
	Close() error
}

// LocalConverter performs the conversion in-process. It is the default when
// no external bridge command is configured, and the reference behavior the
// external bridge is expected to match.
type LocalConverter struct{}

func (LocalConverter) TelephonyToML(_ context.Context, frame []byte) ([]byte, error) {
	return TelephonyToML(frame)
}

func (LocalConverter) MLToTelephony(_ context.Context, frame []byte) ([]byte, error) {
	return MLToTelephony(frame)
}

func (LocalConverter) Health(context.Context) error { return nil }
func (LocalConverter) Close() error                 { return nil }

const (
	actionConvertTelephony    = "convert_telephony"
	actionConvertForTelephony = "convert_for_telephony"
	actionHealth              = "health"
)

type bridgeRequest struct {
	Action    string `json:"action"`
	AudioData []byte `json:"audio_data,omitempty"`
}

type bridgeResponse struct {
	AudioData []byte `json:"audio_data,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Bridge fronts an external long-lived conversion process over a
// line-delimited JSON request/response protocol on stdin/stdout.
type Bridge struct {
	logger  *logrus.Entry
	timeout time.Duration

	mu     sync.Mutex
	enc    *json.Encoder
	lines  chan bridgeLine
	cmd    *exec.Cmd
	stdin  io.Closer
	closed bool
	stale  int // responses owed to requests that already timed out
}

type bridgeLine struct {
	resp bridgeResponse
	err  error
}

// NewBridge starts the external conversion process and verifies it responds
// to a health probe.
func NewBridge(command []string, timeout time.Duration, logger *logrus.Logger) (*Bridge, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("audio bridge command is empty")
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting audio bridge %q: %w", command[0], err)
	}

	b := newBridgeConn(stdin, stdout, timeout, logger)
	b.cmd = cmd

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.Health(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("audio bridge failed health check: %w", err)
	}
	return b, nil
}

// newBridgeConn wires a bridge over an arbitrary stream pair. Tests use this
// with in-memory pipes instead of a spawned process.
func newBridgeConn(w io.WriteCloser, r io.Reader, timeout time.Duration, logger *logrus.Logger) *Bridge {
	b := &Bridge{
		logger:  logger.WithField("component", "audio_bridge"),
		timeout: timeout,
		enc:     json.NewEncoder(w),
		lines:   make(chan bridgeLine, 1),
		stdin:   w,
	}
	go b.readLoop(r)
	return b
}

func (b *Bridge) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp bridgeResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			b.lines <- bridgeLine{err: fmt.Errorf("malformed bridge response: %w", err)}
			continue
		}
		b.lines <- bridgeLine{resp: resp}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	// Nobody may be waiting; never strand this goroutine on the send.
	select {
	case b.lines <- bridgeLine{err: err}:
	default:
	}
	close(b.lines)
}

// roundTrip sends one request and waits for its response. The protocol is
// strictly sequential, enforced by the mutex.
func (b *Bridge) roundTrip(ctx context.Context, req bridgeRequest) (bridgeResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bridgeResponse{}, fmt.Errorf("audio bridge is closed")
	}

	if err := b.enc.Encode(req); err != nil {
		return bridgeResponse{}, fmt.Errorf("writing bridge request: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			b.stale++
			return bridgeResponse{}, ctx.Err()
		case <-timer.C:
			b.stale++
			return bridgeResponse{}, fmt.Errorf("bridge response timed out after %s", b.timeout)
		case line, ok := <-b.lines:
			if !ok {
				return bridgeResponse{}, io.EOF
			}
			if b.stale > 0 {
				// Answer to an abandoned request; ours is still behind it.
				b.stale--
				continue
			}
			if line.err != nil {
				return bridgeResponse{}, line.err
			}
			if line.resp.Error != "" {
				return bridgeResponse{}, fmt.Errorf("bridge error: %s", line.resp.Error)
			}
			return line.resp, nil
		}
	}
}

func (b *Bridge) convert(ctx context.Context, action string, frame []byte) ([]byte, error) {
	resp, err := b.roundTrip(ctx, bridgeRequest{Action: action, AudioData: frame})
	if err != nil {
		b.logger.WithError(err).WithField("action", action).Warn("Audio conversion failed")
		return nil, core.WrapError(core.CodeAudioConversionFailed, err, "%s conversion failed", action)
	}
	return resp.AudioData, nil
}

func (b *Bridge) TelephonyToML(ctx context.Context, frame []byte) ([]byte, error) {
	return b.convert(ctx, actionConvertTelephony, frame)
}

func (b *Bridge) MLToTelephony(ctx context.Context, frame []byte) ([]byte, error) {
	return b.convert(ctx, actionConvertForTelephony, frame)
}

func (b *Bridge) Health(ctx context.Context) error {
	resp, err := b.roundTrip(ctx, bridgeRequest{Action: actionHealth})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("bridge reported status %q", resp.Status)
	}
	return nil
}

// Close terminates the conversion process. In-flight requests fail.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.stdin.Close()
	if b.cmd != nil && b.cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_ = b.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = b.cmd.Process.Kill()
		}
	}
	return nil
}
