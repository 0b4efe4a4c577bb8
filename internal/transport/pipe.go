// internal/transport/pipe.go
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-gateway/internal/config"
)

// pipeReadTimeout bounds one Read when the caller's context has no deadline
const pipeReadTimeout = 100 * time.Millisecond

// PipeTransport runs a subprocess and exchanges frames over its stdin and
// stdout. Used for device simulators and for links bridged by another tool.
type PipeTransport struct {
	config config.PipeConfig
	logger *zap.Logger

	mutex  sync.RWMutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan []byte
	done   chan struct{}

	// pending holds bytes received beyond a caller's maxBytes
	pending []byte
	stats   statsTracker
}

// NewPipe creates a subprocess transport
func NewPipe(cfg config.PipeConfig, logger *zap.Logger) *PipeTransport {
	return &PipeTransport{
		config: cfg,
		logger: logger.With(
			zap.String("transport", "pipe"),
			zap.String("command", cfg.Command),
		),
	}
}

// Open starts the subprocess
func (pt *PipeTransport) Open(ctx context.Context) error {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if pt.cmd != nil {
		return nil
	}

	cmd := exec.Command(pt.config.Command, pt.config.Args...)
	cmd.Dir = pt.config.Dir
	if len(pt.config.Env) > 0 {
		cmd.Env = append(os.Environ(), pt.config.Env...)
	}
	cmd.Stderr = &logWriter{logger: pt.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		pt.stats.failed()
		return fmt.Errorf("failed to start %s: %w", pt.config.Command, err)
	}

	pt.cmd = cmd
	pt.stdin = stdin
	pt.chunks = make(chan []byte, 16)
	pt.done = make(chan struct{})
	pt.pending = nil
	go pt.pump(stdout, pt.chunks, pt.done)

	pt.stats.opened()
	pt.logger.Info("Subprocess started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// pump copies stdout into chunks until the process closes it
func (pt *PipeTransport) pump(stdout io.Reader, chunks chan<- []byte, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks <- chunk
		}
		if err != nil {
			if err != io.EOF {
				pt.logger.Debug("Subprocess stdout closed", zap.Error(err))
			}
			return
		}
	}
}

// Close stops the subprocess
func (pt *PipeTransport) Close() error {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if pt.cmd == nil {
		return nil
	}

	pt.stdin.Close()
	pt.cmd.Process.Kill()

	// drain so pump can observe EOF and exit before Wait closes stdout
	go func(chunks <-chan []byte, done <-chan struct{}) {
		for {
			select {
			case <-chunks:
			case <-done:
				return
			}
		}
	}(pt.chunks, pt.done)
	select {
	case <-pt.done:
	case <-time.After(time.Second):
	}

	err := pt.cmd.Wait()
	pt.cmd = nil
	pt.stdin = nil
	pt.stats.closed()

	// the process was killed above, so a non-nil exit status is expected
	pt.logger.Info("Subprocess stopped", zap.NamedError("exit", err))
	return nil
}

// IsOpen returns whether the subprocess is running
func (pt *PipeTransport) IsOpen() bool {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return pt.cmd != nil
}

// Write writes data to the subprocess stdin
func (pt *PipeTransport) Write(ctx context.Context, data []byte) error {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	if pt.cmd == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := pt.stdin.Write(data)
	if err != nil {
		pt.stats.failed()
		return fmt.Errorf("failed to write to subprocess: %w", err)
	}

	pt.stats.wrote(n)
	return nil
}

// Read returns stdout bytes that arrived within the read timeout
func (pt *PipeTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if pt.cmd == nil {
		return nil, ErrNotOpen
	}

	if len(pt.pending) == 0 {
		timer := time.NewTimer(pipeReadTimeout)
		defer timer.Stop()

		select {
		case chunk := <-pt.chunks:
			pt.pending = chunk
		case <-pt.done:
			// chunks sent before done closed are still buffered
			select {
			case chunk := <-pt.chunks:
				pt.pending = chunk
			default:
				pt.stats.failed()
				return nil, ErrClosed
			}
		case <-timer.C:
			return []byte{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := min(maxBytes, len(pt.pending))
	out := pt.pending[:n]
	pt.pending = pt.pending[n:]

	pt.stats.read(n)
	return out, nil
}

// Kind returns the transport kind
func (pt *PipeTransport) Kind() Kind {
	return KindPipe
}

// Endpoint returns the command line
func (pt *PipeTransport) Endpoint() string {
	return strings.TrimSpace(pt.config.Command + " " + strings.Join(pt.config.Args, " "))
}

// Stats returns transport statistics
func (pt *PipeTransport) Stats() Stats {
	return pt.stats.snapshot()
}

// logWriter forwards subprocess stderr lines to the logger
type logWriter struct {
	logger *zap.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Info("Subprocess stderr", zap.String("line", line))
		}
	}
	return len(p), nil
}
