package toolbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultTerminateGrace is how long Terminate waits for a process to exit
// after the graceful signal before force-killing it.
const DefaultTerminateGrace = 5 * time.Second

// Transport is the line-oriented duplex channel a Session runs over. A
// Process is the only production implementation; tests substitute in-memory
// pipes.
type Transport interface {
	// WriteLine transmits one newline-terminated chunk to the peer. It fails
	// once the peer's input stream is closed.
	WriteLine(ctx context.Context, line []byte) error

	// Lines returns an iterator that yields newline-terminated chunks read
	// from the peer, without the trailing newline. The iteration ends on
	// end-of-stream or any lower-level I/O error.
	Lines() iter.Seq[[]byte]

	// Close releases the transport. It must be idempotent.
	Close() error
}

// Process owns exactly one OS process spawned from a LaunchSpec and exposes
// line-oriented duplex I/O over its stdio pipes. Writes are serialized through
// an internal queue; reads run on a continuous background pull.
//
// A Process must be created with StartProcess and released with Terminate
// (or Close), which also releases all stdio handles.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	writeLines chan procLine
	done       chan struct{}

	termOnce sync.Once
	termErr  error
}

type procLine struct {
	line []byte
	errs chan error
}

// ProcessOption is a function that configures a Process.
type ProcessOption func(*Process)

// WithProcessLogger sets the logger used for process lifecycle and stderr
// output.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(p *Process) {
		p.logger = logger
	}
}

// StartProcess spawns the server described by spec and starts its background
// I/O routines. It returns a LaunchError if the executable cannot be spawned.
// The launch spec is not consulted again after the process starts.
func StartProcess(spec LaunchSpec, options ...ProcessOption) (*Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	p := &Process{
		cmd:        cmd,
		logger:     slog.Default(),
		writeLines: make(chan procLine),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("command", spec.Command))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	p.stdin = stdin
	p.stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	go p.processWriteLines()
	go p.drainStderr(stderr)

	return p, nil
}

// WriteLine queues one chunk for writing to the process's stdin, appending
// the newline that frames messages on the wire. It returns an error once the
// process has been terminated or its input stream is closed.
func (p *Process) WriteLine(ctx context.Context, line []byte) error {
	framed := make([]byte, 0, len(line)+1)
	framed = append(framed, line...)
	framed = append(framed, '\n')

	ioLine := procLine{
		line: framed,
		errs: make(chan error, 1),
	}

	// Queue the chunk so concurrent writers never interleave on the pipe.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("write to terminated process: %w", io.ErrClosedPipe)
	case p.writeLines <- ioLine:
	}

	select {
	case err := <-ioLine.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("write to terminated process: %w", io.ErrClosedPipe)
	}
}

// Lines returns an iterator over newline-terminated chunks from the process's
// stdout. The iteration ends when the process closes its output or any read
// error occurs; both are fatal to the stream.
func (p *Process) Lines() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(p.stdout)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					p.logger.Error("failed to read line", "err", err)
				}
				return
			}

			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				continue
			}

			if !yield([]byte(line)) {
				return
			}
		}
	}
}

// Terminate requests a graceful shutdown and force-kills the process if it
// has not exited within the grace period. It is idempotent and releases all
// stdio handles.
func (p *Process) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		p.termErr = p.terminate(grace)
	})
	return p.termErr
}

// Close releases the process with the default grace period, satisfying the
// Transport interface.
func (p *Process) Close() error {
	return p.Terminate(DefaultTerminateGrace)
}

func (p *Process) terminate(grace time.Duration) error {
	close(p.done)
	_ = p.stdin.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; reap it below.
		p.logger.Debug("failed to signal process", "err", err)
	}

	waited := make(chan error, 1)
	go func() {
		waited <- p.cmd.Wait()
	}()

	select {
	case err := <-waited:
		if err != nil {
			// A nonzero exit after SIGTERM is the expected outcome.
			p.logger.Debug("process exited", "err", err)
		}
		return nil
	case <-time.After(grace):
		p.logger.Warn("process did not exit within grace period, killing", "grace", grace)
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		<-waited
		return nil
	}
}

func (p *Process) processWriteLines() {
	for {
		var msg procLine
		select {
		case <-p.done:
			return
		case msg = <-p.writeLines:
		}

		_, err := p.stdin.Write(msg.line)

		msg.errs <- err
	}
}

func (p *Process) drainStderr(stderr io.Reader) {
	reader := bufio.NewReader(stderr)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSuffix(line, "\n"); line != "" {
			p.logger.Debug("server stderr", "line", line)
		}
		if err != nil {
			return
		}
	}
}
