package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CommandTransport implements a client transport that runs an MCP server as a child
// process and talks to it over the child's stdin and stdout. Every session starts a fresh
// process, so a client using it can reconnect after the server exits.
//
// Lines the server writes to stderr are logged at debug level.
type CommandTransport struct {
	command      string
	args         []string
	env          []string
	dir          string
	stopTimeout    time.Duration
	maxPayloadSize int
	logger         *slog.Logger
	stderrLogger   *slog.Logger
}

// CommandOption configures a CommandTransport.
type CommandOption func(*CommandTransport)

const defaultCommandStopTimeout = 5 * time.Second

// WithCommandEnv adds KEY=VALUE entries to the child's environment. They override the
// variables the child would otherwise inherit.
func WithCommandEnv(env ...string) CommandOption {
	return func(t *CommandTransport) {
		t.env = append(t.env, env...)
	}
}

// WithCommandDir sets the working directory of the child process.
func WithCommandDir(dir string) CommandOption {
	return func(t *CommandTransport) {
		t.dir = dir
	}
}

// WithCommandStopTimeout sets how long Close waits for the child to exit after its stdin
// is closed, before it is terminated.
func WithCommandStopTimeout(timeout time.Duration) CommandOption {
	return func(t *CommandTransport) {
		t.stopTimeout = timeout
	}
}

// WithCommandMaxPayloadSize bounds the size of one line the child writes to stdout. A
// longer line is discarded without being buffered and reported as a *ProtocolError. Zero
// disables the limit.
func WithCommandMaxPayloadSize(size int) CommandOption {
	return func(t *CommandTransport) {
		t.maxPayloadSize = size
	}
}

// WithCommandLogger sets the logger of the transport.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(t *CommandTransport) {
		t.logger = logger
	}
}

// NewCommandTransport creates a transport that runs command with args for every session.
func NewCommandTransport(command string, args []string, options ...CommandOption) *CommandTransport {
	t := &CommandTransport{
		command:     command,
		args:        args,
		stopTimeout:    defaultCommandStopTimeout,
		maxPayloadSize: defaultMaxMessageSize,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	t.stderrLogger = t.logger.With("command", command)
	return t
}

// StartSession implements ClientTransport by starting the child process.
func (t *CommandTransport) StartSession(_ context.Context) (Session, error) {
	// The process outlives the ctx of the call that started it, so it is not bound to it.
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = mergeEnv(os.Environ(), t.env)
	cmd.Dir = t.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Output goes through io.Pipe rather than cmd.StdoutPipe, so that Wait can be called
	// while the output is still being read.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	p := &childProcess{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdoutR,
		stderr:      stderrR,
		outputs:     []*io.PipeWriter{stdoutW, stderrW},
		stopTimeout: t.stopTimeout,
		exited:      make(chan struct{}),
	}
	go p.wait()
	go t.logStderr(stderrR, cmd.Process.Pid)

	t.logger.Debug("started server process", "command", t.command, "pid", cmd.Process.Pid)
	return newStreamSession(stdoutR, stdin, p.stop, t.maxPayloadSize, t.logger), nil
}

// maxStderrLine bounds the part of a stderr line that is logged. The rest of a longer line
// is read and discarded.
const maxStderrLine = 4096

// logStderr reads stderr until it ends. It must keep reading, since a child blocked on a
// full stderr pipe stops answering on stdout and never exits.
func (t *CommandTransport) logStderr(stderr io.Reader, pid int) {
	r := bufio.NewReaderSize(stderr, maxStderrLine)
	for {
		line, err := r.ReadSlice('\n')
		truncated := errors.Is(err, bufio.ErrBufferFull)
		if text := strings.TrimSpace(string(line)); text != "" {
			t.stderrLogger.Debug("server stderr", "pid", pid, "line", text, "truncated", truncated)
		}
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

type childProcess struct {
	cmd         *exec.Cmd
	stdin       io.Closer
	stdout      *io.PipeReader
	stderr      *io.PipeReader
	outputs     []*io.PipeWriter
	stopTimeout time.Duration

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (p *childProcess) wait() {
	p.waitErr = p.cmd.Wait()
	for _, w := range p.outputs {
		_ = w.Close()
	}
	close(p.exited)
}

// stop closes the child's stdin and waits for it to exit, escalating to SIGTERM and then
// SIGKILL when it does not. Output the child writes from then on is discarded.
func (p *childProcess) stop() error {
	p.stopOnce.Do(func() {
		var errs []error
		if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
		_ = p.stdout.CloseWithError(errSessionClosed)
		_ = p.stderr.CloseWithError(errSessionClosed)

		select {
		case <-p.exited:
		case <-time.After(p.stopTimeout):
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("failed to send SIGTERM: %w", err))
			}
			select {
			case <-p.exited:
			case <-time.After(p.stopTimeout):
				if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("failed to kill process: %w", err))
				}
				<-p.exited
			}
		}
		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) && !errors.Is(p.waitErr, errSessionClosed) {
			errs = append(errs, fmt.Errorf("failed to wait for process: %w", p.waitErr))
		}
		p.stopErr = errors.Join(errs...)
	})
	return p.stopErr
}

// mergeEnv merges base environment variables with overrides. If an override key already
// exists in base, the override value wins.
func mergeEnv(base, overrides []string) []string {
	env := make(map[string]string, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))

	parse := func(entries []string) {
		for _, entry := range entries {
			key, _, found := strings.Cut(entry, "=")
			if !found {
				continue
			}
			if _, exists := env[key]; !exists {
				order = append(order, key)
			}
			env[key] = entry
		}
	}
	parse(base)
	parse(overrides)

	result := make([]string, 0, len(order))
	for _, key := range order {
		result = append(result, env[key])
	}
	return result
}
