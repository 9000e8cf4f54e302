package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Command is a ClientTransport that launches an MCP server as a subprocess and exchanges
// newline delimited messages with it over the process's stdin and stdout. Anything the process
// writes to stderr is forwarded to the logger.
type Command struct {
	name string
	args []string
	env  map[string]string
	dir  string

	stopGrace time.Duration
	logger    *slog.Logger
}

// CommandOption configures a Command transport.
type CommandOption func(*Command)

type commandSession struct {
	*stdIOSession

	cmd       *exec.Cmd
	stdin     io.Closer
	stopGrace time.Duration
}

var defaultCommandStopGrace = 5 * time.Second

// WithCommandEnv adds environment variables to the subprocess on top of the current environment.
func WithCommandEnv(env map[string]string) CommandOption {
	return func(c *Command) {
		c.env = env
	}
}

// WithCommandDir sets the working directory of the subprocess.
func WithCommandDir(dir string) CommandOption {
	return func(c *Command) {
		c.dir = dir
	}
}

// WithCommandStopGrace sets how long Stop waits for the process to exit after closing its stdin
// before killing it.
func WithCommandStopGrace(grace time.Duration) CommandOption {
	return func(c *Command) {
		c.stopGrace = grace
	}
}

// WithCommandLogger sets the logger of the transport.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *Command) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "command"),
		)
	}
}

// NewCommand creates a transport that runs name with args when a session is started.
func NewCommand(name string, args []string, options ...CommandOption) Command {
	c := Command{
		name:      name,
		args:      args,
		stopGrace: defaultCommandStopGrace,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// StartSession starts the subprocess. The context only bounds the start up, the process lives
// until the returned Session is stopped.
func (c Command) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.name, c.args...)
	cmd.Dir = c.dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+c.env[k])
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.name, err)
	}

	logger := c.logger.With(slog.String("command", c.name), slog.Int("pid", cmd.Process.Pid))
	go forwardStderr(stderr, logger)

	sess := &commandSession{
		stdIOSession: newStdIOSession(stdout, stdin, logger),
		cmd:          cmd,
		stdin:        stdin,
		stopGrace:    c.stopGrace,
	}
	sess.startWriter()

	return sess, nil
}

// Stop closes the process's stdin, which well behaved servers treat as a request to exit, and
// kills it if it is still running after the grace period.
func (s *commandSession) Stop() {
	_ = s.stdin.Close()
	s.stdIOSession.Stop()

	exited := make(chan error, 1)
	go func() { exited <- s.cmd.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			s.logger.Debug("server process exited", slog.String("err", err.Error()))
		}
	case <-time.After(s.stopGrace):
		s.logger.Warn("server process did not exit in time, killing it")
		_ = s.cmd.Process.Kill()
		<-exited
	}
}

func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("server stderr", slog.String("line", scanner.Text()))
	}
}
