package arithmetic

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
)

// PipeTransport is an mcp.ClientTransport that runs a new arithmetic Server in the same process
// for every session, connected to the client through in-memory pipes.
type PipeTransport struct {
	version string
	options []ServerOption
	logger  *slog.Logger

	lock     sync.Mutex
	sessions []*pipeSession
}

type pipeSession struct {
	mcp.Session

	transport *PipeTransport
	arith     *Server
	server    mcp.Server
	pipes     []io.Closer
	stopOnce  sync.Once
}

var pipeShutdownTimeout = 2 * time.Second

// NewPipeTransport creates the transport. Every server it starts is created with options.
func NewPipeTransport(version string, options ...ServerOption) *PipeTransport {
	return &PipeTransport{
		version: version,
		options: options,
		logger:  slog.Default(),
	}
}

// StartSession implements mcp.ClientTransport interface.
func (p *PipeTransport) StartSession(ctx context.Context) (mcp.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	arith := NewServer(p.options...)
	srv := mcp.NewServer(Info(p.version), mcp.NewStdIO(serverReader, serverWriter),
		mcp.WithToolServer(arith),
		mcp.WithLogHandler(arith),
		mcp.WithInstructions(Instructions),
	)
	go srv.Serve()

	sess, err := mcp.NewStdIO(clientReader, clientWriter).StartSession(ctx)
	if err != nil {
		return nil, err
	}

	ps := &pipeSession{
		Session:   sess,
		transport: p,
		arith:     arith,
		server:    srv,
		pipes:     []io.Closer{clientReader, serverWriter, serverReader, clientWriter},
	}

	p.lock.Lock()
	p.sessions = append(p.sessions, ps)
	p.lock.Unlock()

	return ps, nil
}

// Disconnect closes the pipes of every open session, as if the servers had crashed. The
// clients observe the end of their sessions.
func (p *PipeTransport) Disconnect() {
	p.lock.Lock()
	sessions := slices.Clone(p.sessions)
	p.lock.Unlock()

	for _, s := range sessions {
		s.closePipes()
	}
}

func (p *PipeTransport) forget(s *pipeSession) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.sessions = slices.DeleteFunc(p.sessions, func(x *pipeSession) bool { return x == s })
}

func (s *pipeSession) closePipes() {
	for _, c := range s.pipes {
		_ = c.Close()
	}
}

// Stop tears the session down: the pipes first, so nothing stays blocked on them, then both ends.
func (s *pipeSession) Stop() {
	s.stopOnce.Do(func() {
		s.transport.forget(s)

		s.closePipes()
		s.Session.Stop()
		s.arith.Close()

		ctx, cancel := context.WithTimeout(context.Background(), pipeShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.transport.logger.Warn("failed to shutdown in-process server", slog.String("err", err.Error()))
		}
	})
}
