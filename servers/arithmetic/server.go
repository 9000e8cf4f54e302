package arithmetic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/go-mcp-host"
)

// Server is an MCP tool server of arithmetic operations on real numbers. Besides plain
// computations it exercises the requests a server can make back to its client: exponentiation
// asks the user to correct a non-integer exponent, and parse_expression asks the client's model
// to turn text into a postfix expression while reporting progress.
//
// Server implements mcp.ToolServer and mcp.LogHandler. Close must be called when the server
// is no longer used, it ends the log stream.
type Server struct {
	tools  []tool
	byName map[string]tool

	levelLock sync.Mutex
	logLevel  mcp.LogLevel

	logs      chan mcp.LogParams
	done      chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

const (
	// Name is the name the server reports at initialization.
	Name = "arithmetic"

	// Instructions is sent to clients at initialization.
	Instructions = "Arithmetic on real numbers. Use parse_expression then evaluate_expression for word problems."

	loggerName = "arithmetic"
)

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "arithmetic"),
			slog.String("component", "server"),
		)
	}
}

// NewServer creates the server. It logs at info level until a client asks for another level.
func NewServer(options ...ServerOption) *Server {
	s := &Server{
		logLevel: mcp.LogLevelInfo,
		logs:     make(chan mcp.LogParams, 10),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.tools = s.toolList()
	s.byName = make(map[string]tool, len(s.tools))
	for _, t := range s.tools {
		s.byName[t.Name] = t
	}

	return s
}

// Info returns the info the server reports at initialization.
func Info(version string) mcp.Info {
	return mcp.Info{Name: Name, Title: "Arithmetic Operations", Version: version}
}

// Close ends the log stream. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// ListTools implements mcp.ToolServer interface. All tools fit on one page.
func (s *Server) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	tools := make([]mcp.Tool, len(s.tools))
	for i, t := range s.tools {
		tools[i] = t.Tool
	}
	return mcp.ListToolsResult{Tools: tools}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	reportProgress mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	t, ok := s.byName[params.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	s.logger.Debug("calling tool", slog.String("tool", params.Name))
	s.log(mcp.LogLevelDebug, fmt.Sprintf("Calling %s.", params.Name))

	return t.handle(ctx, params.Arguments, toolCall{report: reportProgress, client: requestClient})
}
