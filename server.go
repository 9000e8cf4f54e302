package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the server side of MCP for tool providers. It accepts sessions from its
// transport, serves tools/list, tools/call and logging/setLevel, and lets tool implementations
// send their own requests back to the client while a call is being served.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	toolServer      ToolServer
	toolListUpdater ToolListUpdater
	logHandler      LogHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done           chan struct{}
	toolListClosed chan struct{}
	logClosed      chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	toolServer ToolServer
	logHandler LogHandler

	lock sync.Mutex
	// map[msgID] cancel func of the client's requests being served
	cancels map[MustString]context.CancelFunc
	// map[msgID] chan for the client's answers to our own requests
	requests map[MustString]chan JSONRPCMessage

	stopOnce sync.Once
	closed   chan struct{}
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new MCP server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		toolListClosed:    make(chan struct{}),
		logClosed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that sets the usage instructions sent to clients.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval sets the interval between pings sent to each client.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout sets how long the server waits for a ping response.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets how many consecutive failed pings close a session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout sets the write timeout of every message sent by the server.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets a callback invoked with the session ID when a client connects.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets a callback invoked with the session ID when a client disconnects.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions from the transport and serves them until the server is shut down.
//
// Serve blocks until the transport stops yielding sessions.
func (s Server) Serve() {
	broadcasts := make(chan JSONRPCMessage, 10)

	if s.toolListUpdater != nil {
		go s.listenUpdates(methodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates(),
			broadcasts, s.toolListClosed)
	} else {
		close(s.toolListClosed)
	}

	if s.logHandler != nil {
		go s.listenLogs(broadcasts)
	} else {
		close(s.logClosed)
	}

	s.start(broadcasts)
}

// Shutdown gracefully shuts down the server by terminating all active sessions and cleaning up resources.
// It returns an error if the shutdown process fails or if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	close(s.done)

	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in the start function breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ToolListUpdater: %w", ctx.Err())
	case <-s.toolListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close LogHandler: %w", ctx.Err())
	case <-s.logClosed:
	}

	return nil
}

func (s Server) start(broadcasts <-chan JSONRPCMessage) {
	// These channels are used to send broadcasts to all sessions in the goroutine below.
	sessions := make(chan *serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			toolServer:           s.toolServer,
			logHandler:           s.logHandler,
			cancels:              make(map[MustString]context.CancelFunc),
			requests:             make(map[MustString]chan JSONRPCMessage),
			closed:               make(chan struct{}),
		}
		select {
		case <-s.done:
		case sessions <- ss:
		}

		s.sessionsWaitGroup.Add(1)

		// This session would close itself when the client goes away, when consecutive
		// pings fail beyond threshold, or when the server shuts down.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), ss.serverInfo)
			}

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s Server) broadcast(
	messages <-chan JSONRPCMessage,
	sessions <-chan *serverSession,
	removedSession <-chan string,
) {
	sessMap := make(map[string]*serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removedSession:
			delete(sessMap, sessID)
		case msg := <-messages:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to broadcast message",
						slog.String("method", msg.Method),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s Server) listenLogs(messages chan<- JSONRPCMessage) {
	defer close(s.logClosed)

	for params := range s.logHandler.LogStreams() {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", slog.String("err", err.Error()))
			continue
		}
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsMessage,
			Params:  paramsBs,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s Server) listenUpdates(
	method string,
	updates iter.Seq[struct{}],
	messages chan<- JSONRPCMessage,
	closed chan<- struct{},
) {
	defer close(closed)

	for range updates {
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s *serverSession) start(done <-chan struct{}) {
	// This base context makes sure every handler started by the loop below is cancelled
	// when the loop is broken.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	go s.ping(baseCtx)
	go func() {
		select {
		case <-done:
			s.stop()
		case <-baseCtx.Done():
		}
	}()

	// Before the client confirms initialization, only ping and initialize are served.
	initialized := false

	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.String("method", msg.Method),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case MethodPing:
			go s.sendResult(msg.ID, struct{}{})
		case methodInitialize:
			s.handleInitializeRequest(msg)
		case MethodToolsList, MethodToolsCall, MethodLoggingSetLevel:
			if !initialized {
				go s.sendError(msg.ID, JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: "session not initialized",
				})
				continue
			}
			// Every call to the implementation is cancellable by the client through
			// notifications/cancelled, so its cancel func is registered under the request ID.
			serverCtx, serverCancel := context.WithCancel(baseCtx)
			s.lock.Lock()
			s.cancels[msg.ID] = serverCancel
			s.lock.Unlock()
			go s.handleServerImplementationMessage(serverCtx, msg)
		case methodNotificationsInitialized:
			initialized = true
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Info("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			s.lock.Lock()
			cancel, ok := s.cancels[params.RequestID]
			s.lock.Unlock()
			if ok {
				s.logger.Debug("request cancelled by client",
					slog.String("requestID", string(params.RequestID)),
					slog.String("reason", params.Reason))
				cancel()
			}
		case "":
			// A response to a request we sent: either a ping or a nested request of a tool.
			s.lock.Lock()
			results, ok := s.requests[msg.ID]
			delete(s.requests, msg.ID)
			s.lock.Unlock()
			if !ok {
				continue
			}
			results <- msg
		default:
			if msg.ID == "" {
				continue
			}
			go s.sendError(msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: errMsgMethodNotFound,
			})
		}
	}

	baseCancel()
	s.stop()
}

func (s *serverSession) stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
		s.session.Stop()
	})
}

func (s *serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		var jsonErr JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: err.Error()}
		}
		s.sendError(msg.ID, jsonErr)
		return
	}
	s.sendResult(msg.ID, res)
}

func (s *serverSession) ping(ctx context.Context) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	failedPings := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
		}

		pCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
		_, err := s.request(pCtx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  MethodPing,
		})
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failedPings++
			s.logger.Warn("failed to ping client", slog.String("err", err.Error()))
			if failedPings > s.pingTimeoutThreshold {
				s.logger.Warn("too many pings failed, closing session")
				s.stop()
				return
			}
			continue
		}
		failedPings = 0
	}
}

func (s *serverSession) handleServerImplementationMessage(ctx context.Context, msg JSONRPCMessage) {
	defer func() {
		s.lock.Lock()
		if cancel, ok := s.cancels[msg.ID]; ok {
			cancel()
			delete(s.cancels, msg.ID)
		}
		s.lock.Unlock()
	}()

	var result any
	// err is always a JSONRPCError when set, declared as error for the nil check.
	var err error

	switch msg.Method {
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodLoggingSetLevel:
		err = s.callSetLogLevel(msg)
		result = struct{}{}
	default:
		return
	}

	if ctx.Err() != nil {
		// The client cancelled the request and expects no response.
		return
	}

	if err != nil {
		jsonErr := JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError}
		if !errors.As(err, &jsonErr) {
			jsonErr.Data = map[string]any{"error": err.Error()}
		}
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		s.sendError(msg.ID, jsonErr)
		return
	}

	s.sendResult(msg.ID, result)
}

func (s *serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	// Answer with the client's version when we speak it, otherwise with our latest and
	// let the client decide.
	version := LatestProtocolVersion
	if slices.Contains(SupportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	s.logger.Info("client initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", version))

	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s *serverSession) progressReporter(token MustString) ProgressReporter {
	return func(params ProgressParams) {
		if token == "" {
			// The client didn't ask for progress.
			return
		}
		params.ProgressToken = token
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}); err != nil {
			s.logger.Error("failed to send progress", slog.String("err", err.Error()))
		}
	}
}

// request sends msg to the client under a fresh ID and waits for the answer. Any number of
// requests may be outstanding at once.
func (s *serverSession) request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msg.ID = MustString(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	s.lock.Lock()
	s.requests[msg.ID] = results
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.requests, msg.ID)
		s.lock.Unlock()
	}()

	sCtx, sCancel := context.WithTimeout(ctx, s.sendTimeout)
	err := s.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send %s request: %w", msg.Method, err)
	}

	select {
	case <-ctx.Done():
		// The client would otherwise keep serving a request nobody waits for.
		s.sendCancelled(msg.ID, ctx.Err())
		return JSONRPCMessage{}, ctx.Err()
	case <-s.closed:
		return JSONRPCMessage{}, ErrSessionClosed
	case res := <-results:
		return res, nil
	}
}

func (s *serverSession) sendCancelled(id MustString, reason error) {
	paramsBs, err := json.Marshal(notificationsCancelledParams{
		RequestID: id,
		Reason:    reason.Error(),
	})
	if err != nil {
		s.logger.Error("failed to marshal cancelled params", slog.String("err", err.Error()))
		return
	}
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsCancelled,
		Params:  paramsBs,
	})
}

func (s *serverSession) sendResult(id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return
	}
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (s *serverSession) sendError(id MustString, rpcErr JSONRPCError) {
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}

func (s *serverSession) send(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message", slog.String("err", err.Error()))
	}
}

func (s *serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	var token MustString
	if params.Meta != nil {
		token = params.Meta.ProgressToken
	}
	ts, err := s.toolServer.ListTools(ctx, params, s.progressReporter(token), s.request)
	if err != nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to list tools: %w", err).Error(),
		}
	}

	return ts, nil
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	var token MustString
	if params.Meta != nil {
		token = params.Meta.ProgressToken
	}
	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(token), s.request)
	if err != nil {
		var jsonErr JSONRPCError
		if errors.As(err, &jsonErr) {
			return CallToolResult{}, jsonErr
		}
		result = CallToolResult{
			Content: []Content{TextContent(err.Error())},
			IsError: true,
		}
	}

	return result, nil
}

func (s *serverSession) callSetLogLevel(msg JSONRPCMessage) error {
	if s.logHandler == nil {
		return JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "logging not supported by server",
		}
	}

	var params SetLogLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	s.logHandler.SetLogLevel(params.Level)

	return nil
}
