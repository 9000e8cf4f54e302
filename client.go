package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of one MCP session. It manages the connection lifecycle,
// correlates responses with the calls waiting for them, and serves the requests the server sends
// back while those calls are outstanding.
//
// Every message is read by a single loop per session. Responses are handed to their waiting
// callers. Server requests (sampling, elicitation) and progress and log notifications are queued
// to a worker that handles them one at a time in arrival order, and a tool call returns only
// after the worker has handled everything that arrived before its result. The read loop itself
// never waits on a handler, so a call whose server needs a nested answer before it can reply
// never deadlocks, and closing the session always reaches waiting callers.
//
// A server request that arrives while tool calls are outstanding belongs to them: once all of
// those calls have ended, by result, timeout or cancellation, the request is cancelled.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport
	session      Session

	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler
	toolListWatcher    ToolListWatcher
	progressListener   ProgressListener
	logReceiver        LogReceiver

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	// Set once by Connect and never changed afterwards.
	protocolVersion    string
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	started            atomic.Bool
	connected          atomic.Bool

	pendingLock sync.Mutex
	// map[msgID] chan for the response of our requests
	pending map[string]chan response
	// msgIDs of our tools/call requests still waiting for a response
	toolCalls map[string]struct{}
	// map[msgID] of the server requests queued or being served
	serving map[string]*serverRequest

	queueLock sync.Mutex
	queue     []inbound
	queued    chan struct{}
	// sequence numbers of the last queued and the last handled inbound message
	enqueued uint64
	served   uint64
	// closed and replaced every time served advances
	servedCh chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
	routines  sync.WaitGroup
}

type response struct {
	msg JSONRPCMessage
	// last inbound message queued before the response arrived
	seq uint64
}

type inbound struct {
	msg JSONRPCMessage
	seq uint64
	req *serverRequest
}

type serverRequest struct {
	ctx    context.Context
	cancel context.CancelFunc
	// tool calls outstanding when the request arrived, nil if there were none
	calls map[string]struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 60 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithSamplingHandler sets the sampling handler for the client and advertises the sampling capability.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationHandler sets the elicitation handler for the client and advertises the elicitation capability.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.elicitationHandler = handler
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a call waits for the server's response. Tool calls are not
// bounded by it, they run until their context ends.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client closes the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new MCP client with the specified configuration.
//
// The info parameter provides client identification and version information. The transport
// parameter defines how the client communicates with the server. Optional behaviors, handlers
// for server requests and notifications, timeouts and intervals, are configured through
// ClientOption functions.
//
// The client will not be connected until Connect() is called.
func NewClient(
	info Info,
	transport ClientTransport,
	options ...ClientOption,
) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[string]chan response),
		toolCalls: make(map[string]struct{}),
		serving:   make(map[string]*serverRequest),
		queued:    make(chan struct{}, 1),
		servedCh:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}
	if c.elicitationHandler != nil {
		c.capabilities.Elicitation = &ElicitationCapability{}
	}

	return c
}

// Connect starts the transport session and performs the initialization handshake: the client
// offers LatestProtocolVersion and accepts any of SupportedProtocolVersions in the answer. The
// negotiated version is fixed for the life of the session.
//
// Any failure is returned as a *ConnectError and leaves the client closed. Connect may only be
// called once.
func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return &ConnectError{Err: errors.New("client already started")}
	}

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		c.terminate(err)
		return &ConnectError{Err: fmt.Errorf("failed to start session: %w", err)}
	}
	c.session = sess

	c.routines.Add(2)
	go c.listenMessages()
	go c.serveRequests()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return &ConnectError{Err: err}
	}

	c.routines.Add(1)
	go c.pings()

	return nil
}

// Call sends a request and waits for its result.
//
// The call fails with ErrRequestTimeout when the server doesn't answer within the read timeout
// (tool calls excepted),
// with ErrSessionClosed when the session ends first, with a *JSONRPCError when the server answers
// with an error, or with the context error when ctx ends first. In the timeout and context cases
// the server is told to stop working on the request.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	return c.call(ctx, method, params)
}

// Notify sends a notification. No answer is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.notify(ctx, method, params)
}

// ListTools retrieves one page of the server's tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.connected.Load() {
		return ListToolsResult{}, ErrNotConnected
	}
	if !c.ToolServerSupported() {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	res, err := c.Call(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("%w: failed to unmarshal tools list: %w", ErrMalformedMessage, err)
	}

	return result, nil
}

// ListAllTools follows the pagination cursor until the server's whole tool list is retrieved.
func (c *Client) ListAllTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	seen := make(map[string]bool)
	params := ListToolsParams{}
	for {
		res, err := c.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("%w: tools list cursor %q repeated", ErrMalformedMessage, res.NextCursor)
		}
		seen[res.NextCursor] = true
		params.Cursor = res.NextCursor
	}
}

// CallTool executes a tool on the server and returns its result. A tool that failed is not an
// error here, it is reported through CallToolResult.IsError.
//
// While the call is outstanding the server may send any number of sampling and elicitation
// requests, progress and log notifications; they are served by the configured handlers before
// the result is returned.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.connected.Load() {
		return CallToolResult{}, ErrNotConnected
	}
	if !c.ToolServerSupported() {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	res, err := c.Call(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("%w: failed to unmarshal tool result: %w", ErrMalformedMessage, err)
	}

	return result, nil
}

// SetLogLevel asks the server to only send log messages at level or above.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if !c.LoggingServerSupported() {
		return errors.New("logging not supported by server")
	}

	_, err := c.Call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level})
	return err
}

// Ping checks that the server is still answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, MethodPing, nil)
	return err
}

// Close ends the session. Calls still waiting for a response fail with ErrSessionClosed, server
// requests being served are cancelled, and Close returns once every background routine of the
// client has exited. It is safe to call Close more than once and concurrently with calls.
func (c *Client) Close() error {
	c.terminate(nil)
	c.routines.Wait()
	return nil
}

// Done returns a channel that is closed when the session has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the session ended on its own, or nil while it is alive or if it was
// ended by Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ProtocolVersion returns the protocol version negotiated during Connect.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server announced.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Capabilities returns the capabilities this client advertises.
func (c *Client) Capabilities() ClientCapabilities {
	return c.capabilities
}

// Instructions returns the usage instructions the server sent during initialization, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	return c.serverCapabilities.Logging != nil
}

func (c *Client) initialize(ctx context.Context) error {
	res, err := c.call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return fmt.Errorf("%w: failed to unmarshal initialize result: %w", ErrMalformedMessage, err)
	}

	if !isSupportedProtocolVersion(result.ProtocolVersion) {
		return fmt.Errorf("%s: %q", errMsgUnsupportedProtocolVersion, result.ProtocolVersion)
	}

	c.protocolVersion = result.ProtocolVersion
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.connected.Store(true)
	c.logger.Debug("session initialized",
		slog.String("server", c.serverInfo.Name),
		slog.String("protocolVersion", c.protocolVersion))

	return nil
}

func (c *Client) listenMessages() {
	defer c.routines.Done()

	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Method {
		case "":
			c.deliverResponse(msg)
		case MethodPing:
			if err := c.sendResult(c.ctx, msg.ID, struct{}{}); err != nil {
				c.logger.Error("failed to answer ping", slog.String("err", err.Error()))
			}
		case methodNotificationsProgress:
			if c.progressListener != nil {
				c.enqueue(msg, nil)
			}
		case methodNotificationsMessage:
			if c.logReceiver != nil {
				c.enqueue(msg, nil)
			}
		case methodNotificationsToolsListChanged:
			if c.toolListWatcher != nil {
				c.toolListWatcher.OnToolListChanged()
			}
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			c.cancelServing(params.RequestID)
		default:
			if msg.ID == "" {
				c.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
				continue
			}
			c.enqueue(msg, c.trackRequest(msg.ID))
		}
	}

	c.terminate(fmt.Errorf("%w: transport ended", ErrSessionClosed))
}

func (c *Client) deliverResponse(msg JSONRPCMessage) {
	c.pendingLock.Lock()
	results, ok := c.pending[string(msg.ID)]
	if ok {
		delete(c.pending, string(msg.ID))
	}
	c.pendingLock.Unlock()

	if !ok {
		if msg.Error != nil {
			c.logger.Warn("received error for unknown request",
				slog.String("id", string(msg.ID)),
				slog.String("err", msg.Error.Error()))
			return
		}
		c.logger.Warn("received response for unknown request", slog.String("id", string(msg.ID)))
		return
	}

	c.queueLock.Lock()
	seq := c.enqueued
	c.queueLock.Unlock()

	// Buffered with room for exactly this message.
	results <- response{msg: msg, seq: seq}
}

// trackRequest registers a server request so the server can cancel it, and ties it to the tool
// calls currently waiting for a response.
func (c *Client) trackRequest(id MustString) *serverRequest {
	ctx, cancel := context.WithCancel(c.ctx)
	req := &serverRequest{ctx: ctx, cancel: cancel}

	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()

	if len(c.toolCalls) > 0 {
		req.calls = make(map[string]struct{}, len(c.toolCalls))
		for callID := range c.toolCalls {
			req.calls[callID] = struct{}{}
		}
	}
	if prev, ok := c.serving[string(id)]; ok {
		prev.cancel()
	}
	c.serving[string(id)] = req
	return req
}

// endToolCall forgets the tool call msgID and cancels the server requests no outstanding tool
// call is waiting for anymore. It may be called more than once for the same call.
func (c *Client) endToolCall(msgID string) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()

	delete(c.toolCalls, msgID)
	for id, req := range c.serving {
		if _, ok := req.calls[msgID]; !ok {
			continue
		}
		delete(req.calls, msgID)
		if len(req.calls) == 0 {
			c.logger.Debug("cancelling server request of ended tool call",
				slog.String("requestID", id),
				slog.String("callID", msgID))
			req.cancel()
		}
	}
}

func (c *Client) enqueue(msg JSONRPCMessage, req *serverRequest) {
	c.queueLock.Lock()
	c.enqueued++
	c.queue = append(c.queue, inbound{msg: msg, seq: c.enqueued, req: req})
	c.queueLock.Unlock()

	select {
	case c.queued <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (inbound, bool) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()

	if len(c.queue) == 0 {
		return inbound{}, false
	}
	in := c.queue[0]
	c.queue = c.queue[1:]
	return in, true
}

func (c *Client) markServed(seq uint64) {
	c.queueLock.Lock()
	c.served = seq
	close(c.servedCh)
	c.servedCh = make(chan struct{})
	c.queueLock.Unlock()
}

// waitServed returns once the worker has handled every inbound message up to seq, or the session
// has ended.
func (c *Client) waitServed(seq uint64) {
	for {
		c.queueLock.Lock()
		served, ch := c.served, c.servedCh
		c.queueLock.Unlock()
		if served >= seq {
			return
		}

		select {
		case <-ch:
		case <-c.done:
			return
		}
	}
}

// serveRequests handles the server's requests and notifications one at a time, in the order
// they arrived.
func (c *Client) serveRequests() {
	defer c.routines.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.queued:
		}

		for {
			in, ok := c.dequeue()
			if !ok {
				break
			}
			select {
			case <-c.done:
				return
			default:
			}
			c.handleInbound(in)
			c.markServed(in.seq)
		}
	}
}

func (c *Client) handleInbound(in inbound) {
	switch in.msg.Method {
	case methodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(in.msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(in.msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", slog.String("err", err.Error()))
			return
		}
		c.logReceiver.OnLog(params)
	default:
		c.handleServerRequest(in.msg, in.req)
	}
}

func (c *Client) handleServerRequest(msg JSONRPCMessage, req *serverRequest) {
	defer func() {
		c.pendingLock.Lock()
		if c.serving[string(msg.ID)] == req {
			delete(c.serving, string(msg.ID))
		}
		c.pendingLock.Unlock()
		req.cancel()
	}()

	ctx := req.ctx
	if ctx.Err() != nil {
		c.logger.Debug("server request cancelled before it was served", slog.String("method", msg.Method))
		return
	}

	var (
		result any
		rpcErr *JSONRPCError
	)
	switch msg.Method {
	case MethodSamplingCreateMessage:
		result, rpcErr = c.handleSampling(ctx, msg)
	case MethodElicitationCreate:
		result, rpcErr = c.handleElicitation(ctx, msg)
	default:
		rpcErr = &JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: errMsgMethodNotFound}
	}

	if ctx.Err() != nil && c.ctx.Err() == nil {
		// Cancelled by the server or with the tool calls it belonged to, nobody expects an answer.
		c.logger.Debug("server request cancelled", slog.String("method", msg.Method))
		return
	}

	var err error
	if rpcErr != nil {
		err = c.sendError(c.ctx, msg.ID, *rpcErr)
	} else {
		err = c.sendResult(c.ctx, msg.ID, result)
	}
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		c.logger.Error("failed to answer server request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (c *Client) handleSampling(ctx context.Context, msg JSONRPCMessage) (any, *JSONRPCError) {
	if c.samplingHandler == nil {
		return nil, &JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "sampling not supported by client"}
	}

	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: errMsgInvalidJSON}
	}

	result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if errors.Is(err, ErrDeclined) {
		return nil, &JSONRPCError{Code: jsonRPCUserRejectedCode, Message: errMsgSamplingRejected}
	}
	if err != nil {
		c.logger.Error("failed to create sample message", slog.String("err", err.Error()))
		return nil, &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": err.Error()},
		}
	}
	return result, nil
}

func (c *Client) handleElicitation(ctx context.Context, msg JSONRPCMessage) (any, *JSONRPCError) {
	if c.elicitationHandler == nil {
		return ElicitResult{Action: ElicitActionDecline}, nil
	}

	var params ElicitParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: errMsgInvalidJSON}
	}

	result, err := c.elicitationHandler.Elicit(ctx, params)
	if errors.Is(err, ErrDeclined) {
		return ElicitResult{Action: ElicitActionDecline}, nil
	}
	if err != nil {
		c.logger.Error("failed to elicit", slog.String("err", err.Error()))
		return nil, &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": err.Error()},
		}
	}
	return result, nil
}

func (c *Client) cancelServing(id MustString) {
	c.pendingLock.Lock()
	req, ok := c.serving[string(id)]
	c.pendingLock.Unlock()
	if ok {
		req.cancel()
	}
}

func (c *Client) pings() {
	defer c.routines.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	failedPings := 0

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if err := c.Ping(c.ctx); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			failedPings++
			c.logger.Warn("failed to ping server",
				slog.Int("failed", failedPings),
				slog.String("err", err.Error()))
			if failedPings > c.pingTimeoutThreshold {
				c.terminate(fmt.Errorf("%w: too many ping failures: %d", ErrSessionClosed, failedPings))
				return
			}
			continue
		}
		failedPings = 0
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		if paramsBs, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	msgID := uuid.New().String()
	results := make(chan response, 1)
	toolCall := method == MethodToolsCall

	c.pendingLock.Lock()
	select {
	case <-c.done:
		c.pendingLock.Unlock()
		return nil, c.closedErr()
	default:
	}
	c.pending[msgID] = results
	if toolCall {
		c.toolCalls[msgID] = struct{}{}
	}
	c.pendingLock.Unlock()

	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, msgID)
		c.pendingLock.Unlock()
		if toolCall {
			c.endToolCall(msgID)
		}
	}()

	if err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	// A tool call may wait on the user through elicitation, only its context bounds it.
	var timeout <-chan time.Time
	if !toolCall {
		timer := time.NewTimer(c.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-results:
		if toolCall {
			c.endToolCall(msgID)
			c.waitServed(res.seq)
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-timeout:
		c.sendCancelled(msgID, "Request timed out")
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.sendCancelled(msgID, userCancelledReason)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return nil, c.closedErr()
	}
}

func (c *Client) sendCancelled(msgID, reason string) {
	if err := c.notify(c.ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: MustString(msgID),
		Reason:    reason,
	}); err != nil {
		c.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		if paramsBs, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

func (c *Client) sendResult(ctx context.Context, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (c *Client) sendError(ctx context.Context, id MustString, rpcErr JSONRPCError) error {
	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}

func (c *Client) send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		select {
		case <-c.done:
			return c.closedErr()
		default:
		}
		return err
	}
	return nil
}

// terminate ends the session without waiting for the background routines, so it is safe to call
// from them.
func (c *Client) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		c.pendingLock.Lock()
		close(c.done)
		c.pendingLock.Unlock()
		c.cancel()
		if c.session != nil {
			c.session.Stop()
		}
	})
}

func (c *Client) closedErr() error {
	if c.err != nil && !errors.Is(c.err, ErrSessionClosed) {
		return fmt.Errorf("%w: %w", ErrSessionClosed, c.err)
	}
	if c.err != nil {
		return c.err
	}
	return ErrSessionClosed
}
