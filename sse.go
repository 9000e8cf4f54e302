package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport. It handles
// server-to-client streaming through SSE and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP router.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements the client side of the SSE transport. StartSession opens the event stream,
// waits for the server to announce its message endpoint, and returns a Session that posts
// messages to that endpoint.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	headers    http.Header
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	stopOnce     sync.Once
	done         chan struct{}
	disconnected chan struct{}
	sendClosed   chan struct{}
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	headers    http.Header
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage

	cancel     context.CancelFunc
	stopOnce   sync.Once
	done       chan struct{}
	readClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// WithSSEServerLogger sets the logger of the server transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse_server"),
		)
	}
}

// NewSSEServer creates a new SSE server transport that tells its clients to post messages to
// messageURL. The returned SSEServer must be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan *sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		headers:    make(http.Header),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the session ends.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHeaders adds headers to every request the client sends, both the event stream
// request and the message posts.
func WithSSEClientHeaders(headers map[string]string) SSEClientOption {
	return func(s *SSEClient) {
		for k, v := range headers {
			s.headers.Set(k, v)
		}
	}
}

// WithSSEClientLogger sets the logger of the client transport.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse_client"),
		)
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// The session might already be closed.
					continue
				}

				select {
				case <-s.done:
					return
				case <-session.done:
				case session.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server transport. This method blocks until the
// Sessions iterator has returned.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the server closes the session.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Use the type "endpoint" to tell the client where to post its messages.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
			return
		}

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 5),
			receivedMsgs: make(chan JSONRPCMessage, 5),
			done:         make(chan struct{}),
			disconnected: make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}

		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.sessions <- srvSession:
		}

		// Block until the session ends, so the connection is left open.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			// The client went away, let the session's reader finish so its owner stops it.
			close(srvSession.disconnected)
			<-srvSession.done
		}
		<-srvSession.sendClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. Valid messages are routed to their corresponding Session's message stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// StartSession opens the event stream and waits until the server announces the endpoint for
// client messages. ctx bounds only the connection set up; the stream stays open until the
// returned Session is stopped or the server closes it.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		headers:    s.headers,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}

	endpoints := make(chan string, 1)
	go sess.readEvents(resp.Body, s.connectURL, s.maxPayloadSize, endpoints)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case endpoint, ok := <-endpoints:
		if !ok {
			sess.Stop()
			return nil, errors.New("event stream ended before the message endpoint was received")
		}
		sess.messageURL = endpoint
	}

	return sess, nil
}

func (s *sseClientSession) readEvents(body io.ReadCloser, connectURL string, maxPayloadSize int,
	endpoints chan<- string,
) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	endpointSent := false
	defer func() {
		if !endpointSent {
			close(endpoints)
		}
	}()

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSent {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			endpoint, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				s.logger.Error("invalid endpoint", slog.String("err", err.Error()))
				return
			}
			endpoints <- endpoint
			endpointSent = true
		case "message", "":
			if !endpointSent {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case <-s.done:
				return
			case s.messages <- msg:
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func resolveEndpoint(connectURL, endpoint string) (string, error) {
	base, err := url.Parse(connectURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if u.String() == "" {
		return "", errors.New("empty endpoint URL")
	}
	return base.ResolveReference(u).String(), nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send posts msg to the message endpoint. The server accepts with 200 or 202.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.readClosed
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.disconnected:
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.sendClosed
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
