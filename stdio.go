package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs.
// It provides a single persistent session and can be used as either ServerTransport or
// ClientTransport.
//
// Writes are serialized through a single writer goroutine and every line read is delivered, in
// order, to the Messages iterator. Lines have no size limit.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	incoming      chan JSONRPCMessage

	readStarter  sync.Once
	writeStarter sync.Once
	stopOnce     sync.Once

	done        chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess:   newStdIOSession(reader, writer, slog.Default()),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

func newStdIOSession(reader io.Reader, writer io.Writer, logger *slog.Logger) *stdIOSession {
	return &stdIOSession{
		id:            uuid.New().String(),
		reader:        bufio.NewReader(reader),
		writer:        writer,
		logger:        logger,
		writeMessages: make(chan stdIOMessage),
		incoming:      make(chan JSONRPCMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. This session remains active throughout the lifetime of
// the StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		s.sess.startWriter()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Sessions iteration to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The session is ready as soon as
// it is returned.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	s.sess.startWriter()
	return s.sess, nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	s.readStarter.Do(func() { go s.readLines() })

	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.incoming:
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

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		// If the writer never started, this marks it as finished so Stop doesn't wait for it.
		s.writeStarter.Do(func() { close(s.writeClosed) })
		<-s.writeClosed
	})
}

func (s *stdIOSession) startWriter() {
	s.writeStarter.Do(func() { go s.processWriteMessages() })
}

// readLines is the only reader of the underlying stream. A blocked read can't be interrupted, so
// it is left behind on Stop and exits when the stream is closed by its owner.
func (s *stdIOSession) readLines() {
	defer close(s.incoming)

	for {
		line, err := s.reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var msg JSONRPCMessage
			if uErr := json.Unmarshal(line, &msg); uErr != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", uErr.Error()))
			} else {
				select {
				case <-s.done:
					return
				case s.incoming <- msg:
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
