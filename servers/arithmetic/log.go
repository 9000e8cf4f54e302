package arithmetic

import (
	"encoding/json"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp-host"
)

// LogStreams implements mcp.LogHandler interface. The stream ends when the server is closed.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler interface.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.levelLock.Lock()
	defer s.levelLock.Unlock()

	s.logLevel = level
}

func (s *Server) level() mcp.LogLevel {
	s.levelLock.Lock()
	defer s.levelLock.Unlock()

	return s.logLevel
}

// log queues msg for the clients if level passes the requested minimum. Messages are dropped
// while the queue is full.
func (s *Server) log(level mcp.LogLevel, msg string) {
	if level < s.level() {
		return
	}

	type logData struct {
		Message string `json:"message"`
	}
	dataBs, err := json.Marshal(logData{Message: msg})
	if err != nil {
		s.logger.Error("failed to marshal log data", slog.String("err", err.Error()))
		return
	}

	select {
	case s.logs <- mcp.LogParams{Level: level, Logger: loggerName, Data: dataBs}:
	default:
		s.logger.Debug("log queue full, dropping message", slog.String("message", msg))
	}
}
