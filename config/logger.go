package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/go-mcp-host/internal/logctx"
)

// NewLogger builds the host logger: a text handler at the configured level writing to the log
// file, or to stderr when none is set, that adds the call attribution carried by the context. The
// returned closer releases the log file.
func (c Config) NewLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(slogLevelName(c.LogLevel))); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(logctx.Handler{Handler: handler}), closer, nil
}

// slogLevelName maps the MCP level names onto the four slog levels.
func slogLevelName(name string) string {
	name = strings.ToLower(name)
	switch name {
	case "notice":
		return "info"
	case "warning":
		return "warn"
	case "critical", "alert", "emergency":
		return "error"
	}
	return name
}
