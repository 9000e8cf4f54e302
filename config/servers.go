package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/go-mcp-host/host"
)

// ServersFile is the layout of the server list file:
//
//	servers:
//	  math:
//	    command: arithmetic-server
//	    args: ["-transport", "stdio"]
//	  remote:
//	    url: http://localhost:8080/sse
//	    headers:
//	      Authorization: Bearer secret
type ServersFile struct {
	Servers map[string]host.Endpoint `yaml:"servers"`
}

// WatchOption configures WatchServers.
type WatchOption func(*watchSettings)

type watchSettings struct {
	debounce time.Duration
	logger   *slog.Logger
}

// WithDebounce sets how long the watcher waits for more events before reloading. Editors often
// write a file in several steps.
func WithDebounce(d time.Duration) WatchOption {
	return func(s *watchSettings) {
		s.debounce = d
	}
}

// WithWatchLogger sets the logger of the watcher.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(s *watchSettings) {
		s.logger = logger
	}
}

// LoadServers reads the server list at path. A missing file is an empty list.
func LoadServers(path string) (map[string]host.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]host.Endpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read server list: %w", err)
	}

	var file ServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse server list %s: %w", path, err)
	}
	if file.Servers == nil {
		file.Servers = map[string]host.Endpoint{}
	}
	for name, endpoint := range file.Servers {
		if err := endpoint.Validate(); err != nil {
			return nil, fmt.Errorf("invalid server %s in %s: %w", name, path, err)
		}
	}
	return file.Servers, nil
}

// SaveServers writes servers to path.
func SaveServers(path string, servers map[string]host.Endpoint) error {
	data, err := yaml.Marshal(ServersFile{Servers: servers})
	if err != nil {
		return fmt.Errorf("failed to encode server list: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write server list: %w", err)
	}
	return nil
}

// WatchServers calls fn with the server list at path every time the file is written, created,
// renamed or removed, until ctx is done. The directory of path is watched rather than the file so
// that editors replacing the file are noticed. Files that fail to load are logged and skipped.
func WatchServers(
	ctx context.Context,
	path string,
	fn func(map[string]host.Endpoint),
	options ...WatchOption,
) error {
	s := watchSettings{
		debounce: 100 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	logger := s.logger.With(
		slog.String("package", "config"),
		slog.String("component", "watcher"),
		slog.String("path", path),
	)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("failed to close watcher", slog.String("err", err.Error()))
			}
		}()

		timer := time.NewTimer(s.debounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
					!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				logger.Debug("server list changed", slog.String("op", ev.Op.String()))
				timer.Reset(s.debounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("watcher error", slog.String("err", err.Error()))
			case <-timer.C:
				servers, err := LoadServers(path)
				if err != nil {
					logger.Error("failed to reload server list", slog.String("err", err.Error()))
					continue
				}
				logger.Info("server list reloaded", slog.Int("servers", len(servers)))
				fn(servers)
			}
		}
	}()

	return nil
}
