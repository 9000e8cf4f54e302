// Command arithmetic-server serves the arithmetic tools over stdio, for hosts that launch it as a
// subprocess, or over SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/servers/arithmetic"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 5 * time.Second
)

func main() {
	transport := flag.String("transport", "stdio", "transport to serve on: stdio or sse")
	addr := flag.String("addr", ":8080", "listen address of the sse transport")
	baseURL := flag.String("base-url", "", "public URL of the sse transport, defaults to http://localhost{addr}")
	logLevel := flag.String("log-level", "info", "level of the process log written to stderr")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	// stdout carries the protocol in stdio mode.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *transport {
	case "stdio":
		err = serveStdIO(ctx, logger)
	case "sse":
		url := *baseURL
		if url == "" {
			url = "http://localhost" + *addr
		}
		err = serveSSE(ctx, *addr, strings.TrimSuffix(url, "/"), logger)
	default:
		err = fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		logger.Error("server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func serverOptions(arith *arithmetic.Server, logger *slog.Logger) []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithToolServer(arith),
		mcp.WithLogHandler(arith),
		mcp.WithInstructions(arithmetic.Instructions),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", info.Name),
				slog.String("version", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}
}

// serveStdIO serves a single session on stdin and stdout until the host closes stdin or ctx is
// done.
func serveStdIO(ctx context.Context, logger *slog.Logger) error {
	arith := arithmetic.NewServer(arithmetic.WithLogger(logger))
	srv := mcp.NewServer(arithmetic.Info(version),
		mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger)),
		serverOptions(arith, logger)...)

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	select {
	case <-ctx.Done():
	case <-served:
	}

	arith.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func serveSSE(ctx context.Context, addr, baseURL string, logger *slog.Logger) error {
	arith := arithmetic.NewServer(arithmetic.WithLogger(logger))
	sse := mcp.NewSSEServer(baseURL+"/message", mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(arithmetic.Info(version), sse, serverOptions(arith, logger)...)
	go srv.Serve()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(sse, logger),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("serving sse", slog.String("addr", addr), slog.String("url", baseURL+"/sse"))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The event streams are long lived, the MCP server ends them before the HTTP server waits
	// for its connections.
	arith.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown mcp server", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown http server", slog.String("err", err.Error()))
	}

	if serveErr != nil {
		return fmt.Errorf("failed to serve: %w", serveErr)
	}
	return nil
}

// newRouter routes the SSE transport: GET /sse opens an event stream, POST /message receives the
// client messages of a stream.
func newRouter(sse mcp.SSEServer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/sse", sse.HandleSSE())
	r.With(middleware.Timeout(30*time.Second)).Method(http.MethodPost, "/message", sse.HandleMessage())

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("requestID", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
