package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/servers/arithmetic"
)

func TestRouterHealth(t *testing.T) {
	sse := mcp.NewSSEServer("/message")
	ts := httptest.NewServer(newRouter(sse, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer ts.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sse.Shutdown(ctx)
	}()
	go func() {
		for range sse.Sessions() {
		}
	}()

	res, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("failed to get health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}

	// Messages are only accepted by POST.
	res, err = ts.Client().Get(ts.URL + "/message")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /message status = %d, want %d", res.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestServeOverSSE(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	arith := arithmetic.NewServer()
	sse := mcp.NewSSEServer("/message")
	srv := mcp.NewServer(arithmetic.Info("test"), sse, serverOptions(arith, logger)...)
	go srv.Serve()

	ts := httptest.NewServer(newRouter(sse, logger))

	client := mcp.NewClient(mcp.Info{Name: "test-host", Version: "1.0"},
		mcp.NewSSEClient(ts.URL+"/sse", ts.Client()))
	defer func() {
		_ = client.Close()
		arith.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		ts.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if got := client.ServerInfo().Name; got != arithmetic.Name {
		t.Errorf("server name = %s, want %s", got, arithmetic.Name)
	}
	if got := client.Instructions(); got != arithmetic.Instructions {
		t.Errorf("instructions = %q", got)
	}

	res, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      "addition",
		Arguments: json.RawMessage(`{"left":2,"right":3}`),
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if res.IsError || string(res.StructuredContent) != `{"sum":5}` {
		t.Errorf("result = %+v", res)
	}
}
