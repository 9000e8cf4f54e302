package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/config"
	"github.com/MegaGrindStone/go-mcp-host/host"
	"github.com/MegaGrindStone/go-mcp-host/internal/logctx"
	"github.com/MegaGrindStone/go-mcp-host/llm"
)

// clearEnv unsets every MCP_CLIENT_ variable for the duration of the test, including the ones an
// env file sets during it.
func clearEnv(t *testing.T) {
	t.Helper()

	saved := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "MCP_CLIENT_") {
			saved[key] = value
			_ = os.Unsetenv(key)
		}
	}
	t.Cleanup(func() {
		for _, kv := range os.Environ() {
			key, _, _ := strings.Cut(kv, "=")
			if strings.HasPrefix(key, "MCP_CLIENT_") {
				_ = os.Unsetenv(key)
			}
		}
		for key, value := range saved {
			_ = os.Setenv(key, value)
		}
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	want := llm.Config{
		Provider:    llm.ProviderOpenAI,
		Model:       "gpt-4o-mini",
		MaxTokens:   4096,
		Temperature: 0.1,
		TopP:        0.9,
		Timeout:     300 * time.Second,
	}
	if got := cfg.LLM(); got != want {
		t.Errorf("llm config = %+v, want %+v", got, want)
	}
	if cfg.MaxIterations != 10 || cfg.MaxRepeats != 2 || cfg.ToolTimeout != 0 {
		t.Errorf("loop limits = %d, %d, %s", cfg.MaxIterations, cfg.MaxRepeats, cfg.ToolTimeout)
	}
	if cfg.Features() != host.AllFeatures {
		t.Errorf("features = %+v, want all", cfg.Features())
	}
	if level, err := cfg.ServerLogLevel(); err != nil || level != mcp.LogLevelInfo {
		t.Errorf("server log level = %s, %v", level, err)
	}
	if cfg.ServersFile != "servers.yaml" || cfg.LogFile != "" {
		t.Errorf("files = %q, %q", cfg.ServersFile, cfg.LogFile)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)

	envFile := filepath.Join(t.TempDir(), "host.env")
	writeFile(t, envFile, strings.Join([]string{
		"MCP_CLIENT_PROVIDER=hosted",
		"MCP_CLIENT_MODEL=llama3",
		"MCP_CLIENT_BASE_URL=http://localhost:11434/v1",
		"MCP_CLIENT_TIMEOUT=30s",
		"MCP_CLIENT_SAMPLING=false",
		"MCP_CLIENT_LOG_LEVEL=debug",
	}, "\n"))
	// The real environment wins over the file.
	t.Setenv("MCP_CLIENT_MODEL", "qwen2.5")

	cfg, err := config.Load(envFile)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	got := cfg.LLM()
	if got.Provider != llm.ProviderHosted || got.Model != "qwen2.5" ||
		got.BaseURL != "http://localhost:11434/v1" || got.Timeout != 30*time.Second {
		t.Errorf("llm config = %+v", got)
	}
	features := cfg.Features()
	if features.Sampling || !features.Elicitation || !features.Progress || !features.Logging {
		t.Errorf("features = %+v", features)
	}
	if level, _ := cfg.ServerLogLevel(); level != mcp.LogLevelDebug {
		t.Errorf("server log level = %s", level)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "log level", key: "MCP_CLIENT_LOG_LEVEL", value: "loud"},
		{name: "max tokens", key: "MCP_CLIENT_MAX_TOKENS", value: "lots"},
		{name: "max iterations", key: "MCP_CLIENT_MAX_ITERATIONS", value: "0"},
		{name: "timeout", key: "MCP_CLIENT_TIMEOUT", value: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := config.Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Errorf("expected an error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "host.log")
	cfg := config.Config{LogLevel: "warning", LogFile: logFile}

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	ctx := logctx.WithCallData(context.Background(), &logctx.CallData{
		CallID:    "call_1",
		Server:    "math",
		Tool:      "division",
		CatalogID: "mcp-math-division",
	})
	logger.InfoContext(ctx, "hidden")
	logger.WarnContext(ctx, "shown", slog.String("reason", "test"))
	if err := closer.Close(); err != nil {
		t.Fatalf("failed to close log file: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warning level: %s", out)
	}
	for _, want := range []string{"msg=shown", "reason=test", "call.id=call_1", "call.catalog_id=mcp-math-division"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q does not contain %q", out, want)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "notice", want: slog.LevelInfo},
		{level: "WARNING", want: slog.LevelWarn},
		{level: "critical", want: slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, closer, err := config.Config{LogLevel: tt.level}.NewLogger()
			if err != nil {
				t.Fatalf("failed to create logger: %v", err)
			}
			defer closer.Close()

			ctx := context.Background()
			if !logger.Enabled(ctx, tt.want) || logger.Enabled(ctx, tt.want-1) {
				t.Errorf("logger at %s is not enabled from %s", tt.level, tt.want)
			}
		})
	}

	if _, _, err := (config.Config{LogLevel: "loud"}).NewLogger(); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
