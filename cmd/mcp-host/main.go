// Command mcp-host is an interactive chat with a language model that can use the tools of any
// number of MCP servers. Servers may ask the host back to sample the model or to question the
// user while their tools run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/agent"
	"github.com/MegaGrindStone/go-mcp-host/config"
	"github.com/MegaGrindStone/go-mcp-host/host"
	"github.com/MegaGrindStone/go-mcp-host/llm"
)

const version = "1.0.0"

func main() {
	envFile := flag.String("env-file", config.DefaultEnvFile, "file of MCP_CLIENT_* variables, the environment wins")
	serversFile := flag.String("servers", "", "YAML server list, overrides MCP_CLIENT_SERVERS_FILE")
	watch := flag.Bool("watch", false, "follow changes of the server list file")
	flag.Parse()

	if err := run(*envFile, *serversFile, *watch); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile, serversFile string, watch bool) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if serversFile != "" {
		cfg.ServersFile = serversFile
	}

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model, err := llm.New(ctx, cfg.LLM(), llm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}

	sh, err := newShell(cfg, model, readLines(os.Stdin), os.Stdout, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sh.registry.Close(); err != nil {
			logger.Warn("failed to close registry", slog.String("err", err.Error()))
		}
	}()

	// The first interrupt cancels the running turn, an interrupt at the prompt exits.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if !sh.interrupt() {
				cancel()
				return
			}
		}
	}()

	servers, err := config.LoadServers(cfg.ServersFile)
	if err != nil {
		return err
	}
	if err := sh.registry.Reconcile(ctx, servers); err != nil {
		sh.printf("Some servers could not be added: %s\n", err)
	}

	if watch {
		err := config.WatchServers(ctx, cfg.ServersFile, func(servers map[string]host.Endpoint) {
			if err := sh.registry.Reconcile(ctx, servers); err != nil {
				logger.Warn("failed to apply server list", slog.String("err", err.Error()))
			}
		}, config.WithWatchLogger(logger))
		if err != nil {
			return err
		}
	}

	if err := sh.run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newShell wires the host: the model serves the planning loop and the sampling requests of the
// servers, the user answers elicitation through the shell, and the registry connects every
// session to the router. Registry options are appended last.
func newShell(
	cfg config.Config,
	model agent.Model,
	lines <-chan string,
	out io.Writer,
	logger *slog.Logger,
	registryOptions ...host.RegistryOption,
) (*shell, error) {
	level, err := cfg.ServerLogLevel()
	if err != nil {
		return nil, err
	}

	sh := &shell{
		lines:       lines,
		out:         out,
		serversFile: cfg.ServersFile,
		logger:      logger.With(slog.String("package", "main"), slog.String("component", "shell")),
	}

	catalog := host.NewCatalog(host.WithCatalogLogger(logger))
	router := host.NewRouter(
		host.WithSampler(agent.NewSampler(model, catalog, agent.WithSamplerLogger(logger))),
		host.WithElicitor(agent.NewElicitor(model, sh, agent.WithElicitorLogger(logger))),
		host.WithProgressSink(sh),
		host.WithFeatures(cfg.Features()),
		host.WithServerLogLevel(level),
		host.WithRouterLogger(logger),
	)

	options := append([]host.RegistryOption{host.WithRegistryLogger(logger)}, registryOptions...)
	sh.registry = host.NewRegistry(mcp.Info{Name: "mcp-host", Version: version}, router, catalog, options...)

	executorOptions := []host.ExecutorOption{
		host.WithExecutorTimeout(cfg.ToolTimeout),
		host.WithExecutorLogger(logger),
	}
	if cfg.ConfirmTools {
		executorOptions = append(executorOptions, host.WithApprover(sh))
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	sh.loop = agent.NewLoop(model, catalog, host.NewExecutor(catalog, executorOptions...),
		agent.WithSystemPrompt(systemPrompt),
		agent.WithMaxIterations(cfg.MaxIterations),
		agent.WithMaxRepeats(cfg.MaxRepeats),
		agent.WithObserver(sh),
		agent.WithLoopLogger(logger),
	)

	return sh, nil
}
