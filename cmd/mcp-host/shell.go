package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/agent"
	"github.com/MegaGrindStone/go-mcp-host/config"
	"github.com/MegaGrindStone/go-mcp-host/host"
)

const helpMessage = `
/help
    Show this help message.

/add_server <name> <url>
/add_server <name> <command> [args...]
    Connect to an MCP server over SSE, or launch one and speak to it over its standard streams.

/remove_server <name>
    Disconnect an MCP server.

/list_servers
    List the connected MCP servers.

/list_tools [<name>]
    List the tools of one server, or of every server.

/describe_tool <name> <tool>
    Show the details of a tool.

/save_servers
    Write the connected servers to the server list file.

/reset
    Start a new conversation.

/quit
    Exit.
`

const defaultSystemPrompt = `You are a helpful assistant.

You help users to interact with the available tools. You can provide information about the tools,
call the tools, and assist users in their tasks. You can also chat with users to understand their
requirements and provide them with the necessary information.

If necessary tools are unavailable, you do not try to solve on your own and inform users about lack
of current capability.

The following commands are available to the user. If a message looks like one of them with a typo,
identify the user's intent and tell them the correct command.
` + helpMessage

// shell is the interactive surface of the host. It reads lines from the user, runs commands and
// hands everything else to the planning loop. The same lines feed the answers to elicitation
// questions, which are asked while a loop run is waiting for a tool.
type shell struct {
	lines       <-chan string
	registry    *host.Registry
	loop        *agent.Loop
	serversFile string
	logger      *slog.Logger

	outLock sync.Mutex
	out     io.Writer

	runLock   sync.Mutex
	cancelRun context.CancelFunc

	// One question at a time, tools of different servers run concurrently.
	promptLock sync.Mutex
}

// readLines sends the lines of r until it ends.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// run serves the user until /quit, the end of input or ctx is done.
func (s *shell) run(ctx context.Context) error {
	s.println("Type /help to see the available commands.")

	for {
		s.print("> ")

		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-s.lines:
			if !ok {
				s.println("")
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return nil
			}
			continue
		}
		s.chat(ctx, line)
	}
}

// command runs a slash command and reports whether the shell should exit.
func (s *shell) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	name, args := strings.TrimPrefix(fields[0], "/"), fields[1:]

	var err error
	switch name {
	case "help":
		s.println(strings.TrimSpace(helpMessage))
	case "add_server":
		err = s.addServer(ctx, args)
	case "remove_server":
		err = s.removeServer(args)
	case "list_servers":
		s.listServers()
	case "list_tools":
		err = s.listTools(args)
	case "describe_tool":
		err = s.describeTool(args)
	case "save_servers":
		err = s.saveServers()
	case "reset":
		s.loop.Reset()
		s.println("Started a new conversation.")
	case "quit", "exit":
		s.println("Bye.")
		return true
	default:
		err = fmt.Errorf("unknown command /%s, type /help to see the available commands", name)
	}

	if err != nil {
		s.printf("Error: %s\n", err)
	}
	return false
}

func (s *shell) addServer(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /add_server <name> <url> or /add_server <name> <command> [args...]")
	}
	name, endpoint := args[0], endpointFromArgs(args[1:])

	if err := s.registry.Add(ctx, name, endpoint); err != nil {
		return err
	}

	for _, info := range s.registry.List() {
		if info.Name != name {
			continue
		}
		s.printf("Added %s (%s %s, protocol %s) with %d tools.\n",
			name, info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion, len(info.Tools))
	}
	return nil
}

func endpointFromArgs(args []string) host.Endpoint {
	if strings.HasPrefix(args[0], "http://") || strings.HasPrefix(args[0], "https://") {
		return host.Endpoint{URL: args[0]}
	}
	return host.Endpoint{Command: args[0], Args: args[1:]}
}

func (s *shell) removeServer(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /remove_server <name>")
	}
	if err := s.registry.Remove(args[0]); err != nil {
		return err
	}
	s.printf("Removed %s.\n", args[0])
	return nil
}

func (s *shell) listServers() {
	infos := s.registry.List()
	if len(infos) == 0 {
		s.println("No servers.")
		return
	}

	for _, info := range infos {
		status := "connected"
		if !info.Connected {
			status = "disconnected"
			if info.Err != nil {
				status += ": " + info.Err.Error()
			}
		}
		s.printf("%s: %s %s, protocol %s, %d tools, %s [%s]\n",
			info.Name, info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion,
			len(info.Tools), features(info.Capabilities), status)
	}
}

func features(f host.Features) string {
	var names []string
	if f.Sampling {
		names = append(names, "sampling")
	}
	if f.Elicitation {
		names = append(names, "elicitation")
	}
	if f.Progress {
		names = append(names, "progress")
	}
	if f.Logging {
		names = append(names, "logging")
	}
	if len(names) == 0 {
		return "no client features"
	}
	return strings.Join(names, ", ")
}

func (s *shell) listTools(args []string) error {
	if len(args) > 1 {
		return errors.New("usage: /list_tools [<name>]")
	}

	var tools []host.Tool
	if len(args) == 1 {
		if !s.registered(args[0]) {
			return fmt.Errorf("%w: %s", host.ErrNotFound, args[0])
		}
		tools = s.registry.Catalog().ServerTools(args[0])
	} else {
		tools = s.registry.Catalog().Snapshot()
	}

	if len(tools) == 0 {
		s.println("No tools.")
		return nil
	}
	for _, t := range tools {
		s.printf("%s (%s): %s\n", t.DisplayName, t.ID, firstLine(t.Description))
	}
	return nil
}

func (s *shell) describeTool(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /describe_tool <name> <tool>")
	}

	for _, t := range s.registry.Catalog().ServerTools(args[0]) {
		if t.Name != args[1] {
			continue
		}

		s.printf("%s\n  id: %s\n  server: %s\n  name: %s\n", t.DisplayName, t.ID, t.Server, t.Name)
		if t.Description != "" {
			s.printf("  description: %s\n", t.Description)
		}
		s.printf("  input schema: %s\n", compact(t.InputSchema))
		if len(t.OutputSchema) > 0 {
			s.printf("  output schema: %s\n", compact(t.OutputSchema))
		}
		if a := t.Annotations; a != nil {
			s.printf("  read only: %s, destructive: %s, idempotent: %s, open world: %s\n",
				hint(a.ReadOnlyHint), hint(a.DestructiveHint), hint(a.IdempotentHint), hint(a.OpenWorldHint))
		}
		return nil
	}
	return fmt.Errorf("%w: %s has no tool %s", host.ErrUnknownTool, args[0], args[1])
}

func (s *shell) saveServers() error {
	if s.serversFile == "" {
		return errors.New("no server list file configured")
	}

	servers := make(map[string]host.Endpoint)
	for _, info := range s.registry.List() {
		servers[info.Name] = info.Endpoint
	}
	if err := config.SaveServers(s.serversFile, servers); err != nil {
		return err
	}
	s.printf("Saved %s to %s.\n", strings.Join(slices.Sorted(maps.Keys(servers)), ", "), s.serversFile)
	return nil
}

func (s *shell) registered(name string) bool {
	return slices.ContainsFunc(s.registry.List(), func(info host.SessionInfo) bool {
		return info.Name == name
	})
}

func (s *shell) chat(ctx context.Context, input string) {
	ctx, cancel := context.WithCancel(ctx)
	s.runLock.Lock()
	s.cancelRun = cancel
	s.runLock.Unlock()
	defer func() {
		s.runLock.Lock()
		s.cancelRun = nil
		s.runLock.Unlock()
		cancel()
	}()

	answer, err := s.loop.Run(ctx, input)
	switch {
	case err == nil:
		s.printf("Bot: %s\n", answer)
	case errors.Is(err, agent.ErrIterationLimit), errors.Is(err, agent.ErrNoProgress):
		s.printf("Bot: I stopped working on this, %s.\n", err)
	case errors.Is(err, context.Canceled):
		s.println("Cancelled.")
	default:
		s.printf("Error: %s\n", err)
		s.logger.Error("run failed", slog.String("err", err.Error()))
	}
}

// interrupt cancels the running conversation turn, if any, and reports whether there was one.
func (s *shell) interrupt() bool {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	if s.cancelRun == nil {
		return false
	}
	s.cancelRun()
	return true
}

// Prompt implements agent.Prompter by asking the user on the terminal.
func (s *shell) Prompt(ctx context.Context, message string) (string, error) {
	s.promptLock.Lock()
	defer s.promptLock.Unlock()

	s.printf("Server question: %s\n? ", message)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	}
}

// Approve implements host.Approver by asking the user before a tool that may change things runs.
func (s *shell) Approve(ctx context.Context, tool host.Tool, arguments json.RawMessage) error {
	answer, err := s.Prompt(ctx, fmt.Sprintf("Allow %s on %s with %s? [y/N]", tool.Name, tool.Server, arguments))
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	}
	return errors.New("the user did not allow the call")
}

func (s *shell) StateChanged(state agent.State) {
	s.logger.Debug("loop state changed", slog.String("state", state.String()))
}

func (s *shell) ToolCallStarted(call agent.ToolCall) {
	s.printf("Calling %s with %s.\n", call.Name, compact(call.Arguments))
}

func (s *shell) ToolCallFinished(call agent.ToolCall, outcome host.Outcome) {
	s.printf("%s returned (%s): %s\n", call.Name, outcome.Kind, truncate(outcome.Text(), 200))
}

// OnProgress implements host.ProgressSink.
func (s *shell) OnProgress(server string, params mcp.ProgressParams) {
	s.println(host.FormatProgress(server, params))
}

func (s *shell) print(a ...any) {
	s.outLock.Lock()
	defer s.outLock.Unlock()
	fmt.Fprint(s.out, a...)
}

func (s *shell) println(a ...any) {
	s.outLock.Lock()
	defer s.outLock.Unlock()
	fmt.Fprintln(s.out, a...)
}

func (s *shell) printf(format string, a ...any) {
	s.outLock.Lock()
	defer s.outLock.Unlock()
	fmt.Fprintf(s.out, format, a...)
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func hint(b *bool) string {
	switch {
	case b == nil:
		return "unknown"
	case *b:
		return "yes"
	}
	return "no"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
