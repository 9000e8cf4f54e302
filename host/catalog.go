package host

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
)

// ToolSession is the part of a session the catalog and the executor use. *mcp.Client
// implements it.
type ToolSession interface {
	ListAllTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

// Source is one server contributing tools to a catalog rebuild.
type Source struct {
	Server  string
	Session ToolSession
}

// Tool describes one tool of the catalog.
type Tool struct {
	// ID is unique across the catalog and usable as a model function name.
	ID string
	// Name is the tool's name on its server.
	Name   string
	Server string
	// DisplayName is the tool's title when it has one, its name otherwise.
	DisplayName  string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Annotations  *mcp.ToolAnnotations
}

// Binding is the result of resolving a catalog id.
type Binding struct {
	Session ToolSession
	Tool    Tool
}

// Catalog is the flat view of the tools of every registered server. Rebuild replaces the whole
// view at once, readers see either the previous or the next one.
type Catalog struct {
	listTimeout time.Duration
	logger      *slog.Logger

	state atomic.Pointer[catalogState]
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

type catalogState struct {
	tools    []Tool
	byID     map[string]Binding
	byServer map[string][]Tool
}

type listing struct {
	tools []mcp.Tool
	err   error
}

var (
	defaultCatalogListTimeout = 10 * time.Second

	validToolID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	invalidRune = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

const (
	maxToolIDLength = 64
	toolIDPrefix    = "mcp"
)

// WithCatalogListTimeout bounds how long a rebuild waits for one server's tool list.
func WithCatalogListTimeout(timeout time.Duration) CatalogOption {
	return func(c *Catalog) {
		c.listTimeout = timeout
	}
}

// WithCatalogLogger sets the logger of the catalog.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger.With(
			slog.String("package", "host"),
			slog.String("component", "catalog"),
		)
	}
}

// NewCatalog creates an empty catalog.
func NewCatalog(options ...CatalogOption) *Catalog {
	c := &Catalog{
		listTimeout: defaultCatalogListTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.state.Store(&catalogState{
		byID:     make(map[string]Binding),
		byServer: make(map[string][]Tool),
	})
	return c
}

// Rebuild lists the tools of every source, concurrently, and replaces the catalog with the
// result. A source that fails to list contributes no tools. Tools keep their server's order and
// servers keep the order of sources.
func (c *Catalog) Rebuild(ctx context.Context, sources []Source) {
	listings := make([]listing, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lCtx, cancel := context.WithTimeout(ctx, c.listTimeout)
			defer cancel()

			tools, err := src.Session.ListAllTools(lCtx)
			listings[i] = listing{tools: tools, err: err}
		}()
	}
	wg.Wait()

	next := &catalogState{
		byID:     make(map[string]Binding),
		byServer: make(map[string][]Tool),
	}
	for i, src := range sources {
		if err := listings[i].err; err != nil {
			c.logger.Warn("failed to list tools, server contributes none",
				slog.String("server", src.Server),
				slog.String("err", err.Error()))
			next.byServer[src.Server] = nil
			continue
		}
		for _, t := range listings[i].tools {
			tool := Tool{
				ID:           next.assignID(src.Server, t.Name),
				Name:         t.Name,
				Server:       src.Server,
				DisplayName:  displayName(t),
				Description:  t.Description,
				InputSchema:  t.InputSchema,
				OutputSchema: t.OutputSchema,
				Annotations:  t.Annotations,
			}
			next.tools = append(next.tools, tool)
			next.byID[tool.ID] = Binding{Session: src.Session, Tool: tool}
			next.byServer[src.Server] = append(next.byServer[src.Server], tool)
		}
	}

	c.state.Store(next)
	c.logger.Debug("catalog rebuilt", slog.Int("servers", len(sources)), slog.Int("tools", len(next.tools)))
}

// Resolve returns the session and tool behind id.
func (c *Catalog) Resolve(id string) (Binding, error) {
	b, ok := c.state.Load().byID[id]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return b, nil
}

// Describe returns the tool with id.
func (c *Catalog) Describe(id string) (Tool, error) {
	b, err := c.Resolve(id)
	if err != nil {
		return Tool{}, err
	}
	return b.Tool, nil
}

// Snapshot returns every tool of the catalog.
func (c *Catalog) Snapshot() []Tool {
	tools := c.state.Load().tools
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

// ServerTools returns the tools of server.
func (c *Catalog) ServerTools(server string) []Tool {
	tools := c.state.Load().byServer[server]
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

// ToolID returns the preferred catalog id of tool on server: "mcp-{server}-{tool}" when that is a
// valid identifier, otherwise a sanitized form with a hash suffix.
func ToolID(server, tool string) string {
	id := toolIDPrefix + "-" + server + "-" + tool
	if validToolID.MatchString(id) {
		return id
	}
	return hashedToolID(server, tool)
}

func (s *catalogState) assignID(server, tool string) string {
	id := ToolID(server, tool)
	if _, taken := s.byID[id]; taken {
		// Another pair produced the same id, so this one falls back to the hashed form.
		id = hashedToolID(server, tool)
	}
	for n := 2; ; n++ {
		if _, taken := s.byID[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s%d", strings.TrimRight(id[:min(len(id), maxToolIDLength-2)], "-"), n)
	}
}

func hashedToolID(server, tool string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(server))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tool))
	suffix := fmt.Sprintf("-%08x", h.Sum32())

	base := invalidRune.ReplaceAllString(toolIDPrefix+"-"+server+"-"+tool, "_")
	if len(base) > maxToolIDLength-len(suffix) {
		base = base[:maxToolIDLength-len(suffix)]
	}
	return base + suffix
}

func displayName(t mcp.Tool) string {
	if t.Title != "" {
		return t.Title
	}
	if t.Annotations != nil && t.Annotations.Title != "" {
		return t.Annotations.Title
	}
	return t.Name
}

// ReadOnly reports whether the tool is annotated as not modifying its environment.
func (t Tool) ReadOnly() bool {
	return t.Annotations != nil && t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint
}
