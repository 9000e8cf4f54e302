package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/MegaGrindStone/go-mcp-host"
)

// Endpoint tells the registry how to reach a server: either a command to launch, speaking over
// its standard streams, or the URL of an SSE endpoint.
type Endpoint struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// TransportFactory creates the transport of a session with endpoint.
type TransportFactory func(endpoint Endpoint) (mcp.ClientTransport, error)

// SessionInfo describes one registered server.
type SessionInfo struct {
	Name            string
	Endpoint        Endpoint
	ProtocolVersion string
	ServerInfo      mcp.Info
	Instructions    string
	// Capabilities are the features that are in effect for the session: enabled on the host
	// and, for logging, supported by the server.
	Capabilities Features
	Tools        []Tool
	// Connected is false once the session has ended on its own, Err tells why.
	Connected bool
	Err       error
}

// Registry owns one session per server name. Add, Remove, Reconcile and Close are serialized,
// every change of membership rebuilds the catalog before the call returns. Calls on the
// sessions themselves never wait on the registry.
type Registry struct {
	info         mcp.Info
	router       *Router
	catalog      *Catalog
	newTransport TransportFactory
	httpClient   *http.Client
	options      []mcp.ClientOption

	logger       *slog.Logger
	clientLogger *slog.Logger

	// Serializes the mutating operations.
	mu sync.Mutex

	entriesLock sync.RWMutex
	entries     []*registryEntry

	rebuildLock sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	routines sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

type registryEntry struct {
	name     string
	endpoint Endpoint
	client   *mcp.Client
}

// WithTransportFactory replaces how transports are created from endpoints.
func WithTransportFactory(factory TransportFactory) RegistryOption {
	return func(r *Registry) {
		r.newTransport = factory
	}
}

// WithHTTPClient sets the HTTP client of SSE sessions.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

// WithSessionOptions adds options to every session the registry creates, such as timeouts.
func WithSessionOptions(options ...mcp.ClientOption) RegistryOption {
	return func(r *Registry) {
		r.options = append(r.options, options...)
	}
}

// WithRegistryLogger sets the logger of the registry and of the sessions and transports it creates.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.clientLogger = logger
		r.logger = logger.With(
			slog.String("package", "host"),
			slog.String("component", "registry"),
		)
	}
}

// NewRegistry creates an empty registry. Sessions identify themselves with info, have their
// server requests dispatched by router, and contribute their tools to catalog.
func NewRegistry(info mcp.Info, router *Router, catalog *Catalog, options ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		info:       info,
		router:     router,
		catalog:    catalog,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range options {
		opt(r)
	}
	if r.newTransport == nil {
		r.newTransport = r.defaultTransport
	}
	return r
}

// Catalog returns the catalog the registry keeps up to date.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// Add connects to the server at endpoint and registers it under name. It fails with
// ErrAlreadyExists if the name is taken, and with a *mcp.ConnectError if the session can't be
// established.
func (r *Registry) Add(ctx context.Context, name string, endpoint Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		return &mcp.ConnectError{Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("failed to add %s: registry closed", name)
	}
	if r.find(name) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	transport, err := r.newTransport(endpoint)
	if err != nil {
		return &mcp.ConnectError{Err: fmt.Errorf("failed to create transport: %w", err)}
	}

	options := r.router.ClientOptions(name, func() {
		r.logger.Info("tool list changed", slog.String("server", name))
		r.routines.Add(1)
		go func() {
			defer r.routines.Done()
			r.rebuild()
		}()
	})
	options = append(options, r.options...)
	if r.clientLogger != nil {
		options = append(options, mcp.WithClientLogger(r.clientLogger.With(slog.String("server", name))))
	}

	client := mcp.NewClient(r.info, transport, options...)
	if err := client.Connect(ctx); err != nil {
		r.logger.Warn("failed to connect", slog.String("server", name), slog.String("err", err.Error()))
		return err
	}

	if r.router.Features().Logging && client.LoggingServerSupported() {
		if err := client.SetLogLevel(ctx, r.router.LogLevel()); err != nil {
			r.logger.Warn("failed to set server log level",
				slog.String("server", name),
				slog.String("err", err.Error()))
		}
	}

	e := &registryEntry{name: name, endpoint: endpoint, client: client}
	r.entriesLock.Lock()
	r.entries = append(r.entries, e)
	r.entriesLock.Unlock()

	r.routines.Add(1)
	go r.watch(e)

	r.logger.Info("server added",
		slog.String("server", name),
		slog.String("protocolVersion", client.ProtocolVersion()),
		slog.String("serverName", client.ServerInfo().Name))

	r.rebuild()
	return nil
}

// Remove closes the session of name and unregisters it. Calls outstanding on the session fail
// with mcp.ErrSessionClosed. Once Remove returns the name may be added again.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(name)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	r.entriesLock.Lock()
	r.entries = slices.DeleteFunc(r.entries, func(x *registryEntry) bool { return x == e })
	r.entriesLock.Unlock()

	if err := e.client.Close(); err != nil {
		r.logger.Warn("failed to close session", slog.String("server", name), slog.String("err", err.Error()))
	}

	r.logger.Info("server removed", slog.String("server", name))

	r.rebuild()
	return nil
}

// List returns the registered servers in registration order.
func (r *Registry) List() []SessionInfo {
	r.entriesLock.RLock()
	entries := slices.Clone(r.entries)
	r.entriesLock.RUnlock()

	features := r.router.Features()
	infos := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		caps := e.client.Capabilities()
		info := SessionInfo{
			Name:            e.name,
			Endpoint:        e.endpoint,
			ProtocolVersion: e.client.ProtocolVersion(),
			ServerInfo:      e.client.ServerInfo(),
			Instructions:    e.client.Instructions(),
			Capabilities: Features{
				Sampling:    caps.Sampling != nil,
				Elicitation: caps.Elicitation != nil,
				Progress:    features.Progress,
				Logging:     features.Logging && e.client.LoggingServerSupported(),
			},
			Tools:     r.catalog.ServerTools(e.name),
			Connected: true,
		}
		select {
		case <-e.client.Done():
			info.Connected = false
			info.Err = e.client.Err()
		default:
		}
		infos = append(infos, info)
	}
	return infos
}

// Reconcile makes the registry match endpoints: servers missing from it are removed, new ones
// are added and servers whose endpoint changed are replaced. Every failure is reported, joined,
// and doesn't stop the others.
func (r *Registry) Reconcile(ctx context.Context, endpoints map[string]Endpoint) error {
	current := make(map[string]Endpoint)
	r.entriesLock.RLock()
	for _, e := range r.entries {
		current[e.name] = e.endpoint
	}
	r.entriesLock.RUnlock()

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(current)) {
		ep, keep := endpoints[name]
		if keep && ep.Equal(current[name]) {
			continue
		}
		if err := r.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(endpoints)) {
		if ep, ok := current[name]; ok && ep.Equal(endpoints[name]) {
			continue
		}
		if err := r.Add(ctx, name, endpoints[name]); err != nil {
			errs = append(errs, fmt.Errorf("failed to add %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every session and empties the catalog. The registry can't be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	r.entriesLock.Lock()
	entries := r.entries
	r.entries = nil
	r.entriesLock.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.client.Close()
		}()
	}
	wg.Wait()
	r.routines.Wait()

	r.catalog.Rebuild(context.Background(), nil)
	return nil
}

func (r *Registry) find(name string) *registryEntry {
	r.entriesLock.RLock()
	defer r.entriesLock.RUnlock()

	for _, e := range r.entries {
		if e.name == name {
			return e
		}
	}
	return nil
}

// rebuild lists the sources under rebuildLock, so the last rebuild to finish always reflects the
// latest membership.
func (r *Registry) rebuild() {
	r.rebuildLock.Lock()
	defer r.rebuildLock.Unlock()

	if r.ctx.Err() != nil {
		return
	}

	r.entriesLock.RLock()
	sources := make([]Source, 0, len(r.entries))
	for _, e := range r.entries {
		sources = append(sources, Source{Server: e.name, Session: e.client})
	}
	r.entriesLock.RUnlock()

	r.catalog.Rebuild(r.ctx, sources)
}

// watch rebuilds the catalog when the session of e ends on its own. The entry stays registered
// until it's removed.
func (r *Registry) watch(e *registryEntry) {
	defer r.routines.Done()

	select {
	case <-r.ctx.Done():
		return
	case <-e.client.Done():
	}

	r.entriesLock.RLock()
	current := slices.Contains(r.entries, e)
	r.entriesLock.RUnlock()
	if !current {
		return
	}

	attrs := []any{slog.String("server", e.name)}
	if err := e.client.Err(); err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	r.logger.Warn("session ended, server stays registered until removed", attrs...)
	r.rebuild()
}

func (r *Registry) defaultTransport(endpoint Endpoint) (mcp.ClientTransport, error) {
	if endpoint.Command != "" {
		options := []mcp.CommandOption{mcp.WithCommandEnv(endpoint.Env)}
		if r.clientLogger != nil {
			options = append(options, mcp.WithCommandLogger(r.clientLogger))
		}
		return mcp.NewCommand(endpoint.Command, endpoint.Args, options...), nil
	}

	options := []mcp.SSEClientOption{mcp.WithSSEClientHeaders(endpoint.Headers)}
	if r.clientLogger != nil {
		options = append(options, mcp.WithSSEClientLogger(r.clientLogger))
	}
	return mcp.NewSSEClient(endpoint.URL, r.httpClient, options...), nil
}

// Validate checks that exactly one of a command and a URL is set.
func (e Endpoint) Validate() error {
	switch {
	case e.Command == "" && e.URL == "":
		return fmt.Errorf("%w: neither command nor url is set", ErrInvalidEndpoint)
	case e.Command != "" && e.URL != "":
		return fmt.Errorf("%w: both command and url are set", ErrInvalidEndpoint)
	}
	return nil
}

// Equal reports whether e and other reach the same server the same way.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Command == other.Command &&
		slices.Equal(e.Args, other.Args) &&
		maps.Equal(e.Env, other.Env) &&
		e.URL == other.URL &&
		maps.Equal(e.Headers, other.Headers)
}
