package host

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/go-mcp-host"
)

// Sampler produces a model completion on behalf of a server.
type Sampler interface {
	// Sample returns the completion, or mcp.ErrDeclined when the request is refused.
	Sample(ctx context.Context, server string, params mcp.SamplingParams) (mcp.SamplingResult, error)
}

// Elicitor obtains additional input from the user on behalf of a server.
type Elicitor interface {
	Elicit(ctx context.Context, server string, params mcp.ElicitParams) (mcp.ElicitResult, error)
}

// ProgressSink receives progress notifications. The token of the notification is the call id
// the Executor assigned to the invocation.
type ProgressSink interface {
	OnProgress(server string, params mcp.ProgressParams)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context, server string, params mcp.SamplingParams) (mcp.SamplingResult, error)

// ElicitorFunc adapts a function to the Elicitor interface.
type ElicitorFunc func(ctx context.Context, server string, params mcp.ElicitParams) (mcp.ElicitResult, error)

// ProgressSinkFunc adapts a function to the ProgressSink interface.
type ProgressSinkFunc func(server string, params mcp.ProgressParams)

// DeclineElicitor declines every elicitation.
type DeclineElicitor struct{}

// Features selects which server requests and notifications the host takes part in. A disabled
// feature is not advertised to servers and its messages are ignored or declined.
type Features struct {
	Sampling    bool
	Elicitation bool
	Progress    bool
	Logging     bool
}

// Router dispatches server requests and notifications to the host's handlers. Dispatch depends
// only on the kind of message, the server name is passed along for attribution. One Router
// serves every session of a Registry.
type Router struct {
	sampler  Sampler
	elicitor Elicitor
	progress ProgressSink
	features Features
	logLevel mcp.LogLevel

	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// sessionHandlers binds the Router to one server, implementing the mcp client handler
// interfaces.
type sessionHandlers struct {
	router         *Router
	server         string
	onToolsChanged func()
}

// AllFeatures enables every feature.
var AllFeatures = Features{Sampling: true, Elicitation: true, Progress: true, Logging: true}

// WithSampler sets the handler of sampling requests.
func WithSampler(sampler Sampler) RouterOption {
	return func(r *Router) {
		r.sampler = sampler
	}
}

// WithElicitor sets the handler of elicitation requests.
func WithElicitor(elicitor Elicitor) RouterOption {
	return func(r *Router) {
		r.elicitor = elicitor
	}
}

// WithProgressSink sets the receiver of progress notifications. Without one, progress is logged.
func WithProgressSink(sink ProgressSink) RouterOption {
	return func(r *Router) {
		r.progress = sink
	}
}

// WithFeatures sets the enabled features. All are enabled by default.
func WithFeatures(features Features) RouterOption {
	return func(r *Router) {
		r.features = features
	}
}

// WithServerLogLevel sets the minimum level of the log messages servers are asked to send.
func WithServerLogLevel(level mcp.LogLevel) RouterOption {
	return func(r *Router) {
		r.logLevel = level
	}
}

// WithRouterLogger sets the logger of the router. Server log messages are written to it too.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With(
			slog.String("package", "host"),
			slog.String("component", "router"),
		)
	}
}

// NewRouter creates a Router. Without a sampler sampling is declined, without an elicitor
// elicitation is declined.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		features: AllFeatures,
		logLevel: mcp.LogLevelInfo,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Features returns the enabled features.
func (r *Router) Features() Features {
	return r.features
}

// LogLevel returns the level servers are asked to log at.
func (r *Router) LogLevel() mcp.LogLevel {
	return r.logLevel
}

// OnSampling serves a sampling request of server.
func (r *Router) OnSampling(ctx context.Context, server string, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	if !r.features.Sampling || r.sampler == nil {
		r.logger.Info("declining sampling request", slog.String("server", server))
		return mcp.SamplingResult{}, mcp.ErrDeclined
	}

	r.logger.Debug("sampling request",
		slog.String("server", server),
		slog.Int("messages", len(params.Messages)),
		slog.String("includeContext", string(params.IncludeContext)))

	res, err := r.sampler.Sample(ctx, server, params)
	if err != nil {
		return mcp.SamplingResult{}, fmt.Errorf("failed to sample for %s: %w", server, err)
	}
	return res, nil
}

// OnElicitation serves an elicitation request of server. A refusal is an ElicitResult with a
// decline or cancel action, not an error.
func (r *Router) OnElicitation(ctx context.Context, server string, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	if !r.features.Elicitation || r.elicitor == nil {
		r.logger.Info("declining elicitation request", slog.String("server", server))
		return mcp.ElicitResult{Action: mcp.ElicitActionDecline}, nil
	}

	r.logger.Debug("elicitation request", slog.String("server", server), slog.String("message", params.Message))

	res, err := r.elicitor.Elicit(ctx, server, params)
	if err != nil {
		return mcp.ElicitResult{}, fmt.Errorf("failed to elicit for %s: %w", server, err)
	}
	return res, nil
}

// OnProgress forwards a progress notification of server.
func (r *Router) OnProgress(server string, params mcp.ProgressParams) {
	if !r.features.Progress {
		return
	}
	if r.progress == nil {
		r.logger.Info(FormatProgress(string(params.ProgressToken), params), slog.String("server", server))
		return
	}
	r.progress.OnProgress(server, params)
}

// OnLog writes a log message of server to the host logger at the matching level.
func (r *Router) OnLog(server string, params mcp.LogParams) {
	if !r.features.Logging {
		return
	}
	attrs := []any{slog.String("server", server)}
	if params.Logger != "" {
		attrs = append(attrs, slog.String("logger", params.Logger))
	}
	attrs = append(attrs, slog.String("data", string(params.Data)))
	r.logger.Log(context.Background(), slogLevel(params.Level), "server log", attrs...)
}

// ClientOptions returns the options that bind a session with server to the router.
// onToolsChanged is called when the server reports a change of its tool list; it is called from
// the session's read loop and must not block.
func (r *Router) ClientOptions(server string, onToolsChanged func()) []mcp.ClientOption {
	h := sessionHandlers{router: r, server: server, onToolsChanged: onToolsChanged}

	options := []mcp.ClientOption{mcp.WithToolListWatcher(h)}
	if r.features.Sampling {
		options = append(options, mcp.WithSamplingHandler(h))
	}
	if r.features.Elicitation {
		options = append(options, mcp.WithElicitationHandler(h))
	}
	if r.features.Progress {
		options = append(options, mcp.WithProgressListener(h))
	}
	if r.features.Logging {
		options = append(options, mcp.WithLogReceiver(h))
	}
	return options
}

// FormatProgress renders a progress notification of call for display.
func FormatProgress(call string, params mcp.ProgressParams) string {
	var sb strings.Builder
	sb.WriteString("Progress of ")
	sb.WriteString(call)
	sb.WriteString(": ")
	sb.WriteString(strconv.FormatFloat(params.Progress, 'f', -1, 64))
	if params.Total > 0 {
		sb.WriteString("/")
		sb.WriteString(strconv.FormatFloat(params.Total, 'f', -1, 64))
	}
	sb.WriteString(".")
	if params.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(strings.TrimSuffix(params.Message, "."))
		sb.WriteString(".")
	}
	return sb.String()
}

func slogLevel(level mcp.LogLevel) slog.Level {
	switch {
	case level <= mcp.LogLevelDebug:
		return slog.LevelDebug
	case level <= mcp.LogLevelNotice:
		return slog.LevelInfo
	case level == mcp.LogLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (h sessionHandlers) CreateSampleMessage(ctx context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	return h.router.OnSampling(ctx, h.server, params)
}

func (h sessionHandlers) Elicit(ctx context.Context, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	return h.router.OnElicitation(ctx, h.server, params)
}

func (h sessionHandlers) OnProgress(params mcp.ProgressParams) {
	h.router.OnProgress(h.server, params)
}

func (h sessionHandlers) OnLog(params mcp.LogParams) {
	h.router.OnLog(h.server, params)
}

func (h sessionHandlers) OnToolListChanged() {
	if h.onToolsChanged != nil {
		h.onToolsChanged()
	}
}

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context, server string, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	return f(ctx, server, params)
}

// Elicit calls f.
func (f ElicitorFunc) Elicit(ctx context.Context, server string, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	return f(ctx, server, params)
}

// OnProgress calls f.
func (f ProgressSinkFunc) OnProgress(server string, params mcp.ProgressParams) {
	f(server, params)
}

// Elicit declines.
func (DeclineElicitor) Elicit(context.Context, string, mcp.ElicitParams) (mcp.ElicitResult, error) {
	return mcp.ElicitResult{Action: mcp.ElicitActionDecline}, nil
}
