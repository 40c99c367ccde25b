// Package mcp exposes the executive function engine as a Model Context
// Protocol server, so that MCP clients such as desktop assistants and IDE
// agents can read and edit the same tasks and reminders kiro captures by
// voice.
//
// The server speaks the streamable HTTP transport and is mounted on the
// daemon's HTTP mux under [Path]:
//
//	srv := mcp.NewServer(engine, mcp.WithVersion(version))
//	srv.Register(mux)
//
// Every tool answers with a short sentence suitable for reading aloud as
// its text content; list tools additionally return structured content.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/kiro/internal/efe"
	"github.com/MrWong99/kiro/internal/observe"
)

// Path is where [Server.Register] mounts the streamable HTTP endpoint.
const Path = "/mcp"

// Option configures a [Server].
type Option func(*Server)

// WithVersion sets the implementation version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStateless serves every HTTP request without session tracking.
func WithStateless(stateless bool) Option {
	return func(s *Server) { s.stateless = stateless }
}

// Server is an MCP server backed by an [efe.Engine].
type Server struct {
	engine    *efe.Engine
	mcp       *mcpsdk.Server
	metrics   *observe.Metrics
	version   string
	stateless bool
	tools     []string
}

// NewServer builds a server with every EFE tool registered.
func NewServer(engine *efe.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, version: "dev"}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "kiro", Version: s.version}, nil)
	s.registerTools()
	return s
}

// MCP returns the underlying SDK server, e.g. to connect it to a custom
// transport.
func (s *Server) MCP() *mcpsdk.Server { return s.mcp }

// Tools returns the names of the registered tools in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// Handler returns the streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return s.mcp },
		&mcpsdk.StreamableHTTPOptions{Stateless: s.stateless},
	)
}

// Register mounts [Server.Handler] on mux at [Path].
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(Path, s.Handler())
	slog.Info("mcp: server registered", "path", Path, "tools", len(s.tools))
}

// addTool registers h under t with call metrics.
func addTool[In, Out any](s *Server, t *mcpsdk.Tool, h mcpsdk.ToolHandlerFor[In, Out]) {
	name := t.Name
	mcpsdk.AddTool(s.mcp, t, func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		ctx, span := observe.StartSpan(ctx, observe.MCPToolSpan(name))
		defer span.End()
		start := time.Now()

		res, out, err := h(ctx, req, in)

		status := "ok"
		switch {
		case err != nil:
			status = "error"
			observe.Fail(span, err)
			observe.Logger(ctx).Warn("mcp: tool failed", "tool", name, "err", err)
		case res != nil && res.IsError:
			status = "rejected"
		}
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
		s.metrics.RecordToolCall(ctx, name, status)
		return res, out, err
	})
	s.tools = append(s.tools, name)
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

// rejected reports a problem with the caller's arguments as a tool result
// rather than a protocol error, so the calling model can correct itself.
func rejected(text string) *mcpsdk.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}
