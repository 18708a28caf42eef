package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	dryRunOpts []sandbox.DryRunOption
	mcpServer  *server.MCPServer
}

// Option defines a functional option for MCPServer
type Option func(*MCPServer)

// WithDryRunOptions configures the dry-run provider used for plans
func WithDryRunOptions(opts ...sandbox.DryRunOption) Option {
	return func(s *MCPServer) {
		s.dryRunOpts = opts
	}
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("isolation.backend", cfg.Isolation.Backend),
		zap.String("isolation.root_base", cfg.Isolation.RootBase),
		zap.String("isolation.user_prefix", cfg.Isolation.UserPrefix),
		zap.Strings("isolation.system_mounts", cfg.Isolation.SystemMounts),
		zap.Bool("isolation.strict_network", cfg.Isolation.StrictNetwork),
	)

	s.mcpServer = server.NewMCPServer("isolate", "Process isolation policy inspection")

	s.registerDescribeCapabilitiesTool()
	s.registerPlanIsolationTool()

	return s, nil
}

func (s *MCPServer) registerDescribeCapabilitiesTool() {
	tool := mcp.Tool{
		Name:        "describe_capabilities",
		Description: "Load a capability file and return the effective policy with any per-entry diagnostics",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path of the capability file (.caps line grammar, or .yaml)",
				},
			},
			Required: []string{"path"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleDescribeCapabilities)
}

func (s *MCPServer) registerPlanIsolationTool() {
	tool := mcp.Tool{
		Name:        "plan_isolation",
		Description: "Show the host changes isolating a binary would make, without making them",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"binary": map[string]any{
					"type":        "string",
					"description": "Absolute path of the program to isolate",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Capability file; the default policy is used when omitted",
				},
			},
			Required: []string{"binary"},
		},
	}

	s.mcpServer.AddTool(tool, s.handlePlanIsolation)
}

func (s *MCPServer) handleDescribeCapabilities(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return nil, fmt.Errorf("path parameter is required: %w", err)
	}
	s.logger.Info("capability description requested", zap.String("path", path))

	spec, diags, err := capability.Load(path)
	if err != nil {
		return errorResult(err), nil
	}
	policy, err := spec.YAML()
	if err != nil {
		return nil, fmt.Errorf("failed to render policy: %w", err)
	}

	out, err := yaml.Marshal(struct {
		Summary     string   `yaml:"summary"`
		Policy      string   `yaml:"policy"`
		Diagnostics []string `yaml:"diagnostics,omitempty"`
	}{
		Summary:     spec.Summary(),
		Policy:      string(policy),
		Diagnostics: diags.Strings(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return textResult(string(out)), nil
}

// isolationPlan is the plan_isolation result.
type isolationPlan struct {
	Setup       []string `yaml:"setup"`
	Warnings    []string `yaml:"warnings,omitempty"`
	Diagnostics []string `yaml:"diagnostics,omitempty"`
	Error       string   `yaml:"error,omitempty"`
	Teardown    []string `yaml:"teardown"`
}

func (s *MCPServer) handlePlanIsolation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	binary, err := request.RequireString("binary")
	if err != nil {
		return nil, fmt.Errorf("binary parameter is required: %w", err)
	}

	var result isolationPlan
	spec := capability.Default()
	if path := request.GetString("path", ""); path != "" {
		loaded, diags, err := capability.Load(path)
		if err != nil {
			return errorResult(err), nil
		}
		spec = loaded
		result.Diagnostics = diags.Strings()
	}

	s.logger.Info("isolation plan requested", zap.String("binary", binary), zap.String("policy", spec.Summary()))

	provider := sandbox.NewDryRunProvider(s.logger, s.config, s.dryRunOpts...)
	controller := sandbox.NewController(s.logger, provider, sandbox.WithName(sandbox.SandboxName(s.config)))

	ictx, err := controller.Create(ctx, spec, binary)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Warnings = ictx.Warnings
	}
	result.Setup = provider.Plan().Steps()

	if err := controller.Cleanup(); err != nil {
		s.logger.Warn("dry-run teardown failed", zap.Error(err))
	}
	result.Teardown = provider.Plan().Steps()[len(result.Setup):]

	out, err := yaml.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(out)},
		},
		IsError: result.Error != "",
	}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: err.Error()},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
