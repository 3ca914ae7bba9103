// Command loxone-mcp is the process entrypoint: it loads configuration,
// constructs the engine, registers its tools and resources with an MCP
// server, and serves until signaled. The MCP framing layer itself is an
// external collaborator (SPEC_FULL.md §1) — this file is the only place in
// the repo that imports it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/intruder1912/mcp-loxone-sub001/internal/config"
	"github.com/intruder1912/mcp-loxone-sub001/internal/engine"
	"github.com/intruder1912/mcp-loxone-sub001/internal/toolsurface"
	"github.com/intruder1912/mcp-loxone-sub001/internal/util"
)

const serverVersion = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a config file (optional; env LOXONE_* always wins)")
	flag.Parse()

	logger := engine.NewLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	eng, err := engine.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("constructing engine")
	}

	server := buildMCPServer(eng)

	switch cfg.MCPTransport {
	case "http":
		runHTTP(ctx, logger, cfg.MCPAddr, server, eng)
	default:
		runStdio(ctx, logger, server)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown did not complete cleanly")
	}
}

// buildMCPServer registers every tool the tool surface exposes and a single
// resource template covering the loxone:// URI grammar, each routed through
// Engine.InvokeTool/ReadResource so rate-limiting and auditing always run.
func buildMCPServer(eng *engine.Engine) *mcp.Server {
	impl := &mcp.Implementation{
		Name:    "loxone-mcp",
		Title:   "Loxone Miniserver Bridge",
		Version: serverVersion,
	}
	server := mcp.NewServer(impl, &mcp.ServerOptions{HasTools: true, HasResources: true})

	for _, desc := range eng.Surface().Registry.Describe() {
		registerTool(server, eng, desc)
	}

	mcp.AddResourceTemplate(server, &mcp.ResourceTemplate{
		URITemplate: "loxone://{+path}",
		Name:        "loxone-resource",
		Description: "Loxone room, device, sensor, audio, and system status resources",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		identity := identityFromContext(ctx)
		envelope, err := eng.ReadResource(ctx, identity, req.Params.URI)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)}},
		}, nil
	})

	return server
}

// registerTool wires one toolsurface.Registry entry into the MCP server.
// Arguments pass through as raw JSON: the registry already owns per-tool
// JSON Schema and semantic validation (SPEC_FULL.md §4.7), so this adapter
// does not duplicate it with a second, hand-maintained set of Go structs.
func registerTool(server *mcp.Server, eng *engine.Engine, desc toolsurface.ToolDescription) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        desc.Name,
		Description: desc.Summary,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args json.RawMessage) (*mcp.CallToolResult, any, error) {
		identity := identityFromContext(ctx)
		result, err := eng.InvokeTool(ctx, identity, desc.Name, args)
		if err != nil {
			return nil, nil, err
		}
		return nil, result, nil
	})
}

func runStdio(ctx context.Context, logger zerolog.Logger, server *mcp.Server) {
	logger.Info().Msg("serving MCP over stdio")
	transport := &mcp.StdioTransport{}
	if err := server.Run(ctx, transport); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("mcp stdio server exited")
	}
}

func runHTTP(ctx context.Context, logger zerolog.Logger, addr string, server *mcp.Server, eng *engine.Engine) {
	logger.Info().Str("addr", addr).Msg("serving MCP over streamable HTTP")
	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	mux := http.NewServeMux()
	mux.Handle("/mcp", withIdentity(handler))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		util.JSONResponse(w, http.StatusOK, eng.Health())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Str("addr", addr).Msg("mcp http server exited")
	}
}

type identityContextKey struct{}

// withIdentity tags each inbound HTTP request with a caller identity the
// rate limiter and audit log can key on, since MCP session handling is an
// external collaborator's concern (SPEC_FULL.md §1) this repo does not own.
func withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get("X-Loxone-Identity")
		if identity == "" {
			identity = r.RemoteAddr
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityContextKey{}).(string); ok && v != "" {
		return v
	}
	return "stdio"
}
