// Package engine is the root supervisor (SPEC_FULL.md §4/§9/§12): it owns
// construction order, the shared root context, every background goroutine,
// and the aggregated Health()/Shutdown(ctx) surface. No component in this
// repo keeps package-level mutable state; Engine is the one place that does,
// created once at startup and threaded into every constructor, per the base
// codebase's "no ambient state" redesign note this spec carries forward.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intruder1912/mcp-loxone-sub001/internal/auth"
	"github.com/intruder1912/mcp-loxone-sub001/internal/config"
	"github.com/intruder1912/mcp-loxone-sub001/internal/deviceclient"
	"github.com/intruder1912/mcp-loxone-sub001/internal/dispatch"
	"github.com/intruder1912/mcp-loxone-sub001/internal/history"
	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
	"github.com/intruder1912/mcp-loxone-sub001/internal/security"
	"github.com/intruder1912/mcp-loxone-sub001/internal/structure"
	"github.com/intruder1912/mcp-loxone-sub001/internal/toolsurface"
	"github.com/intruder1912/mcp-loxone-sub001/internal/transport"
	"github.com/intruder1912/mcp-loxone-sub001/internal/util"
)

// clientInfo identifies this engine to the Miniserver's getjwt handshake
// (SPEC_FULL.md §4.1 step 6).
const clientInfo = "mcp-loxone-sub001"

// Engine is the root handle: one per process, owning every collaborator and
// background goroutine. See SPEC_FULL.md §9 "Global mutable singletons".
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	authEngine *auth.Engine
	client     *deviceclient.Client
	structure  *structure.Loader
	dispatcher *dispatch.Dispatcher
	history    *history.Store
	transport  *transport.Transport
	limiter    *security.Limiter
	audit      *security.AuditLog
	surface    *toolsurface.Surface
	metrics    *Metrics

	mu                  sync.RWMutex
	lastStructureReload time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New runs the fixed construction order from SPEC_FULL.md §12: config (given
// by the caller) → credential resolution → C1 (no network yet) → C3 initial
// structure load (blocking, retried) → C4 connect → C2/C7/C8/C9 wiring. A
// structure-load failure at startup is fatal, not backgrounded, since
// nothing downstream has a snapshot to serve.
func New(ctx context.Context, cfg config.Config, credStore model.CredentialStore, logger zerolog.Logger) (*Engine, error) {
	logger = logger.Level(parseLevel(cfg.LogLevel))

	cred, err := resolveCredential(cfg, credStore)
	if err != nil {
		return nil, err
	}

	baseURL := normalizeBaseURL(cfg.Host)
	dcCfg := deviceclient.Config{
		BaseURL:        baseURL,
		PoolSize:       cfg.PoolSize,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     2,
		BreakerConfig:  deviceclient.DefaultBreakerConfig(),
	}
	rawClient := deviceclient.NewRaw(dcCfg)

	authEngine := auth.New(cred, model.AuthMode(cfg.AuthMode), rawClient, uuid.NewString(), clientInfo)
	if err := authEngine.Authenticate(ctx); err != nil {
		return nil, err
	}
	logger.Info().Str("auth_mode", cfg.AuthMode).Msg("authenticated to miniserver")

	client := deviceclient.New(dcCfg, authEngine)

	structureLoader := structure.New(client)
	if err := loadStructureWithRetry(ctx, structureLoader, logger); err != nil {
		return nil, err
	}

	histCfg := history.Config{
		HotCapacity:   cfg.HistoryHotCapacity,
		ColdDir:       cfg.HistoryColdDir,
		RetentionDays: convertRetention(cfg.HistoryRetentionDays),
	}
	historyStore, err := history.Open(histCfg)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(structureLoader, historyStore)
	wsTransport := transport.New(transport.Config{Host: baseURL, GracePeriod: cfg.WSGracePeriod}, authEngine, dispatcher)

	limiter := security.NewLimiter(security.LimiterConfig{
		Capacity:     cfg.RateLimitCapacity,
		RefillPerSec: cfg.RateLimitRefillPerSec,
	})
	auditLog := security.NewAuditLog(historyStore)

	surface := toolsurface.NewSurface(structureLoader, client, historyStore, dispatcher)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		authEngine: authEngine,
		client:     client,
		structure:  structureLoader,
		dispatcher: dispatcher,
		history:    historyStore,
		transport:  wsTransport,
		limiter:    limiter,
		audit:      auditLog,
		surface:    surface,
		metrics:    NewMetrics(),
	}
	e.mu.Lock()
	e.lastStructureReload = time.Now()
	e.mu.Unlock()

	surface.Health(e.Health)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startBackground(runCtx)

	return e, nil
}

// Surface exposes the tool/resource registry for describing available tools
// and resources (e.g. MCP's ListTools/ListResources); calls that read or
// mutate device state should go through InvokeTool/ReadResource instead, so
// the rate-limit and audit steps are never bypassed.
func (e *Engine) Surface() *toolsurface.Surface { return e.surface }

func (e *Engine) startBackground(ctx context.Context) {
	e.wg.Add(3)
	util.SafeGo(func() {
		defer e.wg.Done()
		if err := e.transport.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("websocket transport exited")
		}
	})
	util.SafeGo(func() {
		defer e.wg.Done()
		e.history.RunTiering(ctx)
	})
	util.SafeGo(func() {
		defer e.wg.Done()
		e.runSampler(ctx)
	})

	if e.cfg.MetricsAddr != "" {
		e.wg.Add(1)
		util.SafeGo(func() {
			defer e.wg.Done()
			e.serveMetrics(ctx, e.cfg.MetricsAddr)
		})
	}
}

// InvokeTool runs one MCP tool call through the full SPEC_FULL.md §4.7
// pipeline: rate-limit check, registry dispatch, and audit logging. identity
// is the caller identifier the rate limiter and audit log key on (e.g. an
// MCP session or transport-assigned client id).
func (e *Engine) InvokeTool(ctx context.Context, identity, name string, args json.RawMessage) (any, error) {
	if err := e.limiter.Allow(identity, time.Now(), 1); err != nil {
		e.metrics.RateLimitViolations.Inc()
		var lerr *loxerr.Error
		if errors.As(err, &lerr) {
			e.audit.RecordRateLimitPenalty(identity, lerr.RetryAfter)
		}
		return nil, err
	}

	result, err := e.surface.Registry.Execute(ctx, name, args)
	e.audit.RecordToolInvocation(identity, name, args, err == nil)
	return result, err
}

// ReadResource runs one loxone:// resource read through the tool surface's
// resource router, after a rate-limit check keyed on identity.
func (e *Engine) ReadResource(ctx context.Context, identity, uri string) (toolsurface.ResourceEnvelope, error) {
	if err := e.limiter.Allow(identity, time.Now(), 1); err != nil {
		e.metrics.RateLimitViolations.Inc()
		return toolsurface.ResourceEnvelope{}, err
	}
	return e.surface.Resources.Read(ctx, uri, time.Now())
}

// Health aggregates engine-level readiness per SPEC_FULL.md §12 "Health/
// readiness": websocket connection state, last successful structure reload
// time, circuit breaker state, and subscription counts.
func (e *Engine) Health() map[string]any {
	e.mu.RLock()
	lastReload := e.lastStructureReload
	e.mu.RUnlock()

	active, degraded := 0, 0
	for _, sub := range e.dispatcher.Subscriptions() {
		switch sub.State() {
		case model.SubscriptionDegraded:
			degraded++
		case model.SubscriptionActive:
			active++
		}
	}

	return map[string]any{
		"ws_state":               e.transport.State().String(),
		"last_structure_reload":  lastReload.UTC().Format(time.RFC3339),
		"breaker_state":          e.client.BreakerState().String(),
		"active_subscriptions":   active,
		"degraded_subscriptions": degraded,
	}
}

// Shutdown closes the WebSocket transport, cancels the root context — stopping
// the WebSocket reader, keep-alive ticker, and tiering worker — waits for
// those goroutines to exit, and closes the history store. It does not refuse
// new InvokeTool/ReadResource calls. See SPEC_FULL.md §12 "Graceful shutdown".
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("engine shutting down")
	e.transport.Shutdown()
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.history.Close()
}

func resolveCredential(cfg config.Config, store model.CredentialStore) (model.Credential, error) {
	if cfg.CredentialID != "" {
		if store == nil {
			return model.Credential{}, loxerr.New(loxerr.KindConfigMissing, "credential_id set but no credential store configured").WithField("credential_id")
		}
		cred, err := store.Resolve(cfg.CredentialID)
		if err != nil {
			return model.Credential{}, loxerr.Wrap(loxerr.KindConfigInvalid, "resolving credential_id", err).WithField("credential_id")
		}
		return cred, nil
	}
	return model.Credential{Host: cfg.Host, User: cfg.User, Secret: cfg.Pass}, nil
}

// loadStructureWithRetry blocks until the initial structure document loads
// or ctx is canceled, retrying with capped backoff. A failure here is fatal
// to startup (SPEC_FULL.md §12): nothing downstream has a snapshot to serve.
func loadStructureWithRetry(ctx context.Context, loader *structure.Loader, logger zerolog.Logger) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := loader.Reload(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt).Msg("structure load failed, retrying")
		}
		backoff := time.Duration(attempt) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return loxerr.Wrap(loxerr.KindConfigInvalid, "structure load canceled", ctx.Err()).WithField("host")
		}
	}
	return loxerr.Wrap(loxerr.KindConfigInvalid, "structure load failed after retries", lastErr).WithField("host")
}

func convertRetention(days map[string]int) map[model.EventCategory]int {
	out := make(map[model.EventCategory]int, len(days))
	for k, v := range days {
		out[model.EventCategory(k)] = v
	}
	return out
}

// normalizeBaseURL adds a scheme to a bare host string so the same value can
// be handed to both deviceclient (wants http(s)://) and transport (accepts
// http(s):// and rewrites to ws(s)://), per SPEC_FULL.md §6.3 "host".
func normalizeBaseURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return "https://" + strings.TrimRight(host, "/")
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger builds the single structured logger threaded through Engine and
// every component it constructs, per SPEC_FULL.md §10 "Logging".
func NewLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
