package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/aicore-proxy/internal/apikey"
	"github.com/nulpointcorp/aicore-proxy/internal/auth"
	"github.com/nulpointcorp/aicore-proxy/internal/logger"
	"github.com/nulpointcorp/aicore-proxy/internal/metrics"
	"github.com/nulpointcorp/aicore-proxy/internal/pool"
	"github.com/nulpointcorp/aicore-proxy/internal/proxy"
	"github.com/nulpointcorp/aicore-proxy/internal/ratelimit"
	"github.com/nulpointcorp/aicore-proxy/internal/registry"
	"github.com/nulpointcorp/aicore-proxy/internal/respcheck"
	"github.com/nulpointcorp/aicore-proxy/internal/validate"
)

// initInfra loads the local API key and establishes optional external
// connections. Redis is only required when the per-client limiter is on.
func (a *App) initInfra(ctx context.Context) error {
	a.keys = apikey.New(a.cfg.APIKeyFile)
	if err := a.keys.Init(); err != nil {
		return err
	}
	a.log.Info("api key ready",
		slog.String("file", a.cfg.APIKeyFile),
		slog.String("key", a.keys.Masked()),
	)

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initUpstream builds the credential broker and the deployment registry.
// No upstream call happens here — the first token fetch is lazy, so the proxy
// starts even while the platform is briefly unreachable.
func (a *App) initUpstream(_ context.Context) error {
	a.broker = auth.New(
		a.cfg.Upstream.ClientID,
		a.cfg.Upstream.ClientSecret,
		a.cfg.Upstream.TokenURL(),
	)

	a.reg = registry.New(
		a.cfg.Upstream.BaseURL,
		a.cfg.Upstream.ResourceGroup,
		a.broker,
		registry.WithTTL(a.cfg.Registry.CacheTTL),
	)

	a.log.Info("upstream configured",
		slog.String("base_url", a.cfg.Upstream.BaseURL),
		slog.String("resource_group", a.cfg.Upstream.ResourceGroup),
	)

	return nil
}

// initServices creates the ledger, pool, validation gate, refusal list,
// metrics registry and the async request logger.
func (a *App) initServices(_ context.Context) error {
	a.ledger = ratelimit.NewLedger(ratelimit.LedgerConfig{
		MaxRetries:      a.cfg.RateLimit.MaxRetries,
		BaseDelay:       a.cfg.RateLimit.BaseDelay,
		MaxDelay:        a.cfg.RateLimit.MaxDelay,
		ExponentialBase: a.cfg.RateLimit.ExponentialBase,
		JitterFactor:    a.cfg.RateLimit.JitterFactor,
	})

	a.pool = pool.New(a.baseCtx,
		pool.WithIdleTimeout(a.cfg.Pool.IdleTimeout),
		pool.WithSweepInterval(a.cfg.Pool.SweepInterval),
	)

	a.gate = validate.New(validate.Limits{
		MaxMessages:      a.cfg.Limits.MaxMessages,
		MaxContentLength: a.cfg.Limits.MaxContentLength,
	})

	// Refusal detection: built-in phrase list, extended from config.
	if len(a.cfg.VisionRefusalPhrases) > 0 || len(a.cfg.VisionRefusalPatterns) > 0 {
		rl, err := respcheck.NewRefusalList(a.cfg.VisionRefusalPhrases, a.cfg.VisionRefusalPatterns)
		if err != nil {
			return err
		}
		a.refusals = rl
		a.log.Info("refusal list loaded", slog.Int("rules", rl.Len()))
	} else {
		a.refusals = respcheck.DefaultRefusalList()
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger
	a.prom.RegisterDroppedLogs(reqLogger.DroppedLogs)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.baseCtx, proxy.GatewayOptions{
		Logger:              a.log,
		Keys:                a.keys,
		Tokens:              a.broker,
		Registry:            a.reg,
		Ledger:              a.ledger,
		Pool:                a.pool,
		Gate:                a.gate,
		Refusals:            a.refusals,
		ResourceGroup:       a.cfg.Upstream.ResourceGroup,
		APIVersion:          a.cfg.Upstream.APIVersion,
		VisionFallbackModel: a.cfg.VisionFallbackModel,
		MaxBodyBytes:        a.cfg.Limits.MaxRequestSize,
		StreamChunkSize:     a.cfg.Stream.ChunkSize,
		StreamChunkDelay:    a.cfg.Stream.ChunkDelay,
		CORSOrigins:         a.cfg.CORSOrigins,
		Metrics:             a.prom,
	})

	// Per-client rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
