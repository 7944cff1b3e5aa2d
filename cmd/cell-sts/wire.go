package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/cell-sts/internal/httpx"
	"github.com/StricklySoft/cell-sts/pkg/audit"
	"github.com/StricklySoft/cell-sts/pkg/clients/postgres"
	"github.com/StricklySoft/cell-sts/pkg/clients/redis"
	"github.com/StricklySoft/cell-sts/pkg/contextstore"
	"github.com/StricklySoft/cell-sts/pkg/extauthz"
	"github.com/StricklySoft/cell-sts/pkg/jwks"
	"github.com/StricklySoft/cell-sts/pkg/keys"
	"github.com/StricklySoft/cell-sts/pkg/lifecycle"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
	"github.com/StricklySoft/cell-sts/pkg/policy"
	"github.com/StricklySoft/cell-sts/pkg/server"
	"github.com/StricklySoft/cell-sts/pkg/sts"
	"github.com/StricklySoft/cell-sts/pkg/token"
)

// processHealth lets the admin router report on a process that is built
// after the router.
type processHealth struct {
	proc *lifecycle.Process
}

func (h *processHealth) Info(ctx context.Context) lifecycle.Info {
	if h.proc == nil {
		return lifecycle.Info{Name: "cell-sts", Version: version, State: lifecycle.StateUnknown}
	}
	return h.proc.Info(ctx)
}

// tokenEndpoint returns the POST /token handler, or nil when no
// credentials are configured so that the route is not mounted.
func tokenEndpoint(cfg *sts.CellConfig, minter token.Minter, logger *slog.Logger) http.Handler {
	if cfg.Token.Username == "" {
		return nil
	}
	return token.NewEndpointHandler(minter, cfg.Token.Username, cfg.Token.Password.Value(), logger)
}

// build wires every component of the process. Connections to redis and
// postgres are opened here so that a bad DSN fails startup before any
// listener binds.
func build(ctx context.Context, cfg *sts.CellConfig, logger *slog.Logger) (*lifecycle.Process, error) {
	identity := cfg.Identity()

	material, err := keys.Resolve(cfg.CellName, cfg.KeyFile, cfg.CertFile)
	if err != nil {
		return nil, err
	}
	provider := keys.NewStaticProvider(material)
	logger.Info("cell-sts: signing key ready", "kid", material.Thumbprint(), "issuer", identity.IssuerName())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	fetch := httpx.NewHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)

	keySource := jwks.NewRemoteKeySource(httpx.New(fetch), jwks.WithLogger(logger), jwks.WithMetrics(m))
	validator := token.NewValidator(cfg.CellName, keySource, token.Locator{
		Template:     cfg.JWKSURLTemplate,
		GlobalIssuer: cfg.GlobalIssuer,
		GlobalURL:    cfg.GlobalJWKSURL,
	}, token.WithValidatorLogger(logger))

	issuer := token.NewIssuer(provider,
		token.WithTTL(cfg.TokenTTL),
		token.WithDefaultIssuer(cfg.GlobalIssuer),
		token.WithDefaultAudience(cfg.DefaultAudience),
	)
	local := &token.LocalMinter{Issuer: issuer, IssuerName: identity.IssuerName()}
	var (
		minter     token.Minter = local
		minterName              = "local"
	)
	if cfg.Token.Endpoint != "" {
		minter = token.NewRemoteMinter(cfg.Token.Endpoint, cfg.Token.Username, cfg.Token.Password.Value(),
			httpx.New(fetch, httpx.WithTimeout(cfg.Token.Timeout)))
		minterName = "remote"
	}

	var components []lifecycle.Component

	var redisClient *redis.Client
	if cfg.Context.Backend == contextstore.BackendRedis {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		components = append(components, lifecycle.Component{
			Name:   "context-store",
			Stop:   func(context.Context) error { return redisClient.Close() },
			Health: redisClient.Health,
		})
	}
	store, err := contextstore.Open(cfg.Context, redisClient, m)
	if err != nil {
		return nil, err
	}

	recorders := []audit.Recorder{&audit.LogRecorder{Logger: logger, Verbose: cfg.VerboseAudit}}
	var auditStore server.AuditQuerier
	if cfg.Audit.Enabled() {
		pg, err := postgres.NewClient(ctx, cfg.Audit)
		if err != nil {
			return nil, err
		}
		rec := audit.NewPostgresRecorder(pg, audit.DefaultQueueSize, logger)
		if err := rec.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		recorders = append(recorders, rec)
		auditStore = rec
		components = append(components, lifecycle.Component{
			Name: "audit",
			Start: func(context.Context) error {
				rec.Start()
				return nil
			},
			Stop: func(ctx context.Context) error {
				defer pg.Close()
				return rec.Close(ctx)
			},
			Health: pg.Health,
		})
	}

	opts := []sts.Option{
		sts.WithGlobalIssuer(cfg.GlobalIssuer),
		sts.WithMinterName(minterName),
		sts.WithRequestValidator(sts.NewPathAllowList(cfg.UnsecuredPaths...)),
		sts.WithAudit(audit.Multi(recorders...)),
		sts.WithMetrics(m),
		sts.WithLogger(logger),
	}
	if cfg.Policy.Endpoint != "" {
		opts = append(opts, sts.WithAuthorizer(policy.NewClient(cfg.Policy.Endpoint,
			httpx.New(fetch, httpx.WithTimeout(cfg.Policy.Timeout)),
			policy.WithLogger(logger),
			policy.WithMetrics(m),
		)))
	}
	engine := sts.NewEngine(identity, validator, store, minter, opts...)

	jwksServer := server.NewHTTPServer("jwks", cfg.Listen.JWKS,
		server.NewJWKSHandler(jwks.NewPublisher(provider, logger), logger), logger)

	procHealth := &processHealth{}
	adminServer := server.NewHTTPServer("admin", cfg.Listen.Admin, server.NewAdminHandler(server.AdminOptions{
		Health:         procHealth,
		Gatherer:       reg,
		Token:          tokenEndpoint(cfg, local, logger),
		Audit:          auditStore,
		AuditValidator: validator,
		AuditIssuer:    cfg.GlobalIssuer,
		Logger:         logger,
	}), logger)

	components = append(components,
		jwksServer.Component(),
		adminServer.Component(),
		checkListener("inbound", cfg.Listen.Inbound, engine, sts.DirectionInbound, logger),
		checkListener("outbound", cfg.Listen.Outbound, engine, sts.DirectionOutbound, logger),
	)

	b := lifecycle.NewBuilder("cell-sts", version).
		WithLogger(logger).
		OnStateChange(func(old, new lifecycle.State) {
			logger.Info("cell-sts: state changed", "from", old.String(), "to", new.String())
		})
	for _, c := range components {
		b.WithComponent(c)
	}
	proc, err := b.Build()
	if err != nil {
		return nil, err
	}
	procHealth.proc = proc
	return proc, nil
}

// checkListener builds one ext_authz gRPC listener. Its health service
// reports NOT_SERVING as soon as shutdown begins.
func checkListener(name, addr string, engine *sts.Engine, dir sts.Direction, logger *slog.Logger) lifecycle.Component {
	g := grpc.NewServer(grpc.ChainUnaryInterceptor(extauthz.UnaryServerInterceptor(logger)))
	extauthz.NewServer(engine, dir, logger).Register(g)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)

	srv := server.NewGRPCServer(name, addr, g, logger)
	c := srv.Component()
	c.Stop = func(ctx context.Context) error {
		hs.Shutdown()
		return srv.Stop(ctx)
	}
	return c
}
