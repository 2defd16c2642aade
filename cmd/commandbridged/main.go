package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rxd90/CommandBridge/internal/platform/auth"
	"github.com/rxd90/CommandBridge/internal/platform/catalog"
	"github.com/rxd90/CommandBridge/internal/platform/clock"
	"github.com/rxd90/CommandBridge/internal/platform/config"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/executor/awsops"
	"github.com/rxd90/CommandBridge/internal/platform/rbac"
	"github.com/rxd90/CommandBridge/internal/platform/server"
	"github.com/rxd90/CommandBridge/internal/platform/workflow"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("commandbridged: load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("commandbridged: exiting", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", "commandbridge"))
}

func buildVerifier(cfg config.Config) (*auth.JWTVerifier, error) {
	ks, err := cfg.JWTKeyset()
	if err != nil {
		return nil, err
	}
	return auth.NewJWTVerifierWithKeyset(ks), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	metrics := server.NewMetrics(prometheus.DefaultRegisterer)

	st, err := openStores(ctx, cfg, clk, cat, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if st.watcher != nil {
		st.watcher.OnReload = metrics.ObserveUsersReload
		go func() {
			if err := st.watcher.Run(ctx); err != nil {
				logger.Error("registry: users watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	awsCfg, err := awsops.LoadAWSConfig(ctx, awsops.AWSOptions{
		Region:       cfg.AWSRegion,
		Endpoint:     cfg.AWSEndpoint,
		StaticKeyID:  cfg.AWSStaticKeyID,
		StaticSecret: cfg.AWSStaticSecret,
	})
	if err != nil {
		return err
	}
	clients := awsops.NewClients(awsCfg)
	set := &awsops.Set{
		Clients:      clients,
		Audit:        st.audit,
		Users:        st.users,
		Clock:        clk,
		UserPoolID:   cfg.CognitoPoolID,
		ExportBucket: cfg.ExportBucket,
	}
	dispatcher, err := executor.NewRegistry(cat, set.Executors(), cfg.ExecutorTimeout)
	if err != nil {
		logger.Error("executor: registry does not match catalog", slog.String("error", err.Error()))
		return err
	}

	engineCfg := workflow.Config{
		Resolver:      rbac.NewResolver(cat),
		Users:         st.users,
		Audit:         st.audit,
		Dispatcher:    dispatcher,
		Observer:      metrics,
		Logger:        logger,
		TicketPattern: cfg.TicketPattern,
	}
	if cfg.CognitoPoolID != "" {
		identity, err := awsops.NewCognitoIdentity(clients.Cognito, cfg.CognitoPoolID)
		if err != nil {
			return err
		}
		engineCfg.Identity = identity
	} else {
		logger.Warn("workflow: no cognito user pool configured, admin changes stay registry-only")
	}
	engine, err := workflow.NewEngine(engineCfg)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return fmt.Errorf("configure jwt: %w", err)
	}
	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	grpcOpts := []grpc.ServerOption{
		grpc.UnaryInterceptor(auth.UnaryJWTInterceptor(verifier, []string{
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/List",
		})),
		grpc.StreamInterceptor(auth.StreamJWTInterceptor(verifier, []string{
			"/grpc.health.v1.Health/Watch",
		})),
	}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	hs := health.NewServer()
	healthv1.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)
	probe := &server.ReadinessProbe{Health: hs, Store: st.audit, Metrics: metrics, Logger: logger}
	go probe.Run(ctx)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	gwMux := runtime.NewServeMux()
	if err := server.NewAPI(engine, logger).Register(gwMux); err != nil {
		return err
	}
	guard, err := server.NewNetworkGuard(clk, cfg.TrustedCIDRs, nil)
	if err != nil {
		return fmt.Errorf("configure network guard: %w", err)
	}
	guard.Logger = logger
	guard.Metrics = metrics
	guard.TrustForwardedFor = cfg.TrustForwardedFor

	mux := http.NewServeMux()
	server.SystemHandler{
		Store:     st.audit,
		Gatherer:  prometheus.DefaultGatherer,
		Clock:     clk,
		StartedAt: startedAt,
		Version:   cfg.Version,
	}.Register(mux)
	mux.Handle("/", guard.Wrap(auth.HTTPJWTMiddleware(verifier, gwMux)))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr), slog.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	logger.Info("commandbridged stopped")
	return serveErr
}
