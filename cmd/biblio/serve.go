package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
	"github.com/gafsiahmed/biblio-managment-system/internal/grpcapi"
	"github.com/gafsiahmed/biblio-managment-system/internal/httpapi"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
	"github.com/gafsiahmed/biblio-managment-system/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	*rootOptions
	httpAddr    string
	grpcAddr    string
	noScheduler bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs with the sweep scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("http-addr") {
				opts.cfg.HTTPAddr = opts.httpAddr
			}
			if cmd.Flags().Changed("grpc-addr") {
				opts.cfg.GRPCAddr = opts.grpcAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "HTTP listen address (overrides BIBLIO_HTTP_ADDR)")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", "", "gRPC listen address (overrides BIBLIO_GRPC_ADDR)")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "do not run the periodic sweeps in this process")
	return cmd
}

func serve(ctx context.Context, opts *serveOptions) error {
	cfg, logger := opts.cfg, opts.logger
	obs.Init()
	obs.InitBuildInfo(version, commit)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Development() && cfg.PGDSN == "" {
		if err := seedDemoCatalog(ctx, a.svc); err != nil {
			return err
		}
	}

	secret := cfg.JWTSecret
	if secret == "" && cfg.Development() {
		secret = "dev-only-secret"
		logger.Warn("BIBLIO_JWT_SECRET not set, using a development secret")
	}
	signer, err := auth.NewSigner(secret)
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if !opts.noScheduler {
		sched, err = scheduler.New(scheduler.LendingJobs(a.svc, cfg.Schedule), scheduler.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	httpOpts := []httpapi.Option{
		httpapi.WithSigner(signer),
		httpapi.WithHub(a.hub),
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateBurst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithLogger(logger),
	}
	if a.pinger != nil {
		httpOpts = append(httpOpts, httpapi.WithReadyCheck(httpapi.ReadyCheck{Store: a.pinger}))
	}
	if sched != nil {
		httpOpts = append(httpOpts, httpapi.WithJobs(sched))
	}
	if cfg.Development() {
		httpOpts = append(httpOpts, httpapi.WithDevTokens(cfg.TokenTTL))
	}
	api := httpapi.New(a.svc, httpOpts...)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Notification streams never finish on their own; end them when
	// shutdown starts so Shutdown does not wait out its deadline.
	streams, endStreams := context.WithCancel(context.Background())
	defer endStreams()
	httpSrv.BaseContext = func(net.Listener) context.Context { return streams }
	httpSrv.RegisterOnShutdown(endStreams)

	rpc := grpcapi.NewServer(a.svc, signer, grpcapi.WithLogger(logger))
	grpcSrv := rpc.GRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		return grpcSrv.Serve(lis)
	})
	if sched != nil {
		sched.Start()
		logger.Info("scheduler started", zap.Strings("jobs", sched.Names()))
	}
	obs.SetReady(true)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		obs.SetReady(false)
		rpc.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if sched != nil {
			errs = append(errs, sched.Stop(shutdownCtx))
		}
		errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

// seedDemoCatalog fills an empty in-memory store with the catalog the SQL seeds load.
func seedDemoCatalog(ctx context.Context, svc *lending.Service) error {
	for _, r := range []lending.Resource{
		{
			ID: "res-dune", LibraryID: "main", Title: "Dune", Author: "Frank Herbert", Category: "fiction",
			Kind:        lending.KindBook,
			Book:        &lending.BookDetails{Edition: "1st", ISBN13: "9780441013593"},
			TotalCopies: 2, AvailableCopies: 2,
		},
		{
			ID: "res-sicp", LibraryID: "main", Title: "Structure and Interpretation of Computer Programs",
			Author: "Abelson; Sussman", Category: "computing",
			Kind:        lending.KindBook,
			Book:        &lending.BookDetails{Edition: "2nd", ISBN10: "0262510871"},
			TotalCopies: 1, AvailableCopies: 1,
		},
		{
			ID: "res-gopl", LibraryID: "main", Title: "The Go Programming Language",
			Author: "Donovan; Kernighan", Category: "computing",
			Kind:        lending.KindDigital,
			Digital:     &lending.DigitalDetails{FileFormat: "epub", FileSize: 5242880, StreamingAvailable: true},
			TotalCopies: 3, AvailableCopies: 3,
		},
	} {
		if _, err := svc.PutResource(ctx, r); err != nil {
			return fmt.Errorf("seed %s: %w", r.ID, err)
		}
	}
	return nil
}
