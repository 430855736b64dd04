package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nainya/constellation/internal/metrics"
	"github.com/nainya/constellation/internal/server"
	"github.com/nainya/constellation/pkg/importer"
	"github.com/nainya/constellation/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var (
		pattern     string
		watch       bool
		neo4jGraph  string
		neo4jLimit  int
		port        int
		metricsPort int
		httpPort    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve find queries over gRPC and HTTP",
		Long: `Serve loads every graph matching --graphs (and optionally one graph from
Neo4j), then serves the find service over gRPC and as a JSON gateway under
/api/v1 on the HTTP port, with Prometheus metrics, health and pprof endpoints
on the metrics port. An HTTP port of 0 disables the gateway.`,
		Example: `  constellation serve --graphs 'data/**/*.yaml' --watch
  constellation serve --neo4j-graph crm --port 50051 --metrics-port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("metrics-port") {
				a.cfg.Server.MetricsPort = metricsPort
			}
			if cmd.Flags().Changed("http-port") {
				a.cfg.Server.HTTPPort = httpPort
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if pattern == "" && neo4jGraph == "" {
				return errors.New("one of --graphs or --neo4j-graph is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if watch && pattern == "" {
				return errors.New("--watch needs --graphs")
			}
			return a.serve(ctx, pattern, watch, importer.Neo4jOptions{GraphID: neo4jGraph, Limit: neo4jLimit})
		},
	}

	cmd.Flags().StringVar(&pattern, "graphs", "", "Glob of graph description files; ** matches directories")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload graph files when they change")
	cmd.Flags().StringVar(&neo4jGraph, "neo4j-graph", "", "Import one graph with this id from Neo4j")
	cmd.Flags().IntVar(&neo4jLimit, "neo4j-limit", 0, "Maximum nodes and relationships to import from Neo4j")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "gRPC port (overrides config)")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Metrics/health HTTP port (overrides config)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "JSON gateway port, 0 disables it (overrides config)")
	return cmd
}

func (a *app) serve(ctx context.Context, pattern string, watch bool, neo4jOpts importer.Neo4jOptions) error {
	cfg := a.cfg
	a.log.LogServerStart(cfg.Server.Port, cfg.Store.Path)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	graphs := server.NewRegistry()
	if pattern != "" {
		if err := graphs.LoadFiles(pattern, a.log); err != nil {
			return err
		}
	}
	if neo4jOpts.GraphID != "" {
		g, report, err := a.importNeo4j(ctx, neo4jOpts)
		if err != nil {
			return err
		}
		graphs.Add(g)
		a.log.Info("Graph imported from Neo4j").
			Str("graph", g.ID()).
			Int("vertices", report.Vertices).
			Int("transactions", report.Transactions).
			Int("skipped_values", report.SkippedValues).
			Send()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	srv := server.NewServer(db, graphs, server.Options{
		Find:    cfg.Find,
		Metrics: m,
		Logger:  a.log,
	})
	grpcServer, health := server.NewGRPCServer(srv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var watcher *server.Watcher
	if watch {
		if watcher, err = server.NewWatcher(graphs, pattern, server.DefaultDebounce, a.log); err != nil {
			lis.Close()
			return fmt.Errorf("failed to watch graphs: %w", err)
		}
	}

	var gateway *http.Server
	if cfg.Server.HTTPPort != 0 {
		gin.SetMode(gin.ReleaseMode)
		gateway = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler:           server.NewHTTPHandler(srv),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	var ready atomic.Bool
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, reg, ready.Load, a.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Serve(lis)
	})
	g.Go(obs.Start)
	if gateway != nil {
		g.Go(func() error {
			a.log.Info("HTTP gateway listening").Int("port", cfg.Server.HTTPPort).Send()
			if err := gateway.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		m.RunUptime(ctx, 15*time.Second)
		return nil
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		a.log.LogServerShutdown()
		ready.Store(false)
		health.Shutdown()
		stopGracefully(grpcServer, shutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if gateway != nil {
			if err := gateway.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("HTTP gateway shutdown failed").Err(err).Send()
			}
		}
		return obs.Shutdown(shutdownCtx)
	})

	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	ready.Store(true)
	a.log.Info("Graphs served").Strs("graphs", graphs.IDs()).Send()
	a.log.LogServerReady(cfg.Server.Port)

	err = g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	return err
}

// stopGracefully waits up to timeout for in-flight calls before forcing a stop
func stopGracefully(gs *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		gs.Stop()
	}
}
