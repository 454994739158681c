// morphod serves measurement tables and dimensionality reductions over
// Arrow Flight, with Prometheus metrics on a side port.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/atlasbio/morpho/internal/health"
	"github.com/atlasbio/morpho/internal/limiter"
	"github.com/atlasbio/morpho/internal/logging"
	"github.com/atlasbio/morpho/internal/service"
	"github.com/atlasbio/morpho/internal/storage"
)

func main() {
	envFile := flag.String("env", "", "Optional .env file to load before reading the environment")
	flag.Parse()

	cfg, err := LoadConfig(*envFile)
	if err != nil {
		// No logger yet; stderr is all we have.
		os.Stderr.WriteString("morphod: invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
	})
	if err != nil {
		os.Stderr.WriteString("morphod: logger setup failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	mem := memory.NewGoAllocator()
	store := storage.NewStore(cfg.DataPath, logger.Named("storage"))
	svc := service.New(mem, store, logger.Named("service"))

	healthMgr := health.NewManager(logger.Named("health"))
	healthMgr.Register(health.NewDataDirChecker(cfg.DataPath))
	healthMgr.Register(health.NewTableCountChecker(svc.TableCount))

	go func() {
		logger.Info("starting metrics server", zap.String("address", cfg.MetricsAddr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", healthMgr.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("address", cfg.ListenAddr), zap.Error(err))
	}

	lim := limiter.New(cfg.RateLimit)
	grpcServer := grpc.NewServer(cfg.BuildGRPCServerOptions(lim)...)
	flight.RegisterFlightServiceServer(grpcServer, svc)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logger.Info("shutting down", zap.String("signal", s.String()))
		grpcServer.GracefulStop()
	}()

	logger.Info("morpho Flight server starting",
		zap.String("address", cfg.ListenAddr),
		zap.String("data_path", cfg.DataPath))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
