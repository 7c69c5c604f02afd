package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/imReese/NexusTree/pkg/config"
	"github.com/imReese/NexusTree/pkg/health"
	"github.com/imReese/NexusTree/pkg/log"
	"github.com/imReese/NexusTree/pkg/metrics"
	"github.com/imReese/NexusTree/pkg/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	watchInterval   = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the store with health checks, metrics and config hot reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func initGRPCServer(s *storage.Store, logger *zap.Logger) *grpc.Server {
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(1024*1024*10), // 10MB
		grpc.ConnectionTimeout(30*time.Second),
	)

	healthServer := health.NewHealthServer(s.Healthy, logger)
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	return server
}

func initMetricsServer(addr string) *http.Server {
	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func startServer(grpcServer *grpc.Server, lis net.Listener, logger *zap.Logger) {
	go func() {
		logger.Info("Starting gRPC server",
			zap.String("address", lis.Addr().String()))

		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed",
				zap.Error(err))
		}
	}()
}

func startMetrics(srv *http.Server, logger *zap.Logger) {
	go func() {
		logger.Info("Starting metrics server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// initConfigWatcher 只有指定了配置文件才监听.
func initConfigWatcher(cfg *config.ServerConfig, logger *log.Logger, s *storage.Store) *config.ConfigWatcher {
	if flags.configPath == "" {
		return nil
	}
	watcher := config.NewConfigWatcher(flags.configPath, logger.Logger, watchInterval)
	watcher.Register(log.NewLogReloadHandler(logger, cfg.Log))
	watcher.Register(storage.NewStorageReloadHandler(s, logger.Logger))
	return watcher
}

func waitForShutdown(grpcServer *grpc.Server, metricsServer *http.Server, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		logger.Warn("Forcing gRPC server shutdown")
		grpcServer.Stop()
	}

	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down metrics server", zap.Error(err))
	}
}

func serve() error {
	bootLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(bootLogger)
	_ = bootLogger.Sync()
	if err != nil {
		return err
	}

	logger, err := log.SetupLoggerFromConfig(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "setup logger")
	}
	defer logger.Close()

	s, err := storage.Open(cfg.DataDir, storage.OptionsFromConfig(cfg.Storage, logger.Logger))
	if err != nil {
		logger.Error("Failed to open store", zap.Error(err))
		return err
	}

	grpcServer := initGRPCServer(s, logger.Logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		s.Close()
		return errors.Wrapf(err, "listen %s", cfg.Server.GRPCAddr)
	}
	startServer(grpcServer, lis, logger.Logger)

	metricsServer := initMetricsServer(cfg.Server.MetricsAddr)
	startMetrics(metricsServer, logger.Logger)

	watcher := initConfigWatcher(cfg, logger, s)
	if watcher != nil {
		watcher.Start()
	}

	logger.Info("Server started successfully",
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("data_dir", cfg.DataDir),
	)

	waitForShutdown(grpcServer, metricsServer, logger.Logger)

	// 先停止重载再关闭存储, 关闭时会写回所有脏节点
	if watcher != nil {
		watcher.Stop()
	}
	if err := s.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
