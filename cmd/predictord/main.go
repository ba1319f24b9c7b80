// Command predictord serves the TensorFlow Lite model over gRPC for web nodes
// running with classifier.backend=grpc.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/retina-check/internal/classifier"
	"github.com/example/retina-check/internal/config"
	"github.com/example/retina-check/internal/grpcclient"
	"github.com/example/retina-check/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		addr       string
		configFile string
	)

	cmd := &cobra.Command{
		Use:          "predictord",
		Short:        "Serve the retinopathy model over gRPC",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			predictor, err := classifier.LoadTFLite(cfg.Classifier.ModelPath, cfg.Classifier.Threads, logger)
			if err != nil {
				logger.Error("failed to load model", zap.String("path", cfg.Classifier.ModelPath), zap.Error(err))
				return err
			}
			defer predictor.Close()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), lis, predictor, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":50051", "Listen address")
	cmd.Flags().StringVar(&configFile, "config", "", "Optional YAML configuration file")
	return cmd
}

// serve runs the gRPC server on lis until ctx is cancelled, then drains it.
func serve(ctx context.Context, lis net.Listener, predictor classifier.Predictor, logger *zap.Logger) error {
	server := grpc.NewServer()
	grpcclient.RegisterPredictorServer(server, predictor, logger)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()
	logger.Info("predictor listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down predictor")
		healthServer.Shutdown()
		server.GracefulStop()
		return <-errCh
	}
}
