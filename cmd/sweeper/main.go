package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"jobmarket/app"
	"jobmarket/config"
	"jobmarket/db"
	"jobmarket/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		once       bool
		healthAddr string
	)
	flagSet := pflag.NewFlagSet("sweeper", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flagSet.BoolVar(&once, "once", false, "run every sweep a single time and exit")
	flagSet.StringVar(&healthAddr, "health-addr", ":9090", "gRPC health endpoint address (empty disables it)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.DSN, app.PoolOptions(cfg.Database))
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	runner := app.New(pool, cfg, log).Sweeper()
	if once {
		return runner.RunOnce(ctx)
	}

	if healthAddr != "" {
		lis, err := net.Listen("tcp", healthAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", healthAddr, err)
		}
		grpcServer := grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Error("health server stopped", "err", err)
			}
		}()
		defer func() {
			hs.Shutdown()
			grpcServer.GracefulStop()
		}()
		log.Info("health endpoint serving", "addr", healthAddr)
	}

	log.Info("sweeper started", "tasks", len(runner.Tasks()))
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("sweeper stopped")
	return nil
}
