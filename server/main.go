package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gammadia/quartermaster/provider"
	"github.com/gammadia/quartermaster/server/config"
	"github.com/gammadia/quartermaster/server/flags"
	"github.com/gammadia/quartermaster/server/log"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading. When cancel() is called (from the
// signal handler), all goroutines watching ctx.Done() begin their shutdown
// sequence.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the two main goroutines: health monitor and gRPC server.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Quartermaster server starting up...", "version", version, "commit", commit)

	manifest, err := config.Load(viper.GetString(flags.Manifest))
	if err != nil {
		log.Error("Failed to load provider manifest", "error", err)
		os.Exit(1)
	}

	// Setup network listener
	lis, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}

	manager, cleanups, err := buildManager(manifest)
	if err != nil {
		log.Error("Failed to build provider manager", "error", err)
		os.Exit(1)
	}

	// Strategies with partial initialization failures stay registered but
	// ineligible; only a board with zero working strategies is fatal.
	if err = manager.Initialize(ctx); err != nil {
		log.Error("Failed to initialize providers", "error", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	setupInterrupts()

	// Setup gRPC health surface, fed by the monitor below
	s := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)

	monitor := provider.NewMonitor(manager, provider.MonitorConfig{
		Logger:      log.Base.With("component", "monitor"),
		Interval:    manifest.Monitor.Interval.Std(),
		FeedBreaker: manifest.Monitor.FeedBreaker,
		OnStatus: func(name string, status provider.HealthStatus) {
			serving := healthpb.HealthCheckResponse_NOT_SERVING
			if status.Healthy {
				serving = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus(name, serving)
		},
	})

	// Monitor goroutine: Run() blocks in its probing loop until Shutdown() is
	// called. A companion goroutine waits for ctx cancellation, then
	// orchestrates the shutdown cascade.
	wg.Add(1)
	go monitor.Run()
	go func() {
		<-ctx.Done()
		monitor.Shutdown()
		monitor.Wait()
		for _, cleanup := range cleanups {
			cleanup()
		}
		wg.Done()
	}()

	// gRPC server goroutine. GracefulStop() stops accepting new connections
	// and waits for in-flight RPCs before Serve() returns.
	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			s.GracefulStop()
		}()

		log.Info("Server listening", "address", lis.Addr())
		if err := s.Serve(lis); err != nil {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()

	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern: the
// first signal starts a graceful shutdown, the second forces exit.
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
