package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"alloq.org/internal/alloc"
	"alloq.org/internal/clock"
	"alloq.org/internal/httpapi"
	"alloq.org/internal/obs"
	"alloq.org/internal/store/pg"
	"alloq.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

// defaultGenesis anchors the logical clock; one height unit per ten minutes.
const defaultGenesis = "2026-01-01T00:00:00Z"

func main() {
	// Register metrics and the JSON logger before anything else runs.
	obs.Init()
	obs.InitBuildInfo(version, commit)

	admin := os.Getenv("ALLOQ_ADMIN")
	if admin == "" {
		log.Fatal("ALLOQ_ADMIN must name the administrator identity")
	}

	genesis, err := time.Parse(time.RFC3339, envOr("ALLOQ_CLOCK_GENESIS", defaultGenesis))
	if err != nil {
		log.Fatalf("parse ALLOQ_CLOCK_GENESIS: %v", err)
	}
	clk := clock.NewInterval(genesis, 10*time.Minute)

	// Engine selection: Postgres when a DSN is configured, in-memory otherwise.
	var (
		svc   alloc.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("ALLOQ_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, admin, clk)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		svc = alloc.NewInMemory(admin, clk)
	}

	events := stream.New()
	api := httpapi.New(probe, version, svc, events, clk)

	srv := &http.Server{
		Addr:              envOr("ALLOQ_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if addr := os.Getenv("ALLOQ_GRPC_ADDR"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("alloq.api", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, hs)
		go func() {
			log.Printf("gRPC health endpoint on %s", addr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting alloq-api %s on %s (height %d)", version, srv.Addr, clk.Height())

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
