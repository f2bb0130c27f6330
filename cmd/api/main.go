package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/tetherapp/tether-session-core/internal/api"
	"github.com/tetherapp/tether-session-core/internal/config"
	"github.com/tetherapp/tether-session-core/internal/coordinator"
	"github.com/tetherapp/tether-session-core/internal/jobs"
	"github.com/tetherapp/tether-session-core/internal/room"
	"github.com/tetherapp/tether-session-core/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("event=dotenv_skipped err=%q", err.Error())
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	prov, err := buildProvisioner(cfg)
	if err != nil {
		log.Fatalf("init room provisioner: %v", err)
	}

	coord := coordinator.New(st, coordinatorOptions(cfg, prov))
	defer coord.Close()
	hub := api.NewHub(coord, cfg.JWTSecret)
	coord.SetDrainer(hub.Drain)
	go coord.Run(ctx)

	// Timers are in-memory; the first reconcile pass restores them after a restart.
	jobs.NewRunner(coord, cfg.ReconcileInterval).Start(ctx)

	handler := api.NewRouter(cfg, st, coord, hub)
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Room provisioning in AWS mode may take >15s before the handler writes a response.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("tether-session-core listening on %s room_provider=%s", cfg.ListenAddr, cfg.RoomProvider)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func buildProvisioner(cfg config.Config) (room.Provisioner, error) {
	switch cfg.RoomProvider {
	case "aws":
		awsProv, err := room.NewAWSProvisioner(room.AWSProvisionerOptions{
			Region:        cfg.AWSRegion,
			AMIID:         cfg.AWSAMIID,
			InstanceType:  cfg.AWSInstanceType,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityIDs,
			KeyName:       cfg.AWSKeyName,
		})
		if err != nil {
			return nil, err
		}
		return awsProv, nil
	default:
		return room.NewFakeProvisioner(), nil
	}
}

func coordinatorOptions(cfg config.Config, prov room.Provisioner) coordinator.Options {
	return coordinator.Options{
		TickInterval:        cfg.TickInterval,
		EventBuffer:         cfg.EventBuffer,
		AbandonAfterPercent: cfg.AbandonAfterPercent,
		Rooms:               prov,
		RoomProvider:        cfg.RoomProvider,
	}
}
