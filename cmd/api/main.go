package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"accessreview.org/internal/blob"
	"accessreview.org/internal/config"
	"accessreview.org/internal/evidence"
	"accessreview.org/internal/httpapi"
	"accessreview.org/internal/laika"
	"accessreview.org/internal/locks"
	"accessreview.org/internal/obs"
	"accessreview.org/internal/prefs"
	"accessreview.org/internal/reconcile"
	"accessreview.org/internal/report"
	"accessreview.org/internal/review"
	"accessreview.org/internal/store/pg"
	"accessreview.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	envFile := pflag.String("env-file", "", "optional .env file loaded before config")
	addr := pflag.String("addr", "", "listen address (overrides config)")
	pflag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("load env file: %v", err)
		}
	} else {
		// Best-effort dev convenience; absence is fine.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	blobs, err := buildBlobs(cfg)
	if err != nil {
		log.Fatalf("blob storage: %v", err)
	}

	var (
		store    review.Store
		ready    httpapi.ReadyProbe
		provider laika.Provider
		closeDB  func() error
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		provider = pg.NewLaikaProvider(pgStore.DB())
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
		closeDB = pgStore.Close
	} else {
		log.Println("no postgres dsn set; running on the in-memory store")
		store = review.NewInMemory()
		provider = laika.NewMemProvider()
		closeDB = func() error { return nil }
	}

	renderer := evidence.EchoRenderer{}
	builder := evidence.NewBuilder(renderer, blobs)
	assembler := report.NewAssembler(renderer, blobs)

	reviews, err := review.NewService(store, provider, builder, assembler, blobs)
	if err != nil {
		log.Fatalf("review service: %v", err)
	}

	var scopeLocks *locks.Manager
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		scopeLocks = locks.NewManager(client, cfg.LockTTL)
	}

	api := httpapi.New(httpapi.Config{
		Reviews:            reviews,
		Prefs:              prefs.NewService(store),
		Engine:             reconcile.NewEngine(store, provider, builder, reconcile.WithWorkers(cfg.ReconcileWorkers)),
		ScopeLocks:         scopeLocks,
		Auth:               httpapi.NewAuthenticator(cfg.AuthSecret),
		Activity:           stream.New(),
		Ready:              ready,
		Version:            version,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting accessreview-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = closeDB()
	log.Println("Stopped")
}

func buildBlobs(cfg config.Config) (blob.Storage, error) {
	fsStore, err := blob.NewFS(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	return blob.NewRetrying(fsStore, cfg.BlobRetryAttempts, 200*time.Millisecond), nil
}
