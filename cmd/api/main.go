package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"accessgate.org/internal/auth"
	"accessgate.org/internal/httpapi"
	"accessgate.org/internal/lockout"
	"accessgate.org/internal/obs"
	"accessgate.org/internal/perm"
	"accessgate.org/internal/store/pg"
	"accessgate.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("ACCESSGATE_PG_DSN")
	if dsn == "" {
		log.Fatal("ACCESSGATE_PG_DSN is required")
	}
	secret := os.Getenv("ACCESSGATE_AUTH_SECRET")
	if len(secret) < 32 {
		log.Fatal("ACCESSGATE_AUTH_SECRET must be at least 32 bytes")
	}
	addr := os.Getenv("ACCESSGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	// Revocation set: Redis when configured, in-process otherwise. The
	// in-process set does not survive restarts and is single-node only.
	var revocations token.RevocationSet
	if redisAddr := os.Getenv("ACCESSGATE_REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		revocations, err = token.NewRedisRevocationSet(client)
		if err != nil {
			log.Fatalf("redis revocation set: %v", err)
		}
	} else {
		obs.Warn("no redis configured, using in-memory revocation set", nil)
		revocations = token.NewMemoryRevocationSet()
	}

	tokens, err := token.NewService([]byte(secret), revocations,
		token.WithIssuer("accessgate"))
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	resolver, err := perm.NewResolver(store.PermSource())
	if err != nil {
		log.Fatalf("permission resolver: %v", err)
	}
	store.SetInvalidator(resolver)

	guard := lockout.NewGuard(24 * time.Hour)

	svc, err := auth.NewService(store, store, guard, tokens, resolver)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	catalog := perm.DefaultCatalog()
	api := httpapi.New(svc, catalog, httpapi.ReadyProbe{DB: store.DB()}, version)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Periodic sweeps: expired cache snapshots, lapsed lockout windows and
	// expired revocation marks are otherwise only dropped lazily on read.
	sweep := time.NewTicker(5 * time.Minute)
	defer sweep.Stop()
	go func() {
		for range sweep.C {
			resolver.PurgeExpired()
			guard.PurgeExpired()
			if mem, ok := revocations.(*token.MemoryRevocationSet); ok {
				mem.PurgeExpired()
			}
		}
	}()

	log.Printf("Starting accessgate-api %s on %s", version, srv.Addr)

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
	log.Println("Stopped")
}
