// registryx is an OCI Distribution Registry server. This file wires the
// components together the way ckmine11-registry-x's main.go does: load
// config, connect to Postgres with a retry loop, construct each service,
// register routes, serve.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/floundr/registryx/pkg/audit"
	"github.com/floundr/registryx/pkg/config"
	"github.com/floundr/registryx/pkg/database"
	"github.com/floundr/registryx/pkg/manifest"
	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/policy"
	"github.com/floundr/registryx/pkg/ratelimit"
	"github.com/floundr/registryx/pkg/registryhttp"
	"github.com/floundr/registryx/pkg/scopeauth"
	"github.com/floundr/registryx/pkg/storage"
	"github.com/floundr/registryx/pkg/upload"
)

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.Driver, "driver", cfg.Driver, "content-store backend: local or s3")
	flag.Parse()

	db := connectWithRetry(cfg)
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	content := buildContentDriver(cfg)

	metaStore := metadata.NewStore(db)
	userStore := scopeauth.NewStore(db)
	issuer := scopeauth.NewTokenIssuer(cfg.JWTSecret, rdb, 24*time.Hour)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)
	auditSvc := audit.NewService(db)

	uploadSvc := upload.NewService(metaStore, content)
	manifestSvc := manifest.NewService(metaStore, content)

	policySvc, err := policy.NewService(context.Background(), "")
	if err != nil {
		log.Fatalf("failed to initialize admission policy: %v", err)
	}

	handler := &registryhttp.Handler{
		DB:       db,
		Meta:     metaStore,
		Content:  content,
		Uploads:  uploadSvc,
		Manifest: manifestSvc,
		Users:    userStore,
		Issuer:   issuer,
		Limiter:  limiter,
		Policy:   policySvc,
		Audit:    auditSvc,
		AppURL:   cfg.AppURL,
		Service:  cfg.ServiceName,
	}
	handler.Auth = &scopeauth.Middleware{
		Issuer:  issuer,
		Users:   userStore,
		Service: cfg.ServiceName,
	}

	router := handler.Router()
	wrapped := registryhttp.CORS(router)

	log.Printf("registryx listening on %s (driver=%s)", cfg.ServerPort, cfg.Driver)

	if cfg.SSL {
		if err := http.ListenAndServeTLS(cfg.HTTPSPort, cfg.CertPath, cfg.KeyPath, wrapped); err != nil {
			log.Fatalf("server exited: %v", err)
		}
		return
	}
	if err := http.ListenAndServe(cfg.ServerPort, wrapped); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func connectWithRetry(cfg *config.Config) *sql.DB {
	var db *sql.DB
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		db, err = database.Connect(cfg)
		if err == nil {
			return db
		}
		log.Printf("database connection attempt %d failed: %v", attempt, err)
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("could not connect to database: %v", err)
	return nil
}

func buildContentDriver(cfg *config.Config) storage.Driver {
	local, err := storage.NewLocalDriver(cfg.HomeDir)
	if err != nil {
		log.Fatalf("failed to initialize local storage: %v", err)
	}

	var s3 *storage.S3Driver
	if cfg.Driver == "s3" {
		s3, err = storage.NewS3Driver(cfg)
		if err != nil {
			log.Fatalf("failed to initialize s3 storage: %v", err)
		}
	}

	driver, err := storage.New(cfg.Driver, local, s3)
	if err != nil {
		log.Fatalf("failed to select storage driver: %v", err)
	}
	return driver
}
