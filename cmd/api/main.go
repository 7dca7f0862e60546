package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hemolink.org/internal/auth"
	"hemolink.org/internal/donation"
	"hemolink.org/internal/httpapi"
	"hemolink.org/internal/obs"
	"hemolink.org/internal/store/pg"
	"hemolink.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Durable store when a DSN is configured, in-memory otherwise.
	var (
		store donation.Service
		db    *sql.DB
	)
	if dsn := os.Getenv("HEMOLINK_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Printf("HEMOLINK_PG_DSN not set, using in-memory store")
		store = donation.NewInMemory()
	}

	addr := os.Getenv("HEMOLINK_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, store, auth.NewGateway(store), stream.New())

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting hemolink-api %s on %s", version, srv.Addr)

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
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
