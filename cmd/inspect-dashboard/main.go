package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joelkehle/inspection-bridge/internal/dashboard"
	"github.com/joelkehle/inspection-bridge/internal/store"
	"github.com/joelkehle/inspection-bridge/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "db/inspections.db", "SQLite database path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if shutdown := telemetry.Init(ctx, telemetry.Config{ServiceName: "inspect-dashboard"}); shutdown != nil {
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = shutdown(shutdownCtx)
		}()
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           dashboard.NewServer(st),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("inspection dashboard listening on %s (db=%s)", *addr, *dbPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("dashboard: %v", err)
	}
	log.Println("inspection dashboard stopped")
}
