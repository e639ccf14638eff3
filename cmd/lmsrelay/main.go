// Command lmsrelay runs the development chat relay: the record API the
// client bootstraps from, and the /ws realtime endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/app"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig applies file > env > defaults. The file path comes from
// LMSCHAT_CONFIG_FILE.
func loadConfig() *config.Config {
	return config.LoadConfigWithPrecedence(os.Getenv(config.EnvPrefix + "CONFIG_FILE"))
}

func run() error {
	relay, err := app.NewApplication(loadConfig())
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Printf("[main] signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := relay.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
