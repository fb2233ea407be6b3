// Package main is the entrypoint for the edge-gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/morezero/edge-gateway/internal/config"
	"github.com/morezero/edge-gateway/internal/server"
	"github.com/morezero/edge-gateway/pkg/store"
)

const usage = `Usage: edge-gateway [command]

Commands:
  (default)   Start the gateway (COMMS, websocket listener, registry).
  migrate     Create the registration table only (does not start the server).

Environment: COMMS_URL, GATEWAY_HTTP_ADDR, DATABASE_URL (migrate). See README for full list.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if err := runMigrate(); err != nil {
			log.Fatalf("edge-gateway migrate: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "":
		// fall through to server
	default:
		// unknown subcommand
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("edge-gateway: fatal error: %v", err)
	}
}

func runMigrate() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.NewRepository(pool).EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
