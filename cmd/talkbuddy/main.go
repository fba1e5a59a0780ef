// Talkbuddy is the character chat server.
//
// Configuration comes from environment variables, optionally seeded from a
// .env file in the working directory. Everything has a default; with no
// configuration at all the server listens on :3000 with a local SQLite file
// and an in-process cache.
//
// Common environment variables:
//
//	HTTP_ADDR            - listen address (default ":3000")
//	DATABASE_DRIVER      - "sqlite" (default), "postgres" or "mysql"
//	DATABASE_URL         - DSN (default "./talkbuddy.db")
//	REDIS_URL            - redis:// URL; empty uses the in-process cache
//	OPENROUTER_API_KEY   - completion API key
//	COMPLETION_MODEL     - model name
//	CONTEXT_WINDOW       - history messages per prompt (default 4, 0 = all)
//	CHARACTER_SEED_FILE  - YAML character definitions
//	MATRIX_HOMESERVER, MATRIX_USER_ID, MATRIX_ACCESS_TOKEN, MATRIX_ROOMS
//	                     - enable the Matrix transport
//	LOG_LEVEL            - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT           - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/talkbuddy/common/environment"
	"github.com/bdobrica/talkbuddy/common/version"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/app"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
)

func main() {
	fmt.Println(version.Info())

	if err := environment.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	talkbuddy, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize talkbuddy: %v\n", err)
		os.Exit(1)
	}
	defer talkbuddy.Stop()

	if err := talkbuddy.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running talkbuddy: %v\n", err)
		stop()
		talkbuddy.Stop()
		os.Exit(1)
	}
}
