package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wattledger/wattledger/pkg/ess"
	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/notify"
	"github.com/wattledger/wattledger/pkg/server"
	"github.com/wattledger/wattledger/pkg/storage"

	"github.com/levenlabs/go-lflag"
)

func main() {
	// init packages
	e := ess.Configured()
	s := storage.Configured()
	n := notify.Configured()

	// init server
	srv := server.Configured(e, s, n)

	// parse flags, then mirror the parsed level onto slog
	lflag.Configure()
	log.Configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// Run blocks until the context is canceled or the listener fails
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
