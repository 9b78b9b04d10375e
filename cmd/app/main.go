// Command app runs the ledger core: the wallet/escrow engine, the
// reservation subsystem, the ingest worker, and every adapter they need.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New()
	if err != nil {
		panic(err)
	}

	if err := app.Run(ctx); err != nil {
		app.Logger.Errorf("ledger core exited: %v", err)
	}
}
