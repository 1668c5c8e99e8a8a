// File: cmd/docfix/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/docfix-cli/cmd"
	"github.com/xkilldash9x/docfix-cli/internal/observability"
)

func main() {
	// Cancel the run on SIGINT/SIGTERM so the browser and the ledger are closed cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
