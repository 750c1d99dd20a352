// The main package for the activityscout executable.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/activity-scout/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
