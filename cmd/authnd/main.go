// Command authnd serves the passwordless email authentication API.
package main

import (
	"context"
	"log"
	"os"

	"github.com/icza/emailauth/internal/app"
	"github.com/icza/emailauth/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	a, err := app.NewApp(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
