package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dropmaphq/dropmap-server/app"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()
	config, err := app.ParseConfigFromFile(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "parse config: %s\n", err.Error())
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = app.NewApp(config).Boot(ctx)
	if err != nil {
		os.Exit(1)
	}
}
