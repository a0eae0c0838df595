package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/cleaning-service/internal/config"
	"github.com/librescoot/cleaning-service/internal/service"
)

var version = "dev"

// newLogger drops timestamps under systemd, journald adds its own.
func newLogger() *log.Logger {
	if os.Getenv("INVOCATION_ID") != "" {
		return log.New(os.Stdout, "", 0)
	}
	return log.New(os.Stdout, "cleaning-service: ", log.LstdFlags|log.Lmsgprefix)
}

func run(cfg *config.Config, logger *log.Logger) error {
	svc, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up cleaning unit: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Printf("Stop requested, releasing actuators")
	}()

	logger.Printf("Cleaning unit %s up: backend=%s inhibitor=%s redis=%s:%d",
		version, cfg.Backend, cfg.Inhibitor, cfg.RedisHost, cfg.RedisPort)
	return svc.Run(ctx)
}

func main() {
	cfg := config.New()
	printVersion := flag.Bool("version", false, "Print version and exit")
	cfg.Parse()

	if *printVersion {
		fmt.Printf("cleaning-service %s\n", version)
		return
	}

	logger := newLogger()
	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Cleaning service stopped: %v", err)
	}
}
