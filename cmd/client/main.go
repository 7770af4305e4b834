package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee_messenger/internal/config"
	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/service/app"
	"e2ee_messenger/internal/service/session"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: client <user-id>")
		os.Exit(2)
	}
	identity := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := log.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, release, err := session.OpenStore(openCtx, cfg.Storage)
	cancel()
	if err != nil {
		log.Fatal("open storage failed", zap.Error(err))
	}
	defer release(context.Background())

	token := func(context.Context) (string, error) {
		// Re-read so a rotated token in the environment is picked up on reconnect.
		if t := os.Getenv("CHAT_TOKEN"); t != "" {
			return t, nil
		}
		if cfg.Token != "" {
			return cfg.Token, nil
		}
		return "", errors.New("CHAT_TOKEN is not set")
	}

	s := session.New(cfg, store)
	if err := s.Login(ctx, identity, model.TokenSupplier(token)); err != nil {
		log.Fatal("login failed", zap.Error(err))
	}
	defer s.Close()

	ui := app.NewApp(s)
	go func() {
		<-ctx.Done()
		ui.Stop()
	}()
	if err := ui.Run(ctx); err != nil {
		log.Error("ui stopped", zap.Error(err))
	}
	// A second interrupt while shutting down kills the process.
	stop()
}
