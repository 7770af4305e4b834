// Command server runs the in-process fake backend on a real port so the
// terminal client can be tried locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"e2ee_messenger/internal/testkit/fakeserver"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
)

func main() {
	// Each argument is id[:first[:last[:email]]].
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: server <user> [user...]")
		os.Exit(2)
	}
	if err := log.Init(envOr("CHAT_LOG_LEVEL", "info"), false); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	addr := envOr("DEV_ADDR", "localhost:8000")
	srv := fakeserver.New(envOr("DEV_JWT_SECRET", "dev-secret"))
	for _, arg := range os.Args[1:] {
		u := parseUser(arg)
		srv.AddUser(u)
		fmt.Printf("CHAT_TOKEN=%s  # %s\n", srv.Token(u.ID), u.ID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("dev backend listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Fatal("serve failed", zap.Error(err))
	}
}

func parseUser(arg string) fakeserver.User {
	parts := strings.SplitN(arg, ":", 4)
	u := fakeserver.User{ID: parts[0]}
	if len(parts) > 1 {
		u.FirstName = parts[1]
	}
	if len(parts) > 2 {
		u.LastName = parts[2]
	}
	if len(parts) > 3 {
		u.Email = parts[3]
	} else {
		u.Email = parts[0] + "@example.com"
	}
	return u
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
