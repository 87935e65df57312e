package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
	"github.com/scoootscooob/aegis-protocol/internal/threatseed"
	"github.com/scoootscooob/aegis-protocol/internal/vault"
)

func main() {
	godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	addr := os.Getenv("VAULT_LISTEN")
	if addr == "" {
		addr = "127.0.0.1:5000"
	}

	cfg := firewall.Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := firewall.LoadConfig(path)
		if err != nil {
			slog.Error("failed to load config file", "path", path, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	set := engine.NewSet(cfg, clock.System)
	seeded := threatseed.Apply(set.ThreatFeed)
	fw := firewall.New(cfg, clock.System, set.Engines())
	v := vault.New(fw, cfg.ChainID)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("vault listen failed", "addr", addr, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("key vault listening", "addr", addr, "chain_id", cfg.ChainID, "seed_indicators", seeded)
	if err := vault.NewServer(v, ln).Serve(ctx); err != nil {
		slog.Error("vault server failed", "err", err)
		os.Exit(1)
	}
	slog.Info("key vault stopped")
}
