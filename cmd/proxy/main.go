package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
	"github.com/scoootscooob/aegis-protocol/internal/journal"
	"github.com/scoootscooob/aegis-protocol/internal/middleware"
	"github.com/scoootscooob/aegis-protocol/internal/proxy"
	"github.com/scoootscooob/aegis-protocol/internal/swarm"
	"github.com/scoootscooob/aegis-protocol/internal/vaultcfg"
)

func main() {
	godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8545"
	}
	upstream := os.Getenv("UPSTREAM_RPC")
	if upstream == "" {
		slog.Error("UPSTREAM_RPC is required")
		os.Exit(1)
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

	opts := []proxy.Option{
		proxy.WithConfigSource(vaultcfg.New(upstream, 5*time.Minute, cfg, clock.System)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var jnl *journal.Journal
	if dsn := os.Getenv("JOURNAL_DSN"); dsn != "" {
		j, err := journal.Open(dsn)
		if err != nil {
			slog.Error("failed to open block journal", "err", err)
			os.Exit(1)
		}
		jnl = j
		defer jnl.Close()
	}

	var server *proxy.Server
	var swarmClient *swarm.Client
	if swarmURL := os.Getenv("SWARM_URL"); swarmURL != "" {
		wsURL := strings.Replace(swarmURL, "http", "ws", 1) + "/ws"
		swarmClient = swarm.NewClient(swarmURL, wsURL, func(snap engine.FeedSnapshot) {
			server.MergeFeed(snap)
		})
	}

	// Block events fan out to the journal and, for denylist hits, back to
	// the swarm as indicator observations.
	opts = append(opts, proxy.WithOnBlock(func(ev firewall.BlockEvent) {
		if jnl != nil {
			go jnl.Record(ev)
		}
		if swarmClient != nil && ev.Code == firewall.CodeBlockDenylist && ev.Target != "" {
			go swarmClient.Report(ctx, ev.Target, "", cfg.ChainID, 0.9)
		}
	}))

	server = proxy.New(upstream, cfg, opts...)
	if swarmClient != nil {
		go swarmClient.Run(ctx)
	}

	limiter := middleware.NewRequestLimiter(rateFromEnv(), burstFromEnv())
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(limiter),
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("intercept proxy listening", "port", port, "upstream", upstream)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
	slog.Info("intercept proxy stopped")
}

func rateFromEnv() float64 {
	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return 50
}

func burstFromEnv() int64 {
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 200
}
