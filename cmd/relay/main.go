package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/zentalk-relay/pkg/api"
	"github.com/ZentaChain/zentalk-relay/pkg/config"
	"github.com/ZentaChain/zentalk-relay/pkg/metrics"
	"github.com/ZentaChain/zentalk-relay/pkg/network"
	"github.com/ZentaChain/zentalk-relay/pkg/observability"
	"github.com/ZentaChain/zentalk-relay/pkg/storage"
)

const (
	heartbeatInterval = 5 * time.Minute
	banPurgeInterval  = time.Minute
	shutdownTimeout   = 10 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	listen     = flag.String("listen", "", "Relay listen multiaddr, overrides config (e.g. /ip4/0.0.0.0/tcp/6121)")
	adminAddr  = flag.String("admin", "", "Admin API host:port, overrides config")
	banPath    = flag.String("banlist", "", "Ban list database path, overrides config")
)

func main() {
	flag.Parse()

	printBanner()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *adminAddr != "" {
		cfg.Admin.Listen = *adminAddr
	}
	if *banPath != "" {
		cfg.BanList.Path = *banPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr, err := cfg.ListenAddr()
	if err != nil {
		return err
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	var (
		policies network.Policies
		bans     *storage.BanList
	)
	if cfg.BanList.Path != "" {
		if dir := filepath.Dir(cfg.BanList.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		bans, err = storage.OpenBanList(cfg.BanList.Path, logger.Named("banlist"), nil)
		if err != nil {
			return err
		}
		defer bans.Close()
		policies = append(policies, storage.NewBanPolicy(bans))
		logger.Info("ban list loaded", zap.String("path", cfg.BanList.Path), zap.Int("bans", len(bans.List())))
	}

	relay := network.NewServer(network.ServerConfig{
		Addr:    addr,
		Options: cfg.RelayOptions(),
		Policy:  policies,
		Logger:  logger.Named("relay"),
		Metrics: recorder,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relay.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-relay.Done():
			return network.ErrServerClosed
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return relay.Shutdown(shutdownCtx)
	})

	if cfg.Admin.Listen != "" {
		apiCfg := api.DefaultConfig()
		apiCfg.Listen = cfg.Admin.Listen
		var banStore api.BanStore
		if bans != nil {
			banStore = bans
		}
		admin := api.NewServer(api.Deps{
			Relay:    relay,
			Bans:     banStore,
			Gatherer: reg,
			Logger:   logger.Named("api"),
		}, apiCfg)
		g.Go(func() error { return admin.Start(gctx) })
	}

	if bans != nil {
		g.Go(func() error {
			bans.Run(gctx, banPurgeInterval)
			return nil
		})
	}

	g.Go(func() error {
		heartbeat(gctx, relay, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("relay stopped")
	if errors.Is(err, network.ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Printf("║ %-49s ║\n", network.Version())
	fmt.Println("║        Lacewing relay (protocol revision 3)       ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

// heartbeat logs relay occupancy until ctx is done
func heartbeat(ctx context.Context, relay *network.Server, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var peers, channels, pending int
		err := relay.Query(ctx, func(e *network.Engine) {
			peers, channels, pending = e.PeerCount(), e.ChannelCount(), e.PendingCount()
		})
		if err != nil {
			return
		}
		logger.Info("heartbeat",
			zap.Int("peers", peers),
			zap.Int("channels", channels),
			zap.Int("pending", pending))
	}
}
