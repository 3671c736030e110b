package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"socks5balancer/internal/balancer"
	"socks5balancer/internal/check"
	"socks5balancer/internal/service/web"
	"socks5balancer/internal/shared/config"
	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
	"socks5balancer/internal/upstream"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "balancer.ini")
	upstreamsPath := filepath.Join(*configDir, "upstreams.json")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	profiles, err := config.LoadUpstreams(upstreamsPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load upstreams file '%s'", upstreamsPath)
	}
	if len(profiles) == 0 {
		logger.Fatal().Msgf("No upstream servers configured in '%s'", upstreamsPath)
	}

	rule, err := upstream.ParseRule(cfg.BalanceConf.UpstreamSelectRule)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid balance configuration")
	}

	registry := upstream.NewRegistry(profiles)
	selector := upstream.NewSelector(registry, rule, cfg.BalanceConf.ServerChangeTimeDur())
	scheduler := check.NewScheduler(cfg.CheckConf, registry)
	acceptor := balancer.NewAcceptor(cfg, registry, selector)

	scheduler.StartCheckTimer()
	if err := acceptor.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start ingress listener")
	}
	webServer := web.StartServer(cfg, registry, acceptor)

	logger.Info().
		Int("upstreams", registry.Len()).
		Str("rule", rule.String()).
		Msg("balancer is up")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("shutting down")

	acceptor.Close()
	scheduler.EndCheckTimer()
	if webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		webServer.Shutdown(ctx)
	}
	logger.Info().Msg("balancer stopped")
}
