package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/hako/durafmt"
)

func main() {
	configFlag := flag.String("config", "config.toml", "path to the pool configuration file")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fatal("config", err)
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	setLogLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		logger.configureWriter(newDailyRollingFileWriter(cfg.LogFile), true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := NewPool(cfg, nil)

	notifier, err := newDiscordNotifier(cfg.DiscordToken, cfg.DiscordChannelID)
	if err != nil {
		logger.Warn("discord notifier disabled", "error", err)
	} else {
		pool.notifier = notifier
	}

	if err := pool.Start(ctx); err != nil {
		fatal("pool startup", err)
	}

	go heartbeatLoop(ctx, pool)

	<-ctx.Done()
	logger.Info("shutting down")
	pool.Shutdown()
	logger.Stop()
}

// heartbeatLoop emits a periodic operational summary.
func heartbeatLoop(ctx context.Context, pool *Pool) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := pool.metrics.Snapshot()
			uptime := durafmt.Parse(time.Since(pool.started).Round(time.Second)).LimitFirstN(2)
			logger.Info("pool status",
				"uptime", uptime.String(),
				"connections", snap.Connections,
				"shares_accepted", snap.SharesAccepted,
				"shares_rejected", snap.SharesRejected,
				"blocks_found", snap.BlocksFound,
				"blocks_accepted", snap.BlocksAccepted,
				"rpc_errors", snap.RPCErrors,
				"bans", pool.banManager.Count(),
			)
		}
	}
}
