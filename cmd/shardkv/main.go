// Command shardkv runs the in-memory key/value server: it loads
// configuration, spins up one goroutine per shard, binds the listener,
// and serves connections until a shutdown signal arrives — then drains
// with a bounded timeout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"shardkv/internal/config"
	"shardkv/internal/dispatch"
	"shardkv/internal/logging"
	"shardkv/internal/metrics"
	"shardkv/internal/server"
	"shardkv/internal/shutdown"
	"shardkv/internal/store"
	"shardkv/internal/sysinfo"
)

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SHARDKV_LOG_LEVEL)")
	printConfig := flag.Bool("print-config", false, "print resolved configuration and exit")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardkv: %v\n", err)
		return 1
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *printConfig {
		cfg.Print()
		return 0
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("process CPU quota resolved")

	sig := shutdown.New()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sig.Done()
		cancel()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("received interrupt, shutting down")
		sig.Trigger()
	}()

	numShards := cfg.ResolveShardCount()
	logger.Info().Int("num_shards", numShards).Msg("starting shard actors")

	shards := make([]*store.Shard, numShards)
	for i := 0; i < numShards; i++ {
		sh := store.New(i, cfg.MailboxSize, sig.Trigger, logger)
		shards[i] = sh
		go sh.Run(rootCtx)
	}

	dispatcher := dispatch.New(shards)

	srvCfg := server.Config{
		MaxConnections:   cfg.MaxConnections,
		ReadBufferBytes:  cfg.ReadBufferBytes,
		IdleTimeout:      cfg.IdleTimeout,
		RateLimitPerSec:  cfg.RateLimitPerSec,
		RateLimitBurst:   cfg.RateLimitBurst,
		OutboundCapacity: cfg.OutboundCapacity,
	}
	srv := server.New(srvCfg, dispatcher, logger, sig.Trigger)

	addr, err := srv.Listen(cfg.Addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Addr).Msg("failed to bind listener")
		return 1
	}
	logger.Info().Str("addr", addr.String()).Msg("listening")

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	if collector, err := sysinfo.NewCollector(logger); err != nil {
		logger.Warn().Err(err).Msg("sysinfo collector unavailable")
	} else {
		go collector.Run(cfg.MetricsInterval, sig.Done())
	}

	go pollShardGauges(shards, cfg.MetricsInterval, sig.Done())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(rootCtx) }()

	serveDone := false
	exitCode := 0
	select {
	case <-sig.Done():
	case err := <-serveErr:
		serveDone = true
		if err != nil {
			logger.Error().Err(err).Msg("accept loop exited with error")
			exitCode = 1
		}
		sig.Trigger()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Close()
	cancel()

	if !serveDone {
		select {
		case <-serveErr:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("shutdown timed out waiting for connections to drain")
		}
	}
	logger.Info().Msg("shutdown complete")
	return exitCode
}

// pollShardGauges samples each shard's mailbox depth and key count on a
// fixed interval, the simplest way to expose per-shard state without
// adding a cross-goroutine read to the shard's own hot path.
func pollShardGauges(shards []*store.Shard, interval time.Duration, stop <-chan struct{}) {
	labels := make([]string, len(shards))
	for i := range shards {
		labels[i] = strconv.Itoa(i)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for i, sh := range shards {
				metrics.ShardMailboxDepth.WithLabelValues(labels[i]).Set(float64(sh.MailboxDepth()))
				metrics.ShardKeyCount.WithLabelValues(labels[i]).Set(float64(sh.KeyCount()))
			}
		}
	}
}
