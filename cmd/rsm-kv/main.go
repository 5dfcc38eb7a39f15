// rsm-kv runs a single-node replicated state machine over a small
// key-value command language. Lines read from stdin are allocated an
// instance, driven through the local coordinator, applied in order, and
// answered with the command's output.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rsm "github.com/statewise/go-rsm"
	"github.com/statewise/go-rsm/coordinator"
	"github.com/statewise/go-rsm/internal/logging"
	"github.com/statewise/go-rsm/store"
	"github.com/statewise/go-rsm/transfer"
)

type config struct {
	Store       string `long:"store" env:"RSM_STORE" default:"memory" choice:"memory" choice:"redis" description:"Progress store backend"`
	RedisAddr   string `long:"redis.address" env:"RSM_REDIS_ADDRESS" default:"localhost:6379" description:"Redis address for the redis store"`
	RedisPrefix string `long:"redis.prefix" env:"RSM_REDIS_PREFIX" default:"rsm-kv" description:"Redis key prefix"`
	MetricsAddr string `long:"metrics.address" env:"RSM_METRICS_ADDRESS" default:"" description:"Expose prometheus metrics on this address (empty disables)"`
	LogLevel    string `long:"log.level" env:"RSM_LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`
	LogDev      bool   `long:"log.dev" env:"RSM_LOG_DEV" description:"Human-readable console logging"`
}

func main() {
	var cfg config
	if _, err := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash).Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persist, seq, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	metrics := rsm.NewMetrics()
	rsm.RegisterPrometheusCollector(metrics)

	drv, err := rsm.New(rsm.Params{
		Coordinator: coordinator.NewLocal(),
		Persistence: persist,
		Sequence:    seq,
	}, &rsm.Options{
		Logger:   logger,
		Observer: rsm.NewMetricsObserver(metrics),
	})
	if err != nil {
		return err
	}

	kv := transfer.NewKV()
	if err := drv.Start(ctx, kv); err != nil {
		return err
	}
	defer func() {
		if err := drv.Stop(); err != nil {
			logger.Warn("driver stop", zap.Error(err))
		}
	}()

	logger.Info("rsm-kv ready",
		zap.String("store", cfg.Store),
		zap.Int64("done", drv.Done()))

	grp, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		grp.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		grp.Go(func() error {
			logger.Info("serving metrics", zap.String("address", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	grp.Go(func() error {
		return repl(gctx, drv, stop)
	})

	return grp.Wait()
}

func buildStore(ctx context.Context, cfg config, logger *zap.Logger) (rsm.Persistence, rsm.Sequence, error) {
	switch cfg.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		persist, err := store.NewRedis(logger, rdb, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		seq, err := store.NewRedisSequence(ctx, logger, rdb, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return persist, seq, nil
	default:
		return store.NewMemory(), store.NewMemorySequence(), nil
	}
}

// repl reads one command per line, submits it, and prints the resolved
// output. "quit" requests shutdown.
func repl(ctx context.Context, drv *rsm.Driver, stop func()) error {
	fmt.Println("commands: set <key> <value...> | get <key> | del <key> | quit")

	// Scan on a separate goroutine so a pending read doesn't outlive a
	// signal-driven shutdown.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			stop()
			return err
		case line = <-lines:
		}

		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			stop()
			return nil
		}

		in, err := drv.NewState([]byte(line))
		if err != nil {
			return err
		}
		fut, err := drv.Submit(ctx, in)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		out, err := fut.Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("[%d] %v\n", in.ID, out)
	}
}
