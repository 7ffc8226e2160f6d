// Command bidder is a standalone auction worker. The manager starts it in exec
// spawn mode; it can also be run by hand against a listening manager.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudx-io/sealedbid/bidder"
	"github.com/cloudx-io/sealedbid/config"
	"github.com/cloudx-io/sealedbid/transport"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	d := config.DefaultBidder()
	fs := flag.NewFlagSet("bidder", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath     = fs.String("config", "", "Config file (YAML or JSON)")
		debug          = fs.Bool("debug", false, "Log at debug level")
		network        = fs.String("network", d.Network, "Network: tcp or vsock")
		coordinator    = fs.String("coordinator", d.Coordinator, "Manager address host:port (vsock: cid:port)")
		workerID       = fs.Int64("worker-id", d.WorkerID, "Worker id to register (0 uses the process id)")
		receiveTimeout = fs.Duration("receive-timeout", d.ReceiveTimeout, "Per-receive wait (0 blocks)")
		maxIdle        = fs.Duration("max-idle", d.MaxIdle, "Give up after this long without a message (0 never)")
		logLevel       = fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadBidder(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "network":
			cfg.Network = *network
		case "coordinator":
			cfg.Coordinator = *coordinator
		case "worker-id":
			cfg.WorkerID = *workerID
		case "receive-timeout":
			cfg.ReceiveTimeout = *receiveTimeout
		case "max-idle":
			cfg.MaxIdle = *maxIdle
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	addr, err := transport.ParseAddr(cfg.Network, cfg.Coordinator)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := bidder.New(bidder.Config{
		Coordinator:    addr,
		WorkerID:       cfg.WorkerID,
		ReceiveTimeout: cfg.ReceiveTimeout,
		MaxIdle:        cfg.MaxIdle,
		Logger:         logger,
	}, bidder.NewRandomStrategy(uint64(time.Now().UnixNano())))

	result, err := w.Run(ctx)
	if err != nil {
		logger.Error("bidder failed", "worker_id", w.ID(), "error", err)
		return 1
	}
	logger.Debug("bidder finished", "worker_id", w.ID(), "result", result.String())
	return 0
}
