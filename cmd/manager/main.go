// Command manager runs one sealed-bid auction: it listens for workers,
// spawns them, drives the rounds and exits with a code describing the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/sealedbid/bidder"
	"github.com/cloudx-io/sealedbid/config"
	"github.com/cloudx-io/sealedbid/engine"
	"github.com/cloudx-io/sealedbid/status"
	"github.com/cloudx-io/sealedbid/supervisor"
	"github.com/cloudx-io/sealedbid/transcript"
	"github.com/cloudx-io/sealedbid/transport"
)

// Exit codes.
const (
	exitWinner   = 0
	exitOther    = 1
	exitNoWinner = 3
	exitConfig   = 10
	exitBind     = 11
	exitListen   = 12
	exitSpawn    = 13
	exitTimeout  = 14
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type flags struct {
	configPath string
	debug      bool

	workers      int
	network      string
	host         string
	port         int
	regTimeout   time.Duration
	bidTimeout   time.Duration
	policy       string
	notice       string
	maxTieRounds int
	spawn        string
	bidderBinary string
	transcript   string
	attest       bool
	statusAddr   string
	logLevel     string
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *flags) {
	d := config.Default()
	f := &flags{}
	fs := flag.NewFlagSet("manager", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&f.configPath, "config", "", "Config file (YAML or JSON)")
	fs.BoolVar(&f.debug, "debug", false, "Log at debug level")

	fs.IntVar(&f.workers, "workers", d.Workers, "Number of bidder workers")
	fs.StringVar(&f.network, "network", d.Network, "Listen network: tcp or vsock")
	fs.StringVar(&f.host, "host", d.Host, "Listen address (vsock: context id)")
	fs.IntVar(&f.port, "port", d.Port, "Listen port")
	fs.DurationVar(&f.regTimeout, "registration-timeout", d.RegistrationTimeout, "Registration phase limit (0 waits forever)")
	fs.DurationVar(&f.bidTimeout, "bid-timeout", d.BidTimeout, "Bidding round limit (0 waits forever)")
	fs.StringVar(&f.policy, "bid-timeout-policy", d.BidTimeoutPolicy, "On bid timeout: drop or abort")
	fs.StringVar(&f.notice, "winner-notice", d.WinnerNotice, "Message sent to the winner: kill or won")
	fs.IntVar(&f.maxTieRounds, "max-tie-rounds", d.MaxTieRounds, "Tied rounds before a random winner is drawn (0 never)")
	fs.StringVar(&f.spawn, "spawn", d.Spawn, "Worker spawn mode: inproc or exec")
	fs.StringVar(&f.bidderBinary, "bidder-binary", d.BidderBinary, "Bidder executable for exec spawn mode")
	fs.StringVar(&f.transcript, "transcript", d.TranscriptPath, "Write the signed auction transcript to this file")
	fs.BoolVar(&f.attest, "attest", d.AttestTranscript, "Attach a Nitro attestation to the transcript")
	fs.StringVar(&f.statusAddr, "status-addr", d.StatusAddr, "Serve /status on this address")
	fs.StringVar(&f.logLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	return fs, f
}

// apply copies explicitly set flags over cfg so that file and environment
// values survive unless overridden.
func (f *flags) apply(fs *flag.FlagSet, cfg *config.Manager) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "workers":
			cfg.Workers = f.workers
		case "network":
			cfg.Network = f.network
		case "host":
			cfg.Host = f.host
		case "port":
			cfg.Port = f.port
		case "registration-timeout":
			cfg.RegistrationTimeout = f.regTimeout
		case "bid-timeout":
			cfg.BidTimeout = f.bidTimeout
		case "bid-timeout-policy":
			cfg.BidTimeoutPolicy = f.policy
		case "winner-notice":
			cfg.WinnerNotice = f.notice
		case "max-tie-rounds":
			cfg.MaxTieRounds = f.maxTieRounds
		case "spawn":
			cfg.Spawn = f.spawn
		case "bidder-binary":
			cfg.BidderBinary = f.bidderBinary
		case "transcript":
			cfg.TranscriptPath = f.transcript
		case "attest":
			cfg.AttestTranscript = f.attest
		case "status-addr":
			cfg.StatusAddr = f.statusAddr
		case "log-level":
			cfg.LogLevel = f.logLevel
		}
	})
	if f.debug {
		cfg.LogLevel = "debug"
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, f := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitWinner
		}
		return exitConfig
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	f.apply(fs, &cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := transport.Listen(ctx, transport.Addr{Network: cfg.Network, Host: cfg.Host, Port: cfg.Port}, transport.DefaultBacklog)
	if err != nil {
		logger.Error("failed to listen", "network", cfg.Network, "host", cfg.Host, "port", cfg.Port, "error", err)
		switch {
		case errors.Is(err, transport.ErrBind):
			return exitBind
		case errors.Is(err, transport.ErrListen):
			return exitListen
		default:
			return exitOther
		}
	}

	board := status.NewBoard()
	e, err := engine.New(engineConfig(cfg, logger), ln, engine.WithBoard(board))
	if err != nil {
		_ = ln.Close()
		logger.Error("failed to create engine", "error", err)
		return exitConfig
	}

	var (
		outcome  engine.Outcome
		runErr   error
		spawnErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	srvCtx, cancelSrv := context.WithCancel(gctx)
	defer cancelSrv()

	if cfg.StatusAddr != "" {
		srv := status.NewServer(cfg.StatusAddr, board, logger)
		g.Go(func() error { return srv.Run(srvCtx) })
	}

	g.Go(func() error {
		defer cancelSrv()
		outcome, runErr = e.Run(runCtx)
		return nil
	})

	handles, spawnErr := supervisor.SpawnAll(gctx, newSpawner(cfg, logger), workerAddr(ln), cfg.Workers)
	if spawnErr != nil {
		logger.Error("failed to spawn workers", "spawned", len(handles), "error", spawnErr)
		cancelRun()
	}
	g.Go(func() error {
		if err := supervisor.WaitAll(handles); err != nil {
			logger.Warn("worker exited with error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("auction failed", "error", err)
		return exitOther
	}

	if cfg.TranscriptPath != "" && outcome.AuctionID != "" {
		if err := writeTranscript(outcome.Transcript, cfg, logger); err != nil {
			logger.Error("failed to write transcript", "path", cfg.TranscriptPath, "error", err)
			return exitOther
		}
	}

	switch {
	case spawnErr != nil:
		return exitSpawn
	case errors.Is(runErr, engine.ErrTimeout):
		return exitTimeout
	case runErr != nil:
		logger.Error("auction failed", "error", runErr)
		return exitOther
	case outcome.Kind == engine.WinnerDeclared:
		fmt.Fprintf(stdout, "Winner is %d\n", outcome.WinnerID)
		return exitWinner
	default:
		fmt.Fprintln(stdout, "No winner")
		return exitNoWinner
	}
}

func engineConfig(cfg config.Manager, logger *slog.Logger) engine.Config {
	policy := engine.DropNonResponders
	if cfg.BidTimeoutPolicy == config.PolicyAbort {
		policy = engine.AbortOnTimeout
	}
	notice := engine.NoticeKill
	if cfg.WinnerNotice == config.NoticeWon {
		notice = engine.NoticeWon
	}
	return engine.Config{
		Workers:             cfg.Workers,
		RegistrationTimeout: cfg.RegistrationTimeout,
		BidTimeout:          cfg.BidTimeout,
		BidTimeoutPolicy:    policy,
		WinnerNotice:        notice,
		MaxTieRounds:        cfg.MaxTieRounds,
		Logger:              logger,
	}
}

func newSpawner(cfg config.Manager, logger *slog.Logger) supervisor.Spawner {
	if cfg.Spawn == config.SpawnExec {
		return &supervisor.Exec{
			Binary: cfg.BidderBinary,
			Args:   []string{"-log-level", cfg.LogLevel},
			Logger: logger,
		}
	}
	return &supervisor.InProcess{
		Worker: bidder.Config{Logger: logger},
	}
}

// workerAddr is the address workers dial. A wildcard TCP bind is reached
// through loopback.
func workerAddr(ln *transport.Listener) transport.Addr {
	addr := ln.LocalAddress()
	if addr.Network != transport.NetworkTCP {
		return addr
	}
	if ip := net.ParseIP(addr.Host); ip == nil || ip.IsUnspecified() {
		addr.Host = "127.0.0.1"
	}
	return addr
}

func writeTranscript(t transcript.Transcript, cfg config.Manager, logger *slog.Logger) error {
	var attester transcript.Attester
	if cfg.AttestTranscript {
		a, err := transcript.NitroAttester()
		if err != nil {
			logger.Warn("attestation unavailable, writing unattested transcript", "error", err)
		} else {
			attester = a
		}
	}

	sealed, err := transcript.Sign(t, attester, logger)
	if err != nil {
		return err
	}
	data, err := sealed.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.TranscriptPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cfg.TranscriptPath, err)
	}
	logger.Info("transcript written",
		"path", cfg.TranscriptPath,
		"rounds", len(t.Rounds),
		"attested", len(sealed.Attestation) > 0,
	)
	return nil
}
