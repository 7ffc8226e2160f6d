// Package config loads manager and bidder settings.
//
// Values are layered: built-in defaults, then an optional YAML or JSON file,
// then AUCTION_* environment variables. Command-line flags are applied on top
// by the cmd packages.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort    = 5000
	DefaultWorkers = 3
	MinWorkers     = 2
	MaxWorkers     = 20
	MinPort        = 1024
	MaxPort        = 65535

	DefaultMaxTieRounds = 8

	EnvPrefix = "AUCTION"
)

// Bid timeout policies.
const (
	PolicyDrop  = "drop"
	PolicyAbort = "abort"
)

// Winner notices.
const (
	NoticeKill = "kill"
	NoticeWon  = "won"
)

// Spawn modes.
const (
	SpawnInProcess = "inproc"
	SpawnExec      = "exec"
)

var (
	ErrInvalidPort        = errors.New("invalid port")
	ErrInvalidWorkerCount = errors.New("invalid worker count")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Manager configures the auction coordinator.
type Manager struct {
	Workers int    `mapstructure:"workers"`
	Network string `mapstructure:"network"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`

	// RegistrationTimeout bounds the wait for all workers to register. 0 waits forever.
	RegistrationTimeout time.Duration `mapstructure:"registration_timeout"`

	// BidTimeout bounds each bidding round. 0 waits forever.
	BidTimeout       time.Duration `mapstructure:"bid_timeout"`
	BidTimeoutPolicy string        `mapstructure:"bid_timeout_policy"`

	WinnerNotice string `mapstructure:"winner_notice"`

	// MaxTieRounds is the number of consecutive rounds without an elimination
	// after which a winner is drawn at random. 0 never forces a draw.
	MaxTieRounds int `mapstructure:"max_tie_rounds"`

	Spawn        string `mapstructure:"spawn"`
	BidderBinary string `mapstructure:"bidder_binary"`

	TranscriptPath   string `mapstructure:"transcript_path"`
	AttestTranscript bool   `mapstructure:"attest_transcript"`

	StatusAddr string `mapstructure:"status_addr"`
	LogLevel   string `mapstructure:"log_level"`
}

// Bidder configures a standalone worker process.
type Bidder struct {
	Network     string `mapstructure:"network"`
	Coordinator string `mapstructure:"coordinator"`

	// WorkerID of 0 means use the process id.
	WorkerID int64 `mapstructure:"worker_id"`

	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	MaxIdle        time.Duration `mapstructure:"max_idle"`
	LogLevel       string        `mapstructure:"log_level"`
}

// Default returns the manager defaults.
func Default() Manager {
	return Manager{
		Workers:          DefaultWorkers,
		Network:          "tcp",
		Host:             "0.0.0.0",
		Port:             DefaultPort,
		BidTimeoutPolicy: PolicyDrop,
		WinnerNotice:     NoticeKill,
		MaxTieRounds:     DefaultMaxTieRounds,
		Spawn:            SpawnInProcess,
		BidderBinary:     "bidder",
		LogLevel:         "info",
	}
}

// DefaultBidder returns the bidder defaults.
func DefaultBidder() Bidder {
	return Bidder{
		Network:     "tcp",
		Coordinator: fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		LogLevel:    "info",
	}
}

// Validate checks every field and returns the first problem found.
func (m Manager) Validate() error {
	if m.Workers < MinWorkers || m.Workers > MaxWorkers {
		return fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidWorkerCount, m.Workers, MinWorkers, MaxWorkers)
	}
	if m.Port < MinPort || m.Port > MaxPort {
		return fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidPort, m.Port, MinPort, MaxPort)
	}
	if m.Network != "tcp" && m.Network != "vsock" {
		return fmt.Errorf("%w: network %q", ErrInvalidConfig, m.Network)
	}
	if m.RegistrationTimeout < 0 || m.BidTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if m.BidTimeoutPolicy != PolicyDrop && m.BidTimeoutPolicy != PolicyAbort {
		return fmt.Errorf("%w: bid timeout policy %q", ErrInvalidConfig, m.BidTimeoutPolicy)
	}
	if m.WinnerNotice != NoticeKill && m.WinnerNotice != NoticeWon {
		return fmt.Errorf("%w: winner notice %q", ErrInvalidConfig, m.WinnerNotice)
	}
	if m.MaxTieRounds < 0 {
		return fmt.Errorf("%w: max tie rounds %d", ErrInvalidConfig, m.MaxTieRounds)
	}
	if m.Spawn != SpawnInProcess && m.Spawn != SpawnExec {
		return fmt.Errorf("%w: spawn mode %q", ErrInvalidConfig, m.Spawn)
	}
	if m.Spawn == SpawnExec && m.BidderBinary == "" {
		return fmt.Errorf("%w: exec spawn requires a bidder binary", ErrInvalidConfig)
	}
	if _, err := ParseLevel(m.LogLevel); err != nil {
		return err
	}
	return nil
}

// Validate checks the bidder settings.
func (b Bidder) Validate() error {
	if b.Network != "tcp" && b.Network != "vsock" {
		return fmt.Errorf("%w: network %q", ErrInvalidConfig, b.Network)
	}
	if b.Coordinator == "" {
		return fmt.Errorf("%w: coordinator address is required", ErrInvalidConfig)
	}
	if b.WorkerID < 0 {
		return fmt.Errorf("%w: worker id %d", ErrInvalidConfig, b.WorkerID)
	}
	if b.ReceiveTimeout < 0 || b.MaxIdle < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseLevel(b.LogLevel); err != nil {
		return err
	}
	return nil
}

// Load reads manager settings. path may be empty, in which case only
// defaults and environment apply. The result is not validated so callers can
// apply flag overrides first.
func Load(path string) (Manager, error) {
	d := Default()
	v := newViper(path)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("network", d.Network)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("registration_timeout", d.RegistrationTimeout)
	v.SetDefault("bid_timeout", d.BidTimeout)
	v.SetDefault("bid_timeout_policy", d.BidTimeoutPolicy)
	v.SetDefault("winner_notice", d.WinnerNotice)
	v.SetDefault("max_tie_rounds", d.MaxTieRounds)
	v.SetDefault("spawn", d.Spawn)
	v.SetDefault("bidder_binary", d.BidderBinary)
	v.SetDefault("transcript_path", d.TranscriptPath)
	v.SetDefault("attest_transcript", d.AttestTranscript)
	v.SetDefault("status_addr", d.StatusAddr)
	v.SetDefault("log_level", d.LogLevel)

	if err := readFile(v, path); err != nil {
		return Manager{}, err
	}

	var m Manager
	if err := v.Unmarshal(&m); err != nil {
		return Manager{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return m, nil
}

// LoadBidder reads bidder settings the same way Load does.
func LoadBidder(path string) (Bidder, error) {
	d := DefaultBidder()
	v := newViper(path)
	v.SetDefault("network", d.Network)
	v.SetDefault("coordinator", d.Coordinator)
	v.SetDefault("worker_id", d.WorkerID)
	v.SetDefault("receive_timeout", d.ReceiveTimeout)
	v.SetDefault("max_idle", d.MaxIdle)
	v.SetDefault("log_level", d.LogLevel)

	if err := readFile(v, path); err != nil {
		return Bidder{}, err
	}

	var b Bidder
	if err := v.Unmarshal(&b); err != nil {
		return Bidder{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return b, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return level, nil
}
