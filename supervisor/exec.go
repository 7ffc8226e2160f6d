package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/cloudx-io/sealedbid/transport"
)

// Exec runs each worker as a child process of the bidder binary. The child
// receives -network and -coordinator flags after Args.
type Exec struct {
	Binary string
	Args   []string

	// Env is appended to the parent's environment.
	Env []string

	// Output receives the child's stdout and stderr. nil uses os.Stderr.
	Output io.Writer

	Logger *slog.Logger
}

// SpawnWorker implements Spawner.
func (x *Exec) SpawnWorker(ctx context.Context, addr transport.Addr) (Handle, error) {
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	network := addr.Network
	if network == "" {
		network = transport.NetworkTCP
	}

	args := append([]string{}, x.Args...)
	args = append(args, "-network", network, "-coordinator", addr.String())

	cmd := exec.CommandContext(ctx, x.Binary, args...)
	cmd.Env = append(os.Environ(), x.Env...)
	out := x.Output
	if out == nil {
		out = os.Stderr
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, x.Binary, err)
	}
	logger.Info("worker process started", "pid", cmd.Process.Pid, "binary", x.Binary)
	return &processHandle{cmd: cmd, log: logger}, nil
}

type processHandle struct {
	cmd *exec.Cmd
	log *slog.Logger
}

func (h *processHandle) ID() int64 { return int64(h.cmd.Process.Pid) }

func (h *processHandle) Wait() error {
	err := h.cmd.Wait()
	if err != nil {
		h.log.Warn("worker process exited", "pid", h.cmd.Process.Pid, "error", err)
		return fmt.Errorf("worker %d: %w", h.cmd.Process.Pid, err)
	}
	h.log.Debug("worker process exited", "pid", h.cmd.Process.Pid)
	return nil
}
