// Package supervisor starts bidder workers for the manager, either as
// goroutines in the manager's own process or as separate bidder processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/sealedbid/transport"
)

// ErrSpawn wraps any failure to start a worker.
var ErrSpawn = errors.New("spawn worker")

// Handle is a started worker.
type Handle interface {
	// ID is the worker id for in-process workers, the pid for processes.
	ID() int64

	// Wait blocks until the worker exits.
	Wait() error
}

// Spawner starts one worker connected to addr.
type Spawner interface {
	SpawnWorker(ctx context.Context, addr transport.Addr) (Handle, error)
}

// SpawnAll starts n workers. On failure the handles started so far are
// returned alongside the error so the caller can wait for them.
func SpawnAll(ctx context.Context, s Spawner, addr transport.Addr, n int) ([]Handle, error) {
	handles := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := s.SpawnWorker(ctx, addr)
		if err != nil {
			return handles, fmt.Errorf("worker %d of %d: %w", i+1, n, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// WaitAll waits for every handle and returns the first error.
func WaitAll(handles []Handle) error {
	var g errgroup.Group
	for _, h := range handles {
		g.Go(h.Wait)
	}
	return g.Wait()
}
