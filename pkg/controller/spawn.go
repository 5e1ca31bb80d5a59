package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

// Process is a worker started by Spawn.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Spawn starts a worker process. Its output goes to logOut.
func Spawn(exe string, args []string, logOut io.Writer) (*Process, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("controller: start worker: %w", err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the worker's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Stop interrupts the worker and kills it if it has not exited within
// grace.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return p.err
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		p.cmd.Process.Kill()
		<-p.done
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		// Exiting on the interrupt is the expected outcome.
		return nil
	}
	return p.err
}

// DialRetry dials addr until it succeeds or ctx is done, backing off with
// jitter from 50ms up to 1s between attempts. It is used right after Spawn,
// while the worker is still starting.
func DialRetry(ctx context.Context, addr string, opts ...wire.Option) (*wire.Conn, error) {
	bo := gax.Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2}
	for attempt := 1; ; attempt++ {
		wc, err := wire.Dial(ctx, addr, opts...)
		if err == nil {
			return wc, nil
		}
		slog.Debug("worker not reachable yet", "addr", addr, "attempt", attempt, "error", err)
		if gax.Sleep(ctx, bo.Pause()) != nil {
			return nil, fmt.Errorf("controller: dial %s: %w", addr, err)
		}
	}
}
