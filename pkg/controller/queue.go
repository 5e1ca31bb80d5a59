package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManveerAnand/articulate3D/pkg/buffer"
	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// DefaultDrainInterval is the tick of RunDrain.
const DefaultDrainInterval = 100 * time.Millisecond

// JobKind selects what a Job asks of the execution slot.
type JobKind int

const (
	// JobScript executes Script.
	JobScript JobKind = iota
	// JobContext answers a context request with a scene snapshot.
	JobContext
)

// Job is work waiting for the execution slot.
type Job struct {
	Kind      JobKind
	RequestID string
	Script    string
	Received  time.Time
}

// Drain answers every context request queued ahead of the next script,
// then executes at most one script and reports its outcome to the worker.
// It must be called from the host's execution thread, which is the only
// place the scene provider and the executor are used. It reports false
// when the queue was empty and returns an error once the queue is closed.
func (d *Dispatcher) Drain(ctx context.Context) (bool, error) {
	ran := false
	for {
		job, ok, err := d.queue.TryNext()
		if err != nil || !ok {
			return ran, err
		}
		ran = true
		if job.Kind == JobContext {
			d.answerContext(ctx, job)
			continue
		}
		d.runScript(ctx, job)
		return true, nil
	}
}

// answerContext replies with a snapshot. A provider failure is answered
// with an empty context so the worker can fall back to what came with the
// command.
func (d *Dispatcher) answerContext(ctx context.Context, job Job) {
	snap, err := d.snapshot(ctx)
	if err != nil {
		d.log.Warn("scene snapshot failed", "request_id", job.RequestID, "error", err)
		snap = protocol.Context{}
	}
	d.send(&protocol.ContextResponse{RequestID: job.RequestID, Context: snap})
}

func (d *Dispatcher) snapshot(ctx context.Context) (snap protocol.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.cfg.Scene.Snapshot(ctx)
}

func (d *Dispatcher) runScript(ctx context.Context, job Job) {
	log := d.log.With("request_id", job.RequestID)
	start := time.Now()
	execErr := d.execute(ctx, job)
	log.Debug("script finished", "elapsed", time.Since(start).Round(time.Millisecond), "queued_for", start.Sub(job.Received).Round(time.Millisecond))

	if execErr != nil {
		log.Info("script failed", "error", execErr)
		d.send(&protocol.ExecutionError{RequestID: job.RequestID, Detail: execErr.Error()})
	} else if !d.cfg.SilentSuccess {
		d.send(&protocol.ExecutionOK{RequestID: job.RequestID})
	}
	d.cfg.Presenter.Executed(job.RequestID, execErr)
}

// execute runs one job behind a recover so a panicking executor fails only
// its own script.
func (d *Dispatcher) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	script := genx.StripFences(job.Script)
	if script == "" {
		return errors.New("empty script")
	}
	return d.cfg.Executor.Execute(ctx, script)
}

// RunDrain calls Drain every interval until ctx is done or the dispatcher
// closes. It stands in for a host timer when the controller owns its
// execution thread.
func (d *Dispatcher) RunDrain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil {
				if errors.Is(err, buffer.ErrIteratorDone) {
					return nil
				}
				return err
			}
		}
	}
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}
