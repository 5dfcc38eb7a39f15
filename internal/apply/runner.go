// Package apply drives decided instances into the state transfer,
// strictly in id order, exactly one instance per iteration.
package apply

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/statewise/go-rsm/internal/codec"
	"github.com/statewise/go-rsm/internal/constants"
	"github.com/statewise/go-rsm/internal/interfaces"
	"github.com/statewise/go-rsm/internal/pending"
	"github.com/statewise/go-rsm/internal/wal"
)

// Config wires a Runner to its collaborators. Done and Max are shared
// with the driver facade, which reads them; only the runner writes them.
// SeqMu serializes sequence access against the driver's allocation path.
type Config struct {
	Coordinator interfaces.Coordinator
	Persistence interfaces.Persistence
	Sequence    interfaces.Sequence
	Transfer    interfaces.StateTransfer
	Pending     *pending.Map
	Redo        *wal.RedoLog

	Done  *atomic.Int64
	Max   *atomic.Int64
	SeqMu *sync.Mutex

	Logger   *zap.Logger
	Observer interfaces.Observer

	// InstanceWait bounds the decided-slot fetch; the timeout is the
	// catch-up trigger, not an error. Defaults to
	// constants.InstanceWaitTimeout.
	InstanceWait time.Duration

	// OnFatal is invoked after an undecodable decided payload is logged.
	// The runner stops afterwards regardless of what OnFatal does.
	OnFatal func(error)

	// CPUAffinity optionally pins the apply goroutine's OS thread.
	CPUAffinity []int
}

// Runner owns the apply-side state machine. Exactly one goroutine runs
// Run; no other goroutine writes done, writes the redo record, invokes
// the transform, or resyncs the sequence.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc

	coord    interfaces.Coordinator
	store    interfaces.Persistence
	seq      interfaces.Sequence
	transfer interfaces.StateTransfer
	pending  *pending.Map
	redo     *wal.RedoLog

	done  *atomic.Int64
	max   *atomic.Int64
	seqMu *sync.Mutex

	logger   *zap.Logger
	observer interfaces.Observer
	wait     time.Duration
	onFatal  func(error)
	affinity []int

	// applied counts successful applies since start (or since the last
	// forget); it is intentionally not persisted.
	applied int
}

// NewRunner creates an apply runner. The runner's lifetime is bounded by
// ctx and by Stop.
func NewRunner(ctx context.Context, cfg Config) *Runner {
	ctx, cancel := context.WithCancel(ctx)

	wait := cfg.InstanceWait
	if wait <= 0 {
		wait = constants.InstanceWaitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		ctx:      ctx,
		cancel:   cancel,
		coord:    cfg.Coordinator,
		store:    cfg.Persistence,
		seq:      cfg.Sequence,
		transfer: cfg.Transfer,
		pending:  cfg.Pending,
		redo:     cfg.Redo,
		done:     cfg.Done,
		max:      cfg.Max,
		seqMu:    cfg.SeqMu,
		logger:   logger,
		observer: cfg.Observer,
		wait:     wait,
		onFatal:  cfg.OnFatal,
		affinity: cfg.CPUAffinity,
	}
}

// Stop requests cooperative shutdown. The loop observes it at the top of
// the next iteration; an in-flight transform is not interrupted.
func (r *Runner) Stop() {
	r.cancel()
}

// Run executes the apply loop until Stop or ctx cancellation. It always
// returns nil; failures inside an iteration are either transient (logged
// and retried) or fatal (handed to OnFatal).
func (r *Runner) Run() error {
	pinThread(r.affinity, r.logger)

	r.logger.Debug("apply loop starting", zap.Int64("done", r.done.Load()))

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("apply loop stopping")
			return nil
		default:
			r.applyNext()
		}
	}
}

// applyNext attempts to apply exactly one instance, done+1.
func (r *Runner) applyNext() {
	target := r.done.Load() + 1

	fctx, cancel := context.WithTimeout(r.ctx, r.wait)
	data, err := r.coord.Instance(fctx, target)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			// Not decided locally within the bound; peers may be ahead.
			r.catchUp(target)
		case r.ctx.Err() != nil:
			// Shutting down.
		default:
			r.logger.Warn("fetching decided instance failed",
				zap.Int64("id", target), zap.Error(err))
		}
		return
	}

	in, err := codec.Decode(data)
	if err != nil {
		// A decided slot this driver cannot parse is irrecoverable
		// divergence: skipping it would break exactly-once, retrying it
		// would loop forever.
		r.logger.Error("undecodable decided payload",
			zap.Int64("id", target), zap.Error(err))
		if r.onFatal != nil {
			r.onFatal(err)
		}
		r.cancel()
		return
	}

	// Persistence writes inside the iteration are not aborted by Stop;
	// cancellation is only observed between iterations.
	pctx := context.WithoutCancel(r.ctx)

	// Hazard marker: record the pre-apply done pointer before the
	// transform runs. Recovery restores done to this value and re-drives
	// the same instance, which the transform's per-id idempotence makes
	// safe.
	if err := r.redo.Write(pctx, target-1); err != nil {
		r.logger.Warn("redo pre-write failed", zap.Int64("id", target), zap.Error(err))
		return
	}

	start := time.Now()
	out, err := r.transfer.Transform(in)
	if err != nil {
		// Transient: done is not advanced and the redo record stays, so
		// the same instance is re-driven on the next iteration.
		if r.observer != nil {
			r.observer.ObserveApply(uint64(time.Since(start).Nanoseconds()), false)
		}
		r.logger.Warn("transform failed, will retry",
			zap.Int64("id", in.ID), zap.Error(err))
		return
	}

	// The transform has run: from here every exit path releases the
	// hazard marker, including errors while publishing the advance.
	defer func() {
		if err := r.redo.Clear(pctx); err != nil {
			r.logger.Warn("redo clear failed", zap.Int64("id", target), zap.Error(err))
		}
	}()

	r.pending.Complete(in.ID, out)

	if err := wal.WriteDone(pctx, r.store, target); err != nil {
		// The transform's effects are durable but the pointer is not; the
		// instance is re-driven next iteration, safe by idempotence.
		r.logger.Warn("advancing done pointer failed",
			zap.Int64("id", target), zap.Error(err))
		return
	}
	r.done.Store(target)

	r.syncMaxAndSequence()

	r.applied++
	if r.applied > constants.ForgetThreshold {
		before := r.done.Load()
		r.coord.Forget(before)
		if r.observer != nil {
			r.observer.ObserveForget(before)
		}
		r.applied = 0
	}

	if r.observer != nil {
		r.observer.ObserveApply(uint64(time.Since(start).Nanoseconds()), true)
	}
}

// catchUp asks peers for every slot in [target, max]. done is not
// advanced; the decided values arrive through the coordinator and are
// fetched by later iterations.
func (r *Runner) catchUp(target int64) {
	m := r.coord.Max()
	r.max.Store(m)
	if m < target {
		return
	}

	for i := target; i <= m; i++ {
		r.coord.Learn(i)
	}
	r.logger.Debug("catch-up requested",
		zap.Int64("from", target), zap.Int64("to", m))
	if r.observer != nil {
		r.observer.ObserveCatchUp(uint64(m - target + 1))
	}
}

// syncMaxAndSequence refreshes max and bumps the sequence past it, so no
// locally allocated id can collide with an instance another node already
// decided.
func (r *Runner) syncMaxAndSequence() {
	m := r.coord.Max()
	r.max.Store(m)

	r.seqMu.Lock()
	if m >= r.seq.Current() {
		r.seq.Set(m + 1)
	}
	r.seqMu.Unlock()
}
