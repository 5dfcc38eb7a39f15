// Package rsm drives a replicated state machine: it assigns instance
// numbers to client submissions, hands them to a consensus coordinator,
// and applies the decided values strictly in order, exactly once,
// surviving crashes by way of a single-key redo record.
//
// The package owns ordering and durability of application; consensus
// itself, the byte store, the id allocator, and the application logic
// are collaborators supplied by the caller.
//
// Example:
//
//	drv, err := rsm.New(rsm.Params{
//		Coordinator: coordinator.NewLocal(),
//		Persistence: store.NewMemory(),
//		Sequence:    store.NewMemorySequence(),
//	}, nil)
//	if err != nil { ... }
//	if err := drv.Start(ctx, myTransfer); err != nil { ... }
//	in, _ := drv.NewState([]byte("payload"))
//	fut, _ := drv.Submit(ctx, in)
//	out, _ := fut.Wait(ctx)
package rsm

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/statewise/go-rsm/internal/apply"
	"github.com/statewise/go-rsm/internal/codec"
	"github.com/statewise/go-rsm/internal/interfaces"
	"github.com/statewise/go-rsm/internal/logging"
	"github.com/statewise/go-rsm/internal/pending"
	"github.com/statewise/go-rsm/internal/wal"
)

// Public aliases of the collaborator contracts. The canonical definitions
// live in internal/interfaces so internal packages can share them without
// importing this package.
type (
	Input         = interfaces.Input
	Persistence   = interfaces.Persistence
	Sequence      = interfaces.Sequence
	Coordinator   = interfaces.Coordinator
	StateTransfer = interfaces.StateTransfer
	Observer      = interfaces.Observer

	// Future is the completion handle returned by Submit. It resolves in
	// apply order, not submission order.
	Future = pending.Future
)

// ErrNotFound is returned by Persistence implementations for a missing
// key.
var ErrNotFound = interfaces.ErrNotFound

// TransferFunc adapts a plain function to the StateTransfer interface.
type TransferFunc func(in Input) (any, error)

// Transform implements StateTransfer.
func (f TransferFunc) Transform(in Input) (any, error) {
	return f(in)
}

// Params contains the collaborators a driver is built from.
type Params struct {
	// Coordinator agrees on the content of numbered slots.
	Coordinator Coordinator

	// Persistence stores the driver's two progress records.
	Persistence Persistence

	// Sequence allocates instance ids. At start it is reset to done+1.
	Sequence Sequence
}

// Options contains additional options for driver creation.
type Options struct {
	// Logger for operational messages (if nil, no logging).
	Logger *zap.Logger

	// Observer for metrics collection (if nil, no collection).
	Observer Observer

	// InstanceWait overrides the decided-slot fetch bound. Zero keeps
	// InstanceWaitTimeout.
	InstanceWait time.Duration

	// OnFatal is called after an undecodable decided payload has been
	// logged. If nil the process exits: continuing would either skip an
	// applied instance or loop forever.
	OnFatal func(error)

	// CPUAffinity optionally pins the apply goroutine (Linux only).
	CPUAffinity []int
}

// Driver is the replicated state machine facade. It is shared by many
// submitter goroutines; a single apply goroutine owns the apply-side
// state machine.
type Driver struct {
	coord   Coordinator
	persist Persistence
	seq     Sequence

	logger   *zap.Logger
	observer Observer
	wait     time.Duration
	onFatal  func(error)
	affinity []int

	pending *pending.Map
	redo    *wal.RedoLog

	// done is the highest applied instance id; max the highest id the
	// cluster is known to have reached. Written only by the apply loop.
	done atomic.Int64
	max  atomic.Int64

	// seqMu serializes id allocation against syncMaxAndSequence so a
	// locally allocated id can never collide with a remotely decided one.
	seqMu sync.Mutex

	mu      sync.Mutex // lifecycle
	started bool
	runner  *apply.Runner
	grp     *errgroup.Group
}

// New creates a driver from params. The driver does nothing until Start.
func New(params Params, options *Options) (*Driver, error) {
	if params.Coordinator == nil || params.Persistence == nil || params.Sequence == nil {
		return nil, NewError("New", ErrCodePrecondition,
			"coordinator, persistence and sequence are all required")
	}
	if options == nil {
		options = &Options{}
	}

	logger := logging.OrNop(options.Logger)

	d := &Driver{
		coord:    params.Coordinator,
		persist:  params.Persistence,
		seq:      params.Sequence,
		logger:   logger,
		observer: options.Observer,
		wait:     options.InstanceWait,
		onFatal:  options.OnFatal,
		affinity: options.CPUAffinity,
		pending:  pending.NewMap(),
		redo:     wal.NewRedoLog(params.Persistence, logger),
	}
	d.done.Store(NoneApplied)
	d.max.Store(NoneApplied)

	if d.onFatal == nil {
		d.onFatal = func(error) { os.Exit(1) }
	}
	return d, nil
}

// Start recovers durable progress and dispatches the apply loop. ctx
// bounds the loop's lifetime in addition to Stop.
func (d *Driver) Start(ctx context.Context, transfer StateTransfer) error {
	if transfer == nil {
		return NewError("Start", ErrCodePrecondition, "state transfer is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return NewError("Start", ErrCodeStarted, "driver already started")
	}

	if err := d.recoverProgress(ctx); err != nil {
		return err
	}

	d.runner = apply.NewRunner(ctx, apply.Config{
		Coordinator:  d.coord,
		Persistence:  d.persist,
		Sequence:     d.seq,
		Transfer:     transfer,
		Pending:      d.pending,
		Redo:         d.redo,
		Done:         &d.done,
		Max:          &d.max,
		SeqMu:        &d.seqMu,
		Logger:       d.logger,
		Observer:     d.observer,
		InstanceWait: d.wait,
		OnFatal:      d.onFatal,
		CPUAffinity:  d.affinity,
	})

	d.grp = &errgroup.Group{}
	d.grp.Go(d.runner.Run)
	d.started = true

	d.logger.Info("driver started",
		zap.Int64("done", d.done.Load()),
		zap.Int64("sequence", d.seq.Current()))
	return nil
}

// recoverProgress restores done from the redo record when present, else
// from the done key, and resets the sequence to done+1. The redo record
// holds the pre-apply pointer, so restoring from it re-drives the
// interrupted instance; per-id idempotence of the transform makes the
// re-drive safe whether or not the crash landed before or after the done
// advance.
func (d *Driver) recoverProgress(ctx context.Context) error {
	done, fromRedo, err := d.redo.Read(ctx)
	if err != nil {
		return WrapError("Start", ErrCodeRecovery, err)
	}
	if !fromRedo {
		done, err = wal.ReadDone(ctx, d.persist)
		if err != nil {
			return WrapError("Start", ErrCodeRecovery, err)
		}
	}

	d.done.Store(done)
	d.seqMu.Lock()
	d.seq.Set(done + 1)
	d.seqMu.Unlock()

	if fromRedo {
		d.logger.Warn("recovered from interrupted apply",
			zap.Int64("done", done))
	}
	return nil
}

// Stop requests cooperative shutdown and waits for the apply loop to
// exit. An in-flight transform is allowed to finish.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return NewError("Stop", ErrCodeNotStarted, "driver not started")
	}

	d.runner.Stop()
	err := d.grp.Wait()
	d.started = false
	d.logger.Info("driver stopped", zap.Int64("done", d.done.Load()))
	return err
}

// NewState allocates the next instance id and a fresh request uuid for
// content. Ids are strictly increasing within a run and never reused.
func (d *Driver) NewState(content []byte) (Input, error) {
	if !d.isStarted() {
		return Input{}, NewError("NewState", ErrCodeNotStarted, "driver not started")
	}

	d.seqMu.Lock()
	id := d.seq.Next()
	d.seqMu.Unlock()

	return Input{ID: id, UUID: uuid.New(), Content: content}, nil
}

// Submit serializes in, hands it to the coordinator for slot in.ID, and
// returns the completion handle registered under the id. Safe for
// concurrent use across distinct ids; the handle resolves in apply
// order.
func (d *Driver) Submit(ctx context.Context, in Input) (*Future, error) {
	if !d.isStarted() {
		return nil, NewError("Submit", ErrCodeNotStarted, "driver not started")
	}

	d.seqMu.Lock()
	cur := d.seq.Current()
	d.seqMu.Unlock()
	if in.ID > cur {
		return nil, NewInstanceError("Submit", in.ID, ErrCodePrecondition,
			"instance id was never allocated")
	}

	data, err := codec.Encode(in)
	if err != nil {
		return nil, &Error{Op: "Submit", ID: in.ID, Code: ErrCodeCodec,
			Msg: err.Error(), Inner: err}
	}

	// Register the handle before the slot can be decided, so an apply that
	// completes ahead of this call still finds the entry.
	fut := d.pending.GetOrCreate(in.ID)

	if err := d.coord.Coordinate(ctx, in.ID, data); err != nil {
		return nil, &Error{Op: "Submit", ID: in.ID, Code: ErrCodeCoordinate,
			Msg: err.Error(), Inner: err}
	}

	if d.observer != nil {
		d.observer.ObserveSubmit(uint64(len(data)))
	}
	return fut, nil
}

// Done returns the highest applied instance id, or NoneApplied.
func (d *Driver) Done() int64 {
	return d.done.Load()
}

// Max returns the highest instance id the cluster is known to have
// reached, as of the last catch-up or resync. Advisory.
func (d *Driver) Max() int64 {
	return d.max.Load()
}

// Forget allows the coordinator to drop slots strictly below before.
// before must not exceed Done.
func (d *Driver) Forget(before int64) error {
	if !d.isStarted() {
		return NewError("Forget", ErrCodeNotStarted, "driver not started")
	}
	if before > d.done.Load() {
		return NewInstanceError("Forget", before, ErrCodePrecondition,
			"cannot forget beyond the applied pointer")
	}

	d.coord.Forget(before)
	if d.observer != nil {
		d.observer.ObserveForget(before)
	}
	return nil
}

func (d *Driver) isStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}
