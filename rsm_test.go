package rsm

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statewise/go-rsm/internal/codec"
)

const (
	testWait   = 20 * time.Millisecond
	eventually = 2 * time.Second
	pollEvery  = time.Millisecond
)

type fixture struct {
	coord   *MockCoordinator
	persist *MockPersistence
	seq     *MockSequence
	xfer    *MockTransfer
	driver  *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		coord:   NewMockCoordinator(),
		persist: NewMockPersistence(),
		seq:     NewMockSequence(),
		xfer:    NewMockTransfer(),
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	drv, err := New(Params{
		Coordinator: f.coord,
		Persistence: f.persist,
		Sequence:    f.seq,
	}, &Options{
		InstanceWait: testWait,
		OnFatal:      func(err error) { t.Errorf("unexpected fatal: %v", err) },
	})
	require.NoError(t, err)
	require.NoError(t, drv.Start(context.Background(), f.xfer))
	f.driver = drv
	t.Cleanup(func() {
		if f.driver != nil {
			_ = f.driver.Stop()
		}
	})
}

func (f *fixture) waitDone(t *testing.T, want int64) {
	t.Helper()
	require.Eventually(t, func() bool { return f.driver.Done() == want },
		eventually, pollEvery, "done never reached %d", want)
}

func encodeInput(t *testing.T, in Input) []byte {
	t.Helper()
	data, err := codec.Encode(in)
	require.NoError(t, err)
	return data
}

func int32be(v int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

// S1: a single submission applied from an empty store.
func TestSingleApply(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	in, err := f.driver.NewState([]byte("a"))
	require.NoError(t, err)
	require.EqualValues(t, 0, in.ID)

	fut, err := f.driver.Submit(context.Background(), in)
	require.NoError(t, err)

	out, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "applied:0:a", out)

	f.waitDone(t, 0)

	rec, ok := f.persist.Record(KeyDone)
	require.True(t, ok, "done record missing")
	require.Equal(t, int32be(0), rec)
	_, ok = f.persist.Record(KeyDoneRedo)
	require.False(t, ok, "redo record present after quiesce")
}

// S2: decisions landing out of order are applied, and resolved, in id
// order.
func TestOrderedApplyOfOutOfOrderDecisions(t *testing.T) {
	f := newFixture(t)
	f.coord.SetAutoDecide(false)
	f.start(t)

	ctx := context.Background()
	var inputs []Input
	var futs []*Future
	for i := 0; i < 3; i++ {
		in, err := f.driver.NewState([]byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		require.EqualValues(t, i, in.ID)
		fut, err := f.driver.Submit(ctx, in)
		require.NoError(t, err)
		inputs = append(inputs, in)
		futs = append(futs, fut)
	}

	for _, id := range []int64{2, 0, 1} {
		f.coord.Decide(id, encodeInput(t, inputs[id]))
	}

	f.waitDone(t, 2)
	require.Equal(t, []int64{0, 1, 2}, f.xfer.Calls(),
		"apply order must follow ids, not decision order")

	for i, fut := range futs {
		out, err := fut.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("applied:%d:v%d", i, i), out)
	}
}

// S3: an undecided slot with peers ahead triggers learn over the gap.
func TestCatchUp(t *testing.T) {
	f := newFixture(t)
	f.persist.Preload(KeyDone, int32be(4))
	f.coord.SetMax(7)
	f.start(t)

	require.EqualValues(t, 4, f.driver.Done())

	require.Eventually(t, func() bool {
		seen := map[int64]bool{}
		for _, id := range f.coord.LearnCalls() {
			seen[id] = true
		}
		return seen[5] && seen[6] && seen[7]
	}, eventually, pollEvery, "learn not issued for the full gap")

	require.EqualValues(t, 4, f.driver.Done(), "done advanced without a decision")
	require.EqualValues(t, 7, f.driver.Max())

	// Delivery of the missing slot resumes the apply loop.
	f.coord.Decide(5, encodeInput(t, Input{ID: 5, Content: []byte("x")}))
	f.waitDone(t, 5)
}

// S4: crash between the redo pre-write and the apply.
func TestRecoveryFromCrashBeforeApply(t *testing.T) {
	f := newFixture(t)
	f.persist.Preload(KeyDone, int32be(3))
	f.persist.Preload(KeyDoneRedo, int32be(3))
	f.coord.Decide(4, encodeInput(t, Input{ID: 4, Content: []byte("x")}))
	f.start(t)

	f.waitDone(t, 4)
	require.GreaterOrEqual(t, f.xfer.CallsFor(4), 1)

	rec, ok := f.persist.Record(KeyDone)
	require.True(t, ok)
	require.Equal(t, int32be(4), rec)

	require.Eventually(t, func() bool {
		_, ok := f.persist.Record(KeyDoneRedo)
		return !ok
	}, eventually, pollEvery, "redo record not cleared")
}

// S5: crash after the done advance but before the redo clear. The
// instance is re-driven, which the transform's idempotence absorbs.
func TestRecoveryFromLingeringRedo(t *testing.T) {
	f := newFixture(t)
	f.persist.Preload(KeyDone, int32be(5))
	f.persist.Preload(KeyDoneRedo, int32be(4))
	f.start(t)

	require.EqualValues(t, 4, f.driver.Done(), "recovery must trust the redo record")

	// Slot 5 is decided only after the recovered pointer has been checked,
	// so the apply loop cannot have advanced past it yet.
	f.coord.Decide(5, encodeInput(t, Input{ID: 5, Content: []byte("x")}))

	f.waitDone(t, 5)
	require.GreaterOrEqual(t, f.xfer.CallsFor(5), 1)

	rec, ok := f.persist.Record(KeyDone)
	require.True(t, ok)
	require.Equal(t, int32be(5), rec)

	require.Eventually(t, func() bool {
		_, ok := f.persist.Record(KeyDoneRedo)
		return !ok
	}, eventually, pollEvery, "redo record not cleared")
}

// S6: the 101st successful apply triggers exactly one forget.
func TestPeriodicForget(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 101; i++ {
		in, err := f.driver.NewState([]byte{byte(i)})
		require.NoError(t, err)
		_, err = f.driver.Submit(ctx, in)
		require.NoError(t, err)
	}

	f.waitDone(t, 100)
	require.Eventually(t, func() bool {
		return len(f.coord.ForgetCalls()) == 1
	}, eventually, pollEvery, "expected exactly one forget")
	require.Equal(t, []int64{100}, f.coord.ForgetCalls())
}

func TestNewStateIDsStrictlyAscending(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var prev int64 = -1
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		in, err := f.driver.NewState(nil)
		require.NoError(t, err)
		require.Greater(t, in.ID, prev)
		require.False(t, seen[in.ID], "id %d reused", in.ID)
		seen[in.ID] = true
		prev = in.ID
	}
}

func TestSubmitPreconditions(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	// An id the sequence never allocated.
	_, err := f.driver.Submit(ctx, Input{ID: 999})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodePrecondition), "got %v", err)

	// A frame the codec rejects surfaces synchronously.
	_, err = f.driver.Submit(ctx, Input{ID: -1})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeCodec), "got %v", err)
}

func TestForgetPrecondition(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.driver.Forget(f.driver.Done() + 1)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodePrecondition))

	require.NoError(t, f.driver.Forget(f.driver.Done()))
}

func TestLifecycleGuards(t *testing.T) {
	drv, err := New(Params{
		Coordinator: NewMockCoordinator(),
		Persistence: NewMockPersistence(),
		Sequence:    NewMockSequence(),
	}, nil)
	require.NoError(t, err)

	_, err = drv.NewState(nil)
	require.True(t, IsCode(err, ErrCodeNotStarted))
	_, err = drv.Submit(context.Background(), Input{})
	require.True(t, IsCode(err, ErrCodeNotStarted))
	require.True(t, IsCode(drv.Forget(0), ErrCodeNotStarted))
	require.True(t, IsCode(drv.Stop(), ErrCodeNotStarted))

	require.NoError(t, drv.Start(context.Background(), NewMockTransfer()))
	require.True(t, IsCode(drv.Start(context.Background(), NewMockTransfer()), ErrCodeStarted))
	require.NoError(t, drv.Stop())
}

func TestNewValidatesCollaborators(t *testing.T) {
	_, err := New(Params{}, nil)
	require.True(t, IsCode(err, ErrCodePrecondition))
}

// A stopped driver restarted over the same store resumes from its
// durable progress and the sequence follows.
func TestRestartResumesProgress(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		in, err := f.driver.NewState([]byte{byte(i)})
		require.NoError(t, err)
		_, err = f.driver.Submit(ctx, in)
		require.NoError(t, err)
	}
	f.waitDone(t, 2)
	require.NoError(t, f.driver.Stop())

	f2 := &fixture{
		coord:   f.coord,
		persist: f.persist,
		seq:     NewMockSequence(),
		xfer:    NewMockTransfer(),
	}
	f2.start(t)

	require.EqualValues(t, 2, f2.driver.Done())
	require.EqualValues(t, 3, f2.seq.Current())

	in, err := f2.driver.NewState([]byte("next"))
	require.NoError(t, err)
	require.EqualValues(t, 3, in.ID)
	fut, err := f2.driver.Submit(ctx, in)
	require.NoError(t, err)
	out, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "applied:3:next", out)
}

func TestTransientTransformErrorRetries(t *testing.T) {
	f := newFixture(t)
	fail := make(chan struct{})
	calls := 0
	f.xfer.Fn = func(in Input) (any, error) {
		calls++
		select {
		case <-fail:
			return string(in.Content), nil
		default:
			return nil, fmt.Errorf("transient %d", calls)
		}
	}
	f.start(t)

	in, err := f.driver.NewState([]byte("x"))
	require.NoError(t, err)
	_, err = f.driver.Submit(context.Background(), in)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.xfer.CallsFor(0) >= 2 },
		eventually, pollEvery, "failed transform was not retried")
	require.EqualValues(t, NoneApplied, f.driver.Done())

	close(fail)
	f.waitDone(t, 0)
}
