// Package wal owns the driver's durable progress records: the done
// pointer and the single-key redo record that brackets an apply in
// flight. Both values are 4-byte big-endian signed integers; big-endian
// is fixed explicitly so records are portable across platforms.
package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/statewise/go-rsm/internal/constants"
	"github.com/statewise/go-rsm/internal/interfaces"
)

const recordSize = 4

func encodeID(id int64) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint32(buf, uint32(int32(id)))
	return buf
}

func decodeID(data []byte) (int64, error) {
	if len(data) != recordSize {
		return 0, fmt.Errorf("progress record is %d bytes, want %d", len(data), recordSize)
	}
	return int64(int32(binary.BigEndian.Uint32(data))), nil
}

// ReadDone returns the durable done pointer, or NoneApplied if no
// instance has ever been applied. A malformed record is an error: the
// pointer cannot be trusted and the driver must not guess.
func ReadDone(ctx context.Context, store interfaces.Persistence) (int64, error) {
	data, err := store.Get(ctx, constants.KeyDone)
	if errors.Is(err, interfaces.ErrNotFound) {
		return constants.NoneApplied, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", constants.KeyDone, err)
	}
	id, err := decodeID(data)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", constants.KeyDone, err)
	}
	return id, nil
}

// WriteDone durably advances the done pointer to id.
func WriteDone(ctx context.Context, store interfaces.Persistence, id int64) error {
	if err := store.Put(ctx, constants.KeyDone, encodeID(id)); err != nil {
		return fmt.Errorf("writing %s: %w", constants.KeyDone, err)
	}
	return nil
}

// RedoLog is the hazard marker for an apply in flight. Write records the
// pre-apply done pointer before the transform runs; Clear removes the
// marker once the transform has succeeded, on every later exit path of
// the apply step. A record found at startup means a crash interrupted an
// apply and the instance after the recorded pointer must be re-driven.
type RedoLog struct {
	store interfaces.Persistence
	log   *zap.Logger
}

// NewRedoLog creates a redo log over store.
func NewRedoLog(store interfaces.Persistence, log *zap.Logger) *RedoLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedoLog{store: store, log: log}
}

// Write atomically records id as the pre-apply done pointer.
func (r *RedoLog) Write(ctx context.Context, id int64) error {
	if err := r.store.Put(ctx, constants.KeyDoneRedo, encodeID(id)); err != nil {
		return fmt.Errorf("writing %s: %w", constants.KeyDoneRedo, err)
	}
	return nil
}

// Clear atomically removes the redo record.
func (r *RedoLog) Clear(ctx context.Context) error {
	if err := r.store.Remove(ctx, constants.KeyDoneRedo); err != nil {
		return fmt.Errorf("clearing %s: %w", constants.KeyDoneRedo, err)
	}
	return nil
}

// Read returns the recorded id and true when a well-formed record is
// present. An absent record reads as (0, false, nil). A present but
// malformed record also reads as absent, with a logged warning, so a
// corrupt marker degrades to the done pointer rather than poisoning
// recovery.
func (r *RedoLog) Read(ctx context.Context) (int64, bool, error) {
	data, err := r.store.Get(ctx, constants.KeyDoneRedo)
	if errors.Is(err, interfaces.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading %s: %w", constants.KeyDoneRedo, err)
	}

	id, err := decodeID(data)
	if err != nil {
		r.log.Warn("malformed redo record, treating as absent",
			zap.String("key", constants.KeyDoneRedo),
			zap.Int("bytes", len(data)))
		return 0, false, nil
	}
	return id, true, nil
}
