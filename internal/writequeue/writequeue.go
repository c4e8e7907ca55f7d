// Package writequeue implements the write queue (component C3): a ring
// of fixed-size target windows that delays physical writes by
// WriteQueueLength windows so source reads stay behind the pending
// write frontier during in-place patching.
package writequeue

import (
	"fmt"

	"github.com/deploymenttheory/syspatch/internal/perrors"
)

// Window is one fixed-size target output slot.
type Window struct {
	Start  int64
	Length int
	Data   []byte
}

// Target is the narrow capability a Queue needs from the target
// don't-care map cursor.
type Target interface {
	Seek(offset int64) error
	Write(src []byte) (int, error)
	Flush() error
}

// Decoder is the subset of the VCDIFF decoder's output contract the
// queue drains from: however many bytes the decoder currently has
// available, plus a way to tell it they've been consumed.
type Decoder interface {
	AvailOutput() []byte
	ConsumeOutput()
}

// Queue owns WriteQueueLength target windows in a ring, indexed by the
// count of windows produced so far mod len(slots).
type Queue struct {
	windowSize     int64
	slots          []*Window
	produced       int64 // windows filled (or drained past) so far; selects the ring slot
	windowsWritten int64 // windows physically flushed
	target         Target
	onFlush        func(frontier int64)
}

// New creates a Queue with the given ring length and window size.
// onFlush, if non-nil, is called with the new read frontier every time
// a window is physically flushed.
func New(length int, windowSize int64, target Target, onFlush func(frontier int64)) (*Queue, error) {
	if length <= 0 {
		return nil, perrors.New(perrors.OutOfMemory, "writequeue.New", fmt.Errorf("length must be positive, got %d", length))
	}
	q := &Queue{
		windowSize: windowSize,
		slots:      make([]*Window, length),
		target:     target,
		onFlush:    onFlush,
	}
	for i := range q.slots {
		q.slots[i] = &Window{Data: make([]byte, windowSize)}
	}
	return q, nil
}

// Advance performs one step: select the ring slot the next window
// lands in, flush it first if it still holds the write queued a full
// ring ago, then drain whatever output the decoder currently has
// available into it. A window therefore only reaches the target once
// len(slots) further windows have been produced, which is what keeps
// the frontier WriteQueueLength windows behind the decoder.
func (q *Queue) Advance(dec Decoder) error {
	slot := q.slots[q.produced%int64(len(q.slots))]
	start := q.produced * q.windowSize
	q.produced++

	if slot.Length > 0 {
		if err := q.flush(slot); err != nil {
			return err
		}
	}

	avail := dec.AvailOutput()
	if len(avail) > 0 {
		slot.Start = start
		slot.Length = copy(slot.Data, avail)
		dec.ConsumeOutput()
	}
	return nil
}

func (q *Queue) flush(slot *Window) error {
	if err := q.target.Seek(slot.Start); err != nil {
		return perrors.New(perrors.TargetIOError, "writequeue.flush", fmt.Errorf("seek to %d: %w", slot.Start, err))
	}
	n, err := q.target.Write(slot.Data[:slot.Length])
	if err != nil || n != slot.Length {
		return perrors.New(perrors.TargetIOError, "writequeue.flush", fmt.Errorf("wrote %d of %d bytes: %w", n, slot.Length, err))
	}
	if err := q.target.Flush(); err != nil {
		return perrors.New(perrors.TargetIOError, "writequeue.flush", err)
	}
	if q.onFlush != nil {
		q.onFlush(slot.Start + int64(slot.Length))
	}
	q.windowsWritten++
	slot.Length = 0
	return nil
}

// DrainAll flushes every still-buffered window; it must be called
// exactly once after the decoder signals end-of-stream.
func (q *Queue) DrainAll(dec Decoder) error {
	for i := 0; i < len(q.slots); i++ {
		if err := q.Advance(dec); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether every slot has Length 0, the post-condition
// DrainAll is required to leave behind.
func (q *Queue) Empty() bool {
	for _, s := range q.slots {
		if s.Length > 0 {
			return false
		}
	}
	return true
}

// WindowsWritten returns the count of windows physically flushed so far.
func (q *Queue) WindowsWritten() int64 { return q.windowsWritten }
