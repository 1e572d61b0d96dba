package session

import "errors"

// windowSize is how many sequence numbers behind the highest accepted one
// a frame may trail and still be considered. Anything older is stale.
const windowSize = 64

// ErrReplayRejected is returned for a frame whose sequence is stale or
// already accepted. Such frames are dropped without being reported to
// the consumer.
var ErrReplayRejected = errors.New("session: replayed or stale sequence")

// replayWindow tracks accepted inbound sequence numbers: the highest
// accepted so far plus a bitmap of the windowSize numbers trailing it.
// Check never mutates, so a frame that later fails authentication leaves
// no trace here.
type replayWindow struct {
	highest  uint64
	bitmap   uint64
	accepted bool
}

// Check reports whether the sequence would be accepted. It does not mark
// the sequence; call Mark after the frame authenticates.
func (w *replayWindow) Check(sequence uint64) error {
	if !w.accepted {
		return nil
	}
	if sequence > w.highest {
		return nil
	}
	offset := w.highest - sequence
	if offset >= windowSize {
		return ErrReplayRejected
	}
	if w.bitmap&(1<<offset) != 0 {
		return ErrReplayRejected
	}
	return nil
}

// Mark records an authenticated sequence, sliding the window forward if
// it is the new highest.
func (w *replayWindow) Mark(sequence uint64) {
	if !w.accepted {
		w.highest = sequence
		w.bitmap = 1
		w.accepted = true
		return
	}

	if sequence > w.highest {
		shift := sequence - w.highest
		if shift >= windowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = sequence
		return
	}

	offset := w.highest - sequence
	if offset < windowSize {
		w.bitmap |= 1 << offset
	}
}
