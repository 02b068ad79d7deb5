package sampler

import (
	"fmt"
	"sync"
)

// State is the resumable snapshot of a sampler. Callers embed it in their
// own checkpoint payload and hand it back to Load after a restart.
type State struct {
	Progress int `json:"progress"`
	Epoch    int `json:"epoch"`
}

// cursor implements the FRESH / IN_EPOCH state machine shared by every
// sampler. Progress is counted in unit ("samples" or "batches").
type cursor struct {
	progress int
	epoch    int
	inEpoch  bool
	unit     string
	// gen counts begin calls so a stale EpochScope cannot end a later epoch.
	gen int
}

// begin moves FRESH -> IN_EPOCH for epoch.
func (c *cursor) begin(op string, epoch int) error {
	if epoch < 0 {
		return fmt.Errorf("%w: epoch must be >= 0, got %d", ErrInvalidArgument, epoch)
	}
	if c.inEpoch {
		return &SequencingError{Op: op, Epoch: epoch, Progress: c.progress,
			Reason: fmt.Sprintf("epoch %d has not been ended", c.epoch)}
	}
	if c.progress > 0 && epoch != c.epoch {
		return &SequencingError{Op: op, Epoch: epoch, Progress: c.progress,
			Reason: fmt.Sprintf("restored progress belongs to epoch %d", c.epoch)}
	}
	c.epoch = epoch
	c.inEpoch = true
	c.gen++
	return nil
}

// advance adds n units, leaving the cursor untouched on failure.
func (c *cursor) advance(n, capacity int) error {
	if !c.inEpoch {
		return &SequencingError{Op: "advance", Epoch: c.epoch, Progress: c.progress,
			Reason: "no epoch is in progress"}
	}
	if n < 0 {
		return fmt.Errorf("%w: advance by %d", ErrInvalidArgument, n)
	}
	if n > capacity-c.progress {
		return &ProgressOverrunError{Progress: c.progress, Advance: n, Capacity: capacity, Unit: c.unit, Epoch: c.epoch}
	}
	c.progress += n
	return nil
}

// reset moves IN_EPOCH -> FRESH.
func (c *cursor) reset() {
	c.progress = 0
	c.inEpoch = false
}

// load validates st against capacity before accepting it. The cursor is
// left FRESH so the caller re-enters the restored epoch.
func (c *cursor) load(st State, capacity int) error {
	if st.Epoch < 0 || st.Progress < 0 {
		return fmt.Errorf("%w: state %+v", ErrInvalidArgument, st)
	}
	if st.Progress > capacity {
		return &ProgressOverrunError{Progress: st.Progress, Capacity: capacity, Unit: c.unit, Epoch: st.Epoch}
	}
	c.progress = st.Progress
	c.epoch = st.Epoch
	c.inEpoch = false
	return nil
}

// resetGen resets only if the epoch opened as generation gen is still current.
func (c *cursor) resetGen(gen int) {
	if c.inEpoch && c.gen == gen {
		c.reset()
	}
}

// scope wraps the epoch just opened by begin.
func (c *cursor) scope() *EpochScope {
	gen := c.gen
	return &EpochScope{epoch: c.epoch, end: func() { c.resetGen(gen) }}
}

func (c *cursor) state() State {
	return State{Progress: c.progress, Epoch: c.epoch}
}

// EpochScope is returned by BeginEpoch. End resets the sampler to FRESH and
// must run on every exit path of the epoch body, typically via defer.
type EpochScope struct {
	epoch int
	once  sync.Once
	end   func()
}

// Epoch returns the epoch this scope was opened for.
func (s *EpochScope) Epoch() int {
	return s.epoch
}

// End resets progress and leaves the epoch. Calling End more than once is a no-op.
func (s *EpochScope) End() {
	s.once.Do(s.end)
}
