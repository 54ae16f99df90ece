// Package trigger decides when editing has paused long enough to request an
// inline suggestion.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Paranoid-AF/quill/clock"
)

// EditType is the kind of a raw editor event.
type EditType int32

const (
	EditNone EditType = iota
	CharTyped
	EnterTyped
	MousePressed
	MouseReleased
	MouseClicked
	DocumentChanged
	CaretPositionChanged
	FocusLost
)

var editTypeNames = map[EditType]string{
	EditNone:             "NONE",
	CharTyped:            "CHAR_TYPED",
	EnterTyped:           "ENTER_TYPED",
	MousePressed:         "MOUSE_PRESSED",
	MouseReleased:        "MOUSE_RELEASED",
	MouseClicked:         "MOUSE_CLICKED",
	DocumentChanged:      "DOCUMENT_CHANGED",
	CaretPositionChanged: "CARET_POSITION_CHANGED",
	FocusLost:            "FOCUS_LOST",
}

func (t EditType) String() string {
	if name, ok := editTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EditType(%d)", int32(t))
}

// ParseEditType returns the EditType with the given wire name.
func ParseEditType(name string) (EditType, error) {
	for t, n := range editTypeNames {
		if n == name && t != EditNone {
			return t, nil
		}
	}
	return EditNone, fmt.Errorf("unknown edit type %q", name)
}

// ContentProducing reports whether an edit of this type should lead to a
// suggestion once editing pauses.
func (t EditType) ContentProducing() bool {
	return t == CharTyped
}

// state is the last recorded edit. It is replaced as a whole so the loop
// always reads a consistent pair.
type state struct {
	typ EditType
	at  time.Time
}

// Debouncer fires OnFire once the delay has passed since the last
// content-producing edit.
//
// Record is called by the single edit-event consumer; Run is the poll loop.
type Debouncer struct {
	clock  clock.Clock
	delay  atomic.Int64
	last   atomic.Pointer[state]
	gate   func() bool
	onFire func()
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock sets the time source. The default is the wall clock.
func WithClock(c clock.Clock) Option {
	return func(d *Debouncer) { d.clock = c }
}

// WithGate sets a predicate checked before firing. While it returns false
// the loop keeps polling without consuming the recorded edit.
func WithGate(gate func() bool) Option {
	return func(d *Debouncer) { d.gate = gate }
}

// New returns a Debouncer that calls onFire from the Run goroutine.
func New(delay time.Duration, onFire func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		clock:  clock.Real(),
		onFire: onFire,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.delay.Store(int64(delay))
	d.last.Store(&state{typ: EditNone})
	return d
}

// SetDelay changes the quiet period. It takes effect on the next tick.
func (d *Debouncer) SetDelay(delay time.Duration) {
	d.delay.Store(int64(delay))
}

// Delay returns the quiet period.
func (d *Debouncer) Delay() time.Duration {
	return time.Duration(d.delay.Load())
}

// Record stores an edit event. An ENTER_TYPED followed directly by
// DOCUMENT_CHANGED is re-tagged CHAR_TYPED, so the auto-indent change after a
// newline counts as typing instead of a second, separate edit.
func (d *Debouncer) Record(t EditType) {
	prev := d.last.Load()
	if t == DocumentChanged && prev.typ == EnterTyped {
		t = CharTyped
	}
	d.last.Store(&state{typ: t, at: d.clock.Now()})
}

// Last returns the tracked edit type and its time.
func (d *Debouncer) Last() (EditType, time.Time) {
	s := d.last.Load()
	return s.typ, s.at
}

// Run polls until ctx is done.
func (d *Debouncer) Run(ctx context.Context) {
	for {
		wait := d.tick()
		timer := d.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick evaluates the tracked state once and returns how long to sleep.
func (d *Debouncer) tick() time.Duration {
	delay := d.Delay()
	s := d.last.Load()
	if s.typ == EditNone {
		return delay
	}

	if wait := delay - d.clock.Now().Sub(s.at); wait > 0 {
		return wait
	}
	if !s.typ.ContentProducing() {
		return delay
	}
	if d.gate != nil && !d.gate() {
		slog.Debug("trigger gated", "edit", s.typ)
		return delay
	}

	// Consume the edit unless a newer one arrived meanwhile.
	if d.last.CompareAndSwap(s, &state{typ: EditNone, at: s.at}) {
		slog.Debug("trigger fired", "edit", s.typ, "idle", d.clock.Now().Sub(s.at))
		if d.onFire != nil {
			d.onFire()
		}
	}
	return delay
}
