package generate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/candidate"
	"github.com/Paranoid-AF/quill/stream"
	"github.com/google/uuid"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("sessions closed")

// Streamer opens the event stream of one request.
type Streamer interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Sink receives the events of one session, in arrival order, after they
// have been applied to the session's candidates. It runs on the session's
// goroutine with the session locked, so it must not start or cancel
// sessions itself.
type Sink func(s *Session, ev stream.Event)

// Session is one network exchange. It owns its candidate set.
type Session struct {
	ID        string
	ContextID string

	candidates *candidate.Set
	cancel     context.CancelFunc
	done       chan struct{}

	mu        sync.Mutex
	cancelled bool
	finished  bool
	err       error
	usage     quill.Usage
}

// Candidates returns the session's candidate set.
func (s *Session) Candidates() *candidate.Set { return s.candidates }

// Done is closed when the session's goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session's goroutine has exited.
func (s *Session) Wait() { <-s.done }

// Err returns the terminal failure, candidate.ErrNoSuggestion when the
// stream finished without text, or nil. Cancelled sessions report nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancelled reports whether the session was superseded or stopped before it
// finished.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Usage returns the token counts reported so far.
func (s *Session) Usage() quill.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// stop cancels the session and reports whether it was still running. Once
// it returns the session cannot call its sink or touch its candidates
// again: delivery holds the same lock and checks the flag first.
func (s *Session) stop() bool {
	s.mu.Lock()
	running := !s.finished && !s.cancelled
	if !s.finished {
		s.cancelled = true
	}
	s.mu.Unlock()
	s.cancel()
	return running
}

func (s *Session) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

// deliver applies ev and hands it to sink. It returns false once the
// session is cancelled, which ends decoding.
func (s *Session) deliver(sink Sink, ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.finished {
		return false
	}
	if ev.Terminal() {
		s.finished = true
	}

	switch ev.Type {
	case stream.EventChoices:
		s.candidates.AppendDeltas(ev.Deltas)
	case stream.EventUsage:
		s.usage = quill.Usage{PromptTokens: ev.PromptTokens, CompletionTokens: ev.CompletionTokens}
	case stream.EventDone, stream.EventClosed:
		if err := s.candidates.MarkDone(); err != nil {
			s.err = err
		}
	case stream.EventError:
		s.err = ev.Err
	}

	if sink != nil {
		sink(s, ev)
	}
	return true
}

// Sessions tracks the current session of each context. Starting a session
// supersedes the previous one for the same context, so at most one exchange
// per context is ever in flight. A finished session stays current until it
// is superseded or cancelled, so its candidates can still be navigated.
type Sessions struct {
	streamer Streamer

	mu     sync.Mutex
	active map[string]*Session
	closed bool
	wg     sync.WaitGroup
}

// NewSessions creates a registry that opens streams with streamer.
func NewSessions(streamer Streamer) *Sessions {
	return &Sessions{
		streamer: streamer,
		active:   make(map[string]*Session),
	}
}

// Start cancels the current session of contextID, then sends req in a new
// session whose events go to sink. When Start returns, the superseded
// session has already stopped emitting.
func (r *Sessions) Start(contextID string, req Request, sink Sink) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         uuid.NewString(),
		ContextID:  contextID,
		candidates: candidate.New(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	prev := r.active[contextID]
	r.active[contextID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	if prev != nil {
		prev.stop()
		slog.Debug("session superseded", "context", contextID, "session", prev.ID, "by", s.ID)
	}

	go r.run(ctx, s, req, sink)
	return s, nil
}

func (r *Sessions) run(ctx context.Context, s *Session, req Request, sink Sink) {
	defer r.wg.Done()
	defer close(s.done)
	defer s.cancel()
	defer s.finish()

	body, err := r.streamer.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil || quill.IsCancelled(err) {
			return
		}
		slog.Error("generation request failed", "context", s.ContextID, "session", s.ID, "error", err)
		s.deliver(sink, stream.Event{Type: stream.EventError, Err: err})
		return
	}
	defer body.Close()

	stream.Decode(ctx, body, func(ev stream.Event) bool {
		if ev.Type == stream.EventError {
			slog.Error("generation stream failed", "context", s.ContextID, "session", s.ID, "error", ev.Err)
		}
		return s.deliver(sink, ev)
	})
}

// release forgets s if it is still the context's current session.
func (r *Sessions) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[s.ContextID] == s {
		delete(r.active, s.ContextID)
	}
}

// Current returns the current session of contextID, finished or not, or nil.
func (r *Sessions) Current(contextID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[contextID]
}

// Cancel stops s and forgets it. It reports whether s was still running;
// finished sessions are only forgotten.
func (r *Sessions) Cancel(s *Session) bool {
	if s == nil {
		return false
	}
	r.release(s)
	return s.stop()
}

// CancelAll stops and forgets the current session of contextID. It returns
// the session, or nil when there was none, and whether it was still running.
func (r *Sessions) CancelAll(contextID string) (*Session, bool) {
	r.mu.Lock()
	s := r.active[contextID]
	delete(r.active, contextID)
	r.mu.Unlock()
	if s == nil {
		return nil, false
	}
	return s, s.stop()
}

// Close cancels every session and waits for their goroutines to exit.
func (r *Sessions) Close() {
	r.mu.Lock()
	r.closed = true
	active := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		active = append(active, s)
	}
	r.active = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range active {
		s.stop()
	}
	r.wg.Wait()
}
