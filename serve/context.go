package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/generate"
	"github.com/Paranoid-AF/quill/trigger"
	"github.com/google/uuid"
)

// writeTimeout bounds a notification write to a client that stopped reading.
const writeTimeout = 5 * time.Second

// editContext is one attached editor connection. It owns the debouncer for
// automatic suggestions and lives until the connection closes.
type editContext struct {
	id  string
	srv *Server

	writeMu sync.Mutex
	w       io.Writer

	mu           sync.Mutex
	doc          quill.Document
	autoComplete *bool // editor override of the configured auto_complete
	popupVisible bool
	indexing     bool

	debouncer *trigger.Debouncer
}

func newEditContext(srv *Server, w io.Writer, attach *quill.Message) *editContext {
	id := attach.ContextID
	if id == "" {
		id = uuid.NewString()
	}
	ec := &editContext{
		id:  id,
		srv: srv,
		w:   w,
	}
	if attach.Document != nil {
		ec.doc = *attach.Document
	}
	if attach.State != nil {
		ec.applyState(attach.State)
	}
	ec.debouncer = trigger.New(quill.TriggerDelay(srv.assistant().Config()), ec.autoSuggest, trigger.WithGate(ec.gate))
	return ec
}

// serve handles the connection's remaining lines. Returning closes the
// context: its sessions are cancelled before serve returns.
func (ec *editContext) serve(scanner *bufio.Scanner) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ec.debouncer.Run(ctx)
	}()
	ec.srv.addContext(ec)
	defer func() {
		ec.srv.removeContext(ec)
		cancel()
		wg.Wait()
		ec.srv.assistant().CloseContext(ec.id)
		slog.Debug("context closed", "context", ec.id)
	}()

	slog.Debug("context attached", "context", ec.id)
	ec.send(quill.Notification{Type: quill.NotifyAttached, ContextID: ec.id})

	for scanner.Scan() {
		var msg quill.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("invalid message", "context", ec.id, "error", err)
			ec.sendError(&quill.Error{Code: "invalid_request", Message: err.Error()})
			continue
		}
		ec.handle(&msg)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("connection read failed", "context", ec.id, "error", err)
	}
}

func (ec *editContext) handle(msg *quill.Message) {
	engine := ec.srv.assistant()
	if msg.Document != nil {
		ec.mu.Lock()
		ec.doc = *msg.Document
		ec.mu.Unlock()
	}

	switch msg.Type {
	case quill.MessageEdit:
		t, err := trigger.ParseEditType(msg.Edit)
		if err != nil {
			ec.sendError(&quill.Error{Code: "invalid_request", Message: err.Error()})
			return
		}
		ec.debouncer.Record(t)

	case quill.MessageDocument:
		// Stored above.

	case quill.MessageState:
		if msg.State != nil {
			ec.mu.Lock()
			ec.applyState(msg.State)
			ec.mu.Unlock()
		}

	case quill.MessageSuggest:
		ec.suggest(engine, false)

	case quill.MessageNext, quill.MessagePrevious:
		move := engine.Next
		if msg.Type == quill.MessagePrevious {
			move = engine.Previous
		}
		if n, ok := move(ec.id); ok {
			ec.send(n)
		}

	case quill.MessageAccept:
		if text, ok := engine.Accept(ec.id); ok {
			ec.send(quill.Notification{Type: quill.NotifyAccepted, ContextID: ec.id, Text: text})
		}

	case quill.MessageCancel:
		engine.Cancel(ec.id)

	case quill.MessageChat:
		if _, err := engine.Chat(ec.id, msg.PromptType, msg.Args, ec.send); err != nil {
			ec.sendFailure(err)
		}

	case quill.MessageNewChat:
		if err := engine.NewChat(ec.id); err != nil {
			ec.sendFailure(err)
		}

	default:
		ec.sendError(&quill.Error{Code: "invalid_request", Message: "unknown message type: " + msg.Type})
	}
}

// applyState updates the gating flags. The caller holds ec.mu unless the
// context is not yet shared.
func (ec *editContext) applyState(st *quill.EditorState) {
	if st.AutoComplete != nil {
		enabled := *st.AutoComplete
		ec.autoComplete = &enabled
	}
	ec.popupVisible = st.PopupVisible
	ec.indexing = st.Indexing
}

// gate reports whether an automatic suggestion may fire now. Without an
// editor override, auto_complete follows the current engine's config.
func (ec *editContext) gate() bool {
	ec.mu.Lock()
	override, blocked := ec.autoComplete, ec.popupVisible || ec.indexing
	ec.mu.Unlock()
	if blocked {
		return false
	}
	if override != nil {
		return *override
	}
	return quill.AutoCompleteEnabled(ec.srv.assistant().Config())
}

func (ec *editContext) autoSuggest() {
	ec.suggest(ec.srv.assistant(), true)
}

func (ec *editContext) suggest(engine Assistant, auto bool) {
	ec.mu.Lock()
	doc := ec.doc
	ec.mu.Unlock()

	s, err := engine.Suggest(ec.id, doc, auto, ec.send)
	if err != nil {
		ec.sendFailure(err)
		return
	}
	if s != nil {
		slog.Debug("suggestion started", "context", ec.id, "session", s.ID, "auto", auto)
	}
}

func (ec *editContext) sendFailure(err error) {
	if errors.Is(err, generate.ErrInvalidRequest) {
		ec.sendError(&quill.Error{Code: "invalid_request", Message: err.Error()})
		return
	}
	if wire := quill.WireError(err); wire != nil {
		ec.sendError(wire)
	}
}

func (ec *editContext) sendError(e *quill.Error) {
	ec.send(quill.Notification{Type: quill.NotifyError, Error: e})
}

// send writes one notification line. Lines from concurrent sessions never
// interleave.
func (ec *editContext) send(n quill.Notification) {
	if n.ContextID == "" {
		n.ContextID = ec.id
	}
	ec.writeMu.Lock()
	defer ec.writeMu.Unlock()
	if d, ok := ec.w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if err := writeJSON(ec.w, n); err != nil {
		slog.Debug("failed to write notification", "context", ec.id, "error", err)
	}
}
