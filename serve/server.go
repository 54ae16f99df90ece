package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/conversation"
	defaults "github.com/Paranoid-AF/quill/default"
	"github.com/Paranoid-AF/quill/generate"
)

// maxLineBytes bounds one message line; documents are sent whole.
const maxLineBytes = 8 << 20

// Assistant runs suggestion and chat requests for editing contexts.
type Assistant interface {
	Config() *quill.Config
	Suggest(contextID string, doc quill.Document, auto bool, notify generate.Notify) (*generate.Session, error)
	Next(contextID string) (quill.Notification, bool)
	Previous(contextID string) (quill.Notification, bool)
	Accept(contextID string) (string, bool)
	Cancel(contextID string)
	CloseContext(contextID string)
	Chat(contextID, promptType string, args map[string]string, notify generate.Notify) (*generate.Session, error)
	NewChat(contextID string) error
	WarmContext(ctx context.Context, dir string)
	Conversations() map[string]*conversation.Conversation
	AdoptConversations(convs map[string]*conversation.Conversation)
	Close()
}

// Server listens on a Unix domain socket for editor connections.
type Server struct {
	listener  net.Listener
	sockPath  string
	newEngine func() Assistant

	mu     sync.RWMutex
	engine Assistant

	ctxMu    sync.Mutex
	contexts map[*editContext]struct{}

	conns     sync.WaitGroup
	watcher   *configWatcher
	closeOnce sync.Once
}

// NewServer creates a new IPC server bound to the given socket path.
func NewServer(sockPath string) (*Server, error) {
	return NewServerWithAssistant(sockPath, func() Assistant { return generate.NewEngine() })
}

// NewServerWithAssistant creates a server whose engine is built, and rebuilt
// on config reload, by newEngine.
func NewServerWithAssistant(sockPath string, newEngine func() Assistant) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener:  listener,
		sockPath:  sockPath,
		newEngine: newEngine,
		engine:    newEngine(),
		contexts:  make(map[*editContext]struct{}),
	}, nil
}

// Serve accepts connections and handles requests.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting connections, shuts the engine down and removes the
// socket file.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.listener.Close()
		s.assistant().Close()
		os.Remove(s.sockPath)
	})
}

func (s *Server) assistant() Assistant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		return
	}

	raw := scanner.Bytes()
	slog.Debug("request", "data", truncateLog(raw))

	var msg quill.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("invalid request", "error", err)
		return
	}

	switch msg.Type {
	case quill.MessageContext:
		var req quill.ContextRequest
		json.Unmarshal(raw, &req)
		s.handleContextRequest(conn, &req)
	case quill.MessageConfig:
		var req quill.ConfigRequest
		json.Unmarshal(raw, &req)
		s.handleConfigRequest(conn, &req)
	case quill.MessageAttach:
		ec := newEditContext(s, conn, &msg)
		ec.serve(scanner)
	default:
		writeJSON(conn, quill.Notification{
			Type:  quill.NotifyError,
			Error: &quill.Error{Code: "invalid_request", Message: "first message must be attach, context or config, got " + msg.Type},
		})
	}
}

func (s *Server) handleContextRequest(conn net.Conn, req *quill.ContextRequest) {
	resp := quill.ContextResponse{OK: true}

	dir := strings.TrimRight(req.Dir, "\n")
	if dir == "" {
		resp.OK = false
		resp.Error = &quill.Error{Code: "invalid_request", Message: "dir is required"}
	} else {
		// Gather in background, respond immediately
		go s.assistant().WarmContext(context.Background(), dir)
	}

	writeJSON(conn, resp)
}

func (s *Server) handleConfigRequest(conn net.Conn, req *quill.ConfigRequest) {
	var resp quill.ConfigResponse

	switch req.Action {
	case "get":
		cfg, err := quill.LoadConfig()
		if err != nil {
			resp.Error = &quill.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Config = cfg
		}

	case "reload":
		// Respond immediately; closing the old engine waits for its
		// sessions and background indexing.
		go s.reloadEngine()
		cfg, _ := quill.LoadConfig()
		resp.Config = cfg

	case "defaults":
		resp.Config = quill.DefaultConfig()

	case "default_prompt":
		resp.Prompt = defaults.DefaultPrompt

	case "validate":
		cfg, err := quill.LoadConfig()
		if err != nil {
			resp.Error = &quill.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Warnings = quill.ValidateConfig(cfg)
		}

	default:
		resp.Error = &quill.Error{
			Code:    "unknown_action",
			Message: "unknown config action: " + req.Action,
		}
	}

	writeJSON(conn, resp)
}

// reloadEngine replaces the engine with one built from the current config
// files. The old engine stops its replies and saves its conversations,
// which then continue on the new engine. Attached contexts pick up the new
// trigger delay.
func (s *Server) reloadEngine() {
	next := s.newEngine()

	// Requests wait on s.mu until the old engine has stopped its replies and
	// handed its conversations over.
	s.mu.Lock()
	old := s.engine
	if old != nil {
		old.Close()
		next.AdoptConversations(old.Conversations())
	}
	s.engine = next
	s.mu.Unlock()

	delay := quill.TriggerDelay(next.Config())
	s.ctxMu.Lock()
	for ec := range s.contexts {
		ec.debouncer.SetDelay(delay)
	}
	s.ctxMu.Unlock()
	slog.Info("engine reloaded", "delay", delay)
}

func (s *Server) addContext(ec *editContext) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	s.contexts[ec] = struct{}{}
}

func (s *Server) removeContext(ec *editContext) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	delete(s.contexts, ec)
}

// writeJSON writes v as one line.
func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return err
	}
	slog.Debug("response", "data", truncateLog(data))
	_, err = w.Write(append(data, '\n'))
	return err
}

func truncateLog(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
