// Package generate runs inline-suggestion and chat requests against the
// model: it assembles prompts, streams responses into per-context sessions
// and keeps each context's conversation.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"
	"unicode/utf8"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/conversation"
	defaults "github.com/Paranoid-AF/quill/default"
	"github.com/Paranoid-AF/quill/index"
	"github.com/Paranoid-AF/quill/prompt"
	"github.com/Paranoid-AF/quill/stream"
	"golang.org/x/time/rate"
)

// Prompt types used by the engine itself.
const (
	PromptSuggest = "suggest"
	PromptChat    = "chat"
)

const (
	// Bytes of document kept before and after the caret for a suggestion.
	suggestPrefixBytes = 8000
	suggestSuffixBytes = 2000
	indexCacheFile     = "index-cache.json"
)

// ErrInvalidRequest marks requests the editor should not have sent.
var ErrInvalidRequest = errors.New("invalid request")

// Notify receives the notifications produced for one editing context.
type Notify func(quill.Notification)

// Engine owns the generator, the session registry and the conversation of
// every editing context.
type Engine struct {
	config       *quill.Config
	catalog      *prompt.Catalog
	generator    *Generator
	sessions     *Sessions
	limiter      *rate.Limiter
	dirCache     *DirCache
	gatherer     *Gatherer
	store        *conversation.Store
	customPrompt string // loaded custom suggestion prompt template (empty = use default)

	chatMu        sync.Mutex // serialises chat turn setup
	convMu        sync.Mutex
	conversations map[string]*conversation.Conversation
	chatNotify    map[string]Notify // receiver of the context's latest chat

	closeOnce sync.Once
}

// NewEngine creates an engine from the user's configuration files.
func NewEngine() *Engine {
	cfg, err := quill.LoadConfig()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		cfg = quill.DefaultConfig()
	}

	catalog, err := prompt.LoadCatalog(quill.ModelsPath())
	if err != nil {
		slog.Warn("failed to load model catalog, using built-in", "error", err)
		catalog = prompt.DefaultCatalog()
	}

	customPrompt := loadCustomPrompt()
	if customPrompt == "" {
		slog.Debug("no custom prompt, using built-in default")
	}

	return NewEngineWith(cfg, catalog, conversation.NewStore(quill.ConversationsDir()), customPrompt)
}

// NewEngineWith creates an engine from explicit configuration.
func NewEngineWith(cfg *quill.Config, catalog *prompt.Catalog, store *conversation.Store, customPrompt string) *Engine {
	// Create embedder if embedding is configured
	var embedder *index.Embedder
	if quill.EmbeddingEnabled(cfg) {
		embedder = index.NewEmbedder(
			quill.ResolveEmbeddingBaseURL(cfg),
			quill.ResolveEmbeddingAPIKey(cfg),
			quill.ResolveEmbeddingModel(cfg),
			cfg.Embedding.Dimensions,
		)
	}

	// Create generator if API key is available
	var gen *Generator
	var sessions *Sessions
	if apiKey := quill.ResolveGenerationAPIKey(cfg); apiKey != "" {
		gen = NewGenerator(
			quill.ResolveGenerationBaseURL(cfg),
			apiKey,
			quill.ResolveGenerationModel(cfg),
			quill.OpenRouterTelemetryEnabled(cfg),
		)
		sessions = NewSessions(gen)
	} else {
		slog.Warn("generation API key not configured")
	}

	rpm := cfg.Completion.MaxRequestsPerMinute
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), max(1, rpm/10))
	}

	return &Engine{
		config:        cfg,
		catalog:       catalog,
		generator:     gen,
		sessions:      sessions,
		limiter:       limiter,
		dirCache:      NewDirCache(),
		gatherer:      NewGatherer(embedder, cfg.Embedding.MaxIndexedTurns, store, filepath.Join(filepath.Dir(store.Dir()), indexCacheFile)),
		store:         store,
		customPrompt:  customPrompt,
		conversations: make(map[string]*conversation.Conversation),
		chatNotify:    make(map[string]Notify),
	}
}

// loadCustomPrompt loads a custom suggestion prompt template.
// Returns empty string if no custom prompt exists.
func loadCustomPrompt() string {
	promptPath := quill.PromptPath()
	data, err := os.ReadFile(promptPath)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", promptPath)
	return string(data)
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *quill.Config { return e.config }

// Close stops streaming chat replies, cancels every session, saves open
// conversations and releases resources. Calls after the first do nothing.
func (e *Engine) Close() {
	e.closeOnce.Do(e.close)
}

func (e *Engine) close() {
	e.chatMu.Lock()
	e.convMu.Lock()
	ids := make([]string, 0, len(e.conversations))
	for id := range e.conversations {
		ids = append(ids, id)
	}
	e.convMu.Unlock()
	// Streaming replies are stopped like an explicit cancel, so the turn is
	// saved as STOPPED, and the editor is told it will get no chat_done.
	for _, id := range ids {
		s, stopped := e.stopChat(id)
		if !stopped {
			continue
		}
		e.convMu.Lock()
		notify := e.chatNotify[id]
		e.convMu.Unlock()
		if notify != nil {
			text, _ := s.Candidates().Current()
			notify(quill.Notification{Type: quill.NotifyChatStopped, ContextID: id, SessionID: s.ID, Text: text})
		}
	}
	e.chatMu.Unlock()

	if e.sessions != nil {
		e.sessions.Close()
	}
	e.convMu.Lock()
	for _, conv := range e.conversations {
		e.saveConversation(conv)
	}
	e.convMu.Unlock()
	e.gatherer.Close()
	e.dirCache.Close()
	if e.generator != nil {
		e.generator.Close()
	}
}

// WarmContext pre-populates the workspace context cache for dir.
func (e *Engine) WarmContext(ctx context.Context, dir string) {
	e.dirCache.Gather(ctx, dir)
}

func notConfigured() error {
	return quill.Fail(quill.KindNotConfigured, "generation API key not configured; set QUILL_GENERATION_API_KEY or edit %s", quill.ConfigPath())
}

// Suggest starts an inline suggestion for doc, superseding the context's
// previous suggestion. Automatic triggers beyond the configured request
// rate are dropped: Suggest then returns a nil session and no error.
func (e *Engine) Suggest(contextID string, doc quill.Document, auto bool, notify Notify) (*Session, error) {
	if e.generator == nil {
		return nil, notConfigured()
	}

	prefix, suffix := splitDocument(doc)
	if strings.TrimSpace(prefix) == "" && strings.TrimSpace(suffix) == "" {
		return nil, nil
	}
	if auto && !e.limiter.Allow() {
		slog.Debug("suggestion dropped by rate limit", "context", contextID)
		return nil, nil
	}

	limits := e.limits()
	args := map[string]string{
		"prefix":                 index.RedactText(prefix),
		"suffix":                 index.RedactText(suffix),
		conversation.ArgLanguage: doc.Language,
		"path":                   doc.Path,
	}
	user, err := e.catalog.RenderUser(PromptSuggest, args)
	if err != nil {
		return nil, fmt.Errorf("render suggestion prompt: %w", err)
	}
	if err := prompt.CheckInput(user, limits); err != nil {
		return nil, err
	}

	system := e.suggestSystemPrompt(doc, args)
	messages := []prompt.Message{{Role: e.roles().User, Content: user}}
	if system != "" {
		messages = append([]prompt.Message{{Role: e.roles().System, Content: system}}, messages...)
	}
	slog.Debug("prompt", "system", system, "user", user)

	req := Request{
		Messages:    messages,
		MaxTokens:   e.config.Generation.MaxTokens,
		Temperature: e.temperature(limits),
		Stop:        e.stop(limits),
		N:           max(1, e.config.Generation.Candidates),
	}
	return e.sessions.Start(contextID, req, suggestSink(contextID, notify))
}

// splitDocument returns the text around the caret, clipped to whole lines
// within the suggestion window.
func splitDocument(doc quill.Document) (prefix, suffix string) {
	offset := min(max(doc.Offset, 0), len(doc.Text))
	for offset > 0 && offset < len(doc.Text) && !utf8.RuneStart(doc.Text[offset]) {
		offset--
	}
	prefix, suffix = doc.Text[:offset], doc.Text[offset:]

	if len(prefix) > suggestPrefixBytes {
		prefix = prefix[len(prefix)-suggestPrefixBytes:]
		if i := strings.IndexByte(prefix, '\n'); i >= 0 {
			prefix = prefix[i+1:]
		}
	}
	if len(suffix) > suggestSuffixBytes {
		suffix = suffix[:suggestSuffixBytes]
		if i := strings.LastIndexByte(suffix, '\n'); i >= 0 {
			suffix = suffix[:i+1]
		}
	}
	return prefix, suffix
}

// PromptData holds the data passed to the suggestion system prompt template.
type PromptData struct {
	Language       string
	Path           string
	PackageManager string
	Manifests      map[string]string
}

// suggestSystemPrompt renders the catalog's suggestion system template when
// it has one, and the custom or built-in prompt template otherwise.
func (e *Engine) suggestSystemPrompt(doc quill.Document, args map[string]string) string {
	if sys, err := e.catalog.RenderSystem(PromptSuggest, args); err == nil && sys != "" {
		return sys
	}

	data := PromptData{Language: doc.Language, Path: doc.Path}
	if data.Language == "" {
		data.Language = "source"
	}
	if dc := e.dirCache.ForFile(doc.Path); dc != nil {
		data.PackageManager = dc.PackageManager
		data.Manifests = dc.Manifests
	}

	tmplSrc := e.customPrompt
	if tmplSrc == "" {
		tmplSrc = defaults.DefaultPrompt
	}
	t, err := template.New("prompt").Parse(tmplSrc)
	if err != nil {
		slog.Warn("failed to parse prompt template, falling back to default", "error", err)
		t = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute prompt template, falling back to default", "error", err)
		buf.Reset()
		template.Must(template.New("prompt").Parse(defaults.DefaultPrompt)).Execute(&buf, data)
	}
	return strings.TrimRight(buf.String(), " \t\n")
}

// suggestSink turns suggestion session events into notifications.
func suggestSink(contextID string, notify Notify) Sink {
	return func(s *Session, ev stream.Event) {
		if notify == nil {
			return
		}
		n := quill.Notification{ContextID: contextID, SessionID: s.ID}
		switch ev.Type {
		case stream.EventConnected:
			n.Type = quill.NotifyConnected
		case stream.EventChoices:
			n.Type = quill.NotifyCandidates
			n.Candidates, n.Current = s.Candidates().Snapshot()
		case stream.EventUsage:
			n.Type = quill.NotifyUsage
			n.Usage = &quill.Usage{PromptTokens: ev.PromptTokens, CompletionTokens: ev.CompletionTokens}
		case stream.EventError:
			n.Type = quill.NotifyError
			n.Error = quill.WireError(ev.Err)
			n.Candidates, n.Current = s.Candidates().Snapshot()
		case stream.EventDone, stream.EventClosed:
			n.Candidates, n.Current = s.Candidates().Snapshot()
			text, ok := s.Candidates().Current()
			switch {
			case !ok || text == "":
				n.Type = quill.NotifyEmpty
			case ev.Type == stream.EventClosed:
				n.Type = quill.NotifyClosed
			default:
				n.Type = quill.NotifyDone
			}
		default:
			return
		}
		notify(n)
	}
}

// Next previews the following candidate of the context's suggestion.
func (e *Engine) Next(contextID string) (quill.Notification, bool) {
	return e.navigate(contextID, func(s *Session) { s.Candidates().Next() })
}

// Previous previews the preceding candidate of the context's suggestion.
func (e *Engine) Previous(contextID string) (quill.Notification, bool) {
	return e.navigate(contextID, func(s *Session) { s.Candidates().Previous() })
}

func (e *Engine) navigate(contextID string, move func(*Session)) (quill.Notification, bool) {
	if e.sessions == nil {
		return quill.Notification{}, false
	}
	s := e.sessions.Current(contextID)
	if s == nil || s.Candidates().Len() == 0 {
		return quill.Notification{}, false
	}
	move(s)
	n := quill.Notification{Type: quill.NotifyCandidates, ContextID: contextID, SessionID: s.ID}
	n.Candidates, n.Current = s.Candidates().Snapshot()
	return n, true
}

// Accept returns the previewed candidate and ends the suggestion. A
// suggestion that is still streaming is cancelled and its partial text
// accepted.
func (e *Engine) Accept(contextID string) (string, bool) {
	if e.sessions == nil {
		return "", false
	}
	s := e.sessions.Current(contextID)
	if s == nil {
		return "", false
	}
	e.sessions.Cancel(s)
	text, ok := s.Candidates().Current()
	if !ok || text == "" {
		return "", false
	}
	slog.Debug("suggestion accepted", "context", contextID, "session", s.ID, "bytes", len(text))
	return text, true
}

// Dismiss stops the context's suggestion and leaves its chat reply running.
func (e *Engine) Dismiss(contextID string) {
	if e.sessions == nil {
		return
	}
	if _, running := e.sessions.CancelAll(contextID); running {
		slog.Debug("suggestion cancelled", "context", contextID)
	}
}

// Cancel stops the context's suggestion and chat reply, if any. It never
// produces a notification.
func (e *Engine) Cancel(contextID string) {
	e.Dismiss(contextID)
	e.stopChat(contextID)
}

// CloseContext cancels everything running for the context and saves its
// conversation. The conversation is kept on disk but no longer in memory.
func (e *Engine) CloseContext(contextID string) {
	e.Cancel(contextID)
	e.convMu.Lock()
	conv := e.conversations[contextID]
	delete(e.conversations, contextID)
	delete(e.chatNotify, contextID)
	e.convMu.Unlock()
	if conv != nil {
		e.saveConversation(conv)
	}
}

func chatKey(contextID string) string { return contextID + "#chat" }

// Chat appends a turn to the context's conversation and streams the reply
// into it. A reply still streaming for the context is stopped first.
func (e *Engine) Chat(contextID, promptType string, args map[string]string, notify Notify) (*Session, error) {
	if e.generator == nil {
		return nil, notConfigured()
	}
	if promptType == "" {
		promptType = PromptChat
	}
	if promptType == PromptSuggest || !e.catalog.HasPrompt(promptType) {
		return nil, fmt.Errorf("%w: unknown prompt type %q", ErrInvalidRequest, promptType)
	}

	msg := conversation.UserMessage{
		Author:     e.config.Chat.Author,
		PromptType: promptType,
		Time:       time.Now(),
		Args:       redactArgs(args),
	}
	if !msg.HasContent() {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}

	render := e.catalog.Renderer()
	limits := e.limits()
	if err := prompt.CheckInput(render(msg), limits); err != nil {
		return nil, err
	}

	related := e.gatherer.Related(context.Background(), msg.Args[conversation.ArgText])

	e.chatMu.Lock()
	defer e.chatMu.Unlock()

	e.stopChat(contextID)
	conv := e.conversation(contextID)
	turn := conversation.Turn{User: msg}

	system := e.chatSystemPrompt(promptType, msg.Args, related)
	window := prompt.BuildWindow(append(conv.Turns(), turn), limits, e.roles(), system, render)
	slog.Debug("chat window", "context", contextID, "included", window.Included, "pruned", window.Pruned, "tokens", window.Tokens)

	maxTokens, err := chatMaxTokens(limits, window.Tokens+prompt.Estimate(system))
	if err != nil {
		return nil, err
	}
	conv.Append(turn)

	req := Request{
		Messages:    window.Messages,
		MaxTokens:   maxTokens,
		Temperature: e.temperature(limits),
		N:           1,
	}
	s, err := e.sessions.Start(chatKey(contextID), req, e.chatSink(contextID, conv, notify))
	if err != nil {
		conv.ReplaceLastAssistant(conversation.AssistantMessage{State: conversation.StateError, Time: time.Now()})
		return nil, err
	}
	e.convMu.Lock()
	e.chatNotify[contextID] = notify
	e.convMu.Unlock()
	return s, nil
}

// chatMaxTokens leaves the model whatever its token limit allows after the
// prompt. Zero means the model has no known limit and the server default
// applies. A prompt that leaves no room for a reply is a budget failure.
func chatMaxTokens(limits prompt.ModelLimits, promptTokens int) (int, error) {
	if limits.TokenLimit <= 0 {
		return 0, nil
	}
	remaining := limits.TokenLimit - promptTokens
	if remaining < 1 {
		return 0, quill.Fail(quill.KindBudget, "prompt uses an estimated %d of the model's %d tokens, leaving no room for a reply", promptTokens, limits.TokenLimit)
	}
	return remaining, nil
}

// redactArgs copies args with secrets removed from the text and code.
func redactArgs(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	if code := out[conversation.ArgCode]; code != "" {
		out[conversation.ArgCode] = index.RedactCode(out[conversation.ArgLanguage], code)
	}
	if text := out[conversation.ArgText]; text != "" {
		out[conversation.ArgText] = index.RedactText(text)
	}
	return out
}

func (e *Engine) chatSystemPrompt(promptType string, args map[string]string, related []index.Entry) string {
	system := e.config.Chat.SystemPrompt
	if system == "" {
		var err error
		system, err = e.catalog.RenderSystem(promptType, args)
		if err != nil {
			slog.Warn("failed to render system prompt", "prompt_type", promptType, "error", err)
		}
	}
	if extra := formatRelated(related); extra != "" {
		if system != "" {
			system += "\n\n"
		}
		system += extra
	}
	return system
}

// chatSink streams a chat reply into the conversation's last turn.
func (e *Engine) chatSink(contextID string, conv *conversation.Conversation, notify Notify) Sink {
	send := func(n quill.Notification) {
		if notify != nil {
			n.ContextID = contextID
			notify(n)
		}
	}
	return func(s *Session, ev stream.Event) {
		content, _ := s.Candidates().Current()
		switch ev.Type {
		case stream.EventChoices:
			if len(ev.Deltas) == 0 || ev.Deltas[0] == "" {
				return
			}
			conv.ReplaceLastAssistant(conversation.AssistantMessage{Content: content, State: conversation.StatePrompt, Time: time.Now()})
			send(quill.Notification{Type: quill.NotifyChatDelta, SessionID: s.ID, Text: ev.Deltas[0]})
		case stream.EventUsage:
			send(quill.Notification{Type: quill.NotifyUsage, SessionID: s.ID, Usage: &quill.Usage{PromptTokens: ev.PromptTokens, CompletionTokens: ev.CompletionTokens}})
		case stream.EventDone, stream.EventClosed:
			conv.ReplaceLastAssistant(conversation.AssistantMessage{Content: content, State: conversation.StateDone, Time: time.Now()})
			e.saveConversation(conv)
			send(quill.Notification{Type: quill.NotifyChatDone, SessionID: s.ID, Text: content})
		case stream.EventError:
			conv.ReplaceLastAssistant(conversation.AssistantMessage{Content: content, State: conversation.StateError, Time: time.Now()})
			e.saveConversation(conv)
			send(quill.Notification{Type: quill.NotifyError, SessionID: s.ID, Error: quill.WireError(ev.Err)})
		}
	}
}

// stopChat cancels the context's chat reply and marks it stopped, keeping
// the text received so far. It returns the cancelled session and whether a
// reply was still streaming.
func (e *Engine) stopChat(contextID string) (*Session, bool) {
	if e.sessions == nil {
		return nil, false
	}
	s, running := e.sessions.CancelAll(chatKey(contextID))
	if !running {
		return nil, false
	}
	e.convMu.Lock()
	conv := e.conversations[contextID]
	e.convMu.Unlock()
	if conv == nil {
		return s, true
	}
	last, ok := conv.Last()
	if !ok || (!last.Pending() && last.Assistant.State != conversation.StatePrompt) {
		return s, true
	}
	content, _ := s.Candidates().Current()
	conv.ReplaceLastAssistant(conversation.AssistantMessage{Content: content, State: conversation.StateStopped, Time: time.Now()})
	e.saveConversation(conv)
	slog.Debug("chat stopped", "context", contextID, "session", s.ID)
	return s, true
}

// NewChat stops the context's chat, archives its conversation and starts a
// fresh one on the next turn. Archived turns feed related-history lookup.
func (e *Engine) NewChat(contextID string) error {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()

	e.stopChat(contextID)
	e.convMu.Lock()
	conv := e.conversations[contextID]
	delete(e.conversations, contextID)
	e.convMu.Unlock()
	if conv == nil || conv.Len() == 0 {
		return nil
	}

	if err := e.store.Save(conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	if err := e.store.Archive(conv.ID()); err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	slog.Info("conversation archived", "context", contextID, "conversation", conv.ID(), "turns", conv.Len())
	e.gatherer.Add(conv)
	return nil
}

// ResumeLatest makes the most recently updated saved conversation the
// context's conversation. It reports whether one was found.
func (e *Engine) ResumeLatest(contextID string) (bool, error) {
	conv, err := e.store.Latest()
	if err != nil || conv == nil {
		return false, err
	}
	e.convMu.Lock()
	e.conversations[contextID] = conv
	e.convMu.Unlock()
	return true, nil
}

// Conversations returns the open conversation of every context.
func (e *Engine) Conversations() map[string]*conversation.Conversation {
	e.convMu.Lock()
	defer e.convMu.Unlock()
	return maps.Clone(e.conversations)
}

// AdoptConversations takes over conversations from a previous engine.
// Contexts that already have a conversation keep it.
func (e *Engine) AdoptConversations(convs map[string]*conversation.Conversation) {
	e.convMu.Lock()
	defer e.convMu.Unlock()
	for id, conv := range convs {
		if _, ok := e.conversations[id]; !ok {
			e.conversations[id] = conv
		}
	}
}

// Conversation returns the context's conversation, creating it on first use.
func (e *Engine) Conversation(contextID string) *conversation.Conversation {
	return e.conversation(contextID)
}

func (e *Engine) conversation(contextID string) *conversation.Conversation {
	e.convMu.Lock()
	defer e.convMu.Unlock()
	conv, ok := e.conversations[contextID]
	if !ok {
		conv = conversation.New()
		e.conversations[contextID] = conv
	}
	return conv
}

func (e *Engine) saveConversation(conv *conversation.Conversation) {
	if conv.Len() == 0 {
		return
	}
	if err := e.store.Save(conv); err != nil {
		slog.Error("failed to save conversation", "conversation", conv.ID(), "error", err)
	}
}

// limits returns the request limits of the configured model.
func (e *Engine) limits() prompt.ModelLimits {
	model := ""
	if e.generator != nil {
		model = e.generator.Model()
	}
	p := e.catalog.Lookup(model)
	slog.Debug("model profile", "model", model, "profile", p.Name)
	return p.ModelLimits
}

func (e *Engine) roles() prompt.Roles { return e.catalog.Roles.WithDefaults() }

// temperature prefers the model profile's value over the configured one.
func (e *Engine) temperature(limits prompt.ModelLimits) float64 {
	if limits.Temperature != 0 {
		return limits.Temperature
	}
	return e.config.Generation.Temperature
}

// stop prefers the model profile's stop sequences over the configured ones.
func (e *Engine) stop(limits prompt.ModelLimits) []string {
	if len(limits.Stop) > 0 {
		return limits.Stop
	}
	return e.config.Generation.Stop
}
