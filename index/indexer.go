// Package index finds earlier conversation turns related to a new question,
// and redacts secrets from text before it leaves the machine.
package index

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Paranoid-AF/quill/conversation"
	"github.com/coder/hnsw"
)

const indexBatchSize = 32

// Entry is one indexed turn.
type Entry struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	Reply          string `json:"reply"`
}

// Indexer holds embeddings of finished turns from archived conversations in
// an HNSW graph keyed by the hash of the redacted prompt.
type Indexer struct {
	embedder *Embedder
	maxTurns int

	mu      sync.RWMutex
	graph   *hnsw.Graph[string]
	entries map[string]Entry
	order   []string // insertion order, oldest first
	dims    int
}

// NewIndexer creates an indexer. A nil embedder disables indexing and search.
// maxTurns caps the number of indexed turns; the oldest are evicted first.
func NewIndexer(embedder *Embedder, maxTurns int) *Indexer {
	return &Indexer{
		embedder: embedder,
		maxTurns: maxTurns,
		graph:    hnsw.NewGraph[string](),
		entries:  make(map[string]Entry),
	}
}

// Enabled reports whether the indexer has an embedder.
func (idx *Indexer) Enabled() bool { return idx.embedder != nil }

// Len returns the number of indexed turns.
func (idx *Indexer) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// IndexConversations indexes every finished turn of convs.
func (idx *Indexer) IndexConversations(ctx context.Context, convs []*conversation.Conversation) error {
	for _, c := range convs {
		if _, err := idx.IndexTurns(ctx, c.ID(), c.Turns()); err != nil {
			return fmt.Errorf("index conversation %s: %w", c.ID(), err)
		}
	}
	return nil
}

// IndexTurns embeds the finished turns of a conversation that are not yet
// indexed and returns how many were added. Prompts are redacted before they
// are embedded or stored.
func (idx *Indexer) IndexTurns(ctx context.Context, conversationID string, turns []conversation.Turn) (int, error) {
	if idx.embedder == nil {
		return 0, nil
	}

	type pending struct {
		hash  string
		entry Entry
	}
	var toEmbed []pending
	seen := make(map[string]bool)

	idx.mu.RLock()
	for _, t := range turns {
		if !t.Done() {
			continue
		}
		prompt := strings.TrimSpace(promptText(t.User))
		if prompt == "" {
			continue
		}
		hash := hashText(prompt)
		if _, ok := idx.entries[hash]; ok || seen[hash] {
			continue
		}
		seen[hash] = true
		toEmbed = append(toEmbed, pending{hash, Entry{
			ConversationID: conversationID,
			Prompt:         prompt,
			Reply:          RedactText(t.Assistant.Content),
		}})
	}
	idx.mu.RUnlock()

	added := 0
	for i := 0; i < len(toEmbed); i += indexBatchSize {
		batch := toEmbed[i:min(i+indexBatchSize, len(toEmbed))]
		texts := make([]string, len(batch))
		for j, p := range batch {
			texts[j] = p.entry.Prompt
		}

		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			slog.Error("batch embed error", "error", err)
			continue
		}

		idx.mu.Lock()
		for j, p := range batch {
			if idx.addLocked(p.hash, p.entry, vectors[j]) {
				added++
			}
		}
		idx.mu.Unlock()
	}

	if added > 0 {
		slog.Debug("indexed turns", "conversation", conversationID, "added", added, "total", idx.Len())
	}
	return added, nil
}

// addLocked inserts one entry and evicts the oldest beyond maxTurns.
// Vectors whose dimension differs from the graph's are rejected.
func (idx *Indexer) addLocked(hash string, e Entry, vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	if idx.dims == 0 {
		idx.dims = len(vec)
	} else if len(vec) != idx.dims {
		slog.Warn("skipping embedding with unexpected dimension", "got", len(vec), "want", idx.dims)
		return false
	}
	if _, ok := idx.entries[hash]; ok {
		return false
	}

	idx.graph.Add(hnsw.MakeNode(hash, vec))
	idx.entries[hash] = e
	idx.order = append(idx.order, hash)

	for idx.maxTurns > 0 && len(idx.order) > idx.maxTurns {
		oldest := idx.order[0]
		idx.order = idx.order[1:]
		idx.graph.Delete(oldest)
		delete(idx.entries, oldest)
	}
	return true
}

// SearchRelevant returns up to k indexed turns whose prompts are closest to
// query.
func (idx *Indexer) SearchRelevant(ctx context.Context, query string, k int) ([]Entry, error) {
	if idx.embedder == nil || k <= 0 || idx.Len() == 0 {
		return nil, nil
	}

	vec, err := idx.embedder.Embed(ctx, RedactText(query))
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.graph.Len() == 0 || len(vec) != idx.dims {
		return nil, nil
	}

	neighbors := idx.graph.Search(vec, k)
	out := make([]Entry, 0, len(neighbors))
	for _, n := range neighbors {
		if e, ok := idx.entries[n.Key]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// EmbeddingModel returns the model name used by the embedder, or empty if
// disabled.
func (idx *Indexer) EmbeddingModel() string {
	if idx.embedder == nil {
		return ""
	}
	return idx.embedder.Model()
}

// promptText flattens the user's template arguments into the text that is
// embedded. Code is redacted with its language's rules.
func promptText(m conversation.UserMessage) string {
	var parts []string
	if text := m.Args[conversation.ArgText]; text != "" {
		parts = append(parts, RedactText(text))
	}
	if code := m.Args[conversation.ArgCode]; code != "" {
		parts = append(parts, RedactCode(m.Args[conversation.ArgLanguage], code))
	}
	return strings.Join(parts, "\n")
}

func hashText(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}
