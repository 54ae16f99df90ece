package generate

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Paranoid-AF/quill/conversation"
	"github.com/Paranoid-AF/quill/index"
)

const (
	relatedTurns     = 3
	relatedMaxBytes  = 600
	relatedSearchMax = 2 * time.Second
)

// Gatherer finds earlier archived turns related to a new chat question.
type Gatherer struct {
	indexer   *index.Indexer
	store     *conversation.Store
	cachePath string

	indexOnce sync.Once
	indexDone chan struct{}
	wg        sync.WaitGroup
}

// NewGatherer creates a gatherer. A nil embedder disables related-history
// lookup; store and cachePath may be empty/nil to skip seeding and caching.
func NewGatherer(embedder *index.Embedder, maxTurns int, store *conversation.Store, cachePath string) *Gatherer {
	g := &Gatherer{
		indexer:   index.NewIndexer(embedder, maxTurns),
		store:     store,
		cachePath: cachePath,
		indexDone: make(chan struct{}),
	}

	// Seed eagerly so the index is ready by the first chat turn.
	if g.indexer.Enabled() {
		g.startIndexing()
	} else {
		close(g.indexDone)
	}
	return g
}

// startIndexing loads the cache and indexes archived conversations once,
// in the background.
func (g *Gatherer) startIndexing() {
	g.indexOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer close(g.indexDone)

			if g.cachePath != "" {
				n, err := g.indexer.LoadCache(g.cachePath)
				if err != nil && !errors.Is(err, fs.ErrNotExist) {
					slog.Warn("failed to load index cache", "path", g.cachePath, "error", err)
				} else if n > 0 {
					slog.Debug("loaded index cache", "entries", n)
				}
			}
			if g.store == nil {
				return
			}
			convs, err := g.store.ListArchived()
			if err != nil {
				slog.Error("failed to list archived conversations", "error", err)
				return
			}
			if err := g.indexer.IndexConversations(context.Background(), convs); err != nil {
				slog.Error("background indexing error", "error", err)
				return
			}
			g.saveCache()
		}()
	})
}

// Related returns up to three indexed turns related to query, rendered for
// the system prompt. It never waits for the initial indexing pass.
func (g *Gatherer) Related(ctx context.Context, query string) []index.Entry {
	if !g.indexer.Enabled() || strings.TrimSpace(query) == "" {
		return nil
	}
	select {
	case <-g.indexDone:
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, relatedSearchMax)
	defer cancel()
	entries, err := g.indexer.SearchRelevant(ctx, query, relatedTurns)
	if err != nil {
		slog.Warn("related history search failed", "error", err)
		return nil
	}
	return entries
}

// Add indexes the finished turns of an archived conversation in the
// background.
func (g *Gatherer) Add(conv *conversation.Conversation) {
	if !g.indexer.Enabled() {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		<-g.indexDone
		n, err := g.indexer.IndexTurns(context.Background(), conv.ID(), conv.Turns())
		if err != nil {
			slog.Error("failed to index conversation", "conversation", conv.ID(), "error", err)
			return
		}
		if n > 0 {
			g.saveCache()
		}
	}()
}

func (g *Gatherer) saveCache() {
	if g.cachePath == "" || g.indexer.Len() == 0 {
		return
	}
	if err := g.indexer.SaveCache(g.cachePath); err != nil {
		slog.Warn("failed to save index cache", "path", g.cachePath, "error", err)
	}
}

// Close waits for background indexing to finish.
func (g *Gatherer) Close() {
	g.wg.Wait()
}

// formatRelated renders related turns as a system prompt section.
func formatRelated(entries []index.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Earlier questions from this user that may be related:")
	for _, e := range entries {
		sb.WriteString("\n- Q: ")
		sb.WriteString(toSingleLine(e.Prompt, relatedMaxBytes))
		sb.WriteString("\n  A: ")
		sb.WriteString(toSingleLine(e.Reply, relatedMaxBytes))
	}
	return sb.String()
}

// toSingleLine converts a multi-line string to a single line (space-separated)
// and caps the total length.
func toSingleLine(s string, maxBytes int) string {
	if s == "" {
		return ""
	}
	return truncate(strings.Join(strings.Fields(s), " "), maxBytes)
}
