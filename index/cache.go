package index

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type cacheFile struct {
	Model   string       `json:"model"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Hash      string    `json:"hash"`
	Entry     Entry     `json:"entry"`
	Embedding []float32 `json:"embedding"`
}

// SaveCache writes the indexed turns and their embeddings to path, oldest
// first.
func (idx *Indexer) SaveCache(path string) error {
	idx.mu.RLock()
	entries := make([]cacheEntry, 0, len(idx.order))
	for _, hash := range idx.order {
		vec, ok := idx.graph.Lookup(hash)
		if !ok {
			continue
		}
		entries = append(entries, cacheEntry{Hash: hash, Entry: idx.entries[hash], Embedding: vec})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(cacheFile{Model: idx.EmbeddingModel(), Entries: entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCache restores a cache written by SaveCache. A cache written with a
// different embedding model is ignored, since its vectors are not comparable.
func (idx *Indexer) LoadCache(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, err
	}
	if cf.Model != idx.EmbeddingModel() {
		return 0, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	loaded := 0
	for _, e := range cf.Entries {
		if idx.addLocked(e.Hash, e.Entry, e.Embedding) {
			loaded++
		}
	}
	return loaded, nil
}
