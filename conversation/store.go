package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// schemaVersion is the current on-disk format version. Version 0 files are a
// bare JSON array of turns written before the envelope existed.
const schemaVersion = 1

const archiveDir = "archive"

type conversationFile struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// Store persists conversations as one JSON file each under a directory.
// Archived conversations live in the archive/ subdirectory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the conversation, dropping turns without user content.
func (s *Store) Save(c *Conversation) error {
	turns := c.Turns()
	kept := turns[:0]
	for _, t := range turns {
		if t.User.HasContent() {
			kept = append(kept, t)
		}
	}

	data, err := json.MarshalIndent(conversationFile{
		Version:   schemaVersion,
		ID:        c.ID(),
		UpdatedAt: c.UpdatedAt(),
		Turns:     kept,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	tmp := s.path(c.ID()) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(c.ID()))
}

// Load reads a conversation by ID.
func (s *Store) Load(id string) (*Conversation, error) {
	return loadFile(s.path(id), id)
}

// Latest returns the most recently updated active conversation, or nil if
// the store holds none that can be read.
func (s *Store) Latest() (*Conversation, error) {
	convs, err := loadDir(s.dir)
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	return convs[0], nil
}

// Archive moves a saved conversation into the archive directory.
func (s *Store) Archive(id string) error {
	dst := filepath.Join(s.dir, archiveDir)
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	err := os.Rename(s.path(id), filepath.Join(dst, id+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListArchived returns archived conversations, newest first. Like Latest,
// it skips files that cannot be read.
func (s *Store) ListArchived() ([]*Conversation, error) {
	return loadDir(filepath.Join(s.dir, archiveDir))
}

func loadDir(dir string) ([]*Conversation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Conversation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		c, err := loadFile(filepath.Join(dir, e.Name()), id)
		if err != nil {
			slog.Warn("skipping unreadable conversation", "file", filepath.Join(dir, e.Name()), "error", err)
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt().After(out[j].UpdatedAt())
	})
	return out, nil
}

func loadFile(path, id string) (*Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cf, err := decode(data)
	if err != nil {
		return nil, err
	}
	if cf.ID == "" {
		cf.ID = id
	}
	c := FromTurns(cf.ID, cf.Turns)
	if !cf.UpdatedAt.IsZero() {
		c.updated = cf.UpdatedAt
	}
	return c, nil
}

// decode parses either the versioned envelope or a legacy bare array, then
// migrates the result to the current schema.
func decode(data []byte) (*conversationFile, error) {
	var cf conversationFile
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &cf.Turns); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(trimmed, &cf); err != nil {
		return nil, err
	}
	if cf.Version > schemaVersion {
		return nil, fmt.Errorf("conversation schema version %d is newer than supported %d", cf.Version, schemaVersion)
	}
	migrate(&cf)
	return &cf, nil
}

// migrate upgrades a decoded file to schemaVersion in place.
func migrate(cf *conversationFile) {
	if cf.Version < 1 {
		// Version 0 stored lowercase states and left prompt_type empty for chat.
		for i := range cf.Turns {
			t := &cf.Turns[i]
			if t.User.PromptType == "" {
				t.User.PromptType = "chat"
			}
			if t.Assistant != nil {
				t.Assistant.State = GenerateState(strings.ToUpper(string(t.Assistant.State)))
			}
		}
	}
	// A reply that was still streaming when the file was written can never
	// complete.
	for i := range cf.Turns {
		if a := cf.Turns[i].Assistant; a != nil && a.State == StatePrompt {
			a.State = StateStopped
		}
	}
	cf.Version = schemaVersion
}
