package conversations

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// conversationIDPattern guards against path traversal through ids.
var conversationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// FileStore persists each conversation as <id>.json in a single directory.
// Writes are atomic: temp file in the same directory, fsync, rename.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewPersistenceError("init", err)
	}
	return &FileStore{dir: dir, logger: logger.With("component", "conversations")}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func validID(id string) error {
	if !conversationIDPattern.MatchString(id) {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	return nil
}

// Save writes the conversation atomically. The document is UTF-8 JSON
// terminated by a newline.
func (s *FileStore) Save(conv *models.Conversation) error {
	if err := validID(conv.ID); err != nil {
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	conv.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, conv.ID+".*.tmp")
	if err != nil {
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	if err := tmp.Close(); err != nil {
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	if err := os.Rename(tmpName, s.path(conv.ID)); err != nil {
		return NewPersistenceError("save", err).WithConversation(conv.ID)
	}
	return nil
}

// Load reads one conversation.
func (s *FileStore) Load(id string) (*models.Conversation, error) {
	if err := validID(id); err != nil {
		return nil, NewPersistenceError("load", err).WithConversation(id)
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, NewPersistenceError("load", err).WithConversation(id)
	}

	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, NewPersistenceError("load", err).WithConversation(id)
	}
	return &conv, nil
}

// List returns metadata for every stored conversation, newest first.
// Unreadable files are skipped with a warning rather than failing the whole
// listing.
func (s *FileStore) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, NewPersistenceError("list", err)
	}

	type row struct {
		meta    Metadata
		updated time.Time
	}
	var rows []row

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		conv, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable conversation", "file", name, "error", err)
			continue
		}
		rows = append(rows, row{
			meta: Metadata{
				ID:        conv.ID,
				Title:     conv.Title,
				UpdatedAt: conv.UpdatedAt.Format(time.RFC3339),
			},
			updated: conv.UpdatedAt,
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].updated.After(rows[j].updated) })

	out := make([]Metadata, len(rows))
	for i, r := range rows {
		out[i] = r.meta
	}
	return out, nil
}

// Delete removes a stored conversation.
func (s *FileStore) Delete(id string) error {
	if err := validID(id); err != nil {
		return NewPersistenceError("delete", err).WithConversation(id)
	}
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return NewPersistenceError("delete", err).WithConversation(id)
	}
	return nil
}

// Prune deletes conversations whose UpdatedAt is older than maxAgeDays and
// returns the removed ids.
func (s *FileStore) Prune(maxAgeDays int) ([]string, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	metas, err := s.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, meta := range metas {
		updated, err := time.Parse(time.RFC3339, meta.UpdatedAt)
		if err != nil || !updated.Before(cutoff) {
			continue
		}
		if err := s.Delete(meta.ID); err != nil {
			s.logger.Warn("prune failed", "conversation", meta.ID, "error", err)
			continue
		}
		removed = append(removed, meta.ID)
	}
	if len(removed) > 0 {
		s.logger.Info("pruned conversations", "count", len(removed), "max_age_days", maxAgeDays)
	}
	return removed, nil
}
