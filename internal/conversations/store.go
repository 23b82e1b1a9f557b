// Package conversations persists conversation state as one JSON document
// per conversation and provides jump-back truncation and age-based pruning.
package conversations

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// ErrNotFound reports a conversation id with no stored document.
var ErrNotFound = errors.New("conversation not found")

// Metadata is the listing projection of a stored conversation.
type Metadata struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

// Store is the persistence surface used by the engine and the CLI.
type Store interface {
	// Save writes the conversation atomically, replacing any previous
	// version.
	Save(conv *models.Conversation) error

	// Load reads a conversation by id; ErrNotFound when absent.
	Load(id string) (*models.Conversation, error)

	// List returns metadata for every stored conversation, newest first.
	List() ([]Metadata, error)

	// Delete removes a conversation; ErrNotFound when absent.
	Delete(id string) error

	// Prune deletes conversations not updated within maxAgeDays and
	// returns the removed ids.
	Prune(maxAgeDays int) ([]string, error)
}

// PersistenceError wraps a storage failure with the operation and
// conversation involved. A failed snapshot never aborts a turn; the engine
// keeps state in memory and retries on the next snapshot.
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError builds a PersistenceError for the operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// WithConversation attaches the conversation id.
func (e *PersistenceError) WithConversation(id string) *PersistenceError {
	e.ConversationID = id
	return e
}

// Jump rewinds the conversation to the start of the numbered turn (1-based,
// as displayed to the user): every agent's history is truncated to the
// length recorded in the turn's marker, and that marker and everything after
// it are discarded. Callers re-sync live agent state from conv.Histories.
func Jump(conv *models.Conversation, turn int) error {
	if turn < 1 || turn > len(conv.TurnLog) {
		return fmt.Errorf("turn %d out of range (1..%d)", turn, len(conv.TurnLog))
	}
	marker := conv.TurnLog[turn-1]

	for agent, history := range conv.Histories {
		limit := marker.Indices[agent] // zero when the agent had no history yet
		if limit < 0 {
			limit = 0
		}
		if limit > len(history) {
			continue
		}
		conv.Histories[agent] = history[:limit]
	}

	conv.TurnLog = conv.TurnLog[:turn-1]
	return nil
}
