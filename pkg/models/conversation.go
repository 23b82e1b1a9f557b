package models

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Usage accumulates token counts and cost for a turn or conversation.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost += other.Cost
}

// TurnMarker records where a user turn started so a conversation can be
// rewound. Indices maps each participating agent to the length of its history
// immediately before the turn's user message was appended.
type TurnMarker struct {
	Indices   map[string]int `json:"indices"`
	Preview   string         `json:"preview"`
	AgentName string         `json:"agent_name"`
	At        time.Time      `json:"at"`
}

// Conversation is the persisted unit: per-agent canonical histories plus the
// turn log. Histories are keyed by agent name and never shared between agents
// except through an explicit transfer.
type Conversation struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Agents    []string             `json:"participating_agents"`
	Histories map[string][]Message `json:"histories"`
	TurnLog   []TurnMarker         `json:"turn_log"`
}

// NewConversationID returns a lexicographically sortable conversation id.
func NewConversationID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewConversation creates an empty conversation with a fresh id.
func NewConversation(title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        NewConversationID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Histories: make(map[string][]Message),
	}
}

// HasAgent reports whether the named agent participates in the conversation.
func (c *Conversation) HasAgent(name string) bool {
	for _, a := range c.Agents {
		if a == name {
			return true
		}
	}
	return false
}

// AddAgent records a participating agent, once.
func (c *Conversation) AddAgent(name string) {
	if !c.HasAgent(name) {
		c.Agents = append(c.Agents, name)
	}
}
