package domain

import "time"

// Conversation is a chat thread between a user and an agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	UserID    string    `json:"userId,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	SyncState
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn in a conversation's local history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Source         string    `json:"source,omitempty"` // external|local
	CreatedAt      time.Time `json:"createdAt"`
}
