package remote

import (
	"time"

	"github.com/soyeahso/unisync/internal/domain"
)

// Wire formats of the external service.

type metadata struct {
	LocalID string `json:"local_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// wireID holds the identifiers a service may answer with. uuid wins, then
// externalId, then id.
type wireID struct {
	UUID       string `json:"uuid,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	ID         string `json:"id,omitempty"`
}

func (w wireID) externalID() string {
	switch {
	case w.UUID != "":
		return w.UUID
	case w.ExternalID != "":
		return w.ExternalID
	default:
		return w.ID
	}
}

type agentDTO struct {
	wireID
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	IsPublic     bool      `json:"is_public"`
	Tools        []string  `json:"tools,omitempty"`
	UserUUID     string    `json:"user_uuid,omitempty"`
	Metadata     *metadata `json:"metadata,omitempty"`
	CreatedAt    string    `json:"created_at,omitempty"`
	UpdatedAt    string    `json:"updated_at,omitempty"`
}

type conversationDTO struct {
	wireID
	AgentID   string       `json:"agent_id,omitempty"`
	AgentUUID string       `json:"agent_uuid,omitempty"`
	UserUUID  string       `json:"user_uuid,omitempty"`
	Title     string       `json:"title,omitempty"`
	Metadata  *metadata    `json:"metadata,omitempty"`
	Messages  []messageDTO `json:"messages,omitempty"`
	CreatedAt string       `json:"created_at,omitempty"`
	UpdatedAt string       `json:"updated_at,omitempty"`
}

type messageDTO struct {
	UUID             string    `json:"uuid,omitempty"`
	ConversationUUID string    `json:"conversation_uuid,omitempty"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Metadata         *metadata `json:"metadata,omitempty"`
	CreatedAt        string    `json:"created_at,omitempty"`
}

type invokeRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         bool   `json:"stream"`
}

const defaultTemperature = 0.7

func agentToDTO(a *domain.Agent) agentDTO {
	uuid := a.ExternalID
	if uuid == "" {
		uuid = a.ID
	}
	temp := a.Temperature
	return agentDTO{
		wireID:       wireID{UUID: uuid},
		Name:         a.Name,
		Description:  a.Description,
		SystemPrompt: a.Instructions,
		Model:        a.ModelID,
		Temperature:  &temp,
		IsPublic:     a.IsPublic,
		Tools:        a.Tools,
		Metadata:     &metadata{LocalID: a.ID, UserID: a.UserID},
	}
}

// agentFromDTO converts a remote agent. The local ID comes from metadata
// when the record was created here; the result is marked synced at now.
func agentFromDTO(d agentDTO, now time.Time) *domain.Agent {
	extID := d.externalID()
	a := &domain.Agent{
		ID:           extID,
		Name:         d.Name,
		Description:  d.Description,
		Instructions: d.SystemPrompt,
		ModelID:      d.Model,
		Temperature:  defaultTemperature,
		IsPublic:     d.IsPublic,
		UserID:       d.UserUUID,
		Tools:        d.Tools,
		CreatedAt:    parseWireTime(d.CreatedAt, now),
		UpdatedAt:    parseWireTime(d.UpdatedAt, now),
	}
	if d.Temperature != nil {
		a.Temperature = *d.Temperature
	}
	if d.Metadata != nil {
		if d.Metadata.LocalID != "" {
			a.ID = d.Metadata.LocalID
		}
		if d.Metadata.UserID != "" {
			a.UserID = d.Metadata.UserID
		}
	}
	a.MarkSynced(extID, now)
	return a
}

func conversationFromDTO(d conversationDTO, now time.Time) *domain.Conversation {
	extID := d.externalID()
	c := &domain.Conversation{
		ID:        extID,
		AgentID:   d.AgentUUID,
		UserID:    d.UserUUID,
		Title:     d.Title,
		CreatedAt: parseWireTime(d.CreatedAt, now),
		UpdatedAt: parseWireTime(d.UpdatedAt, now),
	}
	if c.AgentID == "" {
		c.AgentID = d.AgentID
	}
	if d.Metadata != nil && d.Metadata.LocalID != "" {
		c.ID = d.Metadata.LocalID
	}
	c.MarkSynced(extID, now)
	return c
}

func messageFromDTO(d messageDTO, now time.Time) domain.Message {
	m := domain.Message{
		ID:             d.UUID,
		ConversationID: d.ConversationUUID,
		Role:           domain.Role(d.Role),
		Content:        d.Content,
		Source:         "external",
		CreatedAt:      parseWireTime(d.CreatedAt, now),
	}
	if d.Metadata != nil && d.Metadata.LocalID != "" {
		m.ID = d.Metadata.LocalID
	}
	if m.Role == "" {
		m.Role = domain.RoleAssistant
	}
	return m
}

func parseWireTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
