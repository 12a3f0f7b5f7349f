package domain

import "time"

// Agent represents an AI agent definition owned by a user.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	ModelID      string    `json:"modelId,omitempty"`
	Temperature  float64   `json:"temperature"`
	IsPublic     bool      `json:"isPublic"`
	UserID       string    `json:"userId,omitempty"`
	Tools        []string  `json:"tools,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	SyncState
}

// AgentInput carries the user-editable fields for create.
type AgentInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	ModelID      string   `json:"modelId,omitempty"`
	Temperature  float64  `json:"temperature"`
	IsPublic     bool     `json:"isPublic"`
	UserID       string   `json:"userId,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// AgentPatch carries a partial update. Nil fields are left unchanged.
type AgentPatch struct {
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Instructions *string   `json:"instructions,omitempty"`
	ModelID      *string   `json:"modelId,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	IsPublic     *bool     `json:"isPublic,omitempty"`
	Tools        *[]string `json:"tools,omitempty"`
}

// Apply copies the set fields of p onto a. It reports whether anything changed.
func (p AgentPatch) Apply(a *Agent) bool {
	changed := false
	if p.Name != nil && *p.Name != a.Name {
		a.Name, changed = *p.Name, true
	}
	if p.Description != nil && *p.Description != a.Description {
		a.Description, changed = *p.Description, true
	}
	if p.Instructions != nil && *p.Instructions != a.Instructions {
		a.Instructions, changed = *p.Instructions, true
	}
	if p.ModelID != nil && *p.ModelID != a.ModelID {
		a.ModelID, changed = *p.ModelID, true
	}
	if p.Temperature != nil && *p.Temperature != a.Temperature {
		a.Temperature, changed = *p.Temperature, true
	}
	if p.IsPublic != nil && *p.IsPublic != a.IsPublic {
		a.IsPublic, changed = *p.IsPublic, true
	}
	if p.Tools != nil {
		a.Tools, changed = append([]string(nil), (*p.Tools)...), true
	}
	return changed
}

// NewAgent builds a local agent from input. The record starts pending.
func NewAgent(id string, in AgentInput, now time.Time) *Agent {
	return &Agent{
		ID:           id,
		Name:         in.Name,
		Description:  in.Description,
		Instructions: in.Instructions,
		ModelID:      in.ModelID,
		Temperature:  in.Temperature,
		IsPublic:     in.IsPublic,
		UserID:       in.UserID,
		Tools:        in.Tools,
		CreatedAt:    now,
		UpdatedAt:    now,
		SyncState:    SyncState{Status: SyncStatusPending},
	}
}

// AgentFilter narrows list queries. Zero values match everything.
type AgentFilter struct {
	UserID   string
	IsPublic *bool
}
