// Package llm defines the completion client used when agent invocations fall
// back to a locally hosted model.
package llm

import (
	"context"
	"time"
)

// Role constants for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Stream event types.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a Complete or Stream call.
type CompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// CompletionResponse is the result of a non-streaming completion.
type CompletionResponse struct {
	Content        string        `json:"content"`
	StopReason     string        `json:"stopReason,omitempty"`
	Usage          Usage         `json:"usage"`
	Model          string        `json:"model,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// StreamEvent is a chunk from a streaming completion.
type StreamEvent struct {
	Type    string `json:"type"`              // "delta", "done", "error"
	Content string `json:"content,omitempty"` // text delta
	Error   string `json:"error,omitempty"`   // error message (type="error")

	// Final fields (type="done")
	Response *CompletionResponse `json:"response,omitempty"`
}

// Client is the interface all completion providers implement.
type Client interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream sends a request and returns a channel of streaming events.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)

	// Name returns the provider name (e.g., "ollama").
	Name() string
}

// Collect drains a stream into one response. An error event becomes an error.
func Collect(ctx context.Context, ch <-chan StreamEvent) (*CompletionResponse, error) {
	var content []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return &CompletionResponse{Content: string(content)}, nil
			}
			switch ev.Type {
			case EventDelta:
				content = append(content, ev.Content...)
			case EventError:
				return nil, &StreamError{Message: ev.Error}
			case EventDone:
				if ev.Response != nil && ev.Response.Content != "" {
					return ev.Response, nil
				}
				return &CompletionResponse{Content: string(content)}, nil
			}
		}
	}
}

// StreamError is an error reported inside a stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "stream error: " + e.Message }
