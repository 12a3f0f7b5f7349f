package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/llm"
)

// errStreamStalled cancels a stream that went quiet for longer than the
// request timeout, either before the response headers or between chunks.
var errStreamStalled = fmt.Errorf("invoke stream stalled: %w", context.DeadlineExceeded)

// sseChunk is one "data:" payload of the invoke stream.
type sseChunk struct {
	Content string `json:"content"`
	Delta   string `json:"delta"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

func (s sseChunk) text() string {
	switch {
	case s.Content != "":
		return s.Content
	case s.Delta != "":
		return s.Delta
	default:
		return s.Text
	}
}

// InvokeStream starts a streaming invocation. Errors before the response
// arrives are returned directly. Afterwards the channel carries deltas and
// ends with a done event, or an error event if the stream breaks. Waiting
// for the headers, and for each chunk after them, is bounded by the request
// timeout; a stall is a Network error.
func (c *Client) InvokeStream(ctx context.Context, agentExternalID, message, conversationID string) (<-chan llm.StreamEvent, error) {
	in := invokeRequest{Message: message, ConversationID: conversationID, Stream: true}
	path := "/api/agents/" + url.PathEscape(agentExternalID) + "/invoke"

	streamCtx, cancel := context.WithCancelCause(ctx)
	idle := time.AfterFunc(c.streamIdle, func() { cancel(errStreamStalled) })
	stop := func() {
		idle.Stop()
		cancel(nil)
	}

	resp, err := c.send(streamCtx, c.stream, "agents.invoke_stream", http.MethodPost, path, in)
	if err != nil {
		stalled := errors.Is(context.Cause(streamCtx), errStreamStalled)
		stop()
		if stalled {
			return nil, apierr.FromTransport(errStreamStalled)
		}
		return nil, err
	}
	idle.Reset(c.streamIdle)

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		defer stop()
		defer resp.Body.Close()

		// the consumer's pace does not count against the idle bound
		send := func(ev llm.StreamEvent) bool {
			idle.Stop()
			defer idle.Reset(c.streamIdle)
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var full strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			idle.Reset(c.streamIdle)
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				send(llm.StreamEvent{Type: llm.EventDone, Response: &llm.CompletionResponse{
					Content:        full.String(),
					ConversationID: conversationID,
				}})
				return
			}

			var chunk sseChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.log.Debug().Err(err).Str("data", data).Msg("skipping malformed stream chunk")
				continue
			}
			if chunk.Error != "" {
				send(llm.StreamEvent{Type: llm.EventError, Error: chunk.Error})
				return
			}
			if t := chunk.text(); t != "" {
				full.WriteString(t)
				if !send(llm.StreamEvent{Type: llm.EventDelta, Content: t}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			if errors.Is(context.Cause(streamCtx), errStreamStalled) {
				err = apierr.FromTransport(errStreamStalled)
			}
			send(llm.StreamEvent{Type: llm.EventError, Error: err.Error()})
			return
		}
		// closed without [DONE]
		send(llm.StreamEvent{Type: llm.EventDone, Response: &llm.CompletionResponse{
			Content:        full.String(),
			ConversationID: conversationID,
		}})
	}()
	return ch, nil
}
