package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unisync/internal/apierr"
)

// --- Mock client tests ---

func TestMockClientComplete(t *testing.T) {
	mock := &MockClient{
		ProviderName: "test",
		CompleteFunc: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			return &CompletionResponse{Content: "echo: " + req.Messages[0].Content}, nil
		},
	}

	resp, err := mock.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.Equal(t, "test", mock.Name())
}

func TestMockClientDefaultStream(t *testing.T) {
	mock := &MockClient{}
	ch, err := mock.Stream(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	resp, err := Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "mock stream response", resp.Content)
}

// --- Collect tests ---

func TestCollectDeltasWithoutDone(t *testing.T) {
	ch := make(chan StreamEvent, 3)
	ch <- StreamEvent{Type: EventDelta, Content: "a "}
	ch <- StreamEvent{Type: EventDelta, Content: "b"}
	close(ch)

	resp, err := Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "a b", resp.Content)
}

func TestCollectError(t *testing.T) {
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Type: EventDelta, Content: "partial"}
	ch <- StreamEvent{Type: EventError, Error: "boom"}
	close(ch)

	_, err := Collect(context.Background(), ch)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "boom", se.Message)
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, make(chan StreamEvent))
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Ollama client tests ---

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var body ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.False(t, body.Stream)
		assert.Contains(t, body.Prompt, "System: be brief")
		if assert.NotNil(t, body.Options) && assert.NotNil(t, body.Options.Temperature) {
			assert.InDelta(t, 0.2, *body.Options.Temperature, 0.0001)
		}

		fmt.Fprint(w, `{"model":"llama3","response":"hi there","done":true,"done_reason":"stop","eval_count":3}`)
	}))
	defer srv.Close()

	temp := 0.2
	c := NewOllamaAPIClient(srv.URL+"/", "llama3", time.Second)
	resp, err := c.Complete(context.Background(), CompletionRequest{
		System:      "be brief",
		Messages:    []Message{{Role: RoleUser, Content: "hello"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
	assert.Equal(t, "ollama", c.Name())
}

func TestOllamaCompleteClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	c := NewOllamaAPIClient(srv.URL, "nope", time.Second)
	_, err := c.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
	assert.Contains(t, err.Error(), "model 'nope' not found")
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"response":"lo","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	c := NewOllamaAPIClient(srv.URL, "llama3", time.Second)
	ch, err := c.Stream(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	var deltas []string
	var done *CompletionResponse
	for ev := range ch {
		switch ev.Type {
		case EventDelta:
			deltas = append(deltas, ev.Content)
		case EventDone:
			done = ev.Response
		}
	}
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	require.NotNil(t, done)
	assert.Equal(t, "Hello", done.Content)
}

func TestOllamaStreamUnreachable(t *testing.T) {
	c := NewOllamaAPIClient("http://127.0.0.1:1", "llama3", time.Second)
	_, err := c.Stream(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindNetwork))
}

func TestOllamaProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := NewOllamaAPIClient(srv.URL, "", time.Second)
	assert.NoError(t, c.Probe(context.Background()))
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(CompletionRequest{
		System: "sys",
		Messages: []Message{
			{Role: RoleUser, Content: "q1"},
			{Role: RoleAssistant, Content: "a1"},
			{Role: RoleUser, Content: "q2"},
		},
	})
	assert.Equal(t, "System: sys\n\nq1\n\nassistant: a1\n\nq2\n\n", p)
}
