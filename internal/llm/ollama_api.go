package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/unisync/internal/apierr"
)

// OllamaAPIClient is a direct HTTP client for the Ollama generate API.
type OllamaAPIClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaAPIClient creates a new Ollama API client.
// baseURL should be like "http://localhost:11434". model is used when a
// request names none.
func NewOllamaAPIClient(baseURL, model string, timeout time.Duration) *OllamaAPIClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaAPIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// Complete sends a non-streaming completion request.
func (o *OllamaAPIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	model := o.modelFor(req)

	resp, err := o.post(ctx, req, model, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apierr.FromDecode(err)
	}

	return &CompletionResponse{
		Content:    result.Response,
		Model:      model,
		StopReason: result.DoneReason,
		Duration:   time.Since(start),
		Usage:      Usage{InputTokens: result.PromptEvalCount, OutputTokens: result.EvalCount},
	}, nil
}

// Stream sends a streaming completion request. Failures before the first
// byte are returned directly; later ones arrive as error events.
func (o *OllamaAPIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	model := o.modelFor(req)
	resp, err := o.post(ctx, req, model, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var full strings.Builder
		var last ollamaResponse

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev ollamaResponse
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}
			if ev.Error != "" {
				send(StreamEvent{Type: EventError, Error: ev.Error})
				return
			}
			if ev.Response != "" {
				full.WriteString(ev.Response)
				if !send(StreamEvent{Type: EventDelta, Content: ev.Response}) {
					return
				}
			}
			if ev.Done {
				last = ev
				break
			}
		}
		if err := scanner.Err(); err != nil {
			send(StreamEvent{Type: EventError, Error: err.Error()})
			return
		}

		send(StreamEvent{
			Type: EventDone,
			Response: &CompletionResponse{
				Content:    full.String(),
				Model:      model,
				StopReason: last.DoneReason,
				Usage:      Usage{InputTokens: last.PromptEvalCount, OutputTokens: last.EvalCount},
			},
		})
	}()
	return ch, nil
}

// Probe checks that the Ollama server answers.
func (o *OllamaAPIClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return apierr.FromTransport(err)
	}
	if resp.StatusCode/100 != 2 {
		return apierr.FromResponse(resp)
	}
	resp.Body.Close()
	return nil
}

// Name returns the provider name.
func (o *OllamaAPIClient) Name() string {
	return "ollama"
}

func (o *OllamaAPIClient) modelFor(req CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *OllamaAPIClient) post(ctx context.Context, req CompletionRequest, model string, stream bool) (*http.Response, error) {
	body := ollamaRequest{
		Model:  model,
		Prompt: buildPrompt(req),
		Stream: stream,
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature}
		if req.MaxTokens > 0 {
			body.Options.NumPredict = req.MaxTokens
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, apierr.FromTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.FromResponse(resp)
	}
	return resp, nil
}

func buildPrompt(req CompletionRequest) string {
	var prompt strings.Builder

	if req.System != "" {
		prompt.WriteString("System: ")
		prompt.WriteString(req.System)
		prompt.WriteString("\n\n")
	}

	for _, msg := range req.Messages {
		if msg.Role != RoleUser {
			prompt.WriteString(msg.Role)
			prompt.WriteString(": ")
		}
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n\n")
	}

	return prompt.String()
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}
