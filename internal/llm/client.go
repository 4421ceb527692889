package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/youruser/loom/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
)

// Client speaks the OpenAI-compatible SSE chat protocol and adapts it to the
// Event model. Tool-call fragments are forwarded raw, one CallDelta per SSE
// delta; reconstruction happens downstream.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a transport client.
func NewClient(baseURL, apiKey, model string, log *logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		log:        log,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sseToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type sseDelta struct {
	Content   string        `json:"content,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	ToolCalls []sseToolCall `json:"tool_calls,omitempty"`
}

type sseChunk struct {
	Choices []struct {
		Delta        *sseDelta `json:"delta,omitempty"`
		FinishReason string    `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream starts a chat request and returns an iterator over its events.
func (c *Client) Stream(ctx context.Context, conversationID, prompt string) (Iterator, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug("HTTP POST %s/chat/completions (conversation: %s)", c.baseURL, conversationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(b))
	}

	ch := make(chan Event, 16)
	go c.readStream(ctx, resp.Body, ch)
	return NewChanIterator(ch), nil
}

// Continue resumes a paused conversation with an optional annotation.
func (c *Client) Continue(ctx context.Context, conversationID, annotation string) error {
	payload := map[string]any{"conversation_id": conversationID}
	if annotation != "" {
		payload["annotation"] = annotation
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/conversations/continue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug("HTTP POST %s/conversations/continue (conversation: %s)", c.baseURL, conversationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(b))
	}
	return nil
}

// readStream converts SSE lines into Events and closes the channel when the
// stream ends. A context cancellation produces no error event; the consumer
// treats the abort as cancellation, not failure.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			emit(Event{Kind: EventComplete})
			return
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if chunk.Error != nil {
			emit(Event{Kind: EventError, Message: chunk.Error.Message})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			if !emit(Event{Kind: EventChunk, Text: delta.Content}) {
				return
			}
		}
		if delta.Reasoning != "" {
			if !emit(Event{Kind: EventChunk, Text: delta.Reasoning, Thought: true}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			call := &CallDelta{
				ID:          tc.ID,
				Index:       &idx,
				Name:        tc.Function.Name,
				PartialArgs: tc.Function.Arguments,
			}
			if !emit(Event{Kind: EventChunk, Call: call}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Error("SSE scanner error: %v", err)
		emit(Event{Kind: EventError, Message: err.Error()})
		return
	}

	// Stream ended without [DONE]; treat as complete.
	emit(Event{Kind: EventComplete})
}
