package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, status int, events []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprint(w, ev)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

var anthropicEvents = []string{
	"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-test\",\"content\":[],\"stop_reason\":null,\"stop_sequence\":null,\"usage\":{\"input_tokens\":11,\"output_tokens\":1}}}\n\n",
	"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
	"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
	"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\", world\"}}\n\n",
	"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
	"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":7}}\n\n",
	"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
}

func TestAnthropicBackendStreams(t *testing.T) {
	srv := sseServer(t, http.StatusOK, anthropicEvents)
	b, err := NewAnthropicBackend(Config{Name: "claude", APIKey: "test", Model: "claude-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewAnthropicBackend failed: %v", err)
	}

	ch, err := b.Execute(context.Background(), Request{Prompt: "greet"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var deltas []string
	var done *Completion
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		if c.Delta != "" {
			deltas = append(deltas, c.Delta)
		}
		if c.Done != nil {
			done = c.Done
		}
	}

	if strings.Join(deltas, "") != "Hello, world" || len(deltas) != 2 {
		t.Errorf("deltas = %q", deltas)
	}
	if done == nil {
		t.Fatal("no completion")
	}
	if done.Content != "Hello, world" {
		t.Errorf("Content = %q", done.Content)
	}
	if done.InputTokens != 11 || done.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 11/7", done.InputTokens, done.OutputTokens)
	}
}

func TestAnthropicBackendRateLimitIsTransient(t *testing.T) {
	srv := sseServer(t, http.StatusTooManyRequests, nil)
	b, err := NewAnthropicBackend(Config{Name: "claude", APIKey: "test", Model: "claude-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewAnthropicBackend failed: %v", err)
	}

	ch, err := b.Execute(context.Background(), Request{Prompt: "greet"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := Collect(ch); !IsTransient(err) {
		t.Errorf("429 should be transient")
	}
}

func TestAnthropicBackendAuthIsPermanent(t *testing.T) {
	srv := sseServer(t, http.StatusUnauthorized, nil)
	b, err := NewAnthropicBackend(Config{Name: "claude", APIKey: "bad", Model: "claude-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewAnthropicBackend failed: %v", err)
	}

	ch, err := b.Execute(context.Background(), Request{Prompt: "greet"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := Collect(ch); !IsPermanent(err) {
		t.Errorf("401 should be permanent")
	}
}

var openaiEvents = []string{
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hi\"},\"finish_reason\":null}]}\n\n",
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" there\"},\"finish_reason\":\"stop\"}]}\n\n",
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n",
	"data: [DONE]\n\n",
}

func TestOpenAIBackendStreams(t *testing.T) {
	srv := sseServer(t, http.StatusOK, openaiEvents)
	b, err := NewOpenAIBackend(Config{Name: "gpt", APIKey: "test", Model: "gpt-test", BaseURL: srv.URL + "/", OutputCostPerToken: 0.5})
	if err != nil {
		t.Fatalf("NewOpenAIBackend failed: %v", err)
	}

	ch, err := b.Execute(context.Background(), Request{Prompt: "greet", System: "be nice"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	done, err := Collect(ch)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if done.Content != "Hi there" {
		t.Errorf("Content = %q", done.Content)
	}
	if done.InputTokens != 4 || done.OutputTokens != 2 {
		t.Errorf("usage = %d/%d, want 4/2", done.InputTokens, done.OutputTokens)
	}
	if done.Cost != 1 {
		t.Errorf("Cost = %v, want 1", done.Cost)
	}
}

func TestOpenAIBackendServerErrorIsTransient(t *testing.T) {
	srv := sseServer(t, http.StatusServiceUnavailable, nil)
	b, err := NewOpenAIBackend(Config{Name: "gpt", APIKey: "test", Model: "gpt-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewOpenAIBackend failed: %v", err)
	}

	ch, err := b.Execute(context.Background(), Request{Prompt: "greet"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := Collect(ch); !IsTransient(err) {
		t.Errorf("503 should be transient")
	}
}
