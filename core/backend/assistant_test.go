package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/offer"
)

// assistantStub serves the three assistant endpoints, handing out one status
// per poll from a fixed sequence.
type assistantStub struct {
	mu       sync.Mutex
	statuses []string
	polls    int
	submits  int
	reply    string
}

func (s *assistantStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads/runs":
			s.submits++
			_, _ = fmt.Fprint(w, `{"id":"run_1","thread_id":"thread_1","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/runs/run_1":
			status := "queued"
			if s.polls < len(s.statuses) {
				status = s.statuses[s.polls]
			} else if len(s.statuses) > 0 {
				status = s.statuses[len(s.statuses)-1]
			}
			s.polls++
			_, _ = fmt.Fprintf(w, `{"id":"run_1","thread_id":"thread_1","status":%q}`, status)
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/messages":
			reply := s.reply
			if reply == "" {
				reply = "Angebotsentwurf."
			}
			resp := map[string]any{
				"data": []map[string]any{
					{"role": "assistant", "content": []map[string]any{
						{"type": "text", "text": map[string]any{"value": reply}},
					}},
					{"role": "user", "content": []map[string]any{}},
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (s *assistantStub) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func newTestAssistant(url string, interval, deadline time.Duration) *Assistant {
	return NewAssistant(config.AssistantConfig{Endpoint: url, AssistantID: "asst_1"}, "key", interval, deadline, nil)
}

func TestAssistantPollUntilCompleted(t *testing.T) {
	stub := &assistantStub{statuses: []string{"queued", "in_progress", "completed"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, time.Second)
	res, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Angebotsentwurf." {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if got := stub.pollCount(); got != 3 {
		t.Fatalf("expected exactly 3 status polls, got %d", got)
	}
	if stub.submits != 1 {
		t.Fatalf("expected one submit, got %d", stub.submits)
	}
}

func TestAssistantStopsOnTerminalStatus(t *testing.T) {
	stub := &assistantStub{statuses: []string{"queued", "failed"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, time.Second)
	_, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var ue *offer.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !strings.Contains(ue.Msg, "failed") {
		t.Fatalf("error should name the terminal status: %s", ue.Msg)
	}
	if got := stub.pollCount(); got != 2 {
		t.Fatalf("expected 2 polls, got %d", got)
	}
}

func TestAssistantImmediateTerminal(t *testing.T) {
	stub := &assistantStub{statuses: []string{"cancelled"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, time.Second)
	_, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var ue *offer.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !strings.Contains(ue.Msg, "cancelled") {
		t.Fatalf("error should name the status: %s", ue.Msg)
	}
	if got := stub.pollCount(); got != 1 {
		t.Fatalf("expected a single poll, got %d", got)
	}
}

func TestAssistantPollDeadline(t *testing.T) {
	stub := &assistantStub{statuses: []string{"queued"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, 20*time.Millisecond)
	_, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var te *offer.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Phase != "polling" {
		t.Fatalf("unexpected phase: %s", te.Phase)
	}

	// No polls may happen after the deadline fired.
	settled := stub.pollCount()
	time.Sleep(20 * time.Millisecond)
	if got := stub.pollCount(); got != settled {
		t.Fatalf("polling continued after deadline: %d -> %d", settled, got)
	}
}

func TestAssistantSubmitCountsAgainstPollDeadline(t *testing.T) {
	stub := &assistantStub{statuses: []string{"queued"}}
	inner := stub.handler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/threads/runs" {
			time.Sleep(30 * time.Millisecond)
		}
		inner(w, r)
	}))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, 20*time.Millisecond)
	_, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var te *offer.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if got := stub.pollCount(); got != 1 {
		t.Fatalf("slow submit should exhaust the budget after one poll, got %d", got)
	}
}

func TestAssistantEmptyStatusKeepsPolling(t *testing.T) {
	stub := &assistantStub{statuses: []string{"", "completed"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, time.Second)
	if _, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := stub.pollCount(); got != 2 {
		t.Fatalf("expected empty status to keep polling, got %d polls", got)
	}
}

func TestAssistantSubmitShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"run_1"}`))
	}))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, time.Second)
	_, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var ue *offer.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !strings.Contains(ue.Msg, "thread_id") {
		t.Fatalf("expected shape error, got: %s", ue.Msg)
	}
}

func TestAssistantSubmitHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad api key"}}`))
	}))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Millisecond, time.Second)
	_, err := a.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var ue *offer.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Status != http.StatusUnauthorized || !strings.Contains(ue.Msg, "bad api key") {
		t.Fatalf("expected wrapped upstream message, got %+v", ue)
	}
}

func TestPickReply(t *testing.T) {
	msgs := []assistantMessage{
		{Role: "user"},
		{Role: "assistant"},
		{Role: "user"},
	}
	if got := pickReply(msgs); got == nil || got.Role != "assistant" {
		t.Fatalf("expected first assistant message, got %+v", got)
	}

	msgs = []assistantMessage{{Role: "user"}, {Role: "system"}}
	if got := pickReply(msgs); got == nil || got.Role != "system" {
		t.Fatalf("expected last message fallback, got %+v", got)
	}

	if got := pickReply(nil); got != nil {
		t.Fatalf("expected nil for empty list, got %+v", got)
	}
}

func TestAssistantMissingConfig(t *testing.T) {
	a := NewAssistant(config.AssistantConfig{}, "", time.Millisecond, time.Second, nil)
	_, err := a.Generate(context.Background(), offer.Context{})
	var ce *offer.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
