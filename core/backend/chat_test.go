package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/offer"
)

func TestChatSuccess(t *testing.T) {
	var got chatRequest
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Angebot folgt."}}]}`))
	}))
	defer srv.Close()

	c := NewChat(config.ChatConfig{
		Endpoint:     srv.URL,
		Model:        "gpt-test",
		ChatPath:     "/v1/chat/completions",
		APIKeyHeader: "api-key",
		ExtraHeaders: `{"X-Extra": "1"}`,
	}, "secret")

	res, err := c.Generate(context.Background(), offer.Context{Customer: "Acme", Style: "formal", Language: "de"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Angebot folgt." {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.HTTPStatus != http.StatusOK || !strings.HasPrefix(res.Endpoint, srv.URL) {
		t.Fatalf("unexpected result meta: %+v", res)
	}
	if gotHeaders.Get("api-key") != "secret" || gotHeaders.Get("X-Extra") != "1" {
		t.Fatalf("missing headers: %#v", gotHeaders)
	}
	if got.Model != "gpt-test" || got.Temperature != 0.2 {
		t.Fatalf("unexpected request payload: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("expected system+user messages, got %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[1].Content, "Kunde: Acme") {
		t.Fatalf("german prompt expected, got: %s", got.Messages[1].Content)
	}
}

func TestChatEnglishPrompt(t *testing.T) {
	system, user := buildPrompts(offer.Context{Customer: "Acme", Style: "formal", Language: "en"})
	if !strings.Contains(system, "presales assistant") {
		t.Fatalf("expected english system prompt: %s", system)
	}
	if !strings.Contains(user, "Customer: Acme") || !strings.Contains(user, "5) Next steps") {
		t.Fatalf("expected english user prompt: %s", user)
	}
}

func TestChatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"backend down"}}`))
	}))
	defer srv.Close()

	c := NewChat(config.ChatConfig{Endpoint: srv.URL, Model: "m", ChatPath: "/x", APIKeyHeader: "api-key"}, "k")
	_, err := c.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var ue *offer.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Status != http.StatusBadGateway || len(ue.Body) == 0 {
		t.Fatalf("unexpected error detail: %+v", ue)
	}
}

func TestChatErrorMessageCapped(t *testing.T) {
	big := strings.Repeat("x", 10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(big))
	}))
	defer srv.Close()

	c := NewChat(config.ChatConfig{Endpoint: srv.URL, Model: "m", ChatPath: "/x", APIKeyHeader: "api-key"}, "k")
	_, err := c.Generate(context.Background(), offer.Context{Style: "formal", Language: "de"})

	var ue *offer.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if len(ue.Msg) > 4000 {
		t.Fatalf("error message not capped: %d chars", len(ue.Msg))
	}
	if len(ue.Body) != len(big) {
		t.Fatalf("raw body should be preserved in full, got %d", len(ue.Body))
	}
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the connection observes the client abort.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewChat(config.ChatConfig{Endpoint: srv.URL, Model: "m", ChatPath: "/x", APIKeyHeader: "api-key"}, "k")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, offer.Context{Style: "formal", Language: "de"})

	var te *offer.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestChatMissingConfig(t *testing.T) {
	c := NewChat(config.ChatConfig{}, "")
	_, err := c.Generate(context.Background(), offer.Context{})
	var ce *offer.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
