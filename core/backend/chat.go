package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/offer"
)

const chatTemperature = 0.2

// Chat calls a synchronous chat-completion endpoint with a localized prompt
// pair and returns the first choice's message content.
type Chat struct {
	cfg    config.ChatConfig
	apiKey string
	client *http.Client
}

func NewChat(cfg config.ChatConfig, apiKey string) *Chat {
	return &Chat{cfg: cfg, apiKey: apiKey, client: defaultClient}
}

func (c *Chat) Mode() Mode { return ModeChat }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Chat) Generate(ctx context.Context, oc offer.Context) (*Result, error) {
	if c.cfg.Endpoint == "" || c.cfg.Model == "" {
		return nil, &offer.ConfigError{Missing: "chat endpoint or model"}
	}
	if c.apiKey == "" {
		return nil, &offer.ConfigError{Missing: "chat_api_key"}
	}

	system, user := buildPrompts(oc)
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: chatTemperature,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + c.cfg.ChatPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.APIKeyHeader, c.apiKey)
	for k, v := range ParseExtraHeaders(c.cfg.ExtraHeaders) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &offer.TimeoutError{Phase: "chat request"}
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("chat call failed: %d %s %s", resp.StatusCode, http.StatusText(resp.StatusCode), body)
		return nil, &offer.UpstreamError{
			Status: resp.StatusCode,
			Msg:    truncate(msg, 4000),
			Body:   body,
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &offer.UpstreamError{
			Status: resp.StatusCode,
			Msg:    "chat response is not valid JSON",
			Body:   body,
		}
	}
	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}
	return &Result{
		Text:       text,
		Raw:        json.RawMessage(body),
		HTTPStatus: resp.StatusCode,
		Endpoint:   url,
	}, nil
}

// buildPrompts renders the system and user prompt for the context's language.
// The German pair is the primary one; everything else gets the English pair.
func buildPrompts(oc offer.Context) (system, user string) {
	if strings.HasPrefix(strings.ToLower(oc.Language), "de") {
		system = "Du bist ein Presales-Assistent. Erstelle einen sachlichen, professionellen Angebotsentwurf. Erfinde keine Fakten, nutze nur die Eingaben. Nenne Annahmen explizit. Keine detaillierte PT-Aufschlüsselung."
		user = strings.Join([]string{
			"Erstelle einen Angebotsentwurf basierend auf den folgenden Eingaben.",
			"",
			"Kunde: " + offer.OrDash(oc.Customer),
			"Kategorie: " + offer.OrDash(oc.Category),
			"Primäres Ziel: " + offer.OrDash(oc.PrimaryGoal),
			"Sekundäre Ziele: " + offer.OrDash(oc.SecondaryGoals),
			"Kundensituation: " + offer.OrDash(oc.Situation),
			"Leistungsumfang: " + offer.OrDash(oc.Scope),
			"Detailbeschreibung: " + offer.OrDash(oc.DetailDescription),
			"Hinweise: " + offer.OrDash(oc.Notes),
			"Gesamtaufwand (PT): " + offer.FormatPT(oc.PT),
			"Ton: " + oc.Style,
			"",
			"Format:",
			"1) Kurzüberblick",
			"2) Leistungsumfang (Bulletpoints)",
			"3) Annahmen & Abgrenzungen",
			"4) Gesamtaufwand (nur Gesamt-PT, keine Aufschlüsselung)",
			"5) Nächste Schritte",
		}, "\n")
		return system, user
	}
	system = "You are a presales assistant. Draft a professional offer. Do not invent facts; only use the provided inputs. State assumptions explicitly. No detailed person-day breakdown."
	user = strings.Join([]string{
		"Create an offer draft based on the inputs below.",
		"",
		"Customer: " + offer.OrDash(oc.Customer),
		"Category: " + offer.OrDash(oc.Category),
		"Primary goal: " + offer.OrDash(oc.PrimaryGoal),
		"Secondary goals: " + offer.OrDash(oc.SecondaryGoals),
		"Situation: " + offer.OrDash(oc.Situation),
		"Scope: " + offer.OrDash(oc.Scope),
		"Details: " + offer.OrDash(oc.DetailDescription),
		"Notes: " + offer.OrDash(oc.Notes),
		"Total effort (person-days): " + offer.FormatPT(oc.PT),
		"Tone: " + oc.Style,
		"",
		"Format:",
		"1) Summary",
		"2) Scope (bullets)",
		"3) Assumptions & exclusions",
		"4) Total effort (overall only, no breakdown)",
		"5) Next steps",
	}, "\n")
	return system, user
}

// ParseExtraHeaders accepts either a JSON object or a comma-separated list of
// "name:value" pairs. Malformed entries are skipped.
func ParseExtraHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "{") {
		var out map[string]string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, ":")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
