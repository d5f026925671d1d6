package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/offer"
)

// Flow triggers an external workflow automation with a nested payload and
// extracts whatever text shape the workflow replies with.
type Flow struct {
	cfg    config.FlowConfig
	key    string
	client *http.Client
}

func NewFlow(cfg config.FlowConfig, key string) *Flow {
	return &Flow{cfg: cfg, key: key, client: defaultClient}
}

func (f *Flow) Mode() Mode { return ModeFlow }

func (f *Flow) Generate(ctx context.Context, oc offer.Context) (*Result, error) {
	return f.post(ctx, ReshapeContext(oc))
}

// GenerateRaw forwards a caller-supplied body. Payloads already shaped into
// the four workflow groups pass through unmodified; flat payloads are
// normalized and reshaped first.
func (f *Flow) GenerateRaw(ctx context.Context, body []byte) (*Result, error) {
	var raw map[string]any
	if len(body) > 0 {
		_ = json.Unmarshal(body, &raw)
	}
	if hasFlowGroups(raw) {
		return f.post(ctx, raw)
	}
	return f.post(ctx, ReshapeContext(offer.Normalize(raw)))
}

func (f *Flow) post(ctx context.Context, payload map[string]any) (*Result, error) {
	if f.cfg.TriggerURL == "" {
		return nil, &offer.ConfigError{Missing: "flow trigger URL"}
	}
	if f.key == "" {
		return nil, &offer.ConfigError{Missing: "flow_key"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TriggerURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(f.cfg.AuthHeader, f.key)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &offer.TimeoutError{Phase: "flow trigger"}
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &offer.UpstreamError{
			Status: resp.StatusCode,
			Msg:    flowErrorMessage(body, resp.StatusCode),
			Body:   body,
		}
	}
	return &Result{
		Text:       ExtractFlowText(body),
		Raw:        flowRaw(body),
		HTTPStatus: resp.StatusCode,
		Endpoint:   f.cfg.TriggerURL,
	}, nil
}

// ReshapeContext groups the flat context into the nested payload the workflow
// expects: customer identity, offer parameters, goals, and situational
// context.
func ReshapeContext(oc offer.Context) map[string]any {
	var pt any
	if oc.PT != nil {
		pt = *oc.PT
	}
	return map[string]any{
		"customer": map[string]any{
			"name":     oc.Customer,
			"category": oc.Category,
		},
		"offer": map[string]any{
			"scope":             oc.Scope,
			"detailDescription": oc.DetailDescription,
			"pt":                pt,
			"style":             oc.Style,
		},
		"goals": map[string]any{
			"primary":   oc.PrimaryGoal,
			"secondary": oc.SecondaryGoals,
		},
		"context": map[string]any{
			"situation": oc.Situation,
			"notes":     oc.Notes,
			"language":  oc.Language,
		},
	}
}

func hasFlowGroups(raw map[string]any) bool {
	if raw == nil {
		return false
	}
	for _, key := range []string{"customer", "offer", "goals", "context"} {
		if _, ok := raw[key]; !ok {
			return false
		}
	}
	return true
}

// ExtractFlowText walks the response shapes workflows commonly return:
// a top-level text field, a message list, a chat-completion choice, or
// finally the raw body itself.
func ExtractFlowText(body []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body)
	}
	if s, ok := parsed["text"].(string); ok {
		return s
	}
	if msgs, ok := parsed["messages"].([]any); ok && len(msgs) > 0 {
		if last, ok := msgs[len(msgs)-1].(map[string]any); ok {
			if s, ok := last["text"].(string); ok {
				return s
			}
		}
	}
	if choices, ok := parsed["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				switch content := msg["content"].(type) {
				case string:
					return content
				case []any:
					for _, block := range content {
						if m, ok := block.(map[string]any); ok {
							if m["type"] == "text" {
								if text, ok := m["text"].(map[string]any); ok {
									if s, ok := text["value"].(string); ok {
										return s
									}
								}
								if s, ok := m["text"].(string); ok {
									return s
								}
							}
						}
					}
				}
			}
		}
	}
	return string(body)
}

func flowErrorMessage(body []byte, status int) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if s, ok := parsed["error"].(string); ok && s != "" {
			return truncate(s, 4000)
		}
		if s, ok := parsed["message"].(string); ok && s != "" {
			return truncate(s, 4000)
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// flowRaw keeps JSON bodies as-is and wraps plain text so Raw is always valid
// JSON.
func flowRaw(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(body)})
	if err != nil {
		return nil
	}
	return json.RawMessage(wrapped)
}
