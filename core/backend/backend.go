package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/infra/metrics"
	"github.com/offerforge/offerforge/core/infra/secrets"
	"github.com/offerforge/offerforge/core/offer"
)

// Mode identifies a generation backend.
type Mode string

const (
	ModeDemo      Mode = "demo"
	ModeChat      Mode = "chat"
	ModeAssistant Mode = "assistant"
	ModeFlow      Mode = "flow"
)

// Result is the outcome of a successful generation.
type Result struct {
	Text       string
	Raw        json.RawMessage
	HTTPStatus int
	Endpoint   string
}

// Generator produces offer text from a normalized context. Implementations
// honor the context deadline and return the typed errors from core/offer.
type Generator interface {
	Generate(ctx context.Context, oc offer.Context) (*Result, error)
	Mode() Mode
}

// Select resolves the effective mode for a request. Demo wins whenever the
// explicit demo flag is set, the configured backend is incomplete, or its
// credential is absent. The configured backend is a deployment property, not
// a per-request choice.
func Select(cfg *config.Config, creds map[string]string) Mode {
	if cfg == nil || cfg.DemoMode {
		return ModeDemo
	}
	switch Mode(strings.ToLower(cfg.Backend)) {
	case ModeChat:
		if cfg.Chat.Endpoint != "" && cfg.Chat.Model != "" && creds[secrets.ChatAPIKey] != "" {
			return ModeChat
		}
	case ModeAssistant:
		if cfg.Assistant.Endpoint != "" && cfg.Assistant.AssistantID != "" && creds[secrets.AssistantAPIKey] != "" {
			return ModeAssistant
		}
	case ModeFlow:
		if cfg.Flow.TriggerURL != "" && creds[secrets.FlowKey] != "" {
			return ModeFlow
		}
	}
	return ModeDemo
}

// New builds the generator for a resolved mode.
func New(mode Mode, cfg *config.Config, creds map[string]string, m metrics.Metrics) Generator {
	if m == nil {
		m = metrics.Noop{}
	}
	switch mode {
	case ModeChat:
		return NewChat(cfg.Chat, creds[secrets.ChatAPIKey])
	case ModeAssistant:
		return NewAssistant(cfg.Assistant, creds[secrets.AssistantAPIKey], cfg.PollInterval, cfg.PollDeadline, m)
	case ModeFlow:
		return NewFlow(cfg.Flow, creds[secrets.FlowKey])
	default:
		return Demo{}
	}
}

var defaultClient = &http.Client{}

// truncate caps s for inclusion in error messages. The raw body stays intact
// on the error value itself.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
