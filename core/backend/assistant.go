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
	"time"

	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/infra/metrics"
	"github.com/offerforge/offerforge/core/offer"
)

const assistantInstruction = "Create a structured offer draft from the request context below. " +
	"Use only the provided fields, state assumptions explicitly, and give the total effort without a breakdown."

// Assistant drives an asynchronous assistant API: submit a thread+run, poll
// the run status on a fixed interval until it completes or the poll deadline
// passes, then fetch the assistant's reply from the thread.
type Assistant struct {
	cfg      config.AssistantConfig
	apiKey   string
	interval time.Duration
	deadline time.Duration
	client   *http.Client
	metrics  metrics.Metrics
}

func NewAssistant(cfg config.AssistantConfig, apiKey string, interval, deadline time.Duration, m metrics.Metrics) *Assistant {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Assistant{
		cfg:      cfg,
		apiKey:   apiKey,
		interval: interval,
		deadline: deadline,
		client:   defaultClient,
		metrics:  m,
	}
}

func (a *Assistant) Mode() Mode { return ModeAssistant }

type assistantRun struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

type assistantMessage struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type assistantMessageList struct {
	Data []assistantMessage `json:"data"`
}

func (a *Assistant) Generate(ctx context.Context, oc offer.Context) (*Result, error) {
	if a.cfg.Endpoint == "" || a.cfg.AssistantID == "" {
		return nil, &offer.ConfigError{Missing: "assistant endpoint or assistant id"}
	}
	if a.apiKey == "" {
		return nil, &offer.ConfigError{Missing: "assistant_api_key"}
	}

	// The poll deadline bounds the whole submit-plus-poll sequence.
	start := time.Now()
	run, err := a.submit(ctx, oc)
	if err != nil {
		return nil, err
	}

	status, err := a.poll(ctx, run.ThreadID, run.ID, start)
	if err != nil {
		return nil, err
	}

	text, msgBody, err := a.fetchReply(ctx, run.ThreadID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Text:       text,
		Raw:        json.RawMessage(msgBody),
		HTTPStatus: status,
		Endpoint:   a.base(),
	}, nil
}

func (a *Assistant) base() string {
	return strings.TrimRight(a.cfg.Endpoint, "/")
}

// submit creates a thread with the user message and starts the run in one
// call. The response must name both the run and its thread.
func (a *Assistant) submit(ctx context.Context, oc offer.Context) (*assistantRun, error) {
	pretty, err := json.MarshalIndent(oc, "", "  ")
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"assistant_id": a.cfg.AssistantID,
		"thread": map[string]any{
			"messages": []map[string]any{
				{"role": "user", "content": assistantInstruction + "\n\n" + string(pretty)},
			},
		},
	}
	body, _, err := a.call(ctx, http.MethodPost, a.base()+"/threads/runs", payload, "assistant submit")
	if err != nil {
		return nil, err
	}
	var run assistantRun
	if err := json.Unmarshal(body, &run); err != nil || run.ID == "" || run.ThreadID == "" {
		return nil, &offer.UpstreamError{
			Msg:  "assistant run response missing id or thread_id",
			Body: body,
		}
	}
	return &run, nil
}

// poll issues status GETs until the run reaches a terminal status or the
// poll deadline elapses. The deadline is checked before each wait, and waits
// honor ctx cancellation. An empty status keeps polling.
func (a *Assistant) poll(ctx context.Context, threadID, runID string, start time.Time) (int, error) {
	url := fmt.Sprintf("%s/threads/%s/runs/%s", a.base(), threadID, runID)

	for {
		a.metrics.IncPollAttempts()
		body, status, err := a.call(ctx, http.MethodGet, url, nil, "assistant poll")
		if err != nil {
			return 0, err
		}
		var run assistantRun
		_ = json.Unmarshal(body, &run)
		switch run.Status {
		case "completed":
			return status, nil
		case "", "queued", "in_progress":
		default:
			return 0, &offer.UpstreamError{
				Status: status,
				Msg:    fmt.Sprintf("assistant run ended with status %q", run.Status),
				Body:   body,
			}
		}

		elapsed := time.Since(start)
		if elapsed >= a.deadline {
			return 0, &offer.TimeoutError{Phase: "polling", Elapsed: elapsed}
		}
		if err := waitInterval(ctx, a.interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, &offer.TimeoutError{Phase: "polling", Elapsed: time.Since(start)}
			}
			return 0, err
		}
	}
}

// waitInterval sleeps for d or until the context ends, whichever comes first.
func waitInterval(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetchReply lists the thread messages and extracts the assistant's answer:
// the first assistant-role message, falling back to the last message when the
// API returns none. Missing text content yields an empty string, not an error.
func (a *Assistant) fetchReply(ctx context.Context, threadID string) (string, []byte, error) {
	body, _, err := a.call(ctx, http.MethodGet, a.base()+"/threads/"+threadID+"/messages", nil, "assistant messages")
	if err != nil {
		return "", nil, err
	}
	var list assistantMessageList
	if err := json.Unmarshal(body, &list); err != nil {
		return "", nil, &offer.UpstreamError{Msg: "assistant message list is not valid JSON", Body: body}
	}
	msg := pickReply(list.Data)
	if msg == nil {
		return "", body, nil
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text.Value, body, nil
		}
	}
	return "", body, nil
}

func pickReply(msgs []assistantMessage) *assistantMessage {
	for i := range msgs {
		if msgs[i].Role == "assistant" {
			return &msgs[i]
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}

// call performs one JSON HTTP request and validates the status code. Upstream
// failures carry the parsed error.message when present, the raw body always.
func (a *Assistant) call(ctx context.Context, method, url string, payload any, phase string) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, 0, &offer.TimeoutError{Phase: phase}
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, &offer.UpstreamError{
			Status: resp.StatusCode,
			Msg:    fmt.Sprintf("%s failed: %s", phase, upstreamMessage(body, resp.StatusCode)),
			Body:   body,
		}
	}
	return body, resp.StatusCode, nil
}

// upstreamMessage pulls error.message from a JSON error body, falling back to
// the HTTP status text.
func upstreamMessage(body []byte, status int) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return truncate(parsed.Error.Message, 4000)
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}
