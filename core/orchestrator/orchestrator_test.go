package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/offerforge/offerforge/core/backend"
	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/infra/metrics"
	"github.com/offerforge/offerforge/core/offer"
	"github.com/offerforge/offerforge/core/run"
)

type stubSecrets map[string]string

func (s stubSecrets) GetSecrets(context.Context) map[string]string { return s }

type stubGenerator struct {
	mode   backend.Mode
	result *backend.Result
	err    error
	block  time.Duration
}

func (g *stubGenerator) Mode() backend.Mode { return g.mode }

func (g *stubGenerator) Generate(ctx context.Context, _ offer.Context) (*backend.Result, error) {
	if g.block > 0 {
		select {
		case <-ctx.Done():
			return nil, &offer.TimeoutError{Phase: "generation"}
		case <-time.After(g.block):
		}
	}
	return g.result, g.err
}

func newTestService(t *testing.T, cfg *config.Config, gen backend.Generator) (*Service, *run.MemoryTracker) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{RequestTimeout: time.Second, HistoryCapacity: 100}
	}
	tracker := run.NewMemoryTracker(cfg.HistoryCapacity)
	svc := New(cfg, tracker, stubSecrets{}, metrics.Noop{}, nil)
	if gen != nil {
		svc.WithFactory(func(backend.Mode, *config.Config, map[string]string, metrics.Metrics) backend.Generator {
			return gen
		})
	}
	return svc, tracker
}

func TestGenerateOfferDemoScenario(t *testing.T) {
	cfg := &config.Config{RequestTimeout: time.Second, HistoryCapacity: 100}
	svc, tracker := newTestService(t, cfg, nil)

	body := []byte(`{"customer":"Acme","category":"Security","pt":"12.5"}`)
	gen, err := svc.GenerateOffer(context.Background(), body)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Status != run.StatusSucceeded || gen.Mode != "demo" {
		t.Fatalf("unexpected generation: %+v", gen)
	}
	for _, want := range []string{"Kunde: Acme", "Kategorie: Security", "Gesamtaufwand (PT): 12.5"} {
		if !strings.Contains(gen.Text, want) {
			t.Fatalf("demo text missing %q:\n%s", want, gen.Text)
		}
	}

	rec, err := tracker.Get(context.Background(), gen.RunID)
	if err != nil {
		t.Fatalf("run record missing: %v", err)
	}
	if rec.Status != run.StatusSucceeded || rec.FinishedAt == nil {
		t.Fatalf("run record not terminal: %+v", rec)
	}
	if rec.Request.Customer != "Acme" {
		t.Fatalf("run record lost the request: %+v", rec.Request)
	}

	var stored Generation
	if err := json.Unmarshal(rec.Response, &stored); err != nil {
		t.Fatalf("stored response not a generation: %v", err)
	}
	if stored.Status != gen.Status || stored.Text != gen.Text {
		t.Fatalf("stored payload diverges from returned payload")
	}

	if active, _ := tracker.ActiveRunID(context.Background()); active != "" {
		t.Fatalf("active marker not cleared, got %q", active)
	}
}

func TestGenerateOfferFailureRecorded(t *testing.T) {
	gen := &stubGenerator{
		mode: backend.ModeChat,
		err:  &offer.UpstreamError{Status: 502, Msg: "backend down"},
	}
	svc, tracker := newTestService(t, nil, gen)

	g, err := svc.GenerateOffer(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if g.Status != run.StatusFailed || !strings.Contains(g.Error, "backend down") {
		t.Fatalf("unexpected failure payload: %+v", g)
	}

	rec, _ := tracker.Get(context.Background(), g.RunID)
	if rec.Status != run.StatusFailed || rec.Error != g.Error {
		t.Fatalf("run record and payload must carry the same failure: %+v vs %+v", rec, g)
	}
	if rec.Response != nil {
		t.Fatalf("failed run must not carry a response payload, got %s", rec.Response)
	}
	if active, _ := tracker.ActiveRunID(context.Background()); active != "" {
		t.Fatalf("active marker not cleared after failure")
	}
}

func TestGenerateOfferTimeout(t *testing.T) {
	cfg := &config.Config{RequestTimeout: 20 * time.Millisecond, HistoryCapacity: 100}
	gen := &stubGenerator{mode: backend.ModeChat, block: time.Second, result: &backend.Result{Text: "late"}}
	svc, tracker := newTestService(t, cfg, gen)

	g, err := svc.GenerateOffer(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if g.Status != run.StatusFailed || !strings.Contains(g.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", g)
	}
	rec, _ := tracker.Get(context.Background(), g.RunID)
	if rec.Status != run.StatusFailed {
		t.Fatalf("run record not failed: %+v", rec)
	}
}

func TestListHistoryItems(t *testing.T) {
	svc, tracker := newTestService(t, nil, nil)
	ctx := context.Background()

	g, err := svc.GenerateOffer(ctx, []byte(`{"customer":"Acme","category":"Security"}`))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tracker.AttachFeedback(ctx, g.RunID, run.Feedback{Rating: "5"}); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	items, err := svc.ListHistory(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	item := items[0]
	if item.RunID != g.RunID || item.Customer != "Acme" || item.Category != "Security" || item.Rating != "5" {
		t.Fatalf("unexpected history item: %+v", item)
	}
	if item.Status != run.StatusSucceeded || item.Mode != "demo" {
		t.Fatalf("unexpected item state: %+v", item)
	}
}

func TestTriggerFlowRequiresConfig(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	_, err := svc.TriggerFlow(context.Background(), []byte(`{}`))
	var ce *offer.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestHealthReportsDemoMode(t *testing.T) {
	cfg := &config.Config{
		RequestTimeout:  time.Second,
		HistoryCapacity: 10,
		Backend:         "chat",
		Chat:            config.ChatConfig{Endpoint: "https://llm.example", Model: "m"},
	}
	svc, _ := newTestService(t, cfg, nil)

	h := svc.Health(context.Background())
	if h.Mode != "demo" || !strings.Contains(h.API, "offline") {
		t.Fatalf("missing credential should report demo: %+v", h)
	}
	if !h.Integrations["chat"] || h.Integrations["flow"] {
		t.Fatalf("unexpected integrations: %+v", h.Integrations)
	}
}
