package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/offerforge/offerforge/core/backend"
	"github.com/offerforge/offerforge/core/infra/bus"
	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/infra/logging"
	"github.com/offerforge/offerforge/core/infra/metrics"
	"github.com/offerforge/offerforge/core/infra/secrets"
	"github.com/offerforge/offerforge/core/offer"
	"github.com/offerforge/offerforge/core/run"
)

// GeneratorFactory builds the generator for a resolved mode. Swappable in
// tests.
type GeneratorFactory func(mode backend.Mode, cfg *config.Config, creds map[string]string, m metrics.Metrics) backend.Generator

// Service wires normalization, backend selection, run tracking, and event
// publishing into the generation pipeline.
type Service struct {
	cfg     *config.Config
	secrets secrets.Provider
	tracker run.Tracker
	metrics metrics.Metrics
	events  bus.Publisher
	factory GeneratorFactory
}

func New(cfg *config.Config, tracker run.Tracker, provider secrets.Provider, m metrics.Metrics, events bus.Publisher) *Service {
	if m == nil {
		m = metrics.Noop{}
	}
	if events == nil {
		events = bus.Noop{}
	}
	return &Service{
		cfg:     cfg,
		secrets: provider,
		tracker: tracker,
		metrics: m,
		events:  events,
		factory: backend.New,
	}
}

// WithFactory overrides generator construction, used by tests.
func (s *Service) WithFactory(f GeneratorFactory) *Service {
	s.factory = f
	return s
}

// Meta describes the timing and upstream details of one generation.
type Meta struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
	Endpoint   string    `json:"endpoint,omitempty"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
}

// Generation is the response payload of a generation request. The run record
// carries the same terminal status and error message.
type Generation struct {
	RunID   string          `json:"runId"`
	Status  run.Status      `json:"status"`
	Mode    string          `json:"mode"`
	Context offer.Context   `json:"context"`
	Text    string          `json:"text,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	Error   string          `json:"error,omitempty"`
	Meta    Meta            `json:"meta"`
}

// HistoryItem is one row of the run history listing.
type HistoryItem struct {
	RunID      string     `json:"runId"`
	Status     run.Status `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Mode       string     `json:"mode"`
	Customer   string     `json:"customer"`
	Category   string     `json:"category"`
	Rating     string     `json:"rating,omitempty"`
}

// GenerateOffer runs the full pipeline for a request body. Backend failures
// come back inside the Generation with status failed; the error return is
// reserved for tracker faults.
func (s *Service) GenerateOffer(ctx context.Context, rawBody []byte) (*Generation, error) {
	oc := offer.NormalizeJSON(rawBody)
	creds := s.secrets.GetSecrets(ctx)
	mode := backend.Select(s.cfg, creds)

	runID, err := s.tracker.Create(ctx, string(mode), oc)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.SetActive(ctx, runID); err != nil {
		logging.Warn("orchestrator", "set active run failed", "run_id", runID, "error", err)
	}
	defer func() {
		if err := s.tracker.ClearActive(ctx); err != nil {
			logging.Warn("orchestrator", "clear active run failed", "run_id", runID, "error", err)
		}
	}()

	started := time.Now().UTC()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	gen := s.factory(mode, s.cfg, creds, s.metrics)
	result, genErr := gen.Generate(callCtx, oc)

	finished := time.Now().UTC()
	g := &Generation{
		RunID:   runID,
		Mode:    string(mode),
		Context: oc,
		Meta: Meta{
			StartedAt:  started,
			FinishedAt: finished,
			DurationMs: finished.Sub(started).Milliseconds(),
		},
	}
	if genErr != nil {
		g.Status = run.StatusFailed
		g.Error = genErr.Error()
		logging.Error("orchestrator", "generation failed",
			"run_id", runID, "mode", mode, "kind", offer.Classify(genErr), "error", genErr)
	} else {
		g.Status = run.StatusSucceeded
		g.Text = result.Text
		g.Raw = result.Raw
		g.Meta.Endpoint = result.Endpoint
		g.Meta.HTTPStatus = result.HTTPStatus
	}

	// Failed runs keep a nil response; only successes store the payload.
	var response json.RawMessage
	if genErr == nil {
		response, _ = json.Marshal(g)
	}
	if err := s.tracker.Update(ctx, runID, run.Update{
		Status:     g.Status,
		FinishedAt: finished,
		Response:   response,
		Error:      g.Error,
	}); err != nil {
		logging.Warn("orchestrator", "run update failed", "run_id", runID, "error", err)
	}

	s.metrics.IncGenerations(string(mode), string(g.Status))
	s.metrics.ObserveGenerationDuration(string(mode), finished.Sub(started).Seconds())
	s.publish(runID, string(mode), g)
	return g, nil
}

// TriggerFlow forwards the raw request body to the workflow backend without
// going through run tracking.
func (s *Service) TriggerFlow(ctx context.Context, rawBody []byte) (*backend.Result, error) {
	if s.cfg.Flow.TriggerURL == "" {
		return nil, &offer.ConfigError{Missing: "flow trigger URL"}
	}
	creds := s.secrets.GetSecrets(ctx)
	if creds[secrets.FlowKey] == "" {
		return nil, &offer.ConfigError{Missing: "flow_key"}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	flow := backend.NewFlow(s.cfg.Flow, creds[secrets.FlowKey])
	return flow.GenerateRaw(callCtx, rawBody)
}

func (s *Service) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return s.tracker.Get(ctx, runID)
}

// ListHistory returns the most recent runs, newest first, at most 50.
func (s *Service) ListHistory(ctx context.Context) ([]HistoryItem, error) {
	runs, err := s.tracker.ListRecent(ctx, 50)
	if err != nil {
		return nil, err
	}
	items := make([]HistoryItem, 0, len(runs))
	for _, r := range runs {
		item := HistoryItem{
			RunID:      r.RunID,
			Status:     r.Status,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Mode:       r.Mode,
			Customer:   r.Request.Customer,
			Category:   r.Request.Category,
		}
		if r.Feedback != nil {
			item.Rating = r.Feedback.Rating
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) AttachFeedback(ctx context.Context, runID, rating, comment string) error {
	return s.tracker.AttachFeedback(ctx, runID, run.Feedback{
		Rating:  rating,
		Comment: comment,
		At:      time.Now().UTC(),
	})
}

// Health summarizes the effective mode and configured integrations.
type Health struct {
	API          string            `json:"api"`
	Mode         string            `json:"mode"`
	ActiveRunID  string            `json:"activeRunId,omitempty"`
	Integrations map[string]bool   `json:"integrations"`
	Time         time.Time         `json:"time"`
	Credentials  map[string]string `json:"credentials,omitempty"`
}

func (s *Service) Health(ctx context.Context) Health {
	creds := s.secrets.GetSecrets(ctx)
	mode := backend.Select(s.cfg, creds)
	api := "online"
	if mode == backend.ModeDemo {
		api = "offline (demo mode)"
	}
	active, _ := s.tracker.ActiveRunID(ctx)
	return Health{
		API:         api,
		Mode:        string(mode),
		ActiveRunID: active,
		Integrations: map[string]bool{
			"chat":      s.cfg.Chat.Endpoint != "" && s.cfg.Chat.Model != "",
			"assistant": s.cfg.Assistant.Endpoint != "" && s.cfg.Assistant.AssistantID != "",
			"flow":      s.cfg.Flow.TriggerURL != "",
		},
		Time:        time.Now().UTC(),
		Credentials: secrets.Redact(creds),
	}
}

func (s *Service) publish(runID, mode string, g *Generation) {
	ev := bus.RunEvent{
		RunID:      runID,
		Mode:       mode,
		Status:     string(g.Status),
		Error:      g.Error,
		At:         g.Meta.FinishedAt,
		DurationMs: g.Meta.DurationMs,
	}
	if err := s.events.PublishRunEvent(ev); err != nil {
		logging.Warn("orchestrator", "run event publish failed", "run_id", runID, "error", err)
	}
}
