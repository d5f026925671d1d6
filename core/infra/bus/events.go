package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/offerforge/offerforge/core/infra/logging"
)

// RunEvent describes a run lifecycle transition published on the bus.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Publisher emits run lifecycle events. Publishing is advisory: callers log
// failures and move on.
type Publisher interface {
	PublishRunEvent(ev RunEvent) error
	Close()
}

// Noop implements Publisher without a broker.
type Noop struct{}

func (Noop) PublishRunEvent(RunEvent) error { return nil }
func (Noop) Close()                         {}

var errNilPublisher = errors.New("nats publisher not initialized")

// NatsPublisher publishes run events as JSON on a subject hierarchy rooted at
// a base subject (e.g. offer.run.succeeded).
type NatsPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNatsPublisher dials NATS at the provided URL.
func NewNatsPublisher(url, baseSubject string) (*NatsPublisher, error) {
	if baseSubject == "" {
		baseSubject = "offer.run"
	}
	opts := []nats.Option{
		nats.Name("offerd-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{nc: nc, subject: baseSubject}, nil
}

func (p *NatsPublisher) PublishRunEvent(ev RunEvent) error {
	if p == nil || p.nc == nil {
		return errNilPublisher
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(SubjectFor(p.subject, ev.Status), data)
}

// Close shuts down the underlying NATS connection.
func (p *NatsPublisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

// SubjectFor appends the run status to the base subject, sanitized for NATS.
func SubjectFor(base, status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	status = strings.ReplaceAll(status, ".", "_")
	status = strings.ReplaceAll(status, " ", "_")
	if status == "" {
		return base
	}
	return fmt.Sprintf("%s.%s", base, status)
}

// FromConfig returns a NATS publisher when a URL is configured, Noop otherwise.
func FromConfig(natsURL, baseSubject string) Publisher {
	if natsURL == "" {
		return Noop{}
	}
	p, err := NewNatsPublisher(natsURL, baseSubject)
	if err != nil {
		logging.Warn("bus", "NATS unavailable, run events disabled", "error", err)
		return Noop{}
	}
	return p
}
