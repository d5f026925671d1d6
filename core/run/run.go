package run

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/offerforge/offerforge/core/offer"
)

// Status is the lifecycle state of a generation run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Feedback is a post-hoc rating attached to a finished run.
type Feedback struct {
	Rating  string    `json:"rating"`
	Comment string    `json:"comment"`
	At      time.Time `json:"at"`
}

// Run is one generation attempt. A run makes exactly one terminal transition
// and is immutable afterwards, feedback excepted.
type Run struct {
	RunID      string          `json:"runId"`
	Status     Status          `json:"status"`
	Mode       string          `json:"mode"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Request    offer.Context   `json:"request"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	Feedback   *Feedback       `json:"feedback,omitempty"`
}

// Update carries the terminal fields merged into a run.
type Update struct {
	Status     Status
	FinishedAt time.Time
	Response   json.RawMessage
	Error      string
}

var errInvalidRunID = errors.New("run id required")

func (u Update) apply(r *Run) {
	if u.Status != "" {
		r.Status = u.Status
	}
	if !u.FinishedAt.IsZero() {
		t := u.FinishedAt
		r.FinishedAt = &t
	}
	if u.Response != nil {
		r.Response = u.Response
	}
	if u.Error != "" {
		r.Error = u.Error
	}
}
