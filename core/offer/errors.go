package offer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound reports an unknown run identifier.
var ErrRunNotFound = errors.New("run not found")

// ConfigError reports a missing endpoint, credential, or URL. No upstream
// call was attempted.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration missing: %s", e.Missing)
}

// UpstreamError reports a non-2xx response, an unexpected response shape, or
// an explicit failure status from an async job. Body preserves the raw
// upstream payload for diagnostics.
type UpstreamError struct {
	Status int
	Msg    string
	Body   []byte
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream error (HTTP %d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("upstream error: %s", e.Msg)
}

// TimeoutError reports an exceeded deadline, either a single call or a whole
// polling sequence.
type TimeoutError struct {
	Phase   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Elapsed > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Phase, e.Elapsed)
	}
	return fmt.Sprintf("%s timed out", e.Phase)
}

// Classify maps an error to a coarse failure kind used for metrics labels.
func Classify(err error) string {
	var ce *ConfigError
	var ue *UpstreamError
	var te *TimeoutError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &ce):
		return "config"
	case errors.As(err, &ue):
		return "upstream"
	case errors.Is(err, ErrRunNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
