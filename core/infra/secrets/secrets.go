package secrets

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/offerforge/offerforge/core/infra/logging"
)

// Credential names resolved for the backends.
const (
	ChatAPIKey      = "chat_api_key"
	AssistantAPIKey = "assistant_api_key"
	FlowKey         = "flow_key"
)

const defaultCacheTTL = 10 * time.Minute

// envNames maps credential names to their environment variables.
var envNames = map[string]string{
	ChatAPIKey:      "CHAT_API_KEY",
	AssistantAPIKey: "ASSISTANT_API_KEY",
	FlowKey:         "FLOW_KEY",
}

// Provider resolves credentials by name. Resolution is best-effort: failures
// degrade to an empty (or partial) map and never propagate. A credential
// absent from the returned map is unavailable.
type Provider interface {
	GetSecrets(ctx context.Context) map[string]string
}

// EnvProvider resolves credentials from the process environment.
type EnvProvider struct{}

func (EnvProvider) GetSecrets(context.Context) map[string]string {
	out := map[string]string{}
	for name, envKey := range envNames {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			out[name] = v
		}
	}
	return out
}

// FileProvider resolves credentials from a YAML file mapping credential names
// to values. Read failures degrade to an empty map.
type FileProvider struct {
	Path string
}

func (p FileProvider) GetSecrets(context.Context) map[string]string {
	// #nosec G304 -- secrets path is operator-provided.
	data, err := os.ReadFile(p.Path)
	if err != nil {
		logging.Warn("secrets", "secrets file unreadable", "path", p.Path, "error", err)
		return map[string]string{}
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		logging.Warn("secrets", "secrets file malformed", "path", p.Path, "error", err)
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}

// Cached wraps a Provider with a TTL cache so repeated requests do not hit
// the underlying source every time.
type Cached struct {
	inner Provider
	ttl   time.Duration

	mu        sync.Mutex
	fetchedAt time.Time
	values    map[string]string
	now       func() time.Time
}

// NewCached wraps inner with the given TTL (default 10 minutes when ttl<=0).
func NewCached(inner Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{inner: inner, ttl: ttl, now: time.Now}
}

func (c *Cached) GetSecrets(ctx context.Context) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return clone(c.values)
	}
	c.values = c.inner.GetSecrets(ctx)
	c.fetchedAt = c.now()
	return clone(c.values)
}

// FromConfig picks the file provider when a secrets file is configured, the
// environment otherwise, wrapped in a TTL cache.
func FromConfig(secretsFile string) Provider {
	if secretsFile != "" {
		return NewCached(FileProvider{Path: secretsFile}, 0)
	}
	return NewCached(EnvProvider{}, 0)
}

// Redact masks credential values for diagnostic output, keeping the names.
func Redact(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = "<redacted>"
	}
	return out
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
