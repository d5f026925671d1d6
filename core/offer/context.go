package offer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// maxFieldChars caps every free-text field after sanitation.
	maxFieldChars = 5000

	defaultStyle    = "formal"
	defaultLanguage = "de"
)

// Context is the normalized shape of an offer request. Every text field is
// always a plain string (never null) and never exceeds maxFieldChars.
type Context struct {
	Customer          string   `json:"customer"`
	Category          string   `json:"category"`
	PrimaryGoal       string   `json:"primaryGoal"`
	SecondaryGoals    string   `json:"secondaryGoals"`
	Situation         string   `json:"situation"`
	Scope             string   `json:"scope"`
	DetailDescription string   `json:"detailDescription"`
	Notes             string   `json:"notes"`
	PT                *float64 `json:"pt"`
	Style             string   `json:"style"`
	Language          string   `json:"language"`
}

// Normalize flattens a loosely-shaped request body into a Context. The body
// may be a flat object or wrapped under a "context" key; the wrapper wins when
// it is itself an object. Normalize is total: any input yields a well-formed
// Context.
func Normalize(body map[string]any) Context {
	raw := body
	if raw == nil {
		raw = map[string]any{}
	}
	if wrapped, ok := raw["context"].(map[string]any); ok {
		raw = wrapped
	}

	c := Context{
		Customer:          sanitizeText(firstNonEmpty(raw, "customer", "company", "client")),
		Category:          sanitizeText(raw["category"]),
		PrimaryGoal:       sanitizeText(raw["primaryGoal"]),
		SecondaryGoals:    sanitizeText(raw["secondaryGoals"]),
		Situation:         sanitizeText(raw["situation"]),
		Scope:             sanitizeText(raw["scope"]),
		DetailDescription: sanitizeText(raw["detailDescription"]),
		Notes:             sanitizeText(raw["notes"]),
		PT:                toNumber(raw["pt"]),
		Style:             sanitizeText(raw["style"]),
		Language:          sanitizeText(raw["language"]),
	}
	if c.Style == "" {
		c.Style = defaultStyle
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	return c
}

// NormalizeJSON decodes body and normalizes it. Malformed or non-object JSON
// yields the zero context with defaults applied.
func NormalizeJSON(body []byte) Context {
	var raw map[string]any
	if len(body) > 0 {
		_ = json.Unmarshal(body, &raw)
	}
	return Normalize(raw)
}

// FormatPT renders a person-day value the way the offer templates expect,
// "—" when absent.
func FormatPT(pt *float64) string {
	if pt == nil {
		return "—"
	}
	return strconv.FormatFloat(*pt, 'f', -1, 64)
}

// OrDash substitutes the em-dash placeholder for empty fields.
func OrDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func firstNonEmpty(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func sanitizeText(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if len(s) > maxFieldChars {
		// Never split a multi-byte rune at the cap.
		cut := maxFieldChars
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func toNumber(v any) *float64 {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	return &n
}
