package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/offerforge/offerforge/core/infra/logging"
	"github.com/offerforge/offerforge/core/infra/metrics"
	"github.com/offerforge/offerforge/core/infra/schema"
	"github.com/offerforge/offerforge/core/offer"
	"github.com/offerforge/offerforge/core/orchestrator"
)

const maxRequestBytes = 1 << 20

// Server exposes the offer API over HTTP.
type Server struct {
	svc     *orchestrator.Service
	metrics metrics.APIMetrics
}

func NewServer(svc *orchestrator.Service, api metrics.APIMetrics) *Server {
	if api == nil {
		api = metrics.NoopAPI{}
	}
	return &Server{svc: svc, metrics: api}
}

// Handler builds the route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate-offer", s.instrumented("/api/generate-offer", s.handleGenerate))
	mux.HandleFunc("POST /api/generate-offer-via-flow", s.instrumented("/api/generate-offer-via-flow", s.handleGenerateViaFlow))
	mux.HandleFunc("GET /api/run/{id}", s.instrumented("/api/run/{id}", s.handleGetRun))
	mux.HandleFunc("GET /api/history", s.instrumented("/api/history", s.handleHistory))
	mux.HandleFunc("POST /api/feedback", s.instrumented("/api/feedback", s.handleFeedback))
	mux.HandleFunc("GET /api/health", s.instrumented("/api/health", s.handleHealth))
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return corsMiddleware(mux)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 {
		var probe any
		if err := json.Unmarshal(body, &probe); err != nil {
			writeError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
		if err := schema.Validate("generate-offer", []byte(generateOfferSchema), json.RawMessage(body)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	gen, err := s.svc.GenerateOffer(r.Context(), body)
	if err != nil {
		logging.Error("httpapi", "generate failed before dispatch", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected server error")
		return
	}
	status := http.StatusOK
	if gen.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, gen)
}

func (s *Server) handleGenerateViaFlow(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	result, err := s.svc.TriggerFlow(r.Context(), body)
	if err != nil {
		var ce *offer.ConfigError
		status := http.StatusInternalServerError
		if errors.As(err, &ce) && strings.Contains(ce.Missing, "trigger") {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	if len(result.Raw) > 0 {
		writeRawJSON(w, http.StatusOK, result.Raw)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, offer.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Finished runs merge the stored response payload with the run fields so
	// clients see one flat document.
	if len(rec.Response) > 0 {
		var merged map[string]any
		if err := json.Unmarshal(rec.Response, &merged); err == nil {
			merged["request"] = rec.Request
			merged["status"] = rec.Status
			merged["mode"] = rec.Mode
			if rec.Error != "" {
				merged["error"] = rec.Error
			}
			writeJSON(w, http.StatusOK, merged)
			return
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.ListHistory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := schema.Validate("feedback", []byte(feedbackSchema), json.RawMessage(body)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		RunID   string `json:"runId"`
		Rating  any    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := s.svc.AttachFeedback(r.Context(), req.RunID, ratingString(req.Rating), req.Comment); err != nil {
		if errors.Is(err, offer.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health(r.Context()))
}

func ratingString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("httpapi", "encode response failed", "error", err)
	}
}

func writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(origin string) bool {
	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(allowed) == 0 {
		switch strings.ToLower(u.Hostname()) {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	return set, false
}
