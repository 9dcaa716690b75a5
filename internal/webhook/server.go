// Package webhook receives skip-trace completion callbacks from the vendor,
// persisting every delivery before acknowledging it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/observability"
	"github.com/sells-group/stormlead-cli/internal/skiptrace"
)

const maxPayloadBytes = 10 << 20

// Server handles vendor webhook deliveries: disk backup first, ledger row
// second, acknowledgment last. A delivery is never bounced because the
// database was down; the on-disk copy is the source of truth for replays.
type Server struct {
	events    *ledger.WebhookEvents
	runs      *ledger.ExportRuns
	metrics   *observability.Metrics
	clock     clockwork.Clock
	token     string
	backupDir string
}

// NewServer wires a webhook server. An empty token disables auth; an empty
// backupDir falls back to webhook_payloads. Metrics must be non-nil.
func NewServer(pool db.Pool, metrics *observability.Metrics, clock clockwork.Clock, token, backupDir string) *Server {
	if backupDir == "" {
		backupDir = "webhook_payloads"
	}
	return &Server{
		events:    ledger.NewWebhookEvents(pool),
		runs:      ledger.NewExportRuns(pool),
		metrics:   metrics,
		clock:     clock,
		token:     token,
		backupDir: backupDir,
	}
}

// Router assembles the HTTP surface: health, Prometheus metrics, and the
// skip-trace callback endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhook/skiptrace", s.handleSkiptrace)
	return r
}

// Start serves until the context is canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("webhook server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "webhook: server listen")
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", s.clock.Since(start)),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSkiptrace(w http.ResponseWriter, r *http.Request) {
	log := zap.L().With(zap.String("component", "webhook"))

	if s.token != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			s.metrics.WebhookEvents.WithLabelValues("unauthorized").Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
	}

	payload := readPayload(r)

	var doc map[string]interface{}
	_ = json.Unmarshal(payload, &doc)
	jobID, status, eventType := extractFields(doc)

	backupPath, err := s.writeBackup(payload)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		log.Error("webhook backup write failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "backup write failed"})
		return
	}

	// The ledger insert must never bounce a delivery; the vendor treats
	// non-2xx as retryable and the disk copy already has the payload.
	if _, err := s.events.Insert(r.Context(), ledger.WebhookEvent{
		JobID:     jobID,
		Status:    status,
		EventType: eventType,
		Payload:   payload,
		Headers:   headerJSON(r.Header),
	}); err != nil {
		log.Error("webhook ledger insert failed", zap.Error(err))
	}

	if jobID != "" && skiptrace.TerminalStatus(status) {
		matched, err := s.runs.SetJobStatus(r.Context(), jobID, status)
		if err != nil {
			log.Warn("failed to mark export run settled",
				zap.String("job_id", jobID), zap.Error(err))
		} else {
			log.Info("export run job settled",
				zap.String("job_id", jobID),
				zap.String("status", status),
				zap.Int64("runs_matched", matched))
		}
	}

	s.metrics.WebhookEvents.WithLabelValues("stored").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"saved": map[string]string{"backup_path": backupPath},
		"parsed": map[string]string{
			"job_id":     jobID,
			"status":     status,
			"event_type": eventType,
		},
	})
}

// readPayload extracts the JSON document from the request: the body itself,
// or a form field named "payload" for vendors that deliver form-encoded.
// Unparseable content is wrapped rather than rejected; a retry would not
// make it better.
func readPayload(r *http.Request) []byte {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		v := r.PostFormValue("payload")
		if v == "" {
			return []byte("{}")
		}
		if json.Valid([]byte(v)) {
			return []byte(v)
		}
		wrapped, _ := json.Marshal(map[string]string{"raw": v})
		return wrapped
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil || len(body) == 0 {
		return []byte("{}")
	}
	if json.Valid(body) {
		return body
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return wrapped
}

// writeBackup persists the payload under a unique name before anything else
// can fail. Runs get an indented copy for human replay.
func (s *Server) writeBackup(payload []byte) (string, error) {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "webhook: create backup dir %s", s.backupDir)
	}

	u := uuid.New()
	name := fmt.Sprintf("webhook_%s_%x.json",
		s.clock.Now().UTC().Format("20060102-150405"), u[:4])
	path := filepath.Join(s.backupDir, name)

	pretty := payload
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err == nil {
		pretty = buf.Bytes()
	}
	if err := os.WriteFile(path, pretty, 0o644); err != nil {
		return "", eris.Wrapf(err, "webhook: write backup %s", path)
	}
	return path, nil
}

// headerJSON flattens headers for the ledger, redacting the shared secret.
func headerJSON(h http.Header) []byte {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "Authorization") {
			flat[k] = "[redacted]"
			continue
		}
		flat[k] = strings.Join(v, ", ")
	}
	out, _ := json.Marshal(flat)
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
