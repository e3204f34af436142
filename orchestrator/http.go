package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/internal/provider/github"
)

// HTTPConfig carries the inbound webhook settings.
type HTTPConfig struct {
	// WebhookSecret enables HMAC signature verification when set.
	WebhookSecret string
}

// NewHTTPHandler wires the inbound event surface plus health and metrics.
func NewHTTPHandler(service *Service, cfg HTTPConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if cfg.WebhookSecret != "" {
			signature := r.Header.Get("X-Hub-Signature-256")
			if signature == "" {
				signature = r.Header.Get("X-Hub-Signature")
			}
			ok, verr := github.VerifySignature(cfg.WebhookSecret, body, signature)
			if verr != nil || !ok {
				logger.Warn("webhook signature rejected", "event", "webhook_rejected", "error", verr)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		eventType := r.Header.Get("X-GitHub-Event")
		event, start, err := github.NormalizeEvent(eventType, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !start {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		session, err := service.HandleEvent(r.Context(), event)
		if err != nil {
			logger.Error("event handling failed", "event", "event_failed", "error", err)
		}
		writeJSON(w, http.StatusOK, session)
	})

	mux.HandleFunc("/api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodGet:
			session, err := service.GetSession(id)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, session)
		case http.MethodDelete:
			if err := service.Cancel(id); err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
