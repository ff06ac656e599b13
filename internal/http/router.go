package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/schema"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/service/stt/azure"
	"realtime-transcription-service/internal/service/transcription"
)

const maxBodyBytes = 1 << 20

// Transcriptions is the batch surface the router serves.
type Transcriptions interface {
	TranscribeBatch(ctx context.Context, audioRef string, upstream stt.Transcriber) (models.TranscriptionRecord, error)
	History(ctx context.Context) ([]models.TranscriptionRecord, error)
	RealtimeHistory(ctx context.Context) ([]models.RealtimeSessionRecord, error)
}

// Dependencies are the handlers' collaborators. Azure, Google and Realtime
// are optional; their routes are not mounted when nil.
type Dependencies struct {
	Transcriptions Transcriptions
	Validator      *schema.Validator
	Local          stt.Transcriber
	Azure          *azure.Transcriber
	Google         stt.Transcriber
	Realtime       http.Handler
	Ready          func(ctx context.Context) error
	AllowedOrigin  string
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

type handlers struct {
	deps   Dependencies
	logger zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Validator == nil {
		deps.Validator = schema.New("")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	h := &handlers{deps: deps, logger: logging.WithComponent("http")}
	if deps.Logger != nil {
		h.logger = *deps.Logger
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors(deps.AllowedOrigin))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", h.readiness)

	r.Route("/api", func(r chi.Router) {
		r.Post("/transcription", h.transcribe(func(schema.TranscriptionRequest) stt.Transcriber { return deps.Local }))
		if deps.Azure != nil {
			r.Post("/azure-transcription", h.transcribe(func(req schema.TranscriptionRequest) stt.Transcriber {
				return deps.Azure.WithLanguage(req.Language)
			}))
		}
		if deps.Google != nil {
			r.Post("/google-transcription", h.transcribe(func(schema.TranscriptionRequest) stt.Transcriber { return deps.Google }))
		}
		r.Get("/transcriptions", h.listTranscriptions)
		r.Get("/realtime-sessions", h.listRealtimeSessions)
	})

	if deps.Realtime != nil {
		r.Handle("/ws", deps.Realtime)
	}

	return r
}

func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// transcribe decodes and validates a batch request, then runs it against
// the upstream chosen by pick.
func (h *handlers) transcribe(pick func(schema.TranscriptionRequest) stt.Transcriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req schema.TranscriptionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		req, err := h.deps.Validator.Validate(req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		rec, err := h.deps.Transcriptions.TranscribeBatch(r.Context(), req.AudioURL, pick(req))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": rec.ID})
	}
}

func (h *handlers) listTranscriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Transcriptions.History(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.TranscriptionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcriptions": list})
}

func (h *handlers) listRealtimeSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Transcriptions.RealtimeHistory(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.RealtimeSessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// writeError maps validation failures to 400, exhausted upstreams to 502 and
// everything else to 500.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *schema.ValidationError
	var ue *transcription.UpstreamExhaustedError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Message})
	case errors.As(err, &ue):
		h.logger.Warn().Err(err).Str("requestId", middleware.GetReqID(r.Context())).Msg("Upstream exhausted")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Str("requestId", middleware.GetReqID(r.Context())).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *handlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.deps.Metrics.RecordHTTPRequest(route, status)
	})
}

// cors allows the configured client origin, or any origin when unset.
func cors(allowed string) func(http.Handler) http.Handler {
	if allowed == "" {
		allowed = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", allowed)
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type")
			if allowed != "*" {
				hdr.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
