package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"convscope/internal/manager"
	"convscope/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(modelID string, image []byte, settings types.JobSettings) (types.Job, error)
	Get(id string) (types.Job, error)
	ListModels() []types.ModelSummary
	ModelDetail(id string) (types.ModelDetail, error)
}

// Config holds the HTTP layer's tunables.
type Config struct {
	// MaxUploadBytes bounds the multipart request body. Zero means 10 MiB.
	MaxUploadBytes int64
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string
	// StaticRoot is the storage directory served under /static/.
	StaticRoot string
}

const defaultMaxUploadBytes = 10 << 20

func NewMux(svc Service, cfg Config, log zerolog.Logger) http.Handler {
	maxBody := cfg.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = defaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(metricsMiddleware)
	r.Use(requestLogger(log))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		if err := r.ParseMultipartForm(maxBody); err != nil {
			writeJSONError(w, http.StatusBadRequest, "request must be multipart/form-data with an image file")
			return
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "image file is required")
			return
		}
		defer file.Close()
		imageBytes, err := io.ReadAll(file)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read image upload")
			return
		}
		modelID := r.FormValue("model_id")
		if strings.TrimSpace(modelID) == "" {
			writeJSONError(w, http.StatusBadRequest, "model_id is required")
			return
		}
		settings, err := parseSettings(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		job, err := svc.Submit(modelID, imageBytes, settings)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	})

	r.Get("/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Get(chi.URLParam(r, "job_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
	})

	r.Get("/models/{model_id}", func(w http.ResponseWriter, r *http.Request) {
		det, err := svc.ModelDetail(chi.URLParam(r, "model_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, det)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if cfg.StaticRoot != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticRoot)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	return r
}

// parseSettings reads the optional tuning fields from the multipart form.
func parseSettings(r *http.Request) (types.JobSettings, error) {
	var s types.JobSettings
	var err error
	if s.TopKPreds, err = formInt(r, "top_k_preds"); err != nil {
		return s, err
	}
	if s.TopKCAM, err = formInt(r, "top_k_cam"); err != nil {
		return s, err
	}
	if raw := strings.TrimSpace(r.FormValue("cam_layers")); raw != "" {
		for _, l := range strings.Split(raw, ",") {
			s.CAMLayers = append(s.CAMLayers, strings.TrimSpace(l))
		}
	}
	return s, nil
}

func formInt(r *http.Request, field string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, manager.ErrValidation(field + " must be an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing useful left to do.
		return
	}
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w, status: 200}
			start := time.Now()
			next.ServeHTTP(sr, r)
			if r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/static/") {
				return
			}
			evt := log.Info()
			if sr.status >= 500 {
				evt = log.Error()
			}
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				evt = evt.Str("request_id", rid)
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sr.status).
				Dur("dur", time.Since(start)).
				Msg("request")
		})
	}
}
