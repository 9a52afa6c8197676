package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelprobe/internal/search"
	"modelprobe/pkg/types"
)

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/probe", probeHandler(svc))
	r.Post("/search", searchHandler(svc))
	r.Get("/models", listModelsHandler(svc))
	r.Get("/models/{id}", getModelHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// decodeJSON checks the content type and decodes a size-limited body into v.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeKindError(w, http.StatusUnsupportedMediaType, KindBadRequest, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		// Oversized bodies also land here; report them as plain bad JSON.
		writeKindError(w, http.StatusBadRequest, KindBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// probeHandler godoc
//
//	@Summary		Probe one artifact
//	@Description	Identifies and classifies a single file or bundle directory on the server host.
//	@Tags			probe
//	@Accept			json
//	@Produce		json
//	@Param			request	body		types.ProbeRequest	true	"Artifact path"
//	@Success		200		{object}	map[string]any		"Configuration record"
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		404		{object}	types.ErrorResponse
//	@Failure		415		{object}	types.ErrorResponse
//	@Failure		422		{object}	types.ErrorResponse
//	@Failure		500		{object}	types.ErrorResponse
//	@Router			/probe [post]
func probeHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ProbeRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			writeKindError(w, http.StatusBadRequest, KindBadRequest, "path is required")
			return
		}
		start := time.Now()
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if probeTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, probeTimeout)
			defer tcancel()
		}
		cfg, err := svc.Probe(ctx, req.Path)
		if err != nil {
			// Client disconnect or shutdown: nobody is listening.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := writeError(w, err)
			logRequest(r, "probe end", status, start, err)
			return
		}
		writeJSON(w, cfg)
		logRequest(r, "probe end", http.StatusOK, start, nil)
	}
}

// searchHandler godoc
//
//	@Summary		Search storage roots
//	@Description	Walks the roots and streams one NDJSON line per candidate artifact. Failures,
//	@Description	including duplicates, are reported on their line and never end the stream.
//	@Tags			search
//	@Accept			json
//	@Produce		application/x-ndjson
//	@Param			request	body		types.SearchRequest			false	"Roots and traversal rules"
//	@Success		200		{object}	types.SearchItemResponse	"One object per line"
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		415		{object}	types.ErrorResponse
//	@Router			/search [post]
func searchHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SearchRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		start := time.Now()
		// Join server base context with request context so shutdown stops the walk too.
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		items, err := svc.Search(ctx, req)
		if err != nil {
			status := writeError(w, err)
			logRequest(r, "search end", status, start, err)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flush := func() {}
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		writer := io.Writer(w)
		if requestLogLevel(r) >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{})
		}
		enc := json.NewEncoder(writer)
		var werr error
		for it := range items {
			if werr = enc.Encode(ItemResponse(it)); werr != nil {
				break
			}
			flush()
		}
		logRequest(r, "search end", http.StatusOK, start, werr)
	}
}

// ItemResponse converts a search item to its wire form.
func ItemResponse(it search.Item) types.SearchItemResponse {
	out := types.SearchItemResponse{Path: it.Path, Config: it.Config}
	if it.Err != nil {
		out.Error = it.Err.Error()
		out.ErrorKind = ErrorKind(it.Err)
	}
	return out
}

// listModelsHandler godoc
//
//	@Summary	List catalogued models
//	@Tags		models
//	@Produce	json
//	@Success	200	{object}	types.ModelsResponse
//	@Router		/models [get]
func listModelsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := svc.ListModels()
		if models == nil {
			models = []types.AnyModelConfig{}
		}
		writeJSON(w, types.ModelsResponse{Models: models})
	}
}

// getModelHandler godoc
//
//	@Summary	Get one catalogued model
//	@Tags		models
//	@Produce	json
//	@Param		id	path		string	true	"Catalog key or content hash"
//	@Success	200	{object}	map[string]any
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/models/{id} [get]
func getModelHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cfg, ok := svc.GetModel(id)
		if !ok {
			writeKindError(w, http.StatusNotFound, KindNotFound, "model not found: "+id)
			return
		}
		writeJSON(w, cfg)
	}
}
