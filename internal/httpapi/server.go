package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/trafficlaw/internal/config"
	"github.com/ent0n29/trafficlaw/internal/observability"
	"github.com/ent0n29/trafficlaw/internal/rag"
)

const maxBodyBytes = 64 << 10

// ChatService is the pipeline surface the transport drives.
type ChatService interface {
	Respond(ctx context.Context, req rag.ChatRequest) (rag.Response, error)
	ClearSession(sessionID string) (rag.ClearResult, error)
}

// Readiness reports whether the corpus storage is reachable.
type Readiness interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

type Deps struct {
	Chat      ChatService
	Corpus    Readiness
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Generator string
	Embedder  string
}

type Server struct {
	cfg      config.Config
	chat     ChatService
	corpus   Readiness
	metrics  *observability.Metrics
	logger   *slog.Logger
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	generatorName string
	embedderName  string
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	s := &Server{
		cfg:           cfg,
		chat:          deps.Chat,
		corpus:        deps.Corpus,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "httpapi"),
		generatorName: deps.Generator,
		embedderName:  deps.Embedder,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(Tracing(DefaultTracingOptions()))
	r.Use(CORS(s.cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	chat := r.With()
	if s.limiter != nil {
		chat = r.With(s.limiter.Middleware)
	}
	chat.Post("/chat", s.handleChat)
	r.Delete("/sessions/{session_id}", s.handleClearSession)
	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"generator": s.generatorName,
		"embedder":  s.embedderName,
	})
}

// handleReady pings storage. An empty corpus is still ready: retrieval
// degrades to no context rather than failing requests.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.corpus == nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.corpus.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "corpus storage unreachable",
		})
		return
	}
	count, err := s.corpus.Count(ctx)
	if err != nil {
		s.logger.Warn("corpus count failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "corpus storage unreachable",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"corpus_chunks": count,
	})
}

// checkWSOrigin accepts non-browser clients, same-host pages and the CORS allow list.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if isOriginAllowed(origin, s.cfg.AllowedOrigins) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
