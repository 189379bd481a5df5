// Package api is the diagnosis backend: a small JSON service in front of the
// diagnosis orchestrator, called by the UI server with a short-lived token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"triage/auth"
	"triage/metrics"
	"triage/models"
)

const (
	ServiceName = "medical-diagnostics-backend"
	Version     = "1.0.0"

	maxBodyBytes = 64 << 10
)

// Diagnoser is the part of the orchestrator the API depends on.
type Diagnoser interface {
	Diagnose(ctx context.Context, input string) models.DiagnosisResult
	Check(ctx context.Context) error
}

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type Options struct {
	Secret         []byte
	AllowedOrigins []string
	RatePerMinute  int
}

type Server struct {
	diag     Diagnoser
	secret   []byte
	origins  []string
	limiter  *ipLimiter
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

func NewServer(d Diagnoser, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		diag:     d,
		secret:   opts.Secret,
		origins:  opts.AllowedOrigins,
		limiter:  newIPLimiter(opts.RatePerMinute),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With("component", "api"),
		now:      time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware("api"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.rateLimit)
		r.Post("/diagnose", s.handleDiagnose)
	})

	return r
}

func sendJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSONResponse(w, status, APIResponse{Status: "error", Message: msg})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, map[string]string{
		"message": "Medical Diagnostics API is running",
		"status":  "healthy",
		"version": Version,
	})
}

// handleHealth always answers 200; the body carries the state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Version:   Version,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Checks:    map[string]string{"api": "ok", "diagnosis_chain": "ok"},
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.diag.Check(ctx); err != nil {
		s.log.Warn("diagnosis chain check failed", "error", err)
		resp.Checks["diagnosis_chain"] = "error"
		resp.Error = err.Error()
	}
	sendJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req models.DiagnosisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		sendError(w, http.StatusUnprocessableEntity, "Symptom description is too long")
		return
	}

	res := s.diag.Diagnose(r.Context(), req.Input)
	if claims := claimsFrom(r.Context()); claims != nil {
		s.log.Info("diagnosis served", "user", claims.Username, "symptom_area", res.SymptomArea)
	}
	sendJSONResponse(w, http.StatusOK, res)
}

type ctxKey struct{}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKey{}).(*auth.Claims)
	return c
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			sendError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		claims, err := auth.ParseAPIToken(token, s.secret)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "Token expired"
			}
			sendError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r), s.now()) {
			w.Header().Set("Retry-After", "60")
			sendError(w, http.StatusTooManyRequests, "Too many diagnosis requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
