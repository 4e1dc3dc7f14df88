// Package api serves the debug HTTP surface: target listing, JSON
// command endpoints, history queries, Prometheus metrics, and a
// websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/chauffeur/pkg/browser"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/extract"
	"github.com/odvcencio/chauffeur/pkg/logging"
	"github.com/odvcencio/chauffeur/pkg/storage"
	"github.com/odvcencio/chauffeur/pkg/telemetry"
)

// Controller is the subset of browser operations the API exposes.
// *browser.Browser satisfies it.
type Controller interface {
	ListTargets() []browser.TargetInfo
	Current() (browser.TargetInfo, error)
	SetCurrent(id target.ID) error
	CreateTarget(ctx context.Context, url string) (target.ID, error)
	CloseTarget(ctx context.Context, id target.ID) error
	Navigate(ctx context.Context, id target.ID, url string) error
	Back(ctx context.Context, id target.ID) error
	Forward(ctx context.Context, id target.ID) error
	Reload(ctx context.Context, id target.ID) error
	History(ctx context.Context, id target.ID) ([]*page.NavigationEntry, int64, error)
	PageInfo(ctx context.Context, id target.ID) (string, string, error)
	Snapshot(ctx context.Context, id target.ID) (*browser.Snapshot, error)
	LastSnapshot(id target.ID) (*browser.Snapshot, error)
	Click(ctx context.Context, id target.ID, ref browser.ElementRef, opts *browser.ClickOptions) error
	Fill(ctx context.Context, id target.ID, ref browser.ElementRef, text string, opts *browser.FillOptions) error
	Hover(ctx context.Context, id target.ID, ref browser.ElementRef) error
	Press(ctx context.Context, id target.ID, combo string) error
	Scroll(ctx context.Context, id target.ID, ref *browser.ElementRef, dir browser.ScrollDirection, pages float64) error
	SelectOption(ctx context.Context, id target.ID, ref browser.ElementRef, values []string) error
	SetChecked(ctx context.Context, id target.ID, ref browser.ElementRef, checked bool) error
	Evaluate(ctx context.Context, id target.ID, fn string, args ...any) (string, error)
	ExtractText(ctx context.Context, id target.ID, opts extract.Options) (*extract.Result, error)
	CaptureScreenshot(ctx context.Context, id target.ID, opts *browser.ScreenshotOptions) ([]byte, error)
	PrintPDF(ctx context.Context, id target.ID, landscape bool) ([]byte, error)
	ConsoleTail(id target.ID, n int) ([]browser.ConsoleEntry, error)
	Cookies(ctx context.Context, id target.ID) ([]browser.Cookie, error)
	ClearCookies(ctx context.Context, id target.ID) error
	SetViewport(ctx context.Context, id target.ID, width, height int64, scale float64, mobile bool) error
}

// HistoryStore reads back recorded runs, commands, and events.
// *storage.Store satisfies it.
type HistoryStore interface {
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	CommandHistory(ctx context.Context, q storage.HistoryQuery) ([]browser.CommandRecord, error)
	EventHistory(ctx context.Context, targetID, kind string, limit int) ([]storage.TargetEventRow, error)
}

// Server is the chauffeur debug API server.
type Server struct {
	ctrl       Controller
	store      HistoryStore
	hub        *Hub
	logger     *logging.Logger
	version    string
	httpServer *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: 127.0.0.1:9223)
	Address string

	// Controller executes browser commands
	Controller Controller

	// Store serves history queries (optional)
	Store HistoryStore

	// Hub streams target events to websocket clients (optional)
	Hub *Hub

	// Logger for request logging
	Logger *logging.Logger

	// Version reported by /healthz
	Version string
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:9223"
	}

	s := &Server{
		ctrl:    cfg.Controller,
		store:   cfg.Store,
		hub:     cfg.Hub,
		logger:  cfg.Logger,
		version: cfg.Version,
	}

	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.loggingMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/events", s.handleEvents)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.traceMiddleware)

		r.Get("/targets", s.handleListTargets)
		r.Post("/targets", s.handleOpenTarget)
		r.Get("/targets/current", s.handleCurrentTarget)
		r.Route("/targets/{id}", func(r chi.Router) {
			r.Delete("/", s.handleCloseTarget)
			r.Post("/activate", s.handleActivateTarget)
			r.Post("/navigate", s.handleNavigate)
			r.Post("/back", s.handleBack)
			r.Post("/forward", s.handleForward)
			r.Post("/reload", s.handleReload)
			r.Get("/history", s.handleHistory)
			r.Get("/snapshot", s.handleSnapshot)
			r.Post("/click", s.handleClick)
			r.Post("/fill", s.handleFill)
			r.Post("/hover", s.handleHover)
			r.Post("/press", s.handlePress)
			r.Post("/scroll", s.handleScroll)
			r.Post("/select", s.handleSelect)
			r.Post("/check", s.handleCheck)
			r.Post("/eval", s.handleEvaluate)
			r.Get("/text", s.handleText)
			r.Get("/screenshot", s.handleScreenshot)
			r.Get("/pdf", s.handlePDF)
			r.Get("/console", s.handleConsole)
			r.Get("/cookies", s.handleCookies)
			r.Delete("/cookies", s.handleClearCookies)
			r.Post("/viewport", s.handleViewport)
		})

		r.Get("/runs", s.handleListRuns)
		r.Get("/history/commands", s.handleCommandHistory)
		r.Get("/history/events", s.handleEventHistory)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long for the event stream
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "browser not connected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(logging.CategoryServer, "request", r.Method+" "+r.URL.Path,
			map[string]interface{}{
				"remote":      r.RemoteAddr,
				"duration_ms": time.Since(start).Milliseconds(),
			})
	})
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), "api "+r.Method+" "+r.URL.Path)
		defer span.End()
		if id := chi.URLParam(r, "id"); id != "" {
			telemetry.SetAttributes(ctx, telemetry.AttrTargetID.String(id))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps the error taxonomy onto HTTP statuses so remote
// callers can branch the same way library callers do.
func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.ErrCodeInternal
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeInvalidInput):
		status, code = http.StatusBadRequest, apperrors.ErrCodeInvalidInput
	case apperrors.IsCode(err, apperrors.ErrCodeInvalidOperation):
		status, code = http.StatusNotFound, apperrors.ErrCodeInvalidOperation
	case apperrors.IsCode(err, apperrors.ErrCodeStaleIndex):
		status, code = http.StatusConflict, apperrors.ErrCodeStaleIndex
	case apperrors.IsCode(err, apperrors.ErrCodeNotInteractable):
		status, code = http.StatusConflict, apperrors.ErrCodeNotInteractable
	case apperrors.IsCode(err, apperrors.ErrCodeEvaluation):
		status, code = http.StatusUnprocessableEntity, apperrors.ErrCodeEvaluation
	case apperrors.IsCode(err, apperrors.ErrCodeTimeout):
		status, code = http.StatusGatewayTimeout, apperrors.ErrCodeTimeout
	case apperrors.IsCode(err, apperrors.ErrCodeTransportClosed):
		status, code = http.StatusBadGateway, apperrors.ErrCodeTransportClosed
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}
