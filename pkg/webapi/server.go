// Package webapi exposes the consultation service over JSON HTTP endpoints under /api,
// plus health, metrics, the live websocket and optional static assets.
package webapi

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/consult"
	"github.com/go-go-golems/ehosp/pkg/metrics"
	"github.com/go-go-golems/ehosp/pkg/persistence/chatstore"
)

// maxBodyBytes bounds request bodies; image uploads travel as base64 JSON.
const maxBodyBytes = 25 << 20

type ServerConfig struct {
	Consult   *consult.Service
	Accounts  *accounts.Service
	Admission *admission.Controller
	Catalog   *catalog.Catalog

	// Optional.
	Live      http.Handler
	Turns     chatstore.TurnStore
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	StaticDir string
}

type Server struct {
	consult   *consult.Service
	accounts  *accounts.Service
	admission *admission.Controller
	catalog   *catalog.Catalog
	live      http.Handler
	turns     chatstore.TurnStore
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	staticDir string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Consult == nil {
		return nil, errors.New("webapi: consult service is nil")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("webapi: accounts service is nil")
	}
	if cfg.Admission == nil {
		return nil, errors.New("webapi: admission controller is nil")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("webapi: catalog is nil")
	}
	return &Server{
		consult:   cfg.Consult,
		accounts:  cfg.Accounts,
		admission: cfg.Admission,
		catalog:   cfg.Catalog,
		live:      cfg.Live,
		turns:     cfg.Turns,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "webapi").Logger(),
		staticDir: strings.TrimSpace(cfg.StaticDir),
	}, nil
}

// Handler returns the routed handler wrapped in request id, access log and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth", s.handleAuth)
	mux.HandleFunc("POST /api/profile", s.handleProfile)
	mux.HandleFunc("GET /api/doctors", s.handleDoctors)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/analyze-image", s.handleAnalyzeImage)
	mux.HandleFunc("POST /api/summary", s.handleSummary)
	mux.HandleFunc("POST /api/admin/change-plan", s.handleChangePlan)
	if s.turns != nil {
		mux.HandleFunc("GET /api/history", s.handleHistory)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.live != nil {
		mux.Handle("GET /ws", s.live)
	}
	if s.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
	}

	var h http.Handler = mux
	h = recoverer(s.logger, h)
	h = accessLog(s.logger, h)
	h = requestID(h)
	return h
}
