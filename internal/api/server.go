// Package api is the HTTP control plane: thin adapters that translate
// requests into coordinator and store calls.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/catherinevee/vtagger/internal/logger"
	"github.com/catherinevee/vtagger/internal/progress"
	"github.com/catherinevee/vtagger/internal/shared/metrics"
	"github.com/catherinevee/vtagger/internal/store"
	vtsync "github.com/catherinevee/vtagger/internal/sync"
	"github.com/catherinevee/vtagger/pkg/models"
)

// Coordinator is the slice of the sync coordinator the API needs.
type Coordinator interface {
	StartWeek(opts vtsync.Options, refDate string) error
	StartMonth(opts vtsync.Options, month string) error
	StartRange(opts vtsync.Options, start, end string) error
	Simulate(opts vtsync.Options, start, end string) error
	Cancel()
	IsRunning() bool
	Progress() map[string]interface{}
	ImportStatuses(ctx context.Context) ([]models.ImportStatus, error)
	UploadHistory() []models.UploadRecord
	LastSamples() []models.TaggedRecord
	ReloadDimensions() error
	UploadFromFile(jsonlPath string) error
}

// Server hosts the control plane endpoints.
type Server struct {
	coordinator Coordinator
	store       *store.Store
	tracker     *progress.Tracker
	metrics     *metrics.Metrics
	log         logger.Logger
	validate    *validator.Validate

	router *mux.Router
	http   *http.Server
}

// Options configures the HTTP server.
type Options struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// NewServer wires the router. metrics may be nil.
func NewServer(coordinator Coordinator, st *store.Store, tracker *progress.Tracker,
	m *metrics.Metrics, opts Options) *Server {

	s := &Server{
		coordinator: coordinator,
		store:       st,
		tracker:     tracker,
		metrics:     m,
		log:         logger.New("api"),
		validate:    validator.New(),
		router:      mux.NewRouter(),
	}
	s.routes(opts.CORSOrigins)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: s.router,
		// No WriteTimeout: the SSE stream is long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(corsOrigins []string) {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sync/week", s.handleSyncWeek).Methods("POST")
	api.HandleFunc("/sync/month", s.handleSyncMonth).Methods("POST")
	api.HandleFunc("/sync/range", s.handleSyncRange).Methods("POST")
	api.HandleFunc("/sync/cancel", s.handleSyncCancel).Methods("POST")
	api.HandleFunc("/sync/progress", s.handleProgress).Methods("GET")
	api.HandleFunc("/sync/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/sync/imports", s.handleImports).Methods("GET")
	api.HandleFunc("/sync/uploads", s.handleUploads).Methods("GET")
	api.HandleFunc("/sync/samples", s.handleSamples).Methods("GET")
	api.HandleFunc("/simulate", s.handleSimulate).Methods("POST")
	api.HandleFunc("/upload", s.handleUpload).Methods("POST")

	api.HandleFunc("/dimensions", s.handleListDimensions).Methods("GET")
	api.HandleFunc("/dimensions", s.handleCreateDimension).Methods("POST")
	api.HandleFunc("/dimensions/validate", s.handleValidateDimension).Methods("POST")
	api.HandleFunc("/dimensions/{name}", s.handleGetDimension).Methods("GET")
	api.HandleFunc("/dimensions/{name}", s.handleUpdateDimension).Methods("PUT")
	api.HandleFunc("/dimensions/{name}", s.handleDeleteDimension).Methods("DELETE")
	api.HandleFunc("/dimensions/{name}/history", s.handleDimensionHistory).Methods("GET")

	api.HandleFunc("/stats/daily", s.handleDailyStats).Methods("GET")
	api.HandleFunc("/tags/discovered", s.handleDiscoveredTags).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	s.router.Use(c.Handler)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("API server listening", logger.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
