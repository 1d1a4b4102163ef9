package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"media-pipeline-go/internal/compression"
	"media-pipeline-go/internal/config"
	"media-pipeline-go/internal/pipeline"
)

const version = "1.0.0"

// Server exposes the processing pipeline over an HTTP API and streams
// task events to websocket clients.
type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	pipeline   *pipeline.Pipeline
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex
}

// APIResponse is the envelope for all JSON responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewServer returns a new Server wired to the pipeline.
func NewServer(cfg *config.Config, log *logrus.Logger, p *pipeline.Pipeline) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		pipeline:  p,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	p.SetEventHook(s.broadcastEvent)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleRoot).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/images", s.handleListImages).Methods("GET")
	api.HandleFunc("/images/process/{key:.+}", s.handleProcessImage).Methods("POST")
	api.HandleFunc("/images/batch", s.handleBatchProcess).Methods("POST")
	api.HandleFunc("/images/status/{key:.+}", s.handleImageStatus).Methods("GET")
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting API server on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the request router, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Media processing API",
		Data: map[string]interface{}{
			"version":       version,
			"source_bucket": s.cfg.AWS.SourceBucket,
			"dest_bucket":   s.cfg.AWS.DestBucket,
			"endpoints": map[string]string{
				"health":       "/health",
				"list_images":  "/api/images",
				"process":      "/api/images/process/{key}",
				"batch":        "/api/images/batch",
				"status":       "/api/images/status/{key}",
				"capabilities": "/api/capabilities",
				"stats":        "/api/stats",
				"events":       "/ws",
			},
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Health(r.Context()); err != nil {
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":        "healthy",
			"source_bucket": s.cfg.AWS.SourceBucket,
			"dest_bucket":   s.cfg.AWS.DestBucket,
			"timestamp":     time.Now().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	maxFiles := intQueryParam(r, "max_files", 50, 1, 1000)
	fileType := r.URL.Query().Get("file_type")

	files, err := s.pipeline.ListSource(r.Context(), maxFiles, fileType)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to list images: %v", err), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"bucket":      s.cfg.AWS.SourceBucket,
			"total_files": len(files),
			"files":       files,
		},
	})
}

func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	compress := boolQueryParam(r, "compress", true)
	quality := queryParamDefault(r, "quality", "medium")

	result, err := s.pipeline.StartProcessing(r.Context(), key, compress, quality)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	message := "Image processing started"
	if result.Action == pipeline.ActionSkipped {
		message = "Image already processed"
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: message,
		Data:    result,
	})
}

func (s *Server) handleBatchProcess(w http.ResponseWriter, r *http.Request) {
	maxFiles := intQueryParam(r, "max_files", 10, 1, 100)
	fileType := r.URL.Query().Get("file_type")
	compress := boolQueryParam(r, "compress", true)
	quality := queryParamDefault(r, "quality", "medium")

	result, err := s.pipeline.StartBatch(r.Context(), maxFiles, fileType, compress, quality)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Batch processing started for %d files", result.Queued),
		Data:    result,
	})
}

func (s *Server) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	status, err := s.pipeline.Status(r.Context(), key)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    status,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.pipeline.GetCapabilities(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.pipeline.Statistics().Snapshot(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastEvent pushes a task stage transition to all websocket clients.
// The hook is invoked concurrently by pipeline workers, and a websocket
// connection allows only one writer at a time, so the whole broadcast runs
// under the exclusive lock.
func (s *Server) broadcastEvent(event pipeline.Event) {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		s.log.Errorf("Failed to marshal task event: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write task event: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

// writePipelineError maps pipeline errors onto HTTP status codes.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pipeline.ErrInvalidKey), errors.Is(err, compression.ErrInvalidTier):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrShuttingDown):
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

func queryParamDefault(r *http.Request, name, defaultValue string) string {
	if value := r.URL.Query().Get(name); value != "" {
		return value
	}
	return defaultValue
}

func boolQueryParam(r *http.Request, name string, defaultValue bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func intQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < min || parsed > max {
		return defaultValue
	}
	return parsed
}
