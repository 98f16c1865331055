package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/stzoran1/melcloud-bridge/internal/config"
	"github.com/stzoran1/melcloud-bridge/internal/log"
	"github.com/stzoran1/melcloud-bridge/internal/melcloud"
	"github.com/stzoran1/melcloud-bridge/internal/storage"
)

// ServiceInterface defines what the web layer needs from the main service
type ServiceInterface interface {
	GetDB() *storage.DB
	GetEncryptionKey() *storage.EncryptionKey
	GetClient() *melcloud.Client
	GetConfig() *config.Config
}

// Server is the HTTP server
type Server struct {
	port    int
	service ServiceInterface
	router  *mux.Router
	hub     *Hub
}

// NewServer creates a new HTTP server
func NewServer(port int, service ServiceInterface) *Server {
	s := &Server{
		port:    port,
		service: service,
		router:  mux.NewRouter(),
		hub:     NewHub(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id:[0-9]+}/control", s.handleControl).Methods("POST")
	api.HandleFunc("/options", s.handleUpdateOptions).Methods("POST")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config/credentials", s.handleSaveCredentials).Methods("POST")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/ws", s.handleWebSocket)
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("Web server listening on port %d", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// BroadcastDeviceUpdate pushes a device snapshot to all connected
// WebSocket clients. Called by the poller and after control changes.
func (s *Server) BroadcastDeviceUpdate(snap *storage.DeviceSnapshot) {
	s.hub.Broadcast(WSMessage{Type: "device_state", Data: snap})
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *Hub {
	return s.hub
}
