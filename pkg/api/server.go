// Package api exposes the local control surface over HTTP. It is bound
// to loopback by default: the API drives the node, it is not the relay
// protocol.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umbra-im/umbra-node/pkg/network"
	"github.com/umbra-im/umbra-node/pkg/storage"
)

// Server is the HTTP control API.
type Server struct {
	client     *network.Client
	db         *storage.DB
	router     *gin.Engine
	addr       string
	httpServer *http.Server
}

// Config holds server options.
type Config struct {
	ListenAddr string
	// Gatherer, when set, exposes Prometheus metrics on /metrics.
	Gatherer prometheus.Gatherer
}

// NewServer builds the control API around a client. db may be nil; the
// message history endpoint then serves the current session only.
func NewServer(client *network.Client, db *storage.DB, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		client: client,
		db:     db,
		router: router,
		addr:   cfg.ListenAddr,
	}
	s.setupRoutes(cfg.Gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)

	s.router.GET("/friends", s.handleFriends)
	s.router.POST("/friends/requests", s.handleSendFriendRequest)
	s.router.POST("/friends/requests/:id/accept", s.handleAcceptFriendRequest)
	s.router.POST("/friends/requests/:id/reject", s.handleRejectFriendRequest)

	s.router.POST("/messages", s.handleSendMessage)
	s.router.GET("/messages/:conversationId", s.handleMessages)

	s.router.GET("/groups", s.handleGroups)
	s.router.POST("/groups", s.handleCreateGroup)
	s.router.POST("/groups/:id/messages", s.handleSendGroupMessage)
	s.router.DELETE("/groups/:id/members/:did", s.handleRemoveGroupMember)

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Control API listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Control API error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the server down immediately.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
