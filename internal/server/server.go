// Package server exposes the chat core over HTTP and mounts the websocket gateway.
package server

import (
	"context"
	"fmt"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer returns new Server with the chat API routes guarded by auth.
// User options are applied before the built-in middlewares, so TimeoutHandler wraps handlers only.
func NewServer(logger *zap.SugaredLogger, service Service, auth *Authenticator, opts ...Option) (*Server, error) {
	if service == nil || auth == nil {
		return nil, fmt.Errorf("server: service and authenticator are required")
	}

	h := &handler{
		logger:  logger,
		service: service,
	}

	c := &config{
		httpServer: &http.Server{},
		handlers: map[string]http.Handler{
			"/users/add":               http.HandlerFunc(h.createUser),
			"/users/delete":            http.HandlerFunc(h.deleteUser),
			"/chats/add":               http.HandlerFunc(h.createChat),
			"/chats/get":               http.HandlerFunc(h.userChats),
			"/chats/info":              http.HandlerFunc(h.chatInfo),
			"/chats/update":            http.HandlerFunc(h.updateChat),
			"/chats/delete":            http.HandlerFunc(h.deleteChat),
			"/chats/leave":             http.HandlerFunc(h.leaveChat),
			"/chats/integrants/add":    http.HandlerFunc(h.addIntegrant),
			"/chats/integrants/remove": http.HandlerFunc(h.pushOutIntegrant),
			"/messages/add":            http.HandlerFunc(h.createMessage),
			"/messages/get":            http.HandlerFunc(h.messagesByChatID),
			"/messages/delete":         http.HandlerFunc(h.deleteMessage),
		},
		public: map[string]bool{
			"/users/add": true,
		},
		streams: make(map[string]http.Handler),
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	builtin := []Option{
		applyAuthenticate(auth, logger.Desugar()),
		applyEnforcePostJson(),
		applyLog(logger.Desugar()),
		registerHandlers(),
	}
	for _, opt := range builtin {
		opt.apply(c)
	}

	return &Server{
		logger:        logger,
		httpServer:    c.httpServer,
		afterShutdown: c.afterShutdown,
	}, nil
}

// Handler returns the root http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
