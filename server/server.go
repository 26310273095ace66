package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"github.com/echosec/echosec/config"
	"github.com/echosec/echosec/db"
	"github.com/echosec/echosec/realtime"
	"github.com/echosec/echosec/services"
)

// Server exposes the encrypted-chat core to the UI over HTTP and websocket.
type Server struct {
	Config                 *config.Config
	ConversationRepository db.ConversationRepository
	ConversationService    services.ConversationService
	ChatService            services.ChatService
	Notifier               realtime.Notifier
	Logger                 zerolog.Logger
}

// Start runs the HTTP server until SIGINT, then drains with a timeout.
func (s *Server) Start() error {
	port := s.Config.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.setupRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info().Int("port", port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	s.Logger.Info().Msg("shutting down")
	s.ChatService.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
