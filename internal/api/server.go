// Package api exposes the command surface over HTTP and the coalesced
// market-data stream over WebSocket. It is a thin transport: every request
// is decoded, handed to a service, and the structured command error (or
// success payload) is written back.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server hosts the REST command surface and the streaming endpoint.
type Server struct {
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(port int, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)

	mux.HandleFunc("POST /api/rfqs", handlers.HandleCreateRFQ)
	mux.HandleFunc("GET /api/rfqs/{id}", handlers.HandleGetRFQ)
	mux.HandleFunc("POST /api/rfqs/{id}/quotes", handlers.HandleRecordQuote)
	mux.HandleFunc("POST /api/rfqs/{id}/accept", handlers.HandleAcceptQuote)
	mux.HandleFunc("POST /api/rfqs/{id}/cancel", handlers.HandleCancelRFQ)

	mux.HandleFunc("POST /api/orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", handlers.HandleGetOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", handlers.HandleCancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/amend", handlers.HandleAmendOrder)

	mux.HandleFunc("GET /api/blotter", handlers.HandleBlotter)
	mux.HandleFunc("GET /api/rfq-board", handlers.HandleRFQBoard)

	mux.HandleFunc("POST /api/admin/kill-switch", handlers.HandleSetKillSwitch)
	mux.HandleFunc("POST /api/admin/limits", handlers.HandleUpdateLimits)
	mux.HandleFunc("POST /api/admin/instruments", handlers.HandleCreateInstrument)
	mux.HandleFunc("PUT /api/admin/instruments/{id}", handlers.HandleUpdateInstrument)

	mux.HandleFunc("GET /ws/marketdata", hub.HandleWebSocket)
	mux.HandleFunc("GET /ws/rfqs/{id}", handlers.HandleWatchRFQ)
	mux.HandleFunc("GET /ws/trades/{id}", handlers.HandleWatchTrade)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		hub:      hub,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
