package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inbox-gateway/internal/logging"
)

// SignalHandler manages graceful shutdown of the HTTP server and the
// aggregation core behind it.
type SignalHandler struct {
	server          *http.Server
	shutdownTimeout time.Duration
	onShutdown      func()
}

// NewSignalHandler creates a signal handler. onShutdown runs after the HTTP
// listener stops accepting, inside the shutdown budget.
func NewSignalHandler(server *http.Server, shutdownTimeout time.Duration, onShutdown func()) *SignalHandler {
	return &SignalHandler{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		onShutdown:      onShutdown,
	}
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts down the HTTP
// server and the core within the timeout.
func (sh *SignalHandler) WaitForShutdown() {
	log := logging.WithComponent("server")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), sh.shutdownTimeout)
	defer cancel()

	if err := sh.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shut down")
	}

	if sh.onShutdown != nil {
		done := make(chan struct{})
		go func() {
			sh.onShutdown()
			close(done)
		}()
		select {
		case <-done:
			log.Info().Msg("core shut down cleanly")
		case <-ctx.Done():
			log.Error().Msg("core shutdown exceeded budget")
		}
	}
}

// HandleSignals starts the server and blocks until a shutdown signal has
// been fully handled.
func HandleSignals(server *http.Server, shutdownTimeout time.Duration, onShutdown func()) error {
	log := logging.WithComponent("server")

	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	NewSignalHandler(server, shutdownTimeout, onShutdown).WaitForShutdown()
	return nil
}
