package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ollm/internal/engine"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Server struct {
	loader  *engine.Loader
	modelID string
	mux     *http.ServeMux
	now     func() time.Time
}

func NewServer(loader *engine.Loader, modelID string) *Server {
	s := &Server{
		loader:  loader,
		modelID: modelID,
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleListModels)
	s.mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "ollm.http")
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
