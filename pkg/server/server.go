package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/tarifa/pkg/engine"
	"github.com/raterudder/tarifa/pkg/log"
)

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the engine's views and refresh operations over HTTP.
type Server struct {
	engine   *engine.Engine
	gatherer prometheus.Gatherer

	listenAddr string
	httpServer *http.Server

	refreshEmail string
	verifier     tokenVerifier
	bypassAuth   bool
	serverName   string
}

// Configured initializes the Server. Metrics are served from g.
// It uses lflag to register command-line flags for configuration.
func Configured(g prometheus.Gatherer) *Server {
	srv := &Server{
		gatherer:   g,
		serverName: "tarifa",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "Issuer of the id tokens allowed to trigger refreshes")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate on id tokens for refresh requests")
	refreshEmail := lflag.String("refresh-email", "", "email that id tokens must carry for refresh requests")
	bypassAuth := lflag.Bool("bypass-auth", false, "Allow refresh requests without an id token (local use only)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.refreshEmail = *refreshEmail
		srv.bypassAuth = *bypassAuth
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		} else if !srv.bypassAuth {
			log.Ctx(context.Background()).Error("oidc-audience is required unless bypass-auth is set")
			os.Exit(1)
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/refresh/prices", s.refreshAuth(s.handleRefreshPrices))
	apiMux.HandleFunc("POST /api/refresh/consumption", s.refreshAuth(s.handleRefreshConsumption))
	apiMux.HandleFunc("POST /api/refresh/credits", s.refreshAuth(s.handleRefreshCredits))
	apiMux.HandleFunc("POST /api/rates", s.refreshAuth(s.handleAddRates))
	apiMux.HandleFunc("GET /api/rates", s.handleGetRates)
	apiMux.HandleFunc("GET /api/prices", s.handleGetPrices)
	apiMux.HandleFunc("GET /api/consumption", s.handleGetConsumption)
	apiMux.HandleFunc("GET /api/costs", s.handleGetCosts)
	apiMux.HandleFunc("GET /api/credits", s.handleGetCredits)
	apiMux.HandleFunc("GET /api/invoice", s.handleGetInvoice)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.noStoreMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run serves e over HTTP and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context, e *engine.Engine) error {
	s.engine = e
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, struct {
		Error string `json:"error"`
	}{Error: msg}, code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
