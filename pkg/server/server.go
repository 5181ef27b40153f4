package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/common"
	"github.com/raterudder/chargeplanner/pkg/consumption"
	"github.com/raterudder/chargeplanner/pkg/ess"
	"github.com/raterudder/chargeplanner/pkg/forecast"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/utility"
)

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

var oidcIssuers = map[string]string{
	"google": "https://accounts.google.com",
	"apple":  "https://appleid.apple.com",
}

// Server serves the JSON API and runs the control loop.
type Server struct {
	storage   storage.Database
	ess       ess.System
	store     *consumption.Store
	loop      *ControlLoop
	state     *SchedulerState
	metrics   *Metrics
	publisher Publisher

	listenAddr    string
	serverName    string
	adminEmails   []string
	oidcVerifiers map[string]tokenVerifier
	httpServer    *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(
	db storage.Database,
	e ess.System,
	u utility.Utility,
	f forecast.Provider,
	store *consumption.Store,
) *Server {
	state := &SchedulerState{}
	metrics := NewMetrics()
	publisher := configuredPublisher()
	srv := &Server{
		storage:    db,
		ess:        e,
		store:      store,
		state:      state,
		metrics:    metrics,
		publisher:  publisher,
		loop:       NewControlLoop(db, e, u, f, store, state, metrics, publisher),
		serverName: "chargeplanner/" + common.Version(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8099"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change settings and control the battery")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID, empty disables authentication")
	planInterval := lflag.Duration("plan-interval", defaultPlanInterval, "How often the rolling schedule is recalculated")
	controlInterval := lflag.Duration("control-interval", defaultControlInterval, "How often the charge decision is evaluated")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			for _, email := range strings.Split(*adminEmails, ",") {
				if email = strings.TrimSpace(email); email != "" {
					srv.adminEmails = append(srv.adminEmails, email)
				}
			}
		}
		if len(oidcAudiences) > 0 {
			if len(srv.adminEmails) == 0 {
				log.Ctx(context.Background()).Error("oidc-audiences requires admin-emails")
				os.Exit(1)
			}
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				issuer, ok := oidcIssuers[n]
				if !ok {
					log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
					os.Exit(1)
				}
				provider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("client", n), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
			}
		}
		if *planInterval <= 0 || *controlInterval <= 0 {
			panic("plan-interval and control-interval must be positive")
		}
		srv.loop.planInterval = *planInterval
		srv.loop.controlInterval = *controlInterval
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/plan", s.handleGetPlan)
	apiMux.HandleFunc("POST /api/plan/recalculate", s.handleRecalculate)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("POST /api/control", s.handleControl)
	apiMux.HandleFunc("GET /api/history/actions", s.handleHistoryActions)
	apiMux.HandleFunc("GET /api/history/consumption", s.handleHistoryConsumption)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/consumption/stats", s.handleConsumptionStats)
	apiMux.HandleFunc("GET /api/consumption/profile", s.handleConsumptionProfile)
	apiMux.HandleFunc("GET /api/consumption/today", s.handleConsumptionToday)
	apiMux.HandleFunc("POST /api/consumption/import", s.handleConsumptionImport)
	apiMux.HandleFunc("POST /api/consumption/import/csv", s.handleConsumptionImportCSV)
	apiMux.HandleFunc("POST /api/consumption/profile", s.handleManualProfile)
	apiMux.HandleFunc("POST /api/consumption/clear", s.handleConsumptionClear)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the control loop and the HTTP server and blocks until the
// context is canceled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop.Run(loopCtx)
	}()
	defer func() {
		cancelLoop()
		<-loopDone
		s.publisher.Close()
	}()

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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
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

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
