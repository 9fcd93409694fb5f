// Package server exposes the partner-facing HTTP API: wallet operations,
// AML alert management, the live alert stream and operational endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/aml"
	"github.com/betlink/betlinkd/internal/auth"
	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/metrics"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
	"github.com/betlink/betlinkd/internal/wallet"
)

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// AuthExcludePaths lists path prefixes served without authentication,
	// on top of the always-open health and metrics endpoints.
	AuthExcludePaths []string
}

// Server is the HTTP front of the service.
type Server struct {
	cfg     Config
	log     *zap.Logger
	auth    *auth.Authenticator
	wallet  *wallet.Engine
	aml     *aml.Analyzer
	repos   relationaldb.RepositoryManager
	metrics *metrics.Metrics
	hub     *alertHub

	requestTimeout time.Duration
	httpServer     *http.Server
}

// New assembles the server and its routes. The alert hub still needs to be
// bound to the event bus with BindAlertStream before the bus starts.
func New(cfg Config, log *zap.Logger, authenticator *auth.Authenticator, engine *wallet.Engine,
	analyzer *aml.Analyzer, repos relationaldb.RepositoryManager, m *metrics.Metrics) *Server {

	s := &Server{
		cfg:            cfg,
		log:            log,
		auth:           authenticator,
		wallet:         engine,
		aml:            analyzer,
		repos:          repos,
		metrics:        m,
		hub:            newAlertHub(log),
		requestTimeout: cfg.RequestTimeout,
	}

	router := mux.NewRouter()
	router.Use(s.traceMiddleware, s.observeMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.deadlineMiddleware)

	api.HandleFunc("/wallet/{player_id}/deposit", s.authMiddleware("wallet:deposit", s.transactionHandler(relationaldb.TxDeposit))).Methods(http.MethodPost)
	api.HandleFunc("/wallet/{player_id}/withdraw", s.authMiddleware("wallet:withdraw", s.transactionHandler(relationaldb.TxWithdrawal))).Methods(http.MethodPost)
	api.HandleFunc("/wallet/{player_id}/bet", s.authMiddleware("wallet:bet", s.transactionHandler(relationaldb.TxBet))).Methods(http.MethodPost)
	api.HandleFunc("/wallet/{player_id}/win", s.authMiddleware("wallet:win", s.transactionHandler(relationaldb.TxWin))).Methods(http.MethodPost)
	api.HandleFunc("/wallet/{player_id}/rollback", s.authMiddleware("wallet:rollback", s.rollbackHandler)).Methods(http.MethodPost)
	api.HandleFunc("/wallet/{player_id}/balance", s.authMiddleware("wallet:balance", s.balanceHandler)).Methods(http.MethodGet)
	api.HandleFunc("/wallet/{player_id}/transactions", s.authMiddleware("wallet:history", s.transactionsHandler)).Methods(http.MethodGet)

	api.HandleFunc("/aml/alerts", s.authMiddleware("aml:alerts:read", s.listAlertsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/aml/alerts/{alert_id}", s.authMiddleware("aml:alerts:read", s.getAlertHandler)).Methods(http.MethodGet)
	api.HandleFunc("/aml/alerts/{alert_id}/status", s.authMiddleware("aml:alerts:write", s.updateAlertStatusHandler)).Methods(http.MethodPut)

	router.HandleFunc("/ws/alerts", s.authMiddleware("aml:alerts:read", s.alertStreamHandler)).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// BindAlertStream subscribes the websocket hub to alert events. Must run
// before the bus starts.
func (s *Server) BindAlertStream(bus *events.Bus) error {
	return bus.Subscribe(events.TopicAlertCreated, s.hub.handleAlert)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("address", s.cfg.ListenAddress))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the alert stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"database": "ok"}
	code := http.StatusOK
	if err := s.repos.Ping(ctx); err != nil {
		status["database"] = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeData(w, r, code, status)
}
