package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cbodonnell/townsquare/pkg/api/handlers"
	"github.com/cbodonnell/townsquare/pkg/api/middleware"
	"github.com/cbodonnell/townsquare/pkg/auth"
	authhandlers "github.com/cbodonnell/townsquare/pkg/auth/handlers"
	authproviders "github.com/cbodonnell/townsquare/pkg/auth/providers"
	"github.com/cbodonnell/townsquare/pkg/authority"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/repositories"
	"github.com/gorilla/mux"
)

// HubPath is where the channel hub is mounted.
const HubPath = "/ws"

type APIServer struct {
	server *http.Server
	tls    *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewAPIServerOptions struct {
	Port         int
	TLS          *TLSConfig
	AuthProvider authproviders.AuthProvider
	Repository   repositories.Repository
	Service      *authority.Service
	// Hub serves the channel protocol on HubPath when set.
	Hub http.Handler
	// AuthHandler issues tokens under /auth when set.
	AuthHandler authhandlers.AuthHandler
}

// NewRouter builds the request/response surface under /api and mounts the hub.
func NewRouter(opts NewAPIServerOptions) *mux.Router {
	h := handlers.New(opts.Service)

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.NewRequestIDMiddleware()))

	if opts.Hub != nil {
		r.Handle(HubPath, opts.Hub)
	}
	if opts.AuthHandler != nil {
		auth.Register(r, opts.AuthHandler)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(mux.MiddlewareFunc(middleware.NewCORSMiddleware()))
	api.Use(mux.MiddlewareFunc(middleware.NewAuthMiddleware(opts.AuthProvider, opts.Repository)))

	api.HandleFunc("/games", h.HandleCreateGame()).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/games/join", h.HandleJoinGame()).Methods(http.MethodPost, http.MethodOptions)

	games := api.PathPrefix("/games/{gameID:[0-9]+}").Subrouter()
	games.HandleFunc("", h.HandleGetGame()).Methods(http.MethodGet, http.MethodOptions)
	games.HandleFunc("/leave", h.HandleLeaveGame()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/ready", h.HandleToggleReady()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/start", h.HandleStartGame()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/advance", h.HandleAdvancePhase()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/vote", h.HandleSubmitVote()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/nominate", h.HandleNominate()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/save", h.HandleSaveState()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/auto-save", h.HandleAutoSave()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/states", h.HandleListStates()).Methods(http.MethodGet, http.MethodOptions)
	games.HandleFunc("/load/{stateID:[0-9]+}", h.HandleLoadState()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/actions", h.HandleListActions()).Methods(http.MethodGet, http.MethodOptions)
	games.HandleFunc("/actions/{actionID:[0-9]+}/undo", h.HandleUndoAction()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/finish", h.HandleFinishGame()).Methods(http.MethodPost, http.MethodOptions)
	games.HandleFunc("/history", h.HandleGameHistory()).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/users/{userID:[0-9]+}/game-history", h.HandleUserHistory()).Methods(http.MethodGet, http.MethodOptions)

	return r
}

// NewAPIServer creates a new http.Server for handling API requests
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts),
	}
	return &APIServer{
		server: server,
		tls:    opts.TLS,
	}
}

// Start starts the APIServer
func (s *APIServer) Start() {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("API server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("API server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return
		}
		log.Error("API server error: %v", err)
	}
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
