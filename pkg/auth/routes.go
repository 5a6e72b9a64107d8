// Package auth exposes token issuance next to the game API.
package auth

import (
	"net/http"

	"github.com/cbodonnell/townsquare/pkg/auth/handlers"
	"github.com/gorilla/mux"
)

const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
)

// Register mounts the handler's endpoints on r. They are not behind the auth middleware.
func Register(r *mux.Router, handler handlers.AuthHandler) {
	r.HandleFunc(LoginPath, handler.HandleLogin()).Methods(http.MethodPost)
	r.HandleFunc(RefreshPath, handler.HandleRefresh()).Methods(http.MethodPost)
}
