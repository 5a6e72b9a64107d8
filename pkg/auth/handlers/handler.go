package handlers

import "net/http"

// AuthHandler is an interface for handling authentication requests
type AuthHandler interface {
	HandleLogin() func(w http.ResponseWriter, r *http.Request)
	HandleRefresh() func(w http.ResponseWriter, r *http.Request)
}

// LoginResponseBody is the response body for the login and refresh endpoints
type LoginResponseBody struct {
	IDToken   string `json:"idToken"`
	ExpiresIn string `json:"expiresIn"`
	LocalID   string `json:"localId"`
	Username  string `json:"username"`
}
