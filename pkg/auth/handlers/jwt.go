package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	authproviders "github.com/cbodonnell/townsquare/pkg/auth/providers"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/go-playground/validator/v10"
)

const DefaultTokenTTL = 24 * time.Hour

var _ AuthHandler = &JWTAuthHandler{}

// JWTAuthHandler signs tokens for whoever asks. It is meant for development
// servers that verify tokens with the JWT provider.
type JWTAuthHandler struct {
	provider *authproviders.JWTAuthProvider
	ttl      time.Duration
	validate *validator.Validate
}

func NewJWTAuthHandler(provider *authproviders.JWTAuthProvider, ttl time.Duration) *JWTAuthHandler {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTAuthHandler{
		provider: provider,
		ttl:      ttl,
		validate: validator.New(),
	}
}

// HandleLogin issues a token for the username form value. The username doubles as the uid.
func (h *JWTAuthHandler) HandleLogin() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.FormValue("username"))
		if err := h.validate.Var(username, "required,alphanum,max=32"); err != nil {
			http.Error(w, "Username must be 1 to 32 letters or digits", http.StatusBadRequest)
			return
		}
		h.issue(w, username, username)
	}
}

// HandleRefresh reissues the token passed in the token form value while it is still valid.
func (h *JWTAuthHandler) HandleRefresh() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.FormValue("token")
		if token == "" {
			http.Error(w, "Missing token", http.StatusBadRequest)
			return
		}
		claims, err := h.provider.VerifyToken(r.Context(), token)
		if err != nil {
			log.Warn("refusing to refresh token: %v", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		h.issue(w, claims.UID, claims.Username)
	}
}

func (h *JWTAuthHandler) issue(w http.ResponseWriter, uid string, username string) {
	token, err := h.provider.IssueToken(uid, username, h.ttl)
	if err != nil {
		log.Error("error issuing token: %v", err)
		http.Error(w, "error issuing token", http.StatusInternalServerError)
		return
	}

	responsePayload := &LoginResponseBody{
		IDToken:   token,
		ExpiresIn: strconv.Itoa(int(h.ttl.Seconds())),
		LocalID:   uid,
		Username:  username,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(responsePayload); err != nil {
		log.Error("error encoding response: %v", err)
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
}
