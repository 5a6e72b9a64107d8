package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cbodonnell/townsquare/pkg/api/middleware"
	"github.com/cbodonnell/townsquare/pkg/authority"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/gorilla/mux"
)

// maxBodySize bounds request bodies; every request body here is a handful of fields.
const maxBodySize = 64 << 10

// Handlers exposes the authority service over HTTP.
type Handlers struct {
	service *authority.Service
}

func New(service *authority.Service) *Handlers {
	return &Handlers{service: service}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response: %v", err)
	}
}

// writeError maps the service error classes to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, models.CodeInternal
	switch {
	case errors.Is(err, authority.ErrInvalid):
		status, code = http.StatusBadRequest, models.CodeInvalid
	case errors.Is(err, authority.ErrForbidden):
		status, code = http.StatusForbidden, models.CodeForbidden
	case errors.Is(err, authority.ErrNotFound):
		status, code = http.StatusNotFound, models.CodeNotFound
	case errors.Is(err, authority.ErrConflict):
		status, code = http.StatusConflict, models.CodeConflict
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
		message = "internal error"
	} else {
		log.Debug("%s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, &models.ErrorResponse{Error: message, Code: code})
}

func badRequest(format string, args ...interface{}) error {
	return &authority.Error{Kind: authority.ErrInvalid, Message: fmt.Sprintf(format, args...)}
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s: %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("invalid %s: %q", name, raw)
	}
	return n, nil
}

// gameHandler resolves the caller and the game id before calling fn.
func gameHandler(fn func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			log.Error("failed to get user from context")
			writeError(w, r, fmt.Errorf("failed to get user from context"))
			return
		}
		gameID, err := pathID(r, "gameID")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := fn(w, r, user, gameID); err != nil {
			writeError(w, r, err)
		}
	}
}

func userHandler(fn func(w http.ResponseWriter, r *http.Request, user *models.User) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			log.Error("failed to get user from context")
			writeError(w, r, fmt.Errorf("failed to get user from context"))
			return
		}
		if err := fn(w, r, user); err != nil {
			writeError(w, r, err)
		}
	}
}

func (h *Handlers) HandleCreateGame() http.HandlerFunc {
	return userHandler(func(w http.ResponseWriter, r *http.Request, user *models.User) error {
		req := &models.CreateGameRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		game, err := h.service.CreateGame(r.Context(), user.ID, req)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, &models.GameResponse{Game: game})
		return nil
	})
}

func (h *Handlers) HandleJoinGame() http.HandlerFunc {
	return userHandler(func(w http.ResponseWriter, r *http.Request, user *models.User) error {
		req := &models.JoinGameRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		game, err := h.service.JoinGame(r.Context(), user.ID, req.JoinCode)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.GameResponse{Game: game})
		return nil
	})
}

func (h *Handlers) HandleGetGame() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		game, err := h.service.GetGame(r.Context(), user.ID, gameID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.GameResponse{Game: game})
		return nil
	})
}

func (h *Handlers) HandleLeaveGame() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		if err := h.service.LeaveGame(r.Context(), user.ID, gameID); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.MessageResponse{Message: "Left game successfully"})
		return nil
	})
}

func (h *Handlers) HandleToggleReady() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		ready, err := h.service.ToggleReady(r.Context(), user.ID, gameID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.ReadyResponse{IsReady: ready})
		return nil
	})
}

func (h *Handlers) HandleStartGame() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		game, err := h.service.StartGame(r.Context(), user.ID, gameID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.GameResponse{Game: game})
		return nil
	})
}

func (h *Handlers) HandleAdvancePhase() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		game, err := h.service.AdvancePhase(r.Context(), user.ID, gameID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.GameResponse{Game: game})
		return nil
	})
}

func (h *Handlers) HandleSubmitVote() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		req := &models.VoteRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		vote, err := h.service.SubmitVote(r.Context(), user.ID, gameID, req)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.VoteResponse{Vote: vote})
		return nil
	})
}

func (h *Handlers) HandleNominate() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		req := &models.NominateRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		if req.TargetID <= 0 {
			return badRequest("target_id is required")
		}
		nominations, err := h.service.Nominate(r.Context(), user.ID, gameID, req.TargetID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.NominationsResponse{Nominations: nominations})
		return nil
	})
}

func (h *Handlers) HandleFinishGame() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		req := &models.FinishGameRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		history, err := h.service.FinishGame(r.Context(), user.ID, gameID, req.WinnerTeam)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.FinishGameResponse{Message: "Game completed successfully", History: history})
		return nil
	})
}

func (h *Handlers) HandleGameHistory() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		full, _ := strconv.ParseBool(r.URL.Query().Get("full"))
		history, err := h.service.GameHistory(r.Context(), user.ID, gameID, full)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.HistoryResponse{History: history})
		return nil
	})
}

func (h *Handlers) HandleUserHistory() http.HandlerFunc {
	return userHandler(func(w http.ResponseWriter, r *http.Request, user *models.User) error {
		userID, err := pathID(r, "userID")
		if err != nil {
			return err
		}
		histories, err := h.service.UserHistory(r.Context(), user.ID, userID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.HistoriesResponse{Histories: histories})
		return nil
	})
}
