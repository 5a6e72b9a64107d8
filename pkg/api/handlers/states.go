package handlers

import (
	"net/http"

	"github.com/cbodonnell/townsquare/pkg/models"
)

func (h *Handlers) HandleSaveState() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		req := &models.SaveStateRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		snapshot, err := h.service.SaveState(r.Context(), user.ID, gameID, req.StateName)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, &models.GameStateResponse{GameState: snapshot})
		return nil
	})
}

func (h *Handlers) HandleAutoSave() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		snapshot, err := h.service.AutoSave(r.Context(), user.ID, gameID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, &models.GameStateResponse{GameState: snapshot})
		return nil
	})
}

func (h *Handlers) HandleListStates() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		states, err := h.service.ListStates(r.Context(), user.ID, gameID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.StatesResponse{States: states})
		return nil
	})
}

func (h *Handlers) HandleLoadState() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		stateID, err := pathID(r, "stateID")
		if err != nil {
			return err
		}
		message, err := h.service.LoadState(r.Context(), user.ID, gameID, stateID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.MessageResponse{Message: message})
		return nil
	})
}

func (h *Handlers) HandleListActions() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		limit, err := queryInt(r, "limit")
		if err != nil {
			return err
		}
		offset, err := queryInt(r, "offset")
		if err != nil {
			return err
		}
		actions, err := h.service.ListActions(r.Context(), user.ID, gameID, limit, offset)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.ActionsResponse{Actions: actions})
		return nil
	})
}

func (h *Handlers) HandleUndoAction() http.HandlerFunc {
	return gameHandler(func(w http.ResponseWriter, r *http.Request, user *models.User, gameID int64) error {
		actionID, err := pathID(r, "actionID")
		if err != nil {
			return err
		}
		req := &models.UndoActionRequest{}
		if err := decode(r, req); err != nil {
			return err
		}
		message, err := h.service.UndoAction(r.Context(), user.ID, gameID, actionID, req.Reason)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, &models.MessageResponse{Message: message})
		return nil
	})
}
