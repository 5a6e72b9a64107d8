package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cbodonnell/townsquare/pkg/models"
)

func (c *Client) SaveState(ctx context.Context, gameID int64, name string) (*models.StateSnapshot, error) {
	resp := &models.GameStateResponse{}
	req := &models.SaveStateRequest{StateName: name}
	if err := c.do(ctx, "save state", http.MethodPost, gamePath(gameID, "/save"), req, resp); err != nil {
		return nil, err
	}
	return resp.GameState, nil
}

func (c *Client) AutoSave(ctx context.Context, gameID int64) (*models.StateSnapshot, error) {
	resp := &models.GameStateResponse{}
	if err := c.do(ctx, "auto-save", http.MethodPost, gamePath(gameID, "/auto-save"), nil, resp); err != nil {
		return nil, err
	}
	return resp.GameState, nil
}

func (c *Client) ListStates(ctx context.Context, gameID int64) ([]models.StateSnapshot, error) {
	resp := &models.StatesResponse{}
	if err := c.do(ctx, "list states", http.MethodGet, gamePath(gameID, "/states"), nil, resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

func (c *Client) LoadState(ctx context.Context, gameID int64, stateID int64) (string, error) {
	resp := &models.MessageResponse{}
	path := gamePath(gameID, fmt.Sprintf("/load/%d", stateID))
	if err := c.do(ctx, "load state", http.MethodPost, path, nil, resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) ListActions(ctx context.Context, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error) {
	resp := &models.ActionsResponse{}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := gamePath(gameID, "/actions")
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	if err := c.do(ctx, "list actions", http.MethodGet, path, nil, resp); err != nil {
		return nil, err
	}
	return resp.Actions, nil
}

func (c *Client) UndoAction(ctx context.Context, gameID int64, actionID int64, reason string) (string, error) {
	resp := &models.MessageResponse{}
	req := &models.UndoActionRequest{Reason: reason}
	path := gamePath(gameID, fmt.Sprintf("/actions/%d/undo", actionID))
	if err := c.do(ctx, "undo action", http.MethodPost, path, req, resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}
