package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/models"
)

// gameFrom rejects a success response that carries no game.
func gameFrom(op string, resp *models.GameResponse) (*models.GameSession, error) {
	if resp.Game == nil {
		return nil, &errs.NetworkError{Op: op, Err: fmt.Errorf("response has no game")}
	}
	return resp.Game, nil
}

func gamePath(gameID int64, suffix string) string {
	return fmt.Sprintf("/api/games/%d%s", gameID, suffix)
}

func (c *Client) CreateGame(ctx context.Context, scriptID int64, settings *models.Settings) (*models.GameSession, error) {
	resp := &models.GameResponse{}
	req := &models.CreateGameRequest{ScriptID: scriptID, Settings: settings}
	if err := c.do(ctx, "create game", http.MethodPost, "/api/games", req, resp); err != nil {
		return nil, err
	}
	return gameFrom("create game", resp)
}

func (c *Client) JoinByCode(ctx context.Context, joinCode string) (*models.GameSession, error) {
	resp := &models.GameResponse{}
	req := &models.JoinGameRequest{JoinCode: joinCode}
	if err := c.do(ctx, "join game", http.MethodPost, "/api/games/join", req, resp); err != nil {
		return nil, err
	}
	return gameFrom("join game", resp)
}

func (c *Client) LeaveGame(ctx context.Context, gameID int64) error {
	return c.do(ctx, "leave game", http.MethodPost, gamePath(gameID, "/leave"), nil, &models.MessageResponse{})
}

func (c *Client) GetGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	resp := &models.GameResponse{}
	if err := c.do(ctx, "get game", http.MethodGet, gamePath(gameID, ""), nil, resp); err != nil {
		return nil, err
	}
	return gameFrom("get game", resp)
}

func (c *Client) ToggleReady(ctx context.Context, gameID int64) (bool, error) {
	resp := &models.ReadyResponse{}
	if err := c.do(ctx, "toggle ready", http.MethodPost, gamePath(gameID, "/ready"), nil, resp); err != nil {
		return false, err
	}
	return resp.IsReady, nil
}

func (c *Client) StartGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	resp := &models.GameResponse{}
	if err := c.do(ctx, "start game", http.MethodPost, gamePath(gameID, "/start"), nil, resp); err != nil {
		return nil, err
	}
	return gameFrom("start game", resp)
}

func (c *Client) AdvancePhase(ctx context.Context, gameID int64) (*models.GameSession, error) {
	resp := &models.GameResponse{}
	if err := c.do(ctx, "advance phase", http.MethodPost, gamePath(gameID, "/advance"), nil, resp); err != nil {
		return nil, err
	}
	return gameFrom("advance phase", resp)
}

func (c *Client) SubmitVote(ctx context.Context, gameID int64, targetID *int64, voteType string) (*models.Vote, error) {
	resp := &models.VoteResponse{}
	req := &models.VoteRequest{TargetID: targetID, VoteType: voteType}
	if err := c.do(ctx, "submit vote", http.MethodPost, gamePath(gameID, "/vote"), req, resp); err != nil {
		return nil, err
	}
	return resp.Vote, nil
}

func (c *Client) Nominate(ctx context.Context, gameID int64, targetID int64) ([]models.Nomination, error) {
	resp := &models.NominationsResponse{}
	req := &models.NominateRequest{TargetID: targetID}
	if err := c.do(ctx, "nominate", http.MethodPost, gamePath(gameID, "/nominate"), req, resp); err != nil {
		return nil, err
	}
	return resp.Nominations, nil
}

func (c *Client) FinishGame(ctx context.Context, gameID int64, winnerTeam string) (*models.FinishGameResponse, error) {
	resp := &models.FinishGameResponse{}
	req := &models.FinishGameRequest{WinnerTeam: winnerTeam}
	if err := c.do(ctx, "finish game", http.MethodPost, gamePath(gameID, "/finish"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GameHistory(ctx context.Context, gameID int64, full bool) (*models.GameHistory, error) {
	resp := &models.HistoryResponse{}
	query := url.Values{}
	if full {
		query.Set("full", "true")
	}
	path := gamePath(gameID, "/history")
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	if err := c.do(ctx, "game history", http.MethodGet, path, nil, resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

func (c *Client) UserHistory(ctx context.Context, userID int64) ([]models.GameHistory, error) {
	resp := &models.HistoriesResponse{}
	path := fmt.Sprintf("/api/users/%d/game-history", userID)
	if err := c.do(ctx, "user history", http.MethodGet, path, nil, resp); err != nil {
		return nil, err
	}
	return resp.Histories, nil
}
