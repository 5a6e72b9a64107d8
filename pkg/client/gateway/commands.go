package gateway

import (
	"context"
	"strings"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
)

type createArgs struct {
	ScriptID int64 `json:"script_id" validate:"gt=0"`
}

type joinArgs struct {
	JoinCode string `json:"join_code" validate:"required,alphanum,max=16"`
}

type gameArgs struct {
	GameID int64 `json:"game_id" validate:"gt=0"`
}

type voteArgs struct {
	GameID   int64  `json:"game_id" validate:"gt=0"`
	TargetID *int64 `json:"target_id" validate:"omitempty,gt=0"`
	VoteType string `json:"vote_type" validate:"required,max=20"`
}

type nominateArgs struct {
	GameID   int64 `json:"game_id" validate:"gt=0"`
	TargetID int64 `json:"target_id" validate:"gt=0"`
}

type finishArgs struct {
	GameID     int64  `json:"game_id" validate:"gt=0"`
	WinnerTeam string `json:"winner_team" validate:"oneof=good evil"`
}

// CreateGame creates a lobby hosted by the caller. The result becomes the cached game.
func (g *Gateway) CreateGame(ctx context.Context, scriptID int64, settings *models.Settings) (*models.GameSession, error) {
	var created *models.GameSession
	err := g.Execute(ctx, Command{
		Op:   "create game",
		Args: &createArgs{ScriptID: scriptID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			game, err := g.api.CreateGame(ctx, scriptID, settings)
			created = game
			return game, err
		},
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

func (g *Gateway) JoinByCode(ctx context.Context, joinCode string) (*models.GameSession, error) {
	joinCode = strings.ToUpper(strings.TrimSpace(joinCode))
	var joined *models.GameSession
	err := g.Execute(ctx, Command{
		Op:   "join game",
		Args: &joinArgs{JoinCode: joinCode},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			game, err := g.api.JoinByCode(ctx, joinCode)
			joined = game
			return game, err
		},
	})
	if err != nil {
		return nil, err
	}
	// the game id is only known once the call returned, and the hub drops frames from non-members
	if g.announce != nil {
		if err := g.announce.Join(ctx, joined.ID); err != nil {
			log.Warn("Failed to join room for game %d: %v", joined.ID, err)
		}
	}
	g.broadcast(ctx, joined.ID, messages.UpdatePlayerJoined, nil)
	return joined.Clone(), nil
}

// Leave announces the departure, deregisters room interest, runs OnLeft and then drops the cached game.
func (g *Gateway) Leave(ctx context.Context, gameID int64) error {
	err := g.Execute(ctx, Command{
		Op:     "leave game",
		GameID: gameID,
		Args:   &gameArgs{GameID: gameID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			return nil, g.api.LeaveGame(ctx, gameID)
		},
		SkipRefresh: true,
		Announce:    messages.UpdatePlayerLeft,
	})
	if err != nil {
		return err
	}
	if g.announce != nil {
		if err := g.announce.Leave(ctx, gameID); err != nil {
			log.Warn("Failed to leave room for game %d: %v", gameID, err)
		}
	}
	if g.onLeft != nil {
		g.onLeft(gameID)
	}
	g.Discard(gameID)
	return nil
}

func (g *Gateway) ToggleReady(ctx context.Context, gameID int64) (bool, error) {
	var ready bool
	err := g.Execute(ctx, Command{
		Op:     "toggle ready",
		GameID: gameID,
		Args:   &gameArgs{GameID: gameID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			ready, err = g.api.ToggleReady(ctx, gameID)
			return nil, err
		},
		Announce:     messages.UpdatePlayerReadyChanged,
		AnnounceData: func() interface{} { return map[string]bool{"is_ready": ready} },
	})
	return ready, err
}

// Start checks the advisory gate against the cached game, then asks the server which decides.
func (g *Gateway) Start(ctx context.Context, gameID int64) (*models.GameSession, error) {
	if err := g.checkStartGate(ctx, gameID); err != nil {
		return nil, g.fail("start game", err)
	}
	var started *models.GameSession
	err := g.Execute(ctx, Command{
		Op:     "start game",
		GameID: gameID,
		Args:   &gameArgs{GameID: gameID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			game, err := g.api.StartGame(ctx, gameID)
			started = game
			return game, err
		},
		Announce: messages.UpdateGameStarted,
	})
	if err != nil {
		return nil, err
	}
	return started.Clone(), nil
}

// CanStart reports whether the cached game passes the advisory start gate.
func (g *Gateway) CanStart(ctx context.Context, gameID int64) bool {
	return g.checkStartGate(ctx, gameID) == nil
}

func (g *Gateway) checkStartGate(ctx context.Context, gameID int64) error {
	game, err := g.store.Get(ctx, gameID)
	if err != nil {
		// nothing cached to judge by
		return nil
	}
	if game.Phase != models.PhaseLobby {
		return &errs.ValidationError{Field: "phase", Reason: "game has already started"}
	}
	if len(game.Players) < MinPlayers {
		return &errs.ValidationError{Field: "players", Reason: "at least 5 players are required"}
	}
	for _, p := range game.Players {
		if !p.IsReady {
			return &errs.ValidationError{Field: "players", Reason: "all players must be ready"}
		}
	}
	return nil
}

// AdvancePhase moves a started game between night and day. Host only.
func (g *Gateway) AdvancePhase(ctx context.Context, gameID int64) (*models.GameSession, error) {
	var advanced *models.GameSession
	err := g.Execute(ctx, Command{
		Op:     "advance phase",
		GameID: gameID,
		Args:   &gameArgs{GameID: gameID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			game, err := g.api.AdvancePhase(ctx, gameID)
			advanced = game
			return game, err
		},
		Announce: messages.UpdatePhaseChanged,
	})
	if err != nil {
		return nil, err
	}
	return advanced.Clone(), nil
}

// SubmitVote casts a vote. A nil target abstains.
func (g *Gateway) SubmitVote(ctx context.Context, gameID int64, targetID *int64, voteType string) (*models.Vote, error) {
	if voteType == "" {
		voteType = DefaultVoteType
	}
	var vote *models.Vote
	err := g.Execute(ctx, Command{
		Op:     "submit vote",
		GameID: gameID,
		Args:   &voteArgs{GameID: gameID, TargetID: targetID, VoteType: voteType},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			vote, err = g.api.SubmitVote(ctx, gameID, targetID, voteType)
			return nil, err
		},
		Announce:     messages.UpdateVoteCast,
		AnnounceData: func() interface{} { return map[string]interface{}{"target_id": targetID, "vote_type": voteType} },
	})
	return vote, err
}

func (g *Gateway) Nominate(ctx context.Context, gameID int64, targetID int64) ([]models.Nomination, error) {
	var nominations []models.Nomination
	err := g.Execute(ctx, Command{
		Op:     "nominate",
		GameID: gameID,
		Args:   &nominateArgs{GameID: gameID, TargetID: targetID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			nominations, err = g.api.Nominate(ctx, gameID, targetID)
			return nil, err
		},
		Announce:     messages.UpdateNominationMade,
		AnnounceData: func() interface{} { return map[string]int64{"target_id": targetID} },
	})
	return nominations, err
}

// Finish ends the game and returns its archived history.
func (g *Gateway) Finish(ctx context.Context, gameID int64, winnerTeam string) (*models.FinishGameResponse, error) {
	var resp *models.FinishGameResponse
	err := g.Execute(ctx, Command{
		Op:     "finish game",
		GameID: gameID,
		Args:   &finishArgs{GameID: gameID, WinnerTeam: winnerTeam},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			resp, err = g.api.FinishGame(ctx, gameID, winnerTeam)
			return nil, err
		},
		Announce:     messages.UpdateGameFinished,
		AnnounceData: func() interface{} { return map[string]string{"winner_team": winnerTeam} },
	})
	return resp, err
}
