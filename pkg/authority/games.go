package authority

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/repositories"
)

func (s *Service) CreateGame(ctx context.Context, userID int64, req *models.CreateGameRequest) (*models.GameSession, error) {
	scriptID := req.ScriptID
	if scriptID == 0 {
		scriptID = DefaultScriptID
	}
	if _, ok := LookupScript(scriptID); !ok {
		return nil, newError(ErrNotFound, "script %d not found", scriptID)
	}

	settings := models.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
		if settings.MaxPlayers == 0 {
			settings.MaxPlayers = MaxPlayersLimit
		}
	}
	if settings.MaxPlayers < MinPlayers || settings.MaxPlayers > MaxPlayersLimit {
		return nil, newError(ErrInvalid, "max_players must be between %d and %d", MinPlayers, MaxPlayersLimit)
	}

	host, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fromRepo(err, "user")
	}

	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		now := s.now()
		game := &models.GameSession{
			HostID:      userID,
			JoinCode:    s.newJoinCode(),
			ScriptID:    scriptID,
			Phase:       models.PhaseLobby,
			Settings:    settings,
			Nominations: []models.Nomination{},
			Votes:       []models.Vote{},
			Players: []models.Player{
				{
					ID:         1,
					UserID:     userID,
					Username:   host.Username,
					Seat:       0,
					IsAlive:    true,
					IsReady:    true,
					GhostVotes: 1,
					JoinedAt:   now,
				},
			},
			CreatedAt: now,
		}

		err := s.repo.InTx(ctx, func(ctx context.Context, tx repositories.Repository) error {
			if err := tx.CreateGame(ctx, game); err != nil {
				return err
			}
			_, err := s.record(ctx, tx, game, userID, models.ActionGameCreated, map[string]interface{}{
				"host_id":       userID,
				"host_username": host.Username,
				"script_id":     scriptID,
			})
			return err
		})
		if repositories.IsConflict(err) {
			log.Debug("Join code %s collided, retrying", game.JoinCode)
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Info("User %d created game %d with join code %s", userID, game.ID, game.JoinCode)
		return visibleTo(game, userID), nil
	}

	return nil, fmt.Errorf("failed to allocate a join code after %d attempts", joinCodeAttempts)
}

func (s *Service) JoinGame(ctx context.Context, userID int64, joinCode string) (*models.GameSession, error) {
	joinCode = strings.ToUpper(strings.TrimSpace(joinCode))
	if joinCode == "" {
		return nil, newError(ErrInvalid, "join code is required")
	}

	found, err := s.repo.GetActiveGameByJoinCode(ctx, joinCode)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, newError(ErrNotFound, "invalid join code")
		}
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fromRepo(err, "user")
	}

	game, err := s.mutate(ctx, found.ID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if game.Phase != models.PhaseLobby {
			return newError(ErrInvalid, "game has already started")
		}
		if game.PlayerByUser(userID) != nil {
			return newError(ErrConflict, "you are already in this game")
		}
		if len(game.Players) >= game.Settings.MaxPlayers {
			return newError(ErrInvalid, "game is full")
		}

		player := models.Player{
			ID:         nextPlayerID(game),
			UserID:     userID,
			Username:   user.Username,
			Seat:       nextSeat(game),
			IsAlive:    true,
			GhostVotes: 1,
			JoinedAt:   s.now(),
		}
		game.Players = append(game.Players, player)

		_, err := s.record(ctx, tx, game, userID, models.ActionPlayerJoined, map[string]interface{}{
			"player_id": player.ID,
			"user_id":   userID,
			"username":  user.Username,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return visibleTo(game, userID), nil
}

// LeaveGame removes the caller. A host leaving the lobby hands the game to the
// next player; a host leaving otherwise ends the game.
func (s *Service) LeaveGame(ctx context.Context, userID int64, gameID int64) error {
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		player := game.PlayerByUser(userID)
		if player == nil {
			return newError(ErrNotFound, "you are not in this game")
		}
		isHost := game.HostID == userID
		if game.Phase != models.PhaseLobby && !isHost {
			return newError(ErrInvalid, "cannot leave game after it has started")
		}

		data := map[string]interface{}{
			"player_id": player.ID,
			"user_id":   userID,
			"username":  player.Username,
		}

		remaining := make([]models.Player, 0, len(game.Players))
		for _, p := range game.Players {
			if p.UserID != userID {
				remaining = append(remaining, p)
			}
		}
		game.Players = remaining

		if isHost {
			if len(remaining) > 0 && game.Phase == models.PhaseLobby {
				game.HostID = remaining[0].UserID
				data["new_host_id"] = game.HostID
			} else {
				now := s.now()
				game.Phase = models.PhaseFinished
				game.EndedAt = &now
				data["game_ended"] = true
			}
		}

		_, err := s.record(ctx, tx, game, userID, models.ActionPlayerLeft, data)
		return err
	})
	return err
}

func (s *Service) GetGame(ctx context.Context, userID int64, gameID int64) (*models.GameSession, error) {
	game, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return nil, fromRepo(err, "game")
	}
	if err := requireMember(game, userID); err != nil {
		return nil, err
	}
	return visibleTo(game, userID), nil
}

func (s *Service) ToggleReady(ctx context.Context, userID int64, gameID int64) (bool, error) {
	var ready bool
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if game.Phase != models.PhaseLobby {
			return newError(ErrInvalid, "game has already started")
		}
		player := game.PlayerByUser(userID)
		if player == nil {
			return newError(ErrNotFound, "you are not in this game")
		}
		player.IsReady = !player.IsReady
		ready = player.IsReady

		_, err := s.record(ctx, tx, game, userID, models.ActionReadyChanged, &readyChangedData{
			PlayerID: player.ID,
			IsReady:  ready,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return ready, nil
}

// CanStart reports why a lobby cannot start yet, or nil.
func CanStart(game *models.GameSession) error {
	if game.Phase != models.PhaseLobby {
		return newError(ErrInvalid, "game has already started")
	}
	n := len(game.Players)
	if n < MinPlayers {
		return newError(ErrInvalid, "need at least %d players to start, have %d", MinPlayers, n)
	}
	if n > game.Settings.MaxPlayers {
		return newError(ErrInvalid, "too many players: %d of %d", n, game.Settings.MaxPlayers)
	}
	for _, p := range game.Players {
		if !p.IsReady {
			return newError(ErrInvalid, "%s is not ready", p.Username)
		}
	}
	return nil
}

func (s *Service) StartGame(ctx context.Context, userID int64, gameID int64) (*models.GameSession, error) {
	game, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "start the game"); err != nil {
			return err
		}
		if err := CanStart(game); err != nil {
			return err
		}
		script, ok := LookupScript(game.ScriptID)
		if !ok {
			return newError(ErrNotFound, "script %d not found", game.ScriptID)
		}

		var assigned bool
		s.withRand(func(r *rand.Rand) {
			assigned = assignRoles(r, script, game.Players)
		})
		if !assigned {
			return fmt.Errorf("failed to assign roles for %d players", len(game.Players))
		}

		now := s.now()
		game.Phase = models.PhaseNight
		game.DayNumber = 0
		game.StartedAt = &now
		game.Nominations = []models.Nomination{}

		_, err := s.record(ctx, tx, game, userID, models.ActionGameStarted, map[string]interface{}{
			"player_count": len(game.Players),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("Game %d started with %d players", game.ID, len(game.Players))
	return visibleTo(game, userID), nil
}

// AdvancePhase moves night to day, starting a new day, and day to night, clearing the day's nominations.
func (s *Service) AdvancePhase(ctx context.Context, userID int64, gameID int64) (*models.GameSession, error) {
	game, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "advance the phase"); err != nil {
			return err
		}
		from := game.Phase
		switch from {
		case models.PhaseNight:
			game.Phase = models.PhaseDay
			game.DayNumber++
		case models.PhaseDay:
			game.Phase = models.PhaseNight
			game.Nominations = []models.Nomination{}
		case models.PhaseLobby:
			return newError(ErrInvalid, "game has not started")
		default:
			return newError(ErrInvalid, "game is finished")
		}

		_, err := s.record(ctx, tx, game, userID, models.ActionPhaseChanged, map[string]interface{}{
			"from":       from,
			"to":         game.Phase,
			"day_number": game.DayNumber,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return visibleTo(game, userID), nil
}

func (s *Service) SubmitVote(ctx context.Context, userID int64, gameID int64, req *models.VoteRequest) (*models.Vote, error) {
	voteType := req.VoteType
	if voteType == "" {
		voteType = DefaultVoteType
	}

	var vote models.Vote
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if game.Phase != models.PhaseDay {
			return newError(ErrInvalid, "voting is only allowed during day phase")
		}
		player := game.PlayerByUser(userID)
		if player == nil {
			return newError(ErrNotFound, "you are not in this game")
		}
		if player.GhostVotes <= 0 {
			return newError(ErrInvalid, "you have no votes remaining")
		}
		if req.TargetID != nil && game.Player(*req.TargetID) == nil {
			return newError(ErrInvalid, "invalid target player")
		}

		vote = models.Vote{
			ID:        nextVoteID(game),
			GameID:    game.ID,
			VoterID:   player.ID,
			TargetID:  req.TargetID,
			VoteType:  voteType,
			DayNumber: game.DayNumber,
			CastAt:    s.now(),
		}
		player.GhostVotes--
		game.Votes = append(game.Votes, vote)

		_, err := s.record(ctx, tx, game, userID, models.ActionVoteCast, &voteCastData{
			VoteID:    vote.ID,
			VoterID:   player.ID,
			TargetID:  vote.TargetID,
			VoteType:  voteType,
			DayNumber: game.DayNumber,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &vote, nil
}

func (s *Service) Nominate(ctx context.Context, userID int64, gameID int64, targetID int64) ([]models.Nomination, error) {
	game, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if game.Phase != models.PhaseDay {
			return newError(ErrInvalid, "nominations are only allowed during day phase")
		}
		nominator := game.PlayerByUser(userID)
		if nominator == nil {
			return newError(ErrNotFound, "you are not in this game")
		}
		if !nominator.IsAlive {
			return newError(ErrInvalid, "dead players cannot nominate")
		}
		target := game.Player(targetID)
		if target == nil {
			return newError(ErrNotFound, "invalid target player")
		}
		if !target.IsAlive {
			return newError(ErrInvalid, "cannot nominate dead players")
		}
		if target.ID == nominator.ID {
			return newError(ErrInvalid, "cannot nominate yourself")
		}
		for _, n := range game.Nominations {
			if n.NominatorID == nominator.ID && n.DayNumber == game.DayNumber {
				return newError(ErrInvalid, "you have already nominated someone today")
			}
		}

		game.Nominations = append(game.Nominations, models.Nomination{
			NominatorID: nominator.ID,
			NomineeID:   target.ID,
			DayNumber:   game.DayNumber,
			Timestamp:   s.now(),
		})

		_, err := s.record(ctx, tx, game, userID, models.ActionNominationMade, &nominationData{
			NominatorID: nominator.ID,
			NomineeID:   target.ID,
			DayNumber:   game.DayNumber,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return game.Nominations, nil
}
