package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/repositories"
)

type readyChangedData struct {
	PlayerID int64 `json:"player_id"`
	IsReady  bool  `json:"is_ready"`
}

type voteCastData struct {
	VoteID    int64  `json:"vote_id"`
	VoterID   int64  `json:"voter_id"`
	TargetID  *int64 `json:"target_id"`
	VoteType  string `json:"vote_type"`
	DayNumber int    `json:"day_number"`
}

type nominationData struct {
	NominatorID int64 `json:"nominator_id"`
	NomineeID   int64 `json:"nominee_id"`
	DayNumber   int   `json:"day_number"`
}

func (s *Service) snapshot(ctx context.Context, tx repositories.Repository, game *models.GameSession, userID int64, name string, auto bool) (*models.StateSnapshot, error) {
	payload, err := json.Marshal(game)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal game %d: %v", game.ID, err)
	}

	snapshot := &models.StateSnapshot{
		GameID:    game.ID,
		Name:      name,
		CreatedBy: userID,
		CreatedAt: s.now(),
		IsAuto:    auto,
		Phase:     game.Phase,
		DayNumber: game.DayNumber,
		Preview: models.SnapshotPreview{
			Name:        name,
			PlayerCount: len(game.Players),
			AliveCount:  game.AliveCount(),
			Phase:       game.Phase,
			Day:         game.DayNumber,
		},
		Payload: payload,
	}
	if err := tx.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	if _, err := s.record(ctx, tx, game, userID, models.ActionStateSaved, map[string]interface{}{
		"state_id":     snapshot.ID,
		"state_name":   name,
		"is_auto_save": auto,
	}); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func autoSaveName(game *models.GameSession) string {
	return fmt.Sprintf("Auto-save %s day %d", game.Phase, game.DayNumber)
}

func (s *Service) SaveState(ctx context.Context, userID int64, gameID int64, name string) (*models.StateSnapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newError(ErrInvalid, "state name is required")
	}
	if utf8.RuneCountInString(name) > MaxStateNameRunes {
		return nil, newError(ErrInvalid, "state name must be at most %d characters", MaxStateNameRunes)
	}

	var saved *models.StateSnapshot
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "save game states"); err != nil {
			return err
		}
		var err error
		saved, err = s.snapshot(ctx, tx, game, userID, name, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return withoutPayload(saved), nil
}

func (s *Service) AutoSave(ctx context.Context, userID int64, gameID int64) (*models.StateSnapshot, error) {
	var saved *models.StateSnapshot
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "create saves"); err != nil {
			return err
		}
		var err error
		saved, err = s.snapshot(ctx, tx, game, userID, autoSaveName(game), true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return withoutPayload(saved), nil
}

func withoutPayload(snapshot *models.StateSnapshot) *models.StateSnapshot {
	c := *snapshot
	c.Payload = nil
	return &c
}

func (s *Service) ListStates(ctx context.Context, userID int64, gameID int64) ([]models.StateSnapshot, error) {
	game, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return nil, fromRepo(err, "game")
	}
	if err := requireMember(game, userID); err != nil {
		return nil, err
	}
	states, err := s.repo.ListSnapshots(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return states, nil
}

// LoadState auto-saves the current state and then replaces it with the snapshot.
// Host, join code and identity of the game are kept.
func (s *Service) LoadState(ctx context.Context, userID int64, gameID int64, stateID int64) (string, error) {
	var name string
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "load game states"); err != nil {
			return err
		}
		if err := requireNotFinished(game); err != nil {
			return err
		}
		snapshot, err := tx.GetSnapshot(ctx, gameID, stateID)
		if err != nil {
			return fromRepo(err, "game state")
		}
		loaded := &models.GameSession{}
		if err := json.Unmarshal(snapshot.Payload, loaded); err != nil {
			return fmt.Errorf("failed to unmarshal game state %d: %v", stateID, err)
		}
		if loaded.Phase == models.PhaseFinished {
			return newError(ErrInvalid, "cannot load a finished state")
		}

		if _, err := s.snapshot(ctx, tx, game, userID, autoSaveName(game), true); err != nil {
			return err
		}

		// ids of the votes being discarded stay used
		reserveVoteIDs(game)
		game.Phase = loaded.Phase
		game.DayNumber = loaded.DayNumber
		game.Settings = loaded.Settings
		game.Players = loaded.Players
		game.Nominations = loaded.Nominations
		game.Votes = loaded.Votes
		game.StartedAt = loaded.StartedAt

		name = snapshot.Name
		_, err = s.record(ctx, tx, game, userID, models.ActionLoadState, map[string]interface{}{
			"state_id":   stateID,
			"state_name": snapshot.Name,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	log.Info("Game %d loaded state %d", gameID, stateID)
	return fmt.Sprintf("Game state %q loaded successfully", name), nil
}

func (s *Service) ListActions(ctx context.Context, userID int64, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error) {
	if limit < 0 || limit > MaxActionPage {
		return nil, newError(ErrInvalid, "limit must be between 0 and %d", MaxActionPage)
	}
	if limit == 0 {
		limit = DefaultActionPage
	}
	if offset < 0 {
		return nil, newError(ErrInvalid, "offset must not be negative")
	}

	game, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return nil, fromRepo(err, "game")
	}
	if err := requireMember(game, userID); err != nil {
		return nil, err
	}
	return s.repo.ListActions(ctx, gameID, limit, offset)
}

// UndoAction compensates a logged action. ready_changed, vote_cast and
// nomination_made are reversed; other types are only marked undone.
func (s *Service) UndoAction(ctx context.Context, userID int64, gameID int64, actionID int64, reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultUndoReason
	}

	var undone *models.ActionLogEntry
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "undo actions"); err != nil {
			return err
		}
		entry, err := tx.GetAction(ctx, gameID, actionID)
		if err != nil {
			return fromRepo(err, "action")
		}
		if entry.IsUndone {
			return newError(ErrConflict, "action already undone")
		}
		if !entry.Undoable() {
			return newError(ErrConflict, "%s actions cannot be undone", entry.Type)
		}

		if err := compensate(game, entry); err != nil {
			return err
		}
		if err := tx.MarkActionUndone(ctx, gameID, actionID, reason); err != nil {
			return fromRepo(err, "action")
		}

		data, err := json.Marshal(map[string]interface{}{
			"undone_action_id":   entry.ID,
			"undone_action_type": entry.Type,
			"reason":             reason,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal undo action: %v", err)
		}
		undoOf := entry.ID
		record := &models.ActionLogEntry{
			GameID:      game.ID,
			Type:        models.ActionUndo,
			Payload:     data,
			PerformedBy: userID,
			PerformedAt: s.now(),
			UndoOf:      &undoOf,
			Phase:       game.Phase,
			DayNumber:   game.DayNumber,
		}
		if err := tx.AppendAction(ctx, record); err != nil {
			return fmt.Errorf("failed to record undo action: %v", err)
		}
		undone = entry
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Action %q undone successfully", undone.Type), nil
}

func compensate(game *models.GameSession, entry *models.ActionLogEntry) error {
	switch entry.Type {
	case models.ActionReadyChanged:
		data := &readyChangedData{}
		if err := json.Unmarshal(entry.Payload, data); err != nil {
			return fmt.Errorf("failed to unmarshal action %d: %v", entry.ID, err)
		}
		if p := game.Player(data.PlayerID); p != nil {
			p.IsReady = !data.IsReady
		}
	case models.ActionVoteCast:
		data := &voteCastData{}
		if err := json.Unmarshal(entry.Payload, data); err != nil {
			return fmt.Errorf("failed to unmarshal action %d: %v", entry.ID, err)
		}
		votes := make([]models.Vote, 0, len(game.Votes))
		removed := false
		for _, v := range game.Votes {
			if !removed && v.ID == data.VoteID && v.VoterID == data.VoterID && v.DayNumber == data.DayNumber {
				removed = true
				continue
			}
			votes = append(votes, v)
		}
		game.Votes = votes
		if p := game.Player(data.VoterID); p != nil && removed {
			p.GhostVotes++
		}
	case models.ActionNominationMade:
		data := &nominationData{}
		if err := json.Unmarshal(entry.Payload, data); err != nil {
			return fmt.Errorf("failed to unmarshal action %d: %v", entry.ID, err)
		}
		nominations := make([]models.Nomination, 0, len(game.Nominations))
		for _, n := range game.Nominations {
			if n.NominatorID == data.NominatorID && n.NomineeID == data.NomineeID && n.DayNumber == data.DayNumber {
				continue
			}
			nominations = append(nominations, n)
		}
		game.Nominations = nominations
	}
	return nil
}

func (s *Service) FinishGame(ctx context.Context, userID int64, gameID int64, winnerTeam string) (*models.GameHistory, error) {
	if winnerTeam != models.TeamGood && winnerTeam != models.TeamEvil {
		return nil, newError(ErrInvalid, "winner_team must be %s or %s", models.TeamGood, models.TeamEvil)
	}

	var history *models.GameHistory
	_, err := s.mutate(ctx, gameID, func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error {
		if err := requireHost(game, userID, "finish the game"); err != nil {
			return err
		}
		if game.Phase == models.PhaseFinished {
			return newError(ErrConflict, "game already completed")
		}

		now := s.now()
		game.Phase = models.PhaseFinished
		game.Winner = winnerTeam
		game.EndedAt = &now

		if _, err := s.record(ctx, tx, game, userID, models.ActionGameFinished, map[string]interface{}{
			"winner_team": winnerTeam,
			"final_day":   game.DayNumber,
		}); err != nil {
			return err
		}

		var err error
		history, err = s.archive(ctx, tx, game)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("Game %d finished, %s wins", gameID, winnerTeam)
	return history, nil
}

func (s *Service) archive(ctx context.Context, tx repositories.Repository, game *models.GameSession) (*models.GameHistory, error) {
	total, err := tx.CountActions(ctx, game.ID)
	if err != nil {
		return nil, err
	}
	actions, err := tx.ListActions(ctx, game.ID, total, 0)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history data: %v", err)
	}
	final, err := json.Marshal(game)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal final state: %v", err)
	}

	started := game.CreatedAt
	if game.StartedAt != nil {
		started = *game.StartedAt
	}
	duration := game.EndedAt.Sub(started)

	executions := 0
	for _, p := range game.Players {
		if !p.IsAlive {
			executions++
		}
	}

	history := &models.GameHistory{
		GameID:          game.ID,
		WinnerTeam:      game.Winner,
		DurationSeconds: int(duration.Seconds()),
		TotalDays:       game.DayNumber,
		TotalExecutions: executions,
		CreatedAt:       s.now(),
		Preview: models.HistoryPreview{
			TotalActions:     total,
			FinalPlayerCount: len(game.Players),
			WinnerTeam:       game.Winner,
			DurationMinutes:  int(duration.Minutes()),
		},
		HistoryData: data,
		FinalState:  final,
	}

	userIDs := []int64{game.HostID}
	for _, p := range game.Players {
		if p.UserID != game.HostID {
			userIDs = append(userIDs, p.UserID)
		}
	}
	if err := tx.CreateHistory(ctx, history, userIDs); err != nil {
		return nil, fromRepo(err, "history")
	}
	return history, nil
}

func (s *Service) GameHistory(ctx context.Context, userID int64, gameID int64, full bool) (*models.GameHistory, error) {
	game, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return nil, fromRepo(err, "game")
	}
	if err := requireMember(game, userID); err != nil {
		return nil, err
	}
	history, err := s.repo.GetHistory(ctx, gameID)
	if err != nil {
		return nil, fromRepo(err, "game history")
	}
	if !full {
		history.HistoryData = nil
		history.FinalState = nil
	}
	return history, nil
}

func (s *Service) UserHistory(ctx context.Context, requesterID int64, userID int64) ([]models.GameHistory, error) {
	if requesterID != userID {
		return nil, newError(ErrForbidden, "access denied")
	}
	return s.repo.ListUserHistories(ctx, userID)
}
