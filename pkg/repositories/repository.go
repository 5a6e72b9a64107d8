package repositories

import (
	"context"

	"github.com/cbodonnell/townsquare/pkg/models"
)

type Repository interface {
	Close(ctx context.Context) error
	// InTx runs fn against a repository bound to one transaction. It commits when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	CreateUser(ctx context.Context, uid string, username string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)

	// CreateGame assigns the game id. It fails with ErrConflict when the join code is taken by an active game.
	CreateGame(ctx context.Context, game *models.GameSession) error
	GetGame(ctx context.Context, gameID int64) (*models.GameSession, error)
	// GetActiveGameByJoinCode ignores finished games.
	GetActiveGameByJoinCode(ctx context.Context, joinCode string) (*models.GameSession, error)
	UpdateGame(ctx context.Context, game *models.GameSession) error

	// AppendAction assigns the entry id.
	AppendAction(ctx context.Context, entry *models.ActionLogEntry) error
	GetAction(ctx context.Context, gameID int64, actionID int64) (*models.ActionLogEntry, error)
	// MarkActionUndone fails with ErrConflict when the entry is already undone.
	MarkActionUndone(ctx context.Context, gameID int64, actionID int64, reason string) error
	// ListActions orders entries newest first.
	ListActions(ctx context.Context, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error)
	CountActions(ctx context.Context, gameID int64) (int, error)

	CreateSnapshot(ctx context.Context, snapshot *models.StateSnapshot) error
	// GetSnapshot includes the payload.
	GetSnapshot(ctx context.Context, gameID int64, snapshotID int64) (*models.StateSnapshot, error)
	// ListSnapshots omits payloads, newest first.
	ListSnapshots(ctx context.Context, gameID int64) ([]models.StateSnapshot, error)

	CreateHistory(ctx context.Context, history *models.GameHistory, userIDs []int64) error
	GetHistory(ctx context.Context, gameID int64) (*models.GameHistory, error)
	ListUserHistories(ctx context.Context, userID int64) ([]models.GameHistory, error)
}
