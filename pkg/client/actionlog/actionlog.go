// Package actionlog is the paginated view over a game's action history plus the undo command.
// Ordering and undo semantics belong to the server; nothing here reorders or reverses entries.
package actionlog

import (
	"context"

	"github.com/cbodonnell/townsquare/pkg/client/gateway"
	"github.com/cbodonnell/townsquare/pkg/client/validation"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type API interface {
	ListActions(ctx context.Context, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error)
	UndoAction(ctx context.Context, gameID int64, actionID int64, reason string) (string, error)
}

// Executor runs mutating commands.
type Executor interface {
	Execute(ctx context.Context, cmd gateway.Command) error
}

type Log struct {
	api      API
	executor Executor
}

func NewLog(api API, executor Executor) *Log {
	return &Log{
		api:      api,
		executor: executor,
	}
}

type listArgs struct {
	GameID int64 `json:"game_id" validate:"gt=0"`
	Limit  int   `json:"limit" validate:"gte=0,lte=200"`
	Offset int   `json:"offset" validate:"gte=0"`
}

type undoArgs struct {
	GameID   int64  `json:"game_id" validate:"gt=0"`
	ActionID int64  `json:"action_id" validate:"gt=0"`
	Reason   string `json:"reason" validate:"max=500"`
}

// List returns one page of entries, newest first as ordered by the server.
// A zero limit uses DefaultPageSize.
func (l *Log) List(ctx context.Context, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error) {
	if err := validation.Struct(&listArgs{GameID: gameID, Limit: limit, Offset: offset}); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	return l.api.ListActions(ctx, gameID, limit, offset)
}

// Undo asks the server to compensate an action, then refreshes the game.
// Undoing an undone entry or an undo entry fails with a conflict.
func (l *Log) Undo(ctx context.Context, gameID int64, actionID int64, reason string) (string, error) {
	var message string
	err := l.executor.Execute(ctx, gateway.Command{
		Op:     "undo action",
		GameID: gameID,
		Args:   &undoArgs{GameID: gameID, ActionID: actionID, Reason: reason},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			message, err = l.api.UndoAction(ctx, gameID, actionID, reason)
			return nil, err
		},
		Announce:     messages.UpdateActionUndone,
		AnnounceData: func() interface{} { return map[string]int64{"action_id": actionID} },
	})
	return message, err
}
