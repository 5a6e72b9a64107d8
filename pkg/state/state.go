package state

import (
	"context"
	"time"

	"github.com/cbodonnell/townsquare/pkg/models"
)

// StateManager provides shared access to the cached game sessions.
// Implementations must be thread-safe.
type StateManager interface {
	// Get returns a copy of the cached game.
	Get(ctx context.Context, gameID int64) (*models.GameSession, error)
	// NextSequence reserves the sequence number for a fetch that is about to be issued.
	NextSequence() uint64
	// Apply replaces the cached game with the result of the fetch tagged seq.
	// It reports false when a newer fetch has already been applied.
	Apply(ctx context.Context, seq uint64, game *models.GameSession) (bool, error)
	// Invalidate marks the cached game stale and rejects every fetch issued before the call.
	Invalidate(gameID int64)
	// Clear drops the cached game and rejects every fetch issued before the call.
	Clear(gameID int64)
	// Subscribe delivers the latest update for a game until cancel is called.
	Subscribe(gameID int64) (updates <-chan Update, cancel func())
}

// Update is what subscribers observe after every change of a cached game.
type Update struct {
	GameID    int64
	Game      *models.GameSession
	Sequence  uint64
	Stale     bool
	UpdatedAt time.Time
}
