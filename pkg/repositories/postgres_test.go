package repositories

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live database only when TOWNSQUARE_TEST_DATABASE_URL is set.
func newTestPostgresRepository(t *testing.T) Repository {
	t.Helper()
	connStr := os.Getenv("TOWNSQUARE_TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TOWNSQUARE_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, connStr, filepath.Join("..", "..", "migrations", "postgres"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close(ctx) })
	return repo
}

func TestPostgresRepository(t *testing.T) {
	ctx := context.Background()
	repo := newTestPostgresRepository(t)

	joinCode := strings.ToUpper(uuid.NewString()[:6])
	game := newTestGame(t, repo, joinCode)

	duplicate := &models.GameSession{HostID: game.HostID, JoinCode: joinCode, Phase: models.PhaseLobby}
	assert.True(t, IsConflict(repo.CreateGame(ctx, duplicate)))

	entry := &models.ActionLogEntry{
		GameID:      game.ID,
		PerformedBy: game.HostID,
		Type:        "ready_changed",
		PerformedAt: time.Now().UTC(),
		Phase:       models.PhaseLobby,
	}
	require.NoError(t, repo.AppendAction(ctx, entry))
	require.NoError(t, repo.MarkActionUndone(ctx, game.ID, entry.ID, "test"))
	assert.True(t, IsConflict(repo.MarkActionUndone(ctx, game.ID, entry.ID, "again")))

	errRollback := errors.New("rollback")
	err := repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		game.Phase = models.PhaseFinished
		if err := tx.UpdateGame(ctx, game); err != nil {
			return err
		}
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)
	got, err := repo.GetGame(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseLobby, got.Phase)

	game.Phase = models.PhaseFinished
	require.NoError(t, repo.UpdateGame(ctx, game))
	_, err = repo.GetActiveGameByJoinCode(ctx, joinCode)
	assert.True(t, IsNotFound(err))
}
