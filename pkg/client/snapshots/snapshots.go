// Package snapshots saves, lists and loads full-state snapshots of a game.
package snapshots

import (
	"context"
	"strings"
	"sync"

	"github.com/cbodonnell/townsquare/pkg/client/gateway"
	"github.com/cbodonnell/townsquare/pkg/client/validation"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
)

const MaxNameLength = 100

type API interface {
	SaveState(ctx context.Context, gameID int64, name string) (*models.StateSnapshot, error)
	AutoSave(ctx context.Context, gameID int64) (*models.StateSnapshot, error)
	ListStates(ctx context.Context, gameID int64) ([]models.StateSnapshot, error)
	LoadState(ctx context.Context, gameID int64, stateID int64) (string, error)
}

type Executor interface {
	Execute(ctx context.Context, cmd gateway.Command) error
}

// Invalidator drops a derived view of a game after its state was replaced wholesale.
type Invalidator func(gameID int64)

type Manager struct {
	api      API
	executor Executor

	lock         sync.RWMutex
	invalidators []Invalidator
}

func NewManager(api API, executor Executor) *Manager {
	return &Manager{
		api:      api,
		executor: executor,
	}
}

// OnLoad registers fn to run after every successful load.
func (m *Manager) OnLoad(fn Invalidator) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.invalidators = append(m.invalidators, fn)
}

type saveArgs struct {
	GameID    int64  `json:"game_id" validate:"gt=0"`
	StateName string `json:"state_name" validate:"min=1,max=100"`
}

type gameArgs struct {
	GameID int64 `json:"game_id" validate:"gt=0"`
}

type loadArgs struct {
	GameID  int64 `json:"game_id" validate:"gt=0"`
	StateID int64 `json:"state_id" validate:"gt=0"`
}

// Save stores a named snapshot. The name must be 1 to 100 characters and is checked before any call.
func (m *Manager) Save(ctx context.Context, gameID int64, name string) (*models.StateSnapshot, error) {
	name = strings.TrimSpace(name)
	var snapshot *models.StateSnapshot
	err := m.executor.Execute(ctx, gateway.Command{
		Op:     "save state",
		GameID: gameID,
		Args:   &saveArgs{GameID: gameID, StateName: name},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			snapshot, err = m.api.SaveState(ctx, gameID, name)
			return nil, err
		},
		SkipRefresh: true,
	})
	return snapshot, err
}

// AutoSave stores a snapshot named by the server.
func (m *Manager) AutoSave(ctx context.Context, gameID int64) (*models.StateSnapshot, error) {
	var snapshot *models.StateSnapshot
	err := m.executor.Execute(ctx, gateway.Command{
		Op:     "auto-save",
		GameID: gameID,
		Args:   &gameArgs{GameID: gameID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			snapshot, err = m.api.AutoSave(ctx, gameID)
			return nil, err
		},
		SkipRefresh: true,
	})
	return snapshot, err
}

// List returns snapshot previews, never their payloads.
func (m *Manager) List(ctx context.Context, gameID int64) ([]models.StateSnapshot, error) {
	if err := validation.Struct(&gameArgs{GameID: gameID}); err != nil {
		return nil, err
	}
	return m.api.ListStates(ctx, gameID)
}

// Load replaces the game with a snapshot. On success the cached game is discarded and refetched in full
// and every registered invalidator runs. On failure nothing changes.
func (m *Manager) Load(ctx context.Context, gameID int64, stateID int64) (string, error) {
	var message string
	err := m.executor.Execute(ctx, gateway.Command{
		Op:     "load state",
		GameID: gameID,
		Args:   &loadArgs{GameID: gameID, StateID: stateID},
		Call: func(ctx context.Context) (*models.GameSession, error) {
			var err error
			message, err = m.api.LoadState(ctx, gameID, stateID)
			return nil, err
		},
		Resync:       true,
		Announce:     messages.UpdateStateLoaded,
		AnnounceData: func() interface{} { return map[string]int64{"state_id": stateID} },
	})
	if err != nil {
		return "", err
	}

	m.lock.RLock()
	invalidators := append([]Invalidator(nil), m.invalidators...)
	m.lock.RUnlock()
	for _, fn := range invalidators {
		fn(gameID)
	}
	log.Info("Loaded state %d into game %d", stateID, gameID)
	return message, nil
}
