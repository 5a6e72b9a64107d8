package snapshots

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/client/gateway"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	gateway.API

	lock    sync.Mutex
	calls   []string
	game    *models.GameSession
	saved   map[int64]*models.GameSession
	nextID  int64
	loadErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		game: &models.GameSession{
			ID:        42,
			Phase:     models.PhaseDay,
			DayNumber: 3,
			Players:   []models.Player{{ID: 1, IsAlive: true}, {ID: 2, IsAlive: false}},
		},
		saved: make(map[int64]*models.GameSession),
	}
}

func (f *fakeServer) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeServer) GetGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("get")
	return f.game.Clone(), nil
}

func (f *fakeServer) save(name string, auto bool) *models.StateSnapshot {
	f.nextID++
	f.saved[f.nextID] = f.game.Clone()
	return &models.StateSnapshot{
		ID:     f.nextID,
		GameID: f.game.ID,
		Name:   name,
		IsAuto: auto,
		Preview: models.SnapshotPreview{
			Name:        name,
			PlayerCount: len(f.game.Players),
			AliveCount:  f.game.AliveCount(),
			Phase:       f.game.Phase,
			Day:         f.game.DayNumber,
		},
	}
}

func (f *fakeServer) SaveState(ctx context.Context, gameID int64, name string) (*models.StateSnapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("save")
	return f.save(name, false), nil
}

func (f *fakeServer) AutoSave(ctx context.Context, gameID int64) (*models.StateSnapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("auto-save")
	return f.save("Auto-save", true), nil
}

func (f *fakeServer) ListStates(ctx context.Context, gameID int64) ([]models.StateSnapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("list")
	return []models.StateSnapshot{{ID: 1, Name: "first"}}, nil
}

func (f *fakeServer) LoadState(ctx context.Context, gameID int64, stateID int64) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("load")
	if f.loadErr != nil {
		return "", f.loadErr
	}
	f.game = f.saved[stateID].Clone()
	return "Game state loaded successfully", nil
}

func (f *fakeServer) called() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}

func setup(t *testing.T) (*Manager, *fakeServer, *state.InMemoryStateManager, *gateway.Gateway) {
	server := newFakeServer()
	store := state.NewInMemoryStateManager()
	g := gateway.NewGateway(gateway.NewGatewayOptions{API: server, Store: store})
	require.NoError(t, g.Refresh(context.Background(), 42))
	return NewManager(server, g), server, store, g
}

func cached(t *testing.T, store state.StateManager) []byte {
	game, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	b, err := json.Marshal(game)
	require.NoError(t, err)
	return b
}

func TestManager_SaveNameLength(t *testing.T) {
	tests := []struct {
		name    string
		state   string
		wantErr bool
	}{
		{name: "one character", state: "a"},
		{name: "100 characters", state: strings.Repeat("x", 100)},
		{name: "101 characters", state: strings.Repeat("x", 101), wantErr: true},
		{name: "empty", state: "", wantErr: true},
		{name: "whitespace only", state: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, server, _, _ := setup(t)
			snapshot, err := m.Save(context.Background(), 42, tt.state)
			if tt.wantErr {
				assert.True(t, errs.IsValidation(err))
				assert.Equal(t, []string{"get"}, server.called())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.state, snapshot.Name)
			assert.False(t, snapshot.IsAuto)
			assert.Equal(t, []string{"get", "save"}, server.called())
		})
	}
}

func TestManager_AutoSaveAndList(t *testing.T) {
	m, server, _, _ := setup(t)
	snapshot, err := m.AutoSave(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, snapshot.IsAuto)
	assert.Equal(t, 1, snapshot.Preview.AliveCount)

	states, err := m.List(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, states, 1)

	_, err = m.List(context.Background(), 0)
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, []string{"get", "auto-save", "list"}, server.called())
}

func TestManager_LoadResyncs(t *testing.T) {
	m, server, store, _ := setup(t)
	ctx := context.Background()

	snapshot, err := m.Save(ctx, 42, "before night 3")
	require.NoError(t, err)

	// the game moves on after the save
	server.lock.Lock()
	server.game.Phase = models.PhaseNight
	server.game.DayNumber = 4
	server.game.Players[0].IsAlive = false
	server.lock.Unlock()
	_, err = store.Apply(ctx, store.NextSequence(), server.game.Clone())
	require.NoError(t, err)

	var invalidated []int64
	m.OnLoad(func(gameID int64) { invalidated = append(invalidated, gameID) })

	_, err = m.Load(ctx, 42, snapshot.ID)
	require.NoError(t, err)

	game, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Preview.Phase, game.Phase)
	assert.Equal(t, snapshot.Preview.Day, game.DayNumber)
	assert.Equal(t, snapshot.Preview.AliveCount, game.AliveCount())
	assert.Equal(t, snapshot.Preview.PlayerCount, len(game.Players))
	assert.False(t, store.Stale(42))
	assert.Equal(t, []int64{42}, invalidated)
}

func TestManager_LoadFailureIsNoop(t *testing.T) {
	m, server, store, g := setup(t)
	ctx := context.Background()
	before := cached(t, store)

	server.loadErr = &errs.RequestError{Status: http.StatusNotFound, Code: models.CodeNotFound, Message: "state not found"}
	invalidated := false
	m.OnLoad(func(gameID int64) { invalidated = true })

	_, err := m.Load(ctx, 42, 99)
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, before, cached(t, store))
	assert.False(t, store.Stale(42))
	assert.False(t, invalidated)

	last, op, _ := g.Tracker().LastError()
	assert.Equal(t, err, last)
	assert.Equal(t, "load state", op)
}
