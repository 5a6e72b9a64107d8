package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	lock  sync.Mutex
	calls []string
	game  *models.GameSession
	err   error
	// block makes every mutating call wait for its context
	block bool
	ready bool
}

func (f *fakeAPI) record(call string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeAPI) wait(ctx context.Context) error {
	if !f.block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAPI) current() *models.GameSession {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.game.Clone()
}

func (f *fakeAPI) CreateGame(ctx context.Context, scriptID int64, settings *models.Settings) (*models.GameSession, error) {
	if err := f.record("create"); err != nil {
		return nil, err
	}
	return f.current(), nil
}

func (f *fakeAPI) JoinByCode(ctx context.Context, joinCode string) (*models.GameSession, error) {
	if err := f.record("join " + joinCode); err != nil {
		return nil, err
	}
	return f.current(), nil
}

func (f *fakeAPI) LeaveGame(ctx context.Context, gameID int64) error {
	return f.record("leave")
}

func (f *fakeAPI) GetGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	f.lock.Lock()
	f.calls = append(f.calls, "get")
	f.lock.Unlock()
	return f.current(), nil
}

func (f *fakeAPI) ToggleReady(ctx context.Context, gameID int64) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	if err := f.record("ready"); err != nil {
		return false, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.ready = !f.ready
	f.game.Players[0].IsReady = f.ready
	return f.ready, nil
}

func (f *fakeAPI) StartGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	if err := f.record("start"); err != nil {
		return nil, err
	}
	f.lock.Lock()
	f.game.Phase = models.PhaseNight
	f.lock.Unlock()
	return f.current(), nil
}

func (f *fakeAPI) AdvancePhase(ctx context.Context, gameID int64) (*models.GameSession, error) {
	if err := f.record("advance"); err != nil {
		return nil, err
	}
	return f.current(), nil
}

func (f *fakeAPI) SubmitVote(ctx context.Context, gameID int64, targetID *int64, voteType string) (*models.Vote, error) {
	if err := f.record("vote " + voteType); err != nil {
		return nil, err
	}
	return &models.Vote{GameID: gameID, TargetID: targetID, VoteType: voteType}, nil
}

func (f *fakeAPI) Nominate(ctx context.Context, gameID int64, targetID int64) ([]models.Nomination, error) {
	if err := f.record("nominate"); err != nil {
		return nil, err
	}
	return []models.Nomination{{NomineeID: targetID}}, nil
}

func (f *fakeAPI) FinishGame(ctx context.Context, gameID int64, winnerTeam string) (*models.FinishGameResponse, error) {
	if err := f.record("finish"); err != nil {
		return nil, err
	}
	return &models.FinishGameResponse{Message: "finished"}, nil
}

func (f *fakeAPI) called() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAnnouncer struct {
	lock    sync.Mutex
	events  []string
	updates []*messages.GameUpdate
	err     error
	store   state.StateManager
}

func (a *fakeAnnouncer) Send(ctx context.Context, event string, gameID int64, payload interface{}) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.events = append(a.events, event)
	if update, ok := payload.(*messages.GameUpdate); ok {
		a.updates = append(a.updates, update)
	}
	return a.err
}

func (a *fakeAnnouncer) Join(ctx context.Context, gameID int64) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.events = append(a.events, "join")
	return nil
}

func (a *fakeAnnouncer) Leave(ctx context.Context, gameID int64) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	// room interest must go before the cached game does
	if _, err := a.store.Get(ctx, gameID); err != nil {
		a.events = append(a.events, "leave after clear")
		return nil
	}
	a.events = append(a.events, "leave")
	return nil
}

func lobby(players int, ready bool) *models.GameSession {
	game := &models.GameSession{ID: 42, Phase: models.PhaseLobby, JoinCode: "ABC123"}
	for i := 0; i < players; i++ {
		game.Players = append(game.Players, models.Player{ID: int64(i + 1), UserID: int64(i + 10), IsAlive: true, IsReady: ready})
	}
	return game
}

func newTestGateway(t *testing.T, api *fakeAPI) (*Gateway, *state.InMemoryStateManager, *fakeAnnouncer) {
	store := state.NewInMemoryStateManager()
	announcer := &fakeAnnouncer{store: store}
	g := NewGateway(NewGatewayOptions{
		API:       api,
		Store:     store,
		Announcer: announcer,
		Timeout:   100 * time.Millisecond,
	})
	return g, store, announcer
}

func snapshot(t *testing.T, store state.StateManager, gameID int64) []byte {
	game, err := store.Get(context.Background(), gameID)
	require.NoError(t, err)
	b, err := json.Marshal(game)
	require.NoError(t, err)
	return b
}

func TestGateway_ToggleReadyTwice(t *testing.T) {
	api := &fakeAPI{game: lobby(5, false)}
	g, store, announcer := newTestGateway(t, api)
	ctx := context.Background()

	ready, err := g.ToggleReady(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ready)

	cached, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, cached.Players[0].IsReady)

	ready, err = g.ToggleReady(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ready)

	assert.Equal(t, []string{"ready", "get", "ready", "get"}, api.called())
	require.Len(t, announcer.updates, 2)
	assert.Equal(t, messages.UpdatePlayerReadyChanged, announcer.updates[0].Type)
	assert.JSONEq(t, `{"is_ready":true}`, string(announcer.updates[0].Data))
	assert.JSONEq(t, `{"is_ready":false}`, string(announcer.updates[1].Data))
}

func TestGateway_FailureLeavesStoreUntouched(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		block bool
		check func(t *testing.T, err error)
	}{
		{
			name: "request error",
			err:  &errs.RequestError{Status: http.StatusBadRequest, Message: "not your turn"},
			check: func(t *testing.T, err error) {
				var reqErr *errs.RequestError
				assert.True(t, errors.As(err, &reqErr))
			},
		},
		{
			name:  "timeout",
			block: true,
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsTimeout(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{game: lobby(5, false)}
			g, store, announcer := newTestGateway(t, api)
			ctx := context.Background()
			require.NoError(t, g.Refresh(ctx, 42))
			before := snapshot(t, store, 42)

			api.err = tt.err
			api.block = tt.block
			_, err := g.ToggleReady(ctx, 42)
			require.Error(t, err)
			tt.check(t, err)

			assert.Equal(t, before, snapshot(t, store, 42))
			assert.Empty(t, announcer.events)
			last, op, _ := g.Tracker().LastError()
			assert.Equal(t, err, last)
			assert.Equal(t, "toggle ready", op)
		})
	}
}

func TestGateway_StartGate(t *testing.T) {
	tests := []struct {
		name      string
		cached    *models.GameSession
		wantCall  bool
		wantPhase models.Phase
	}{
		{name: "too few players", cached: lobby(4, true)},
		{name: "not everyone ready", cached: lobby(5, false)},
		{name: "gate passes", cached: lobby(5, true), wantCall: true, wantPhase: models.PhaseNight},
		{name: "nothing cached defers to server", wantCall: true, wantPhase: models.PhaseNight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{game: lobby(5, true)}
			if tt.cached != nil {
				api.game = tt.cached
			}
			g, store, _ := newTestGateway(t, api)
			ctx := context.Background()
			if tt.cached != nil {
				require.NoError(t, g.Refresh(ctx, 42))
			}

			game, err := g.Start(ctx, 42)
			if !tt.wantCall {
				assert.True(t, errs.IsValidation(err))
				assert.NotContains(t, api.called(), "start")
				assert.False(t, g.CanStart(ctx, 42))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, game.Phase)
			cached, err := store.Get(ctx, 42)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, cached.Phase)
		})
	}
}

func TestGateway_ServerRejectsStartDespiteGate(t *testing.T) {
	api := &fakeAPI{game: lobby(5, true)}
	g, store, _ := newTestGateway(t, api)
	ctx := context.Background()
	require.NoError(t, g.Refresh(ctx, 42))
	before := snapshot(t, store, 42)

	api.err = &errs.RequestError{Status: http.StatusBadRequest, Message: "all players must be ready"}
	_, err := g.Start(ctx, 42)
	require.Error(t, err)
	assert.Equal(t, before, snapshot(t, store, 42))
}

func TestGateway_LocalValidation(t *testing.T) {
	api := &fakeAPI{game: lobby(5, false)}
	g, _, _ := newTestGateway(t, api)
	ctx := context.Background()

	_, err := g.JoinByCode(ctx, "   ")
	assert.True(t, errs.IsValidation(err))

	_, err = g.Finish(ctx, 42, "nobody")
	assert.True(t, errs.IsValidation(err))

	_, err = g.Nominate(ctx, 42, 0)
	assert.True(t, errs.IsValidation(err))

	assert.Empty(t, api.called())
}

func TestGateway_JoinByCode(t *testing.T) {
	api := &fakeAPI{game: lobby(3, false)}
	g, store, announcer := newTestGateway(t, api)
	ctx := context.Background()

	game, err := g.JoinByCode(ctx, " abc123 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), game.ID)
	assert.Equal(t, []string{"join ABC123"}, api.called())

	_, err = store.Get(ctx, 42)
	require.NoError(t, err)
	require.Len(t, announcer.updates, 1)
	assert.Equal(t, messages.UpdatePlayerJoined, announcer.updates[0].Type)
	// the room is joined before the announcement so the hub relays it
	assert.Equal(t, []string{"join", messages.EventGameUpdate}, announcer.events)
}

func TestGateway_BroadcastFailureIsNotFatal(t *testing.T) {
	api := &fakeAPI{game: lobby(5, false)}
	g, _, announcer := newTestGateway(t, api)
	announcer.err = &errs.ChannelError{Op: "send", Err: errors.New("not connected")}

	target := int64(3)
	vote, err := g.SubmitVote(context.Background(), 42, &target, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultVoteType, vote.VoteType)
	assert.Equal(t, []string{"vote execution", "get"}, api.called())
}

func TestGateway_Leave(t *testing.T) {
	api := &fakeAPI{game: lobby(5, false)}
	g, store, announcer := newTestGateway(t, api)
	ctx := context.Background()
	require.NoError(t, g.Refresh(ctx, 42))

	var cachedOnLeft bool
	g.onLeft = func(gameID int64) {
		_, err := store.Get(ctx, gameID)
		cachedOnLeft = err == nil
	}

	require.NoError(t, g.Leave(ctx, 42))
	assert.Equal(t, []string{messages.EventGameUpdate, "leave"}, announcer.events)
	assert.True(t, cachedOnLeft, "OnLeft runs before the cached game is dropped")
	_, err := store.Get(ctx, 42)
	assert.True(t, state.IsNotCached(err))
}
