package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cbodonnell/townsquare/pkg/api"
	authproviders "github.com/cbodonnell/townsquare/pkg/auth/providers"
	"github.com/cbodonnell/townsquare/pkg/authority"
	clientapi "github.com/cbodonnell/townsquare/pkg/client/api"
	"github.com/cbodonnell/townsquare/pkg/client/channel"
	"github.com/cbodonnell/townsquare/pkg/client/identity"
	"github.com/cbodonnell/townsquare/pkg/client/reconciler"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/network"
	"github.com/cbodonnell/townsquare/pkg/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventually = 5 * time.Second
	tick       = 20 * time.Millisecond
)

type world struct {
	server *httptest.Server
	auth   *authproviders.JWTAuthProvider
	hub    *network.Hub
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	repo, err := repositories.NewSQLiteRepository(ctx, filepath.Join(t.TempDir(), "engine.db"), filepath.Join("..", "..", "migrations", "sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close(ctx) })

	auth, err := authproviders.NewJWTAuthProvider("engine-test-secret", "")
	require.NoError(t, err)

	service := authority.NewService(authority.NewServiceOptions{Repository: repo, Seed: 3})
	hub := network.NewHub(network.NewHubOptions{
		AuthProvider: auth,
		Repository:   repo,
		Authorize: func(ctx context.Context, userID int64, gameID int64) error {
			_, err := service.GetGame(ctx, userID, gameID)
			return err
		},
	})
	server := httptest.NewServer(api.NewRouter(api.NewAPIServerOptions{
		AuthProvider: auth,
		Repository:   repo,
		Service:      service,
		Hub:          hub,
	}))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &world{server: server, auth: auth, hub: hub}
}

func (w *world) credentials(t *testing.T, uid string) *identity.StaticCredentials {
	t.Helper()
	token, err := w.auth.IssueToken(uid, uid, time.Hour)
	require.NoError(t, err)
	credentials, err := identity.NewStaticCredentials(token)
	require.NoError(t, err)
	return credentials
}

func (w *world) apiClient(t *testing.T, uid string) *clientapi.Client {
	t.Helper()
	return clientapi.NewClient(clientapi.NewClientOptions{
		BaseURL:     w.server.URL,
		Credentials: w.credentials(t, uid),
	})
}

// engine starts an engine for uid that runs until the test ends.
func (w *world) engine(t *testing.T, uid string) *Engine {
	t.Helper()
	engine, err := NewEngine(NewEngineOptions{
		APIURL:            w.server.URL,
		ChannelURL:        "ws" + strings.TrimPrefix(w.server.URL, "http") + api.HubPath,
		Credentials:       w.credentials(t, uid),
		CommandTimeout:    2 * time.Second,
		ReconnectAttempts: 3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		ChatRetention:     10,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		return engine.Channel().Status() == channel.StatusConnected
	}, eventually, tick)
	return engine
}

func TestEngine_peersConverge(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	host := w.engine(t, "host")
	guest := w.engine(t, "guest")

	game, err := host.Gateway().CreateGame(ctx, authority.DefaultScriptID, nil)
	require.NoError(t, err)
	_, err = guest.Gateway().JoinByCode(ctx, game.JoinCode)
	require.NoError(t, err)

	_, err = host.OpenGame(ctx, game.ID)
	require.NoError(t, err)
	_, err = guest.OpenGame(ctx, game.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(w.hub.ClientManager().Members(game.ID)) == 2
	}, eventually, tick)

	// the guest's ready toggle reaches the host through the channel
	_, err = guest.Gateway().ToggleReady(ctx, game.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cached, err := host.Game(ctx, game.ID)
		return err == nil && len(cached.Players) == 2 && cached.Players[1].IsReady
	}, eventually, tick)

	for i := 0; i < 3; i++ {
		other := w.apiClient(t, fmt.Sprintf("extra-%d", i))
		_, err := other.JoinByCode(ctx, game.JoinCode)
		require.NoError(t, err)
		_, err = other.ToggleReady(ctx, game.ID)
		require.NoError(t, err)
	}
	require.NoError(t, host.Gateway().Refresh(ctx, game.ID))
	assert.True(t, host.Gateway().CanStart(ctx, game.ID))

	_, err = host.Gateway().Start(ctx, game.ID)
	require.NoError(t, err)
	_, err = host.Gateway().AdvancePhase(ctx, game.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cached, err := guest.Game(ctx, game.ID)
		return err == nil && cached.Phase == models.PhaseDay
	}, eventually, tick)

	vote, err := guest.Gateway().SubmitVote(ctx, game.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "execution", vote.VoteType)
	require.Eventually(t, func() bool {
		cached, err := host.Game(ctx, game.ID)
		return err == nil && len(cached.Votes) == 1
	}, eventually, tick)

	require.NoError(t, host.SendChat(ctx, game.ID, "dawn breaks", messages.ChatKindStoryteller))
	require.Eventually(t, func() bool {
		chat := guest.Reconciler().Chat(game.ID)
		return len(chat) == 1 && chat[0].Message == "dawn breaks" && chat[0].Username == "host"
	}, eventually, tick)
}

func TestEngine_closeGameLeavesRoom(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	host := w.engine(t, "host")
	game, err := host.Gateway().CreateGame(ctx, authority.DefaultScriptID, nil)
	require.NoError(t, err)
	_, err = host.OpenGame(ctx, game.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(w.hub.ClientManager().Members(game.ID)) == 1
	}, eventually, tick)

	host.CloseGame(ctx, game.ID)
	require.Eventually(t, func() bool {
		return len(w.hub.ClientManager().Members(game.ID)) == 0
	}, eventually, tick)
	_, err = host.Game(ctx, game.ID)
	assert.Error(t, err)
	assert.Empty(t, host.Reconciler().Games())
}

func TestEngine_hostWatchingLobbySeesJoin(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	host := w.engine(t, "host")
	guest := w.engine(t, "guest")

	game, err := host.Gateway().CreateGame(ctx, authority.DefaultScriptID, nil)
	require.NoError(t, err)
	_, err = host.OpenGame(ctx, game.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(w.hub.ClientManager().Members(game.ID)) == 1
	}, eventually, tick)

	// the guest never opens a view; the join announcement alone must reach the host
	_, err = guest.Gateway().JoinByCode(ctx, game.JoinCode)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cached, err := host.Game(ctx, game.ID)
		return err == nil && len(cached.Players) == 2
	}, eventually, tick)
}

func TestEngine_nightActionsReachHostOnly(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	host := w.engine(t, "host")
	guest := w.engine(t, "guest")

	game, err := host.Gateway().CreateGame(ctx, authority.DefaultScriptID, nil)
	require.NoError(t, err)
	_, err = guest.Gateway().JoinByCode(ctx, game.JoinCode)
	require.NoError(t, err)
	_, err = host.OpenGame(ctx, game.ID)
	require.NoError(t, err)
	_, err = guest.OpenGame(ctx, game.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(w.hub.ClientManager().Members(game.ID)) == 2
	}, eventually, tick)

	_, _, err = guest.Reconciler().Subscribe(game.ID, reconciler.BehaviorAdvisory)
	assert.ErrorIs(t, err, reconciler.ErrNotPrivileged)
	advisories, stop, err := host.Reconciler().Subscribe(game.ID, reconciler.BehaviorAdvisory)
	require.NoError(t, err)
	defer stop()

	target := int64(1)
	require.NoError(t, guest.SendNightAction(ctx, game.ID, 2, "poison", &target))
	select {
	case n := <-advisories:
		assert.Equal(t, messages.EventNightActionReceived, n.Event)
		require.NotNil(t, n.NightAction)
		assert.Equal(t, "poison", n.NightAction.ActionType)
	case <-time.After(eventually):
		t.Fatal("host did not receive the night action")
	}
}

func TestEngine_leaveGameDropsView(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	host := w.engine(t, "host")
	guest := w.engine(t, "guest")

	game, err := host.Gateway().CreateGame(ctx, authority.DefaultScriptID, nil)
	require.NoError(t, err)
	_, err = guest.Gateway().JoinByCode(ctx, game.JoinCode)
	require.NoError(t, err)
	_, err = guest.OpenGame(ctx, game.ID)
	require.NoError(t, err)

	require.NoError(t, guest.LeaveGame(ctx, game.ID))
	assert.Empty(t, guest.Reconciler().Games())
	_, err = guest.Game(ctx, game.ID)
	assert.Error(t, err)
	assert.Empty(t, guest.Channel().Rooms())
}
