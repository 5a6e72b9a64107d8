// Package client assembles the sync engine: transport, session store, channel, gateway, reconciler,
// action log and snapshots.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/actionlog"
	"github.com/cbodonnell/townsquare/pkg/client/api"
	"github.com/cbodonnell/townsquare/pkg/client/channel"
	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/client/gateway"
	"github.com/cbodonnell/townsquare/pkg/client/identity"
	"github.com/cbodonnell/townsquare/pkg/client/reconciler"
	"github.com/cbodonnell/townsquare/pkg/client/snapshots"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/state"
)

type Engine struct {
	credentials identity.CredentialProvider
	api         *api.Client
	store       *state.InMemoryStateManager
	channel     *channel.Client
	gateway     *gateway.Gateway
	reconciler  *reconciler.Reconciler
	actions     *actionlog.Log
	snapshots   *snapshots.Manager
	tracker     *errs.Tracker
}

type NewEngineOptions struct {
	APIURL         string
	ChannelURL     string
	Credentials    identity.CredentialProvider
	HTTPClient     *http.Client
	Dial           channel.DialFunc
	CommandTimeout time.Duration
	// Reconnect budget of the channel before falling back to polling.
	ReconnectAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ChatRetention     int
	// OnInvalidate runs after a load replaced a game wholesale, for views derived from it.
	OnInvalidate func(gameID int64)
}

func NewEngine(opts NewEngineOptions) (*Engine, error) {
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credentials are required")
	}
	if opts.APIURL == "" || opts.ChannelURL == "" {
		return nil, fmt.Errorf("api and channel urls are required")
	}

	tracker := errs.NewTracker()
	store := state.NewInMemoryStateManager()
	apiClient := api.NewClient(api.NewClientOptions{
		BaseURL:     opts.APIURL,
		Credentials: opts.Credentials,
		HTTPClient:  opts.HTTPClient,
		Timeout:     opts.CommandTimeout,
	})
	channelClient := channel.NewClient(channel.NewClientOptions{
		URL:            opts.ChannelURL,
		Credentials:    opts.Credentials,
		Dial:           opts.Dial,
		MaxAttempts:    opts.ReconnectAttempts,
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
	})
	var rec *reconciler.Reconciler
	gw := gateway.NewGateway(gateway.NewGatewayOptions{
		API:       apiClient,
		Store:     store,
		Announcer: channelClient,
		Tracker:   tracker,
		Timeout:   opts.CommandTimeout,
		// the view goes first so no refresh repopulates a game that was left
		OnLeft: func(gameID int64) { rec.Close(gameID) },
	})
	rec = reconciler.NewReconciler(reconciler.NewReconcilerOptions{
		Refresher:     gw,
		ChatRetention: opts.ChatRetention,
		Privileged: func(gameID int64) bool {
			return hosts(store, opts.Credentials.Identity().Username, gameID)
		},
	})
	snaps := snapshots.NewManager(apiClient, gw)
	if opts.OnInvalidate != nil {
		snaps.OnLoad(snapshots.Invalidator(opts.OnInvalidate))
	}

	return &Engine{
		credentials: opts.Credentials,
		api:         apiClient,
		store:       store,
		channel:     channelClient,
		gateway:     gw,
		reconciler:  rec,
		actions:     actionlog.NewLog(apiClient, gw),
		snapshots:   snaps,
		tracker:     tracker,
	}, nil
}

// Start runs the channel and the reconciler until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.reconciler.Run(ctx, e.channel.Notifications(), e.channel.StatusChanges())
	}()
	err := e.channel.Start(ctx)
	<-done
	return err
}

// OpenGame registers a view for the game, joins its room and performs the initial fetch.
// ctx bounds the lifetime of the view.
func (e *Engine) OpenGame(ctx context.Context, gameID int64) (*reconciler.View, error) {
	view, err := e.reconciler.Open(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if err := e.channel.Join(ctx, gameID); err != nil {
		// the room stays registered and is joined on reconnect
		log.Warn("Failed to join room for game %d: %v", gameID, err)
	}
	if err := e.gateway.Refresh(ctx, gameID); err != nil {
		e.CloseGame(ctx, gameID)
		e.tracker.Record("open game", err)
		return nil, err
	}
	return view, nil
}

// CloseGame deregisters room interest, then disposes the view and the cached game.
func (e *Engine) CloseGame(ctx context.Context, gameID int64) {
	if err := e.channel.Leave(ctx, gameID); err != nil {
		log.Warn("Failed to leave room for game %d: %v", gameID, err)
	}
	e.reconciler.Close(gameID)
	e.gateway.Discard(gameID)
}

// LeaveGame leaves the game on the server. The gateway closes the view before dropping the cached game.
func (e *Engine) LeaveGame(ctx context.Context, gameID int64) error {
	return e.gateway.Leave(ctx, gameID)
}

// hosts reports whether username hosts the cached copy of a game.
func hosts(store state.StateManager, username string, gameID int64) bool {
	game, err := store.Get(context.Background(), gameID)
	if err != nil {
		return false
	}
	host := game.PlayerByUser(game.HostID)
	return host != nil && host.Username == username
}

// Degraded reports whether the channel gave up and callers must poll.
func (e *Engine) Degraded() bool {
	return e.channel.Status() == channel.StatusDegraded
}

// Poll refreshes every open game. It is the manual fallback while degraded.
func (e *Engine) Poll(ctx context.Context) error {
	var errList []error
	for _, gameID := range e.reconciler.Games() {
		if err := e.gateway.Refresh(ctx, gameID); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Reconnect retries the channel after it degraded.
func (e *Engine) Reconnect() {
	e.channel.Retry()
}

// Game returns the cached copy of a game.
func (e *Engine) Game(ctx context.Context, gameID int64) (*models.GameSession, error) {
	return e.store.Get(ctx, gameID)
}

// Watch delivers the latest state of a game after every change.
func (e *Engine) Watch(gameID int64) (<-chan state.Update, func()) {
	return e.store.Subscribe(gameID)
}

func (e *Engine) SendChat(ctx context.Context, gameID int64, message string, kind string) error {
	return e.channel.Send(ctx, messages.EventChatMessage, gameID, &messages.ChatMessage{
		Message:  message,
		Username: e.credentials.Identity().Username,
		Kind:     kind,
	})
}

func (e *Engine) SendPlayerAction(ctx context.Context, gameID int64, actionType string, data []byte) error {
	return e.channel.Send(ctx, messages.EventPlayerAction, gameID, &messages.PlayerAction{
		ActionType: actionType,
		ActionData: data,
	})
}

func (e *Engine) SendNightAction(ctx context.Context, gameID int64, playerID int64, actionType string, targetID *int64) error {
	return e.channel.Send(ctx, messages.EventNightAction, gameID, &messages.NightAction{
		PlayerID:   playerID,
		ActionType: actionType,
		TargetID:   targetID,
	})
}

func (e *Engine) SendStorytellerUpdate(ctx context.Context, gameID int64, updateType string, data []byte) error {
	return e.channel.Send(ctx, messages.EventStorytellerUpdate, gameID, &messages.StorytellerUpdate{
		Type: updateType,
		Data: data,
	})
}

func (e *Engine) API() *api.Client {
	return e.api
}

func (e *Engine) Gateway() *gateway.Gateway {
	return e.gateway
}

func (e *Engine) Reconciler() *reconciler.Reconciler {
	return e.reconciler
}

func (e *Engine) Channel() *channel.Client {
	return e.channel
}

func (e *Engine) Actions() *actionlog.Log {
	return e.actions
}

func (e *Engine) Snapshots() *snapshots.Manager {
	return e.snapshots
}

func (e *Engine) Errors() *errs.Tracker {
	return e.tracker
}
