// Package gateway issues every mutating request and keeps the session store in step with the results.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/client/validation"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/state"
)

const (
	DefaultTimeout = 10 * time.Second
	// MinPlayers is the advisory start gate. The server applies its own.
	MinPlayers      = 5
	DefaultVoteType = "execution"
)

// API is the request/response surface used by the gateway.
type API interface {
	CreateGame(ctx context.Context, scriptID int64, settings *models.Settings) (*models.GameSession, error)
	JoinByCode(ctx context.Context, joinCode string) (*models.GameSession, error)
	LeaveGame(ctx context.Context, gameID int64) error
	GetGame(ctx context.Context, gameID int64) (*models.GameSession, error)
	ToggleReady(ctx context.Context, gameID int64) (bool, error)
	StartGame(ctx context.Context, gameID int64) (*models.GameSession, error)
	AdvancePhase(ctx context.Context, gameID int64) (*models.GameSession, error)
	SubmitVote(ctx context.Context, gameID int64, targetID *int64, voteType string) (*models.Vote, error)
	Nominate(ctx context.Context, gameID int64, targetID int64) ([]models.Nomination, error)
	FinishGame(ctx context.Context, gameID int64, winnerTeam string) (*models.FinishGameResponse, error)
}

// Announcer broadcasts to peers in a game room.
type Announcer interface {
	Send(ctx context.Context, event string, gameID int64, payload interface{}) error
	Join(ctx context.Context, gameID int64) error
	Leave(ctx context.Context, gameID int64) error
}

type Gateway struct {
	api      API
	store    state.StateManager
	announce Announcer
	tracker  *errs.Tracker
	timeout  time.Duration
	onLeft   func(gameID int64)
}

type NewGatewayOptions struct {
	API       API
	Store     state.StateManager
	Announcer Announcer
	Tracker   *errs.Tracker
	Timeout   time.Duration
	// OnLeft runs once the server accepted a leave, before the cached game is dropped.
	OnLeft func(gameID int64)
}

func NewGateway(opts NewGatewayOptions) *Gateway {
	g := &Gateway{
		api:      opts.API,
		store:    opts.Store,
		announce: opts.Announcer,
		tracker:  opts.Tracker,
		timeout:  opts.Timeout,
		onLeft:   opts.OnLeft,
	}
	if g.tracker == nil {
		g.tracker = errs.NewTracker()
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	return g
}

func (g *Gateway) Tracker() *errs.Tracker {
	return g.tracker
}

// Command is one mutating call and what to do with the store once it succeeds.
type Command struct {
	Op     string
	GameID int64
	// Args is validated before the call when set.
	Args interface{}
	// Call returns the authoritative game when the response carries it, nil otherwise.
	Call func(ctx context.Context) (*models.GameSession, error)
	// Resync discards the cached game and forces a full refetch.
	Resync bool
	// SkipRefresh leaves the store alone when the call returns no game.
	SkipRefresh bool
	// Announce is the game_update type broadcast to peers on success.
	Announce string
	// AnnounceData builds the opaque data of the update once the call returned.
	AnnounceData func() interface{}
}

// Execute runs cmd. A failed command leaves the store untouched.
func (g *Gateway) Execute(ctx context.Context, cmd Command) error {
	if cmd.Args != nil {
		if err := validation.Struct(cmd.Args); err != nil {
			return g.fail(cmd.Op, err)
		}
	}

	seq := g.store.NextSequence()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	game, err := cmd.Call(callCtx)
	timedOut := callCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if timedOut && !errs.IsTimeout(err) {
			err = &errs.NetworkError{Op: cmd.Op, Timeout: true, Err: err}
		}
		return g.fail(cmd.Op, err)
	}
	log.Debug("%s succeeded for game %d", cmd.Op, cmd.GameID)

	switch {
	case cmd.Resync:
		g.store.Invalidate(cmd.GameID)
		g.refreshAfter(ctx, cmd.Op, cmd.GameID)
	case game != nil:
		if _, err := g.store.Apply(ctx, seq, game); err != nil {
			log.Error("Failed to apply %s result for game %d: %v", cmd.Op, cmd.GameID, err)
			g.refreshAfter(ctx, cmd.Op, cmd.GameID)
		}
	case cmd.GameID != 0 && !cmd.SkipRefresh:
		g.refreshAfter(ctx, cmd.Op, cmd.GameID)
	}

	if cmd.Announce != "" {
		var data interface{}
		if cmd.AnnounceData != nil {
			data = cmd.AnnounceData()
		}
		g.broadcast(ctx, cmd.GameID, cmd.Announce, data)
	}
	return nil
}

// Refresh fetches the authoritative game and replaces the cached copy unless a newer fetch already landed.
func (g *Gateway) Refresh(ctx context.Context, gameID int64) error {
	seq := g.store.NextSequence()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	game, err := g.api.GetGame(ctx, gameID)
	if err != nil {
		return fmt.Errorf("failed to fetch game %d: %w", gameID, err)
	}
	if game.ID != gameID {
		return fmt.Errorf("fetched game %d while refreshing game %d", game.ID, gameID)
	}
	if _, err := g.store.Apply(ctx, seq, game); err != nil {
		return fmt.Errorf("failed to apply game %d: %v", gameID, err)
	}
	return nil
}

// Discard drops the cached game, rejecting fetches still in flight.
func (g *Gateway) Discard(gameID int64) {
	g.store.Clear(gameID)
}

func (g *Gateway) refreshAfter(ctx context.Context, op string, gameID int64) {
	if err := g.Refresh(ctx, gameID); err != nil {
		log.Warn("Refresh after %s failed: %v", op, err)
		g.tracker.Record("refresh", err)
	}
}

// broadcast failures never fail the command that already succeeded.
func (g *Gateway) broadcast(ctx context.Context, gameID int64, updateType string, data interface{}) {
	if g.announce == nil {
		return
	}
	update := &messages.GameUpdate{
		Type:      updateType,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			log.Error("Failed to marshal %s data: %v", updateType, err)
		} else {
			update.Data = b
		}
	}
	if err := g.announce.Send(ctx, messages.EventGameUpdate, gameID, update); err != nil {
		log.Warn("Failed to announce %s for game %d: %v", updateType, gameID, err)
	}
}

func (g *Gateway) fail(op string, err error) error {
	log.Warn("%s failed: %v", op, err)
	g.tracker.Record(op, err)
	return err
}
