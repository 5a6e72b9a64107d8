package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/channel"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeRefresher fetches from a fixed server-side game, optionally holding each fetch until released.
type storeRefresher struct {
	store   state.StateManager
	lock    sync.Mutex
	game    *models.GameSession
	calls   int
	release chan struct{}
}

func (f *storeRefresher) Refresh(ctx context.Context, gameID int64) error {
	seq := f.store.NextSequence()
	f.lock.Lock()
	f.calls++
	game := f.game.Clone()
	f.lock.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := f.store.Apply(ctx, seq, game)
	return err
}

func (f *storeRefresher) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

func envelope(t *testing.T, event string, gameID int64, payload interface{}) *messages.Envelope {
	e, err := messages.NewEnvelope(event, gameID, payload)
	require.NoError(t, err)
	return e
}

func TestClassify(t *testing.T) {
	tests := []struct {
		event string
		want  Behavior
		ok    bool
	}{
		{event: messages.EventGameUpdated, want: BehaviorRefresh, ok: true},
		{event: messages.EventChatMessage, want: BehaviorLogAppend, ok: true},
		{event: messages.EventPlayerAction, want: BehaviorAdvisory, ok: true},
		{event: messages.EventStorytellerUpdate, want: BehaviorAdvisory, ok: true},
		{event: messages.EventNightActionReceived, want: BehaviorAdvisory, ok: true},
		{event: messages.EventJoinedGame},
		{event: "something_else"},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			got, ok := Classify(tt.event)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestReconciler_CoalescesRefreshes(t *testing.T) {
	store := state.NewInMemoryStateManager()
	refresher := &storeRefresher{
		store:   store,
		game:    &models.GameSession{ID: 42, Phase: models.PhaseDay, DayNumber: 1},
		release: make(chan struct{}),
	}
	r := NewReconciler(NewReconcilerOptions{Refresher: refresher})
	_, err := r.Open(context.Background(), 42)
	require.NoError(t, err)

	update := &messages.GameUpdate{Type: messages.UpdateVoteCast}
	for i := 0; i < 10; i++ {
		r.Handle(envelope(t, messages.EventGameUpdated, 42, update))
	}
	require.Eventually(t, func() bool { return refresher.count() == 1 }, time.Second, time.Millisecond)

	// the first fetch completes, the nine triggers that arrived meanwhile cause exactly one more
	refresher.release <- struct{}{}
	refresher.release <- struct{}{}
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), 42)
		return err == nil && refresher.count() == 2
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, refresher.count())

	got, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, refresher.game, got)
}

func TestReconciler_ChatRetention(t *testing.T) {
	refresher := &storeRefresher{store: state.NewInMemoryStateManager(), game: &models.GameSession{ID: 1}}
	r := NewReconciler(NewReconcilerOptions{Refresher: refresher, ChatRetention: 3})
	_, err := r.Open(context.Background(), 1)
	require.NoError(t, err)

	chat, cancel, err := r.Subscribe(1, BehaviorLogAppend)
	require.NoError(t, err)
	defer cancel()

	for _, line := range []string{"a", "b", "c", "d"} {
		r.Handle(envelope(t, messages.EventChatMessage, 1, &messages.ChatMessage{Message: line, Username: "ann"}))
	}

	var lines []string
	for _, m := range r.Chat(1) {
		lines = append(lines, m.Message)
	}
	assert.Equal(t, []string{"b", "c", "d"}, lines)
	assert.Len(t, chat, 4)
	assert.Equal(t, 0, refresher.count())
}

func TestReconciler_Advisory(t *testing.T) {
	refresher := &storeRefresher{store: state.NewInMemoryStateManager(), game: &models.GameSession{ID: 1}}
	r := NewReconciler(NewReconcilerOptions{Refresher: refresher})
	_, err := r.Open(context.Background(), 1)
	require.NoError(t, err)

	_, _, err = r.Subscribe(1, BehaviorRefresh)
	assert.Error(t, err)

	advisories, cancel, err := r.Subscribe(1, BehaviorAdvisory)
	require.NoError(t, err)
	defer cancel()

	target := int64(4)
	r.Handle(envelope(t, messages.EventNightActionReceived, 1, &messages.NightAction{PlayerID: 2, ActionType: "poison", TargetID: &target}))
	r.Handle(envelope(t, messages.EventStorytellerUpdate, 1, &messages.StorytellerUpdate{Type: "reminder"}))
	r.Handle(&messages.Envelope{Event: messages.EventPlayerAction, GameID: 1, Payload: []byte("{")})

	n := <-advisories
	assert.Equal(t, messages.EventNightActionReceived, n.Event)
	require.NotNil(t, n.NightAction)
	assert.Equal(t, "poison", n.NightAction.ActionType)
	assert.Equal(t, int64(4), *n.NightAction.TargetID)

	n = <-advisories
	assert.Equal(t, "reminder", n.StorytellerUpdate.Type)

	assert.Empty(t, advisories)
	assert.Empty(t, r.Chat(1))
	assert.Equal(t, 0, refresher.count())
}

func TestReconciler_AdvisoryRequiresPrivilege(t *testing.T) {
	refresher := &storeRefresher{store: state.NewInMemoryStateManager(), game: &models.GameSession{ID: 1}}
	r := NewReconciler(NewReconcilerOptions{
		Refresher:  refresher,
		Privileged: func(gameID int64) bool { return gameID == 1 },
	})
	for _, gameID := range []int64{1, 2} {
		_, err := r.Open(context.Background(), gameID)
		require.NoError(t, err)
	}

	tests := []struct {
		name     string
		gameID   int64
		behavior Behavior
		wantErr  error
	}{
		{name: "host advisories", gameID: 1, behavior: BehaviorAdvisory},
		{name: "player advisories", gameID: 2, behavior: BehaviorAdvisory, wantErr: ErrNotPrivileged},
		{name: "player chat", gameID: 2, behavior: BehaviorLogAppend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, cancel, err := r.Subscribe(tt.gameID, tt.behavior)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, ch)
				return
			}
			require.NoError(t, err)
			cancel()
		})
	}
}

func TestReconciler_ClosedViewIgnoresNotifications(t *testing.T) {
	store := state.NewInMemoryStateManager()
	refresher := &storeRefresher{store: store, game: &models.GameSession{ID: 9}}
	r := NewReconciler(NewReconcilerOptions{Refresher: refresher})
	_, err := r.Open(context.Background(), 9)
	require.NoError(t, err)

	advisories, _, err := r.Subscribe(9, BehaviorAdvisory)
	require.NoError(t, err)

	r.Close(9)
	_, ok := <-advisories
	assert.False(t, ok)

	r.Handle(envelope(t, messages.EventGameUpdated, 9, &messages.GameUpdate{Type: messages.UpdatePlayerJoined}))
	r.Handle(envelope(t, messages.EventChatMessage, 9, &messages.ChatMessage{Message: "late"}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, refresher.count())
	assert.Nil(t, r.Chat(9))

	// reopening starts from a clean view
	_, err = r.Open(context.Background(), 9)
	require.NoError(t, err)
	_, err = r.Open(context.Background(), 9)
	assert.Error(t, err)
}

func TestReconciler_RunRefreshesOnReconnect(t *testing.T) {
	store := state.NewInMemoryStateManager()
	refresher := &storeRefresher{store: store, game: &models.GameSession{ID: 3}}
	r := NewReconciler(NewReconcilerOptions{Refresher: refresher})
	_, err := r.Open(context.Background(), 3)
	require.NoError(t, err)

	notifications := make(chan *messages.Envelope)
	statuses := make(chan channel.Status, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, notifications, statuses)
		close(done)
	}()

	statuses <- channel.StatusConnecting
	statuses <- channel.StatusConnected
	require.Eventually(t, func() bool { return refresher.count() == 1 }, time.Second, time.Millisecond)

	notifications <- envelope(t, messages.EventGameUpdated, 3, &messages.GameUpdate{Type: messages.UpdatePhaseChanged})
	require.Eventually(t, func() bool { return refresher.count() == 2 }, time.Second, time.Millisecond)

	close(notifications)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	cancel()
}
