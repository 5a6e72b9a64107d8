// Package reconciler turns inbound notifications into session store refreshes, chat log appends
// and advisory deliveries.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/channel"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/queue"
)

const (
	DefaultChatRetention = queue.DefaultRetention
	listenerBufferSize   = 64
)

// ErrNotPrivileged is returned when a non-host subscribes to the advisory stream.
var ErrNotPrivileged = errors.New("advisories are only delivered to the host view")

// Refresher re-pulls the authoritative game into the session store.
type Refresher interface {
	Refresh(ctx context.Context, gameID int64) error
}

// Notification is a decoded log-append or advisory event.
type Notification struct {
	GameID            int64
	Event             string
	Behavior          Behavior
	Chat              *messages.ChatMessage
	PlayerAction      *messages.PlayerAction
	StorytellerUpdate *messages.StorytellerUpdate
	NightAction       *messages.NightAction
	ReceivedAt        time.Time
}

type listener struct {
	behavior Behavior
	ch       chan Notification
}

// View is the registration of one open game. Handlers never touch a closed view.
type View struct {
	gameID int64
	ctx    context.Context
	cancel context.CancelFunc
	chat   *queue.RingQueue

	lock       sync.Mutex
	refreshing bool
	dirty      bool
	listeners  map[int]listener
	nextID     int
}

func (v *View) GameID() int64 {
	return v.gameID
}

// Context is done once the view is closed.
func (v *View) Context() context.Context {
	return v.ctx
}

func (v *View) alive() bool {
	return v.ctx.Err() == nil
}

type Reconciler struct {
	refresher  Refresher
	retention  int
	privileged func(gameID int64) bool

	lock  sync.RWMutex
	views map[int64]*View
}

type NewReconcilerOptions struct {
	Refresher Refresher
	// ChatRetention caps each game's chat log. Older lines are dropped.
	ChatRetention int
	// Privileged reports whether the local user may see a game's advisories. Nil admits everyone.
	Privileged func(gameID int64) bool
}

func NewReconciler(opts NewReconcilerOptions) *Reconciler {
	retention := opts.ChatRetention
	if retention <= 0 {
		retention = DefaultChatRetention
	}
	return &Reconciler{
		refresher:  opts.Refresher,
		retention:  retention,
		privileged: opts.Privileged,
		views:      make(map[int64]*View),
	}
}

// Open registers a view for a game. Its lifetime is bounded by ctx and Close.
func (r *Reconciler) Open(ctx context.Context, gameID int64) (*View, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.views[gameID]; ok {
		return nil, fmt.Errorf("game %d is already open", gameID)
	}
	viewCtx, cancel := context.WithCancel(ctx)
	v := &View{
		gameID:    gameID,
		ctx:       viewCtx,
		cancel:    cancel,
		chat:      queue.NewRingQueue(r.retention),
		listeners: make(map[int]listener),
	}
	r.views[gameID] = v
	return v, nil
}

// Close disposes the view of a game and every listener on it.
func (r *Reconciler) Close(gameID int64) {
	r.lock.Lock()
	v, ok := r.views[gameID]
	delete(r.views, gameID)
	r.lock.Unlock()
	if !ok {
		return
	}

	v.cancel()
	v.lock.Lock()
	defer v.lock.Unlock()
	for id, l := range v.listeners {
		close(l.ch)
		delete(v.listeners, id)
	}
}

func (r *Reconciler) view(gameID int64) *View {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.views[gameID]
}

// Games returns the ids of every open view.
func (r *Reconciler) Games() []int64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	games := make([]int64, 0, len(r.views))
	for gameID := range r.views {
		games = append(games, gameID)
	}
	return games
}

// Run consumes notifications and status changes until ctx is done or notifications is closed.
// Every transition into the connected state refreshes all open games since events may have been missed.
func (r *Reconciler) Run(ctx context.Context, notifications <-chan *messages.Envelope, statuses <-chan channel.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-notifications:
			if !ok {
				return
			}
			r.Handle(envelope)
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			if status == channel.StatusConnected {
				r.RefreshAll()
			}
		}
	}
}

// Handle applies the behavior the dispatch table assigns to the envelope's event.
func (r *Reconciler) Handle(envelope *messages.Envelope) {
	behavior, ok := Classify(envelope.Event)
	if !ok {
		log.Warn("Dropping unknown %s notification for game %d", envelope.Event, envelope.GameID)
		return
	}

	v := r.view(envelope.GameID)
	if v == nil || !v.alive() {
		log.Debug("Dropping %s for game %d with no open view", envelope.Event, envelope.GameID)
		return
	}

	switch behavior {
	case BehaviorRefresh:
		update := &messages.GameUpdate{}
		if err := envelope.Decode(update); err != nil {
			log.Debug("Undecodable %s for game %d, refreshing anyway: %v", envelope.Event, envelope.GameID, err)
		} else {
			log.Debug("Game %d updated (%s)", envelope.GameID, update.Type)
		}
		r.trigger(v)
	case BehaviorLogAppend, BehaviorAdvisory:
		n, err := decode(envelope, behavior)
		if err != nil {
			log.Warn("Dropping malformed %s for game %d: %v", envelope.Event, envelope.GameID, err)
			return
		}
		if behavior == BehaviorLogAppend {
			v.chat.Enqueue(*n.Chat)
		}
		v.deliver(n)
	}
}

// RefreshAll triggers a refresh of every open game.
func (r *Reconciler) RefreshAll() {
	r.lock.RLock()
	views := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		views = append(views, v)
	}
	r.lock.RUnlock()

	for _, v := range views {
		r.trigger(v)
	}
}

// Refresh triggers a refresh of one open game.
func (r *Reconciler) Refresh(gameID int64) {
	if v := r.view(gameID); v != nil {
		r.trigger(v)
	}
}

// Chat returns the retained chat log of a game, oldest first.
func (r *Reconciler) Chat(gameID int64) []messages.ChatMessage {
	v := r.view(gameID)
	if v == nil {
		return nil
	}
	items := v.chat.ReadAllMessages()
	chat := make([]messages.ChatMessage, 0, len(items))
	for _, item := range items {
		chat = append(chat, item.(messages.ChatMessage))
	}
	return chat
}

// Subscribe delivers the game's notifications of one behavior until cancel is called or the view closes.
// Advisory subscriptions fail with ErrNotPrivileged unless the local user hosts the game.
// Slow listeners lose notifications rather than stall the channel.
func (r *Reconciler) Subscribe(gameID int64, behavior Behavior) (<-chan Notification, func(), error) {
	if behavior == BehaviorRefresh {
		return nil, nil, fmt.Errorf("refresh notifications are observed through the session store")
	}
	v := r.view(gameID)
	if v == nil {
		return nil, nil, fmt.Errorf("game %d is not open", gameID)
	}
	if behavior == BehaviorAdvisory && r.privileged != nil && !r.privileged(gameID) {
		return nil, nil, ErrNotPrivileged
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	id := v.nextID
	v.nextID++
	ch := make(chan Notification, listenerBufferSize)
	v.listeners[id] = listener{behavior: behavior, ch: ch}

	cancel := func() {
		v.lock.Lock()
		defer v.lock.Unlock()
		if l, ok := v.listeners[id]; ok {
			close(l.ch)
			delete(v.listeners, id)
		}
	}
	return ch, cancel, nil
}

// trigger coalesces refreshes: triggers arriving while a fetch runs cause one follow-up fetch.
func (r *Reconciler) trigger(v *View) {
	v.lock.Lock()
	if v.refreshing {
		v.dirty = true
		v.lock.Unlock()
		return
	}
	v.refreshing = true
	v.lock.Unlock()

	go func() {
		for {
			if v.alive() {
				if err := r.refresher.Refresh(v.ctx, v.gameID); err != nil && v.alive() {
					log.Warn("Failed to refresh game %d: %v", v.gameID, err)
				}
			}

			v.lock.Lock()
			if !v.dirty || !v.alive() {
				v.refreshing = false
				v.dirty = false
				v.lock.Unlock()
				return
			}
			v.dirty = false
			v.lock.Unlock()
		}
	}()
}

func (v *View) deliver(n *Notification) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if !v.alive() {
		return
	}
	for _, l := range v.listeners {
		if l.behavior != n.Behavior {
			continue
		}
		select {
		case l.ch <- *n:
		default:
			log.Warn("Listener for game %d is full, dropping %s", v.gameID, n.Event)
		}
	}
}

func decode(envelope *messages.Envelope, behavior Behavior) (*Notification, error) {
	n := &Notification{
		GameID:     envelope.GameID,
		Event:      envelope.Event,
		Behavior:   behavior,
		ReceivedAt: time.Now(),
	}
	switch envelope.Event {
	case messages.EventChatMessage:
		n.Chat = &messages.ChatMessage{}
		return n, envelope.Decode(n.Chat)
	case messages.EventPlayerAction:
		n.PlayerAction = &messages.PlayerAction{}
		return n, envelope.Decode(n.PlayerAction)
	case messages.EventStorytellerUpdate:
		n.StorytellerUpdate = &messages.StorytellerUpdate{}
		return n, envelope.Decode(n.StorytellerUpdate)
	case messages.EventNightActionReceived:
		n.NightAction = &messages.NightAction{}
		return n, envelope.Decode(n.NightAction)
	}
	return nil, fmt.Errorf("no schema for %s", envelope.Event)
}
