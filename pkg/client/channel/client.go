// Package channel owns the persistent notification connection and its room memberships.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/client/identity"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBufferSize     = 256
	writeTimeout          = 5 * time.Second
)

var ErrNotConnected = errors.New("not connected")

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusDegraded means the retry budget is spent; callers poll until Retry succeeds.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type Client struct {
	url            string
	credentials    identity.CredentialProvider
	dial           DialFunc
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	lock    sync.RWMutex
	conn    Conn
	status  Status
	rooms   map[int64]struct{}
	started bool

	writeLock     sync.Mutex
	notifications chan *messages.Envelope
	statusChanges chan Status
	retry         chan struct{}
}

type NewClientOptions struct {
	URL            string
	Credentials    identity.CredentialProvider
	Dial           DialFunc
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BufferSize     int
}

func NewClient(opts NewClientOptions) *Client {
	c := &Client{
		url:            opts.URL,
		credentials:    opts.Credentials,
		dial:           opts.Dial,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		rooms:          make(map[int64]struct{}),
		retry:          make(chan struct{}, 1),
	}
	if c.dial == nil {
		c.dial = DialWebsocket
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	c.notifications = make(chan *messages.Envelope, bufferSize)
	c.statusChanges = make(chan Status, 16)
	return c
}

// Notifications delivers every inbound event except the channel-level acks.
// It is closed when Start returns.
func (c *Client) Notifications() <-chan *messages.Envelope {
	return c.notifications
}

// StatusChanges delivers connection status transitions. It is closed when Start returns.
func (c *Client) StatusChanges() <-chan Status {
	return c.statusChanges
}

func (c *Client) Status() Status {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.status
}

// Rooms returns the registered game ids in ascending order.
func (c *Client) Rooms() []int64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	rooms := make([]int64, 0, len(c.rooms))
	for gameID := range c.rooms {
		rooms = append(rooms, gameID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Retry restarts the connect loop after the client degraded.
func (c *Client) Retry() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Start connects and keeps the connection alive until ctx is done. It may only be called once.
func (c *Client) Start(ctx context.Context) error {
	c.lock.Lock()
	if c.started {
		c.lock.Unlock()
		return fmt.Errorf("channel client already started")
	}
	c.started = true
	c.lock.Unlock()

	defer func() {
		c.setStatus(StatusDisconnected)
		close(c.notifications)
		close(c.statusChanges)
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setStatus(StatusConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempts++
			log.Warn("Channel connect attempt %d/%d failed: %v", attempts, c.maxAttempts, err)
			if attempts >= c.maxAttempts {
				log.Warn("Channel unavailable after %d attempts, falling back to polling", attempts)
				c.setStatus(StatusDegraded)
				select {
				case <-ctx.Done():
					return nil
				case <-c.retry:
					log.Info("Retrying channel connection")
					attempts = 0
					continue
				}
			}
			if err := sleep(ctx, c.backoff(attempts)); err != nil {
				return nil
			}
			continue
		}

		attempts = 0
		c.rejoin(ctx, c.attach(conn))
		c.setStatus(StatusConnected)

		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if err := conn.Close(); err != nil {
			log.Trace("Failed to close channel connection: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("Channel connection lost: %v", err)
	}
}

// Join registers interest in a game room. The room is re-joined after every reconnect.
// Joining while disconnected is not an error.
func (c *Client) Join(ctx context.Context, gameID int64) error {
	c.lock.Lock()
	c.rooms[gameID] = struct{}{}
	conn := c.conn
	c.lock.Unlock()

	if conn == nil {
		log.Debug("Game %d will be joined once the channel connects", gameID)
		return nil
	}
	if err := c.write(ctx, conn, messages.EventJoinGame, gameID, &messages.RoomRequest{GameID: gameID}); err != nil {
		return &errs.ChannelError{Op: "join", Err: err}
	}
	return nil
}

// Leave deregisters interest in a game room.
func (c *Client) Leave(ctx context.Context, gameID int64) error {
	c.lock.Lock()
	delete(c.rooms, gameID)
	conn := c.conn
	c.lock.Unlock()

	if conn == nil {
		return nil
	}
	if err := c.write(ctx, conn, messages.EventLeaveGame, gameID, &messages.RoomRequest{GameID: gameID}); err != nil {
		return &errs.ChannelError{Op: "leave", Err: err}
	}
	return nil
}

// Send broadcasts an event to a game room.
func (c *Client) Send(ctx context.Context, event string, gameID int64, payload interface{}) error {
	c.lock.RLock()
	conn := c.conn
	c.lock.RUnlock()

	if conn == nil {
		return &errs.ChannelError{Op: "send " + event, Err: ErrNotConnected}
	}
	if err := c.write(ctx, conn, event, gameID, payload); err != nil {
		return &errs.ChannelError{Op: "send " + event, Err: err}
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("X-Request-ID", uuid.NewString())
	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get credential: %v", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	log.Info("Connecting to channel at %s", c.url)
	return c.dial(ctx, c.url, header)
}

// attach publishes conn and returns the rooms to re-join on it.
func (c *Client) attach(conn Conn) []int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.conn = conn
	rooms := make([]int64, 0, len(c.rooms))
	for gameID := range c.rooms {
		rooms = append(rooms, gameID)
	}
	return rooms
}

func (c *Client) detach(conn Conn) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) rejoin(ctx context.Context, rooms []int64) {
	c.lock.RLock()
	conn := c.conn
	c.lock.RUnlock()
	if conn == nil {
		return
	}

	for _, gameID := range rooms {
		if !c.registered(gameID) {
			// left since attach
			continue
		}
		if err := c.write(ctx, conn, messages.EventJoinGame, gameID, &messages.RoomRequest{GameID: gameID}); err != nil {
			log.Warn("Failed to re-join game %d: %v", gameID, err)
			continue
		}
		log.Debug("Re-joined game %d", gameID)
	}
}

func (c *Client) registered(gameID int64) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	_, ok := c.rooms[gameID]
	return ok
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		b, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		envelope, err := messages.DeserializeEnvelope(b)
		if err != nil {
			log.Error("Failed to deserialize channel frame: %v", err)
			continue
		}
		log.Trace("Received %s for game %d", envelope.Event, envelope.GameID)

		switch envelope.Event {
		case messages.EventConnected:
			connected := &messages.Connected{}
			if err := envelope.Decode(connected); err != nil {
				log.Warn("Malformed connection confirmation: %v", err)
				continue
			}
			log.Info("Channel connected: %s", connected.Message)
		case messages.EventJoinedGame, messages.EventLeftGame:
			log.Debug("Channel acknowledged %s for game %d", envelope.Event, envelope.GameID)
		default:
			select {
			case c.notifications <- envelope:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn Conn, event string, gameID int64, payload interface{}) error {
	envelope, err := messages.NewEnvelope(event, gameID, payload)
	if err != nil {
		return err
	}
	b, err := messages.SerializeEnvelope(envelope)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %v", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := conn.Write(ctx, b); err != nil {
		return fmt.Errorf("failed to write %s: %v", event, err)
	}
	return nil
}

// setStatus is only called from the Start goroutine.
func (c *Client) setStatus(status Status) {
	c.lock.Lock()
	changed := c.status != status
	c.status = status
	c.lock.Unlock()

	if !changed {
		return
	}
	log.Debug("Channel status: %s", status)
	select {
	case c.statusChanges <- status:
	default:
		select {
		case <-c.statusChanges:
		default:
		}
		c.statusChanges <- status
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.initialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
