package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	lock    sync.Mutex
	written []*messages.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, b []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	envelope, err := messages.DeserializeEnvelope(b)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.written = append(c.written, envelope)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, gameID int64, payload interface{}) {
	envelope, err := messages.NewEnvelope(event, gameID, payload)
	require.NoError(t, err)
	b, err := messages.SerializeEnvelope(envelope)
	require.NoError(t, err)
	c.inbound <- b
}

func (c *fakeConn) joined() []int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	var games []int64
	for _, e := range c.written {
		if e.Event == messages.EventJoinGame {
			games = append(games, e.GameID)
		}
	}
	return games
}

// dialer hands out queued results in order and records the headers it saw.
type dialer struct {
	lock    sync.Mutex
	results []interface{}
	headers []http.Header
}

func (d *dialer) dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.headers = append(d.headers, header)
	if len(d.results) == 0 {
		return nil, errors.New("no server")
	}
	next := d.results[0]
	d.results = d.results[1:]
	switch v := next.(type) {
	case *fakeConn:
		return v, nil
	case error:
		return nil, v
	}
	return nil, errors.New("unexpected dial result")
}

func (d *dialer) queue(results ...interface{}) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.results = append(d.results, results...)
}

func newTestClient(d *dialer) *Client {
	return NewClient(NewClientOptions{
		URL:            "ws://test/ws",
		Dial:           d.dial,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func waitStatus(t *testing.T, c *Client, want Status) {
	require.Eventually(t, func() bool { return c.Status() == want }, time.Second, time.Millisecond)
}

func run(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestClient_JoinBeforeConnect(t *testing.T) {
	conn := newFakeConn()
	d := &dialer{}
	d.queue(conn)
	c := newTestClient(d)

	require.NoError(t, c.Join(context.Background(), 42))
	assert.Equal(t, []int64{42}, c.Rooms())

	run(t, c)
	waitStatus(t, c, StatusConnected)
	assert.Equal(t, []int64{42}, conn.joined())
}

func TestClient_ReconnectRejoinsRooms(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &dialer{}
	d.queue(first, second)
	c := newTestClient(d)

	run(t, c)
	waitStatus(t, c, StatusConnected)

	require.NoError(t, c.Join(context.Background(), 1))
	require.NoError(t, c.Join(context.Background(), 2))
	assert.ElementsMatch(t, []int64{1, 2}, first.joined())

	first.Close()
	require.Eventually(t, func() bool { return len(second.joined()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []int64{1, 2}, second.joined())
	waitStatus(t, c, StatusConnected)

	second.push(t, messages.EventGameUpdated, 2, &messages.GameUpdate{Type: messages.UpdateVoteCast})
	select {
	case envelope := <-c.Notifications():
		assert.Equal(t, messages.EventGameUpdated, envelope.Event)
		assert.Equal(t, int64(2), envelope.GameID)
	case <-time.After(time.Second):
		t.Fatal("no notification after reconnect")
	}
}

func TestClient_LeaveDeregisters(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &dialer{}
	d.queue(first, second)
	c := newTestClient(d)

	run(t, c)
	waitStatus(t, c, StatusConnected)

	require.NoError(t, c.Join(context.Background(), 1))
	require.NoError(t, c.Join(context.Background(), 2))
	require.NoError(t, c.Leave(context.Background(), 1))
	assert.Equal(t, []int64{2}, c.Rooms())

	first.Close()
	require.Eventually(t, func() bool { return len(second.joined()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{2}, second.joined())
}

func TestClient_RejoinSkipsRoomsLeftSinceAttach(t *testing.T) {
	c := newTestClient(&dialer{})
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, 1))
	require.NoError(t, c.Join(ctx, 2))

	conn := newFakeConn()
	rooms := c.attach(conn)
	assert.ElementsMatch(t, []int64{1, 2}, rooms)
	require.NoError(t, c.Leave(ctx, 1))

	c.rejoin(ctx, rooms)
	assert.Equal(t, []int64{2}, conn.joined())
}

func TestClient_FiltersChannelAcks(t *testing.T) {
	conn := newFakeConn()
	d := &dialer{}
	d.queue(conn)
	c := newTestClient(d)

	run(t, c)
	waitStatus(t, c, StatusConnected)

	conn.push(t, messages.EventConnected, 0, &messages.Connected{Message: "welcome"})
	conn.push(t, messages.EventJoinedGame, 5, &messages.RoomRequest{GameID: 5})
	conn.inbound <- []byte("garbage")
	conn.push(t, messages.EventChatMessage, 5, &messages.ChatMessage{Message: "hi", Username: "ann"})

	select {
	case envelope := <-c.Notifications():
		assert.Equal(t, messages.EventChatMessage, envelope.Event)
	case <-time.After(time.Second):
		t.Fatal("chat message was not delivered")
	}
}

func TestClient_DegradesAndRetries(t *testing.T) {
	d := &dialer{}
	c := newTestClient(d)

	_, done := run(t, c)
	waitStatus(t, c, StatusDegraded)

	d.lock.Lock()
	attempts := len(d.headers)
	d.lock.Unlock()
	assert.Equal(t, 3, attempts)

	err := c.Send(context.Background(), messages.EventChatMessage, 1, &messages.ChatMessage{Message: "hi"})
	assert.True(t, errs.IsChannel(err))

	conn := newFakeConn()
	d.queue(conn)
	c.Retry()
	waitStatus(t, c, StatusConnected)

	require.NoError(t, c.Send(context.Background(), messages.EventChatMessage, 1, &messages.ChatMessage{Message: "hi"}))

	select {
	case err := <-done:
		t.Fatalf("Start returned early: %v", err)
	default:
	}
}

func TestClient_StopClosesStreams(t *testing.T) {
	conn := newFakeConn()
	d := &dialer{}
	d.queue(conn)
	c := newTestClient(d)

	cancel, done := run(t, c)
	waitStatus(t, c, StatusConnected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	_, ok := <-c.Notifications()
	assert.False(t, ok)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Error(t, c.Start(context.Background()))
}

func TestClient_backoff(t *testing.T) {
	c := NewClient(NewClientOptions{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 500 * time.Millisecond},
		{attempt: 2, want: time.Second},
		{attempt: 3, want: 2 * time.Second},
		{attempt: 7, want: 30 * time.Second},
		{attempt: 20, want: 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.backoff(tt.attempt))
	}
}
