package network

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

const (
	// ClientSendBufferSize is the number of frames queued per client before it is dropped.
	ClientSendBufferSize = 256
)

// Client represents a connected channel client
type Client struct {
	ID       string
	UserID   int64
	Username string
	// send is drained by the client's single writer goroutine
	send chan []byte
	// closed is closed when the client is disconnected
	closed chan struct{}
	once   sync.Once
}

func newClient(userID int64, username string, bufferSize int) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		send:     make(chan []byte, bufferSize),
		closed:   make(chan struct{}),
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closed) })
}

// enqueue queues a frame without blocking. It reports false when the buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ClientManager tracks connected clients and their room memberships
type ClientManager struct {
	clients     map[string]*Client
	rooms       map[int64]map[string]*Client
	clientsLock sync.RWMutex
}

// NewClientManager creates a new ClientManager
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
		rooms:   make(map[int64]map[string]*Client),
	}
}

// ConnectClient registers a client
func (cm *ClientManager) ConnectClient(client *Client) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()
	cm.clients[client.ID] = client
}

// DisconnectClient removes a client from the manager and every room
func (cm *ClientManager) DisconnectClient(clientID string) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return
	}
	for gameID, members := range cm.rooms {
		delete(members, clientID)
		if len(members) == 0 {
			delete(cm.rooms, gameID)
		}
	}
	delete(cm.clients, clientID)
	client.close()
}

func (cm *ClientManager) Join(clientID string, gameID int64) bool {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return false
	}
	members, ok := cm.rooms[gameID]
	if !ok {
		members = make(map[string]*Client)
		cm.rooms[gameID] = members
	}
	members[clientID] = client
	return true
}

func (cm *ClientManager) Leave(clientID string, gameID int64) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	members, ok := cm.rooms[gameID]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(cm.rooms, gameID)
	}
}

func (cm *ClientManager) InRoom(clientID string, gameID int64) bool {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	_, ok := cm.rooms[gameID][clientID]
	return ok
}

// Members returns the clients in a room ordered by id.
func (cm *ClientManager) Members(gameID int64) []*Client {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	members := make([]*Client, 0, len(cm.rooms[gameID]))
	for _, client := range cm.rooms[gameID] {
		members = append(members, client)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

func (cm *ClientManager) Exists(clientID string) bool {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	_, ok := cm.clients[clientID]
	return ok
}

func (cm *ClientManager) Count() int {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	return len(cm.clients)
}
