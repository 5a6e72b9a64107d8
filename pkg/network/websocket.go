package network

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cbodonnell/townsquare/pkg/api/middleware"
	authproviders "github.com/cbodonnell/townsquare/pkg/auth/providers"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/messages"
	"github.com/cbodonnell/townsquare/pkg/repositories"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	authorizeWait = 10 * time.Second
)

// RoomAuthorizer decides whether a user may join the room of a game.
type RoomAuthorizer func(ctx context.Context, userID int64, gameID int64) error

// HostResolver returns the user id of a game's host.
type HostResolver func(ctx context.Context, gameID int64) (int64, error)

// Hub accepts authenticated channel connections and relays events between the members of a game room.
type Hub struct {
	authProvider  authproviders.AuthProvider
	repository    repositories.Repository
	authorize     RoomAuthorizer
	hostOf        HostResolver
	clientManager *ClientManager
	upgrader      websocket.Upgrader
	now           func() time.Time
}

type NewHubOptions struct {
	AuthProvider authproviders.AuthProvider
	Repository   repositories.Repository
	// Authorize defaults to admitting everyone.
	Authorize RoomAuthorizer
	// HostOf defaults to reading the game from Repository.
	HostOf        HostResolver
	ClientManager *ClientManager
}

func NewHub(opts NewHubOptions) *Hub {
	authorize := opts.Authorize
	if authorize == nil {
		authorize = func(ctx context.Context, userID int64, gameID int64) error { return nil }
	}
	hostOf := opts.HostOf
	if hostOf == nil {
		hostOf = func(ctx context.Context, gameID int64) (int64, error) {
			game, err := opts.Repository.GetGame(ctx, gameID)
			if err != nil {
				return 0, err
			}
			return game.HostID, nil
		}
	}
	clientManager := opts.ClientManager
	if clientManager == nil {
		clientManager = NewClientManager()
	}
	return &Hub{
		authProvider:  opts.AuthProvider,
		repository:    opts.Repository,
		authorize:     authorize,
		hostOf:        hostOf,
		clientManager: clientManager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) ClientManager() *ClientManager {
	return h.clientManager
}

// ServeHTTP authenticates the request, upgrades it and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := middleware.ParseBearerToken(r)
	if err != nil {
		log.Error("failed to parse bearer token: %v", err)
		http.Error(w, "failed to parse bearer token", http.StatusUnauthorized)
		return
	}
	user, err := middleware.Authenticate(r.Context(), h.authProvider, h.repository, token)
	if err != nil {
		log.Error("failed to authenticate channel connection: %v", err)
		http.Error(w, "failed to verify ID token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}
	conn.SetReadLimit(messages.MaxFrameSize)

	client := newClient(user.ID, user.Username, ClientSendBufferSize)
	h.clientManager.ConnectClient(client)
	log.Info("Client %s connected as user %d from %s", client.ID, user.ID, conn.RemoteAddr().String())

	go h.writePump(conn, client)
	h.send(client, messages.EventConnected, 0, &messages.Connected{Message: "Connected to game server"})
	h.readPump(conn, client)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clientManager.clientsLock.RLock()
	ids := make([]string, 0, len(h.clientManager.clients))
	for id := range h.clientManager.clients {
		ids = append(ids, id)
	}
	h.clientManager.clientsLock.RUnlock()

	for _, id := range ids {
		h.clientManager.DisconnectClient(id)
	}
}

// writePump is the only goroutine writing to conn.
func (h *Hub) writePump(conn *websocket.Conn, client *Client) {
	defer conn.Close()
	for {
		select {
		case frame := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Warn("Failed to write to client %s: %v", client.ID, err)
				return
			}
		case <-client.closed:
			deadline := time.Now().Add(writeWait)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (h *Hub) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.clientManager.DisconnectClient(client.ID)
		log.Info("Client %s disconnected", client.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error("Error reading WebSocket message from %s: %v", client.ID, err)
			}
			return
		}

		envelope, err := messages.DeserializeEnvelope(data)
		if err != nil {
			log.Warn("Dropping malformed frame from %s: %v", client.ID, err)
			continue
		}
		if err := h.handleEnvelope(client, envelope); err != nil {
			log.Warn("Dropping %s from %s: %v", envelope.Event, client.ID, err)
		}
	}
}

func (h *Hub) handleEnvelope(client *Client, envelope *messages.Envelope) error {
	gameID := envelope.GameID

	switch envelope.Event {
	case messages.EventJoinGame:
		ctx, cancel := context.WithTimeout(context.Background(), authorizeWait)
		defer cancel()
		if err := h.authorize(ctx, client.UserID, gameID); err != nil {
			return fmt.Errorf("user %d may not join game %d: %v", client.UserID, gameID, err)
		}
		h.clientManager.Join(client.ID, gameID)
		log.Debug("Client %s joined game %d", client.ID, gameID)
		h.send(client, messages.EventJoinedGame, gameID, &messages.RoomRequest{GameID: gameID})
		return nil

	case messages.EventLeaveGame:
		h.clientManager.Leave(client.ID, gameID)
		log.Debug("Client %s left game %d", client.ID, gameID)
		h.send(client, messages.EventLeftGame, gameID, &messages.RoomRequest{GameID: gameID})
		return nil
	}

	if !h.clientManager.InRoom(client.ID, gameID) {
		return fmt.Errorf("client is not in game %d", gameID)
	}

	switch envelope.Event {
	case messages.EventGameUpdate:
		update := &messages.GameUpdate{}
		if err := envelope.Decode(update); err != nil {
			return err
		}
		update.Timestamp = h.now()
		h.broadcast(messages.EventGameUpdated, gameID, update)

	case messages.EventChatMessage:
		chat := &messages.ChatMessage{}
		if err := envelope.Decode(chat); err != nil {
			return err
		}
		chat.Username = client.Username
		chat.Timestamp = h.now()
		h.broadcast(messages.EventChatMessage, gameID, chat)

	case messages.EventPlayerAction:
		action := &messages.PlayerAction{}
		if err := envelope.Decode(action); err != nil {
			return err
		}
		action.Timestamp = h.now()
		h.broadcast(messages.EventPlayerAction, gameID, action)

	case messages.EventStorytellerUpdate:
		update := &messages.StorytellerUpdate{}
		if err := envelope.Decode(update); err != nil {
			return err
		}
		update.Timestamp = h.now()
		h.broadcast(messages.EventStorytellerUpdate, gameID, update)

	case messages.EventNightAction:
		action := &messages.NightAction{}
		if err := envelope.Decode(action); err != nil {
			return err
		}
		action.Timestamp = h.now()
		// night actions are secret: only the host's connections hear them
		ctx, cancel := context.WithTimeout(context.Background(), authorizeWait)
		defer cancel()
		hostID, err := h.hostOf(ctx, gameID)
		if err != nil {
			return fmt.Errorf("failed to resolve host of game %d: %v", gameID, err)
		}
		h.broadcastTo(messages.EventNightActionReceived, gameID, action, func(member *Client) bool {
			return member.UserID == hostID
		})

	default:
		return fmt.Errorf("unknown event")
	}
	return nil
}

func encodeFrame(event string, gameID int64, payload interface{}) ([]byte, error) {
	envelope, err := messages.NewEnvelope(event, gameID, payload)
	if err != nil {
		return nil, err
	}
	return messages.SerializeEnvelope(envelope)
}

func (h *Hub) send(client *Client, event string, gameID int64, payload interface{}) {
	frame, err := encodeFrame(event, gameID, payload)
	if err != nil {
		log.Error("Failed to encode %s: %v", event, err)
		return
	}
	if !client.enqueue(frame) {
		log.Warn("Client %s is not keeping up, disconnecting", client.ID)
		h.clientManager.DisconnectClient(client.ID)
	}
}

// broadcast relays to every member of the room, the sender included.
func (h *Hub) broadcast(event string, gameID int64, payload interface{}) {
	h.broadcastTo(event, gameID, payload, nil)
}

// broadcastTo relays to the members of the room accepted by keep. A nil keep accepts everyone.
func (h *Hub) broadcastTo(event string, gameID int64, payload interface{}, keep func(member *Client) bool) {
	frame, err := encodeFrame(event, gameID, payload)
	if err != nil {
		log.Error("Failed to encode %s: %v", event, err)
		return
	}
	for _, member := range h.clientManager.Members(gameID) {
		if keep != nil && !keep(member) {
			continue
		}
		if !member.enqueue(frame) {
			log.Warn("Client %s is not keeping up, disconnecting", member.ID)
			h.clientManager.DisconnectClient(member.ID)
		}
	}
}
