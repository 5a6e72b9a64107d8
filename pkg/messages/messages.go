package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxFrameSize is the largest decompressed frame accepted from a peer.
	MaxFrameSize = 1 << 20
)

// Event names sent by clients.
const (
	EventJoinGame          = "join_game"
	EventLeaveGame         = "leave_game"
	EventGameUpdate        = "game_update"
	EventChatMessage       = "chat_message"
	EventPlayerAction      = "player_action"
	EventNightAction       = "night_action"
	EventStorytellerUpdate = "storyteller_update"
)

// Event names sent by the server. chat_message, player_action and
// storyteller_update keep their outbound names.
const (
	EventConnected           = "connected"
	EventJoinedGame          = "joined_game"
	EventLeftGame            = "left_game"
	EventGameUpdated         = "game_updated"
	EventNightActionReceived = "night_action_received"
)

// Game update types announced after successful commands.
const (
	UpdatePlayerJoined       = "player_joined"
	UpdatePlayerLeft         = "player_left"
	UpdatePlayerReadyChanged = "player_ready_changed"
	UpdateGameStarted        = "game_started"
	UpdatePhaseChanged       = "phase_changed"
	UpdateVoteCast           = "vote_cast"
	UpdateNominationMade     = "nomination_made"
	UpdateStateLoaded        = "state_loaded"
	UpdateActionUndone       = "action_undone"
	UpdateGameFinished       = "game_finished"
)

// Chat message kinds.
const (
	ChatKindSystem      = "system"
	ChatKindWhisper     = "whisper"
	ChatKindStoryteller = "storyteller"
)

// Envelope is a single channel frame. Payload holds the JSON document of the
// schema that belongs to Event.
type Envelope struct {
	Event   string
	GameID  int64
	Payload json.RawMessage
}

// NewEnvelope marshals payload into an envelope for the given event and room.
func NewEnvelope(event string, gameID int64, payload interface{}) (*Envelope, error) {
	var b []byte
	if payload != nil {
		var err error
		b, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %v", event, err)
		}
	}
	return &Envelope{
		Event:   event,
		GameID:  gameID,
		Payload: b,
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v", e.Event, err)
	}
	return nil
}

type Connected struct {
	Message string `json:"message"`
}

// RoomRequest is the payload of join_game, leave_game, joined_game and left_game.
type RoomRequest struct {
	GameID int64 `json:"game_id"`
}

type GameUpdate struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type ChatMessage struct {
	Message   string    `json:"message"`
	Username  string    `json:"username"`
	Kind      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PlayerAction struct {
	ActionType string          `json:"action_type"`
	ActionData json.RawMessage `json:"action_data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type NightAction struct {
	PlayerID   int64     `json:"player_id"`
	ActionType string    `json:"action_type"`
	TargetID   *int64    `json:"target_id"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

type StorytellerUpdate struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
