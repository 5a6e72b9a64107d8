package models

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle position of a game session.
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhaseNight    Phase = "night"
	PhaseDay      Phase = "day"
	PhaseFinished Phase = "finished"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhaseNight, PhaseDay, PhaseFinished:
		return true
	}
	return false
}

// Started reports whether seats are fixed and players can no longer leave.
func (p Phase) Started() bool {
	return p == PhaseNight || p == PhaseDay || p == PhaseFinished
}

const (
	TeamGood = "good"
	TeamEvil = "evil"
)

type User struct {
	ID       int64  `json:"id"`
	UID      string `json:"uid,omitempty"`
	Username string `json:"username"`
}

type HouseRules struct {
	AllowDeadVote     bool `json:"allow_dead_vote"`
	ShowVoteCounts    bool `json:"show_vote_counts"`
	AllowWhispers     bool `json:"allow_whispers"`
	AutoAdvancePhases bool `json:"auto_advance_phases"`
}

type Settings struct {
	MaxPlayers        int        `json:"max_players"`
	DiscussionSeconds int        `json:"discussion_time"`
	VotingSeconds     int        `json:"voting_time"`
	NominationSeconds int        `json:"nomination_time"`
	HouseRules        HouseRules `json:"house_rules"`
}

// DefaultSettings mirrors the settings a host gets when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		MaxPlayers:        15,
		DiscussionSeconds: 600,
		VotingSeconds:     120,
		NominationSeconds: 60,
		HouseRules: HouseRules{
			AllowDeadVote:     true,
			AllowWhispers:     true,
			AutoAdvancePhases: true,
		},
	}
}

type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
	Team string `json:"team,omitempty"`
	Type string `json:"type,omitempty"`
}

type Player struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Username   string     `json:"username"`
	Seat       int        `json:"position"`
	IsAlive    bool       `json:"is_alive"`
	IsReady    bool       `json:"is_ready"`
	GhostVotes int        `json:"votes_remaining"`
	Role       *Role      `json:"role,omitempty"`
	JoinedAt   time.Time  `json:"joined_at"`
	DiedAt     *time.Time `json:"died_at,omitempty"`
}

type Nomination struct {
	NominatorID int64     `json:"nominator_id"`
	NomineeID   int64     `json:"nominee_id"`
	DayNumber   int       `json:"day_number"`
	Timestamp   time.Time `json:"timestamp"`
}

type Vote struct {
	ID        int64     `json:"id"`
	GameID    int64     `json:"game_id"`
	VoterID   int64     `json:"voter_id"`
	TargetID  *int64    `json:"target_id"`
	VoteType  string    `json:"vote_type"`
	DayNumber int       `json:"day_number"`
	CastAt    time.Time `json:"cast_at"`
}

// GameSession is the authoritative game entity.
type GameSession struct {
	ID          int64        `json:"id"`
	HostID      int64        `json:"host_id"`
	JoinCode    string       `json:"join_code"`
	ScriptID    int64        `json:"script_id"`
	Phase       Phase        `json:"phase"`
	DayNumber   int          `json:"day_number"`
	Settings    Settings     `json:"settings"`
	Players     []Player     `json:"players"`
	Nominations []Nomination `json:"nominations"`
	Votes       []Vote       `json:"votes"`
	// LastVoteID only grows, so loading a state never hands out a vote id twice.
	LastVoteID  int64        `json:"last_vote_id"`
	Winner      string       `json:"winner,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// Player returns the player with the given player id.
func (g *GameSession) Player(playerID int64) *Player {
	for i := range g.Players {
		if g.Players[i].ID == playerID {
			return &g.Players[i]
		}
	}
	return nil
}

// PlayerByUser returns the player row belonging to a user.
func (g *GameSession) PlayerByUser(userID int64) *Player {
	for i := range g.Players {
		if g.Players[i].UserID == userID {
			return &g.Players[i]
		}
	}
	return nil
}

func (g *GameSession) AliveCount() int {
	n := 0
	for _, p := range g.Players {
		if p.IsAlive {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the session.
func (g *GameSession) Clone() *GameSession {
	if g == nil {
		return nil
	}
	c := *g
	if g.Players != nil {
		c.Players = make([]Player, len(g.Players))
		for i, p := range g.Players {
			if p.Role != nil {
				role := *p.Role
				p.Role = &role
			}
			if p.DiedAt != nil {
				diedAt := *p.DiedAt
				p.DiedAt = &diedAt
			}
			c.Players[i] = p
		}
	}
	if g.Nominations != nil {
		c.Nominations = append([]Nomination(nil), g.Nominations...)
	}
	if g.Votes != nil {
		c.Votes = make([]Vote, len(g.Votes))
		for i, v := range g.Votes {
			if v.TargetID != nil {
				target := *v.TargetID
				v.TargetID = &target
			}
			c.Votes[i] = v
		}
	}
	if g.StartedAt != nil {
		startedAt := *g.StartedAt
		c.StartedAt = &startedAt
	}
	if g.EndedAt != nil {
		endedAt := *g.EndedAt
		c.EndedAt = &endedAt
	}
	return &c
}

// Action log entry types.
const (
	ActionGameCreated    = "game_created"
	ActionPlayerJoined   = "player_joined"
	ActionPlayerLeft     = "player_left"
	ActionReadyChanged   = "ready_changed"
	ActionGameStarted    = "game_started"
	ActionPhaseChanged   = "phase_changed"
	ActionVoteCast       = "vote_cast"
	ActionNominationMade = "nomination_made"
	ActionStateSaved     = "state_saved"
	ActionLoadState      = "load_state"
	ActionUndo           = "undo_action"
	ActionGameFinished   = "game_finished"
)

// ActionLogEntry records one performed mutating operation. Only IsUndone ever changes.
type ActionLogEntry struct {
	ID          int64           `json:"id"`
	GameID      int64           `json:"game_id"`
	Type        string          `json:"action_type"`
	Payload     json.RawMessage `json:"action_data"`
	PerformedBy int64           `json:"performed_by"`
	PerformedAt time.Time       `json:"performed_at"`
	IsUndone    bool            `json:"is_undone"`
	UndoReason  string          `json:"undo_reason,omitempty"`
	UndoOf      *int64          `json:"undo_of,omitempty"`
	Phase       Phase           `json:"phase"`
	DayNumber   int             `json:"day_number"`
}

// Undoable reports whether the entry may still be compensated.
func (a *ActionLogEntry) Undoable() bool {
	return !a.IsUndone && a.Type != ActionUndo && a.UndoOf == nil
}

type SnapshotPreview struct {
	Name        string `json:"name"`
	PlayerCount int    `json:"player_count"`
	AliveCount  int    `json:"alive_count"`
	Phase       Phase  `json:"phase"`
	Day         int    `json:"day"`
}

// StateSnapshot is an immutable full copy of a game. Payload is only populated server side.
type StateSnapshot struct {
	ID        int64           `json:"id"`
	GameID    int64           `json:"game_id"`
	Name      string          `json:"state_name"`
	CreatedBy int64           `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	IsAuto    bool            `json:"is_auto_save"`
	Phase     Phase           `json:"phase"`
	DayNumber int             `json:"day_number"`
	Preview   SnapshotPreview `json:"state_preview"`
	Payload   json.RawMessage `json:"-"`
}

type HistoryPreview struct {
	TotalActions     int    `json:"total_actions"`
	FinalPlayerCount int    `json:"final_player_count"`
	WinnerTeam       string `json:"winner_team"`
	DurationMinutes  int    `json:"duration_minutes"`
}

type GameHistory struct {
	ID              int64           `json:"id"`
	GameID          int64           `json:"game_id"`
	WinnerTeam      string          `json:"winner_team"`
	DurationSeconds int             `json:"game_duration"`
	TotalDays       int             `json:"total_days"`
	TotalExecutions int             `json:"total_executions"`
	CreatedAt       time.Time       `json:"created_at"`
	Preview         HistoryPreview  `json:"history_preview"`
	HistoryData     json.RawMessage `json:"history_data,omitempty"`
	FinalState      json.RawMessage `json:"final_state,omitempty"`
}
