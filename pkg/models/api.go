package models

// Request and response bodies of the HTTP API. Shared by the server handlers and the client transport.

type CreateGameRequest struct {
	ScriptID int64     `json:"script_id"`
	Settings *Settings `json:"settings,omitempty"`
}

type JoinGameRequest struct {
	JoinCode string `json:"join_code"`
}

type VoteRequest struct {
	TargetID *int64 `json:"target_id"`
	VoteType string `json:"vote_type"`
}

type NominateRequest struct {
	TargetID int64 `json:"target_id"`
}

type SaveStateRequest struct {
	StateName string `json:"state_name"`
}

type UndoActionRequest struct {
	Reason string `json:"reason"`
}

type FinishGameRequest struct {
	WinnerTeam string `json:"winner_team"`
}

type GameResponse struct {
	Game *GameSession `json:"game"`
}

type ReadyResponse struct {
	IsReady bool `json:"is_ready"`
}

type VoteResponse struct {
	Vote *Vote `json:"vote"`
}

type NominationsResponse struct {
	Nominations []Nomination `json:"nominations"`
}

type GameStateResponse struct {
	GameState *StateSnapshot `json:"game_state"`
}

type StatesResponse struct {
	States []StateSnapshot `json:"states"`
}

type ActionsResponse struct {
	Actions []ActionLogEntry `json:"actions"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type FinishGameResponse struct {
	Message string       `json:"message"`
	History *GameHistory `json:"history"`
}

type HistoryResponse struct {
	History *GameHistory `json:"history"`
}

type HistoriesResponse struct {
	Histories []GameHistory `json:"histories"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried by ErrorResponse.
const (
	CodeInvalid   = "invalid"
	CodeForbidden = "forbidden"
	CodeNotFound  = "not_found"
	CodeConflict  = "conflict"
	CodeUnauth    = "unauthorized"
	CodeInternal  = "internal"
)
