package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/repositories"
)

const (
	MinPlayers      = 5
	MaxPlayersLimit = 15

	JoinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	joinCodeAttempts = 10

	DefaultVoteType   = "execution"
	DefaultUndoReason = "Undone by host"
	MaxStateNameRunes = 100
	DefaultActionPage = 50
	MaxActionPage     = 200
)

// Service owns the game rules. Mutations of one game are serialized and every
// mutation is recorded in the action log within the same transaction.
type Service struct {
	repo repositories.Repository
	now  func() time.Time

	randLock sync.Mutex
	rand     *rand.Rand

	locksLock sync.Mutex
	locks     map[int64]*sync.Mutex
}

type NewServiceOptions struct {
	Repository repositories.Repository
	// Now defaults to time.Now.
	Now func() time.Time
	// Seed makes role assignment and join codes reproducible when non-zero.
	Seed int64
}

func NewService(opts NewServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		repo:  opts.Repository,
		now:   func() time.Time { return now().UTC() },
		rand:  rand.New(rand.NewSource(seed)),
		locks: make(map[int64]*sync.Mutex),
	}
}

// lockGame blocks until the caller holds the game's mutation lock.
func (s *Service) lockGame(gameID int64) func() {
	s.locksLock.Lock()
	l, ok := s.locks[gameID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[gameID] = l
	}
	s.locksLock.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Service) withRand(fn func(r *rand.Rand)) {
	s.randLock.Lock()
	defer s.randLock.Unlock()
	fn(s.rand)
}

func (s *Service) newJoinCode() string {
	b := make([]byte, JoinCodeLength)
	s.withRand(func(r *rand.Rand) {
		for i := range b {
			b[i] = joinCodeAlphabet[r.Intn(len(joinCodeAlphabet))]
		}
	})
	return string(b)
}

type mutation func(ctx context.Context, tx repositories.Repository, game *models.GameSession) error

// mutate loads the game under its lock, applies fn and persists the result in one transaction.
func (s *Service) mutate(ctx context.Context, gameID int64, fn mutation) (*models.GameSession, error) {
	unlock := s.lockGame(gameID)
	defer unlock()

	var result *models.GameSession
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repositories.Repository) error {
		game, err := tx.GetGame(ctx, gameID)
		if err != nil {
			return fromRepo(err, "game")
		}
		if err := fn(ctx, tx, game); err != nil {
			return err
		}
		if err := tx.UpdateGame(ctx, game); err != nil {
			return fromRepo(err, "game")
		}
		result = game
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, tx repositories.Repository, game *models.GameSession, userID int64, actionType string, data interface{}) (*models.ActionLogEntry, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s action: %v", actionType, err)
	}
	entry := &models.ActionLogEntry{
		GameID:      game.ID,
		Type:        actionType,
		Payload:     payload,
		PerformedBy: userID,
		PerformedAt: s.now(),
		Phase:       game.Phase,
		DayNumber:   game.DayNumber,
	}
	if err := tx.AppendAction(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record %s action: %v", actionType, err)
	}
	log.Debug("Recorded %s action %d for game %d", actionType, entry.ID, game.ID)
	return entry, nil
}

func requireHost(game *models.GameSession, userID int64, what string) error {
	if game.HostID != userID {
		return newError(ErrForbidden, "only the host can %s", what)
	}
	return nil
}

func requireMember(game *models.GameSession, userID int64) error {
	if game.HostID == userID || game.PlayerByUser(userID) != nil {
		return nil
	}
	return newError(ErrForbidden, "you are not in this game")
}

func requireNotFinished(game *models.GameSession) error {
	if game.Phase == models.PhaseFinished {
		return newError(ErrInvalid, "game is finished")
	}
	return nil
}

// visibleTo hides role assignments of other players unless the viewer is the host.
func visibleTo(game *models.GameSession, userID int64) *models.GameSession {
	c := game.Clone()
	if c.HostID == userID {
		return c
	}
	for i := range c.Players {
		if c.Players[i].UserID != userID {
			c.Players[i].Role = nil
		}
	}
	return c
}

func nextPlayerID(game *models.GameSession) int64 {
	var max int64
	for _, p := range game.Players {
		if p.ID > max {
			max = p.ID
		}
	}
	return max + 1
}

func nextSeat(game *models.GameSession) int {
	seat := 0
	for _, p := range game.Players {
		if p.Seat >= seat {
			seat = p.Seat + 1
		}
	}
	return seat
}

func nextVoteID(game *models.GameSession) int64 {
	reserveVoteIDs(game)
	game.LastVoteID++
	return game.LastVoteID
}

// reserveVoteIDs moves the vote counter past every vote of the game, for games stored before it existed.
func reserveVoteIDs(game *models.GameSession) {
	for _, v := range game.Votes {
		if v.ID > game.LastVoteID {
			game.LastVoteID = v.ID
		}
	}
}
