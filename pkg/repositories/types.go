package repositories

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/townsquare/pkg/models"
)

type ErrNotFound struct {
}

func (e *ErrNotFound) Error() string {
	return "not found"
}

func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// ErrConflict reports a violated uniqueness or one-way transition.
type ErrConflict struct {
	Reason string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

func IsConflict(err error) bool {
	_, ok := err.(*ErrConflict)
	return ok
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// encodeGame stores the session as a document; the columns next to it only serve lookups.
func encodeGame(game *models.GameSession) ([]byte, error) {
	b, err := json.Marshal(game)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal game: %v", err)
	}
	return b, nil
}

func decodeGame(id int64, doc []byte) (*models.GameSession, error) {
	game := &models.GameSession{}
	if err := json.Unmarshal(doc, game); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game %d: %v", id, err)
	}
	game.ID = id
	return game, nil
}

func encodePreview(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preview: %v", err)
	}
	return b, nil
}

func orEmptyJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
