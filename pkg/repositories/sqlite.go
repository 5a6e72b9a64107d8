package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/mattn/go-sqlite3"
)

// sqliteQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type SQLiteRepository struct {
	db *sql.DB
	q  sqliteQuerier
	// inTx is set on repositories handed to InTx callbacks
	inTx bool
}

func NewSQLiteRepository(ctx context.Context, path string, migrations string) (Repository, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// a single connection serializes writers and keeps transactions on one handle
	db.SetMaxOpenConns(1)

	if err := runSQLiteMigrations(ctx, db, migrations); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{
		db: db,
		q:  db,
	}, nil
}

func runSQLiteMigrations(ctx context.Context, db *sql.DB, migrations string) error {
	dir, err := os.ReadDir(migrations)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %v", err)
	}
	sort.Slice(dir, func(i, j int) bool { return dir[i].Name() < dir[j].Name() })

	for _, entry := range dir {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}

		migrationPath := filepath.Join(migrations, entry.Name())
		migration, err := os.ReadFile(migrationPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %v", migrationPath, err)
		}

		if _, err := db.ExecContext(ctx, string(migration)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %v", migrationPath, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	if r.inTx {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	if err := fn(ctx, &SQLiteRepository{db: r.db, q: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction: %v (cause: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, uid string, username string) (*models.User, error) {
	q := `
	INSERT INTO users (uid, username, created_at) VALUES (?, ?, ?)
	ON CONFLICT (uid) DO UPDATE SET username = excluded.username
	RETURNING id;
	`
	user := &models.User{UID: uid, Username: username}
	if err := r.q.QueryRowContext(ctx, q, uid, username, millis(time.Now())).Scan(&user.ID); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %v", err)
	}
	return user, nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	q := `SELECT id, uid, username FROM users WHERE id = ?;`
	user := &models.User{}
	if err := r.q.QueryRowContext(ctx, q, userID).Scan(&user.ID, &user.UID, &user.Username); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get user: %v", err)
	}
	return user, nil
}

func (r *SQLiteRepository) CreateGame(ctx context.Context, game *models.GameSession) error {
	doc, err := encodeGame(game)
	if err != nil {
		return err
	}

	now := millis(time.Now())
	q := `
	INSERT INTO games (host_id, join_code, phase, doc, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	RETURNING id;
	`
	if err := r.q.QueryRowContext(ctx, q, game.HostID, game.JoinCode, string(game.Phase), string(doc), now, now).Scan(&game.ID); err != nil {
		if isSQLiteUniqueViolation(err) {
			return &ErrConflict{Reason: fmt.Sprintf("join code %s is in use", game.JoinCode)}
		}
		return fmt.Errorf("failed to insert game: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) GetGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	q := `SELECT id, doc FROM games WHERE id = ?;`
	return r.scanGame(r.q.QueryRowContext(ctx, q, gameID))
}

func (r *SQLiteRepository) GetActiveGameByJoinCode(ctx context.Context, joinCode string) (*models.GameSession, error) {
	q := `SELECT id, doc FROM games WHERE join_code = ? AND phase <> 'finished';`
	return r.scanGame(r.q.QueryRowContext(ctx, q, joinCode))
}

func (r *SQLiteRepository) scanGame(row *sql.Row) (*models.GameSession, error) {
	var id int64
	var doc []byte
	if err := row.Scan(&id, &doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get game: %v", err)
	}
	return decodeGame(id, doc)
}

func (r *SQLiteRepository) UpdateGame(ctx context.Context, game *models.GameSession) error {
	doc, err := encodeGame(game)
	if err != nil {
		return err
	}

	q := `UPDATE games SET join_code = ?, phase = ?, doc = ?, updated_at = ? WHERE id = ?;`
	res, err := r.q.ExecContext(ctx, q, game.JoinCode, string(game.Phase), string(doc), millis(time.Now()), game.ID)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return &ErrConflict{Reason: fmt.Sprintf("join code %s is in use", game.JoinCode)}
		}
		return fmt.Errorf("failed to update game: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %v", err)
	}
	if n == 0 {
		return &ErrNotFound{}
	}
	return nil
}

func (r *SQLiteRepository) AppendAction(ctx context.Context, entry *models.ActionLogEntry) error {
	q := `
	INSERT INTO actions (game_id, action_type, action_data, performed_by, performed_at, is_undone, undo_reason, undo_of, phase, day_number)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id;
	`
	var undoOf sql.NullInt64
	if entry.UndoOf != nil {
		undoOf = sql.NullInt64{Int64: *entry.UndoOf, Valid: true}
	}
	err := r.q.QueryRowContext(ctx, q,
		entry.GameID, entry.Type, string(orEmptyJSON(entry.Payload)), entry.PerformedBy, millis(entry.PerformedAt),
		entry.IsUndone, entry.UndoReason, undoOf, string(entry.Phase), entry.DayNumber,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert action: %v", err)
	}
	return nil
}

const sqliteActionColumns = `id, game_id, action_type, action_data, performed_by, performed_at, is_undone, undo_reason, undo_of, phase, day_number`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteAction(row rowScanner) (*models.ActionLogEntry, error) {
	entry := &models.ActionLogEntry{}
	var payload []byte
	var performedAt int64
	var undoOf sql.NullInt64
	var phase string
	if err := row.Scan(&entry.ID, &entry.GameID, &entry.Type, &payload, &entry.PerformedBy, &performedAt,
		&entry.IsUndone, &entry.UndoReason, &undoOf, &phase, &entry.DayNumber); err != nil {
		return nil, err
	}
	entry.Payload = json.RawMessage(payload)
	entry.PerformedAt = fromMillis(performedAt)
	entry.Phase = models.Phase(phase)
	if undoOf.Valid {
		id := undoOf.Int64
		entry.UndoOf = &id
	}
	return entry, nil
}

func (r *SQLiteRepository) GetAction(ctx context.Context, gameID int64, actionID int64) (*models.ActionLogEntry, error) {
	q := `SELECT ` + sqliteActionColumns + ` FROM actions WHERE game_id = ? AND id = ?;`
	entry, err := scanSQLiteAction(r.q.QueryRowContext(ctx, q, gameID, actionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get action: %v", err)
	}
	return entry, nil
}

func (r *SQLiteRepository) MarkActionUndone(ctx context.Context, gameID int64, actionID int64, reason string) error {
	q := `UPDATE actions SET is_undone = 1, undo_reason = ? WHERE game_id = ? AND id = ? AND is_undone = 0;`
	res, err := r.q.ExecContext(ctx, q, reason, gameID, actionID)
	if err != nil {
		return fmt.Errorf("failed to mark action undone: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %v", err)
	}
	if n == 0 {
		if _, err := r.GetAction(ctx, gameID, actionID); err != nil {
			return err
		}
		return &ErrConflict{Reason: fmt.Sprintf("action %d is already undone", actionID)}
	}
	return nil
}

func (r *SQLiteRepository) ListActions(ctx context.Context, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error) {
	q := `SELECT ` + sqliteActionColumns + ` FROM actions WHERE game_id = ? ORDER BY performed_at DESC, id DESC LIMIT ? OFFSET ?;`
	rows, err := r.q.QueryContext(ctx, q, gameID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %v", err)
	}
	defer rows.Close()

	entries := []models.ActionLogEntry{}
	for rows.Next() {
		entry, err := scanSQLiteAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %v", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %v", err)
	}
	return entries, nil
}

func (r *SQLiteRepository) CountActions(ctx context.Context, gameID int64) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE game_id = ?;`, gameID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %v", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CreateSnapshot(ctx context.Context, snapshot *models.StateSnapshot) error {
	preview, err := encodePreview(snapshot.Preview)
	if err != nil {
		return err
	}

	q := `
	INSERT INTO snapshots (game_id, state_name, created_by, created_at, is_auto_save, phase, day_number, preview, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id;
	`
	err = r.q.QueryRowContext(ctx, q,
		snapshot.GameID, snapshot.Name, snapshot.CreatedBy, millis(snapshot.CreatedAt), snapshot.IsAuto,
		string(snapshot.Phase), snapshot.DayNumber, string(preview), string(orEmptyJSON(snapshot.Payload)),
	).Scan(&snapshot.ID)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSnapshot(ctx context.Context, gameID int64, snapshotID int64) (*models.StateSnapshot, error) {
	q := `
	SELECT id, game_id, state_name, created_by, created_at, is_auto_save, phase, day_number, preview, payload
	FROM snapshots WHERE game_id = ? AND id = ?;
	`
	snapshot := &models.StateSnapshot{}
	var createdAt int64
	var phase string
	var preview, payload []byte
	err := r.q.QueryRowContext(ctx, q, gameID, snapshotID).Scan(&snapshot.ID, &snapshot.GameID, &snapshot.Name,
		&snapshot.CreatedBy, &createdAt, &snapshot.IsAuto, &phase, &snapshot.DayNumber, &preview, &payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get snapshot: %v", err)
	}
	if err := json.Unmarshal(preview, &snapshot.Preview); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot preview: %v", err)
	}
	snapshot.CreatedAt = fromMillis(createdAt)
	snapshot.Phase = models.Phase(phase)
	snapshot.Payload = json.RawMessage(payload)
	return snapshot, nil
}

func (r *SQLiteRepository) ListSnapshots(ctx context.Context, gameID int64) ([]models.StateSnapshot, error) {
	q := `
	SELECT id, game_id, state_name, created_by, created_at, is_auto_save, phase, day_number, preview
	FROM snapshots WHERE game_id = ? ORDER BY created_at DESC, id DESC;
	`
	rows, err := r.q.QueryContext(ctx, q, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %v", err)
	}
	defer rows.Close()

	snapshots := []models.StateSnapshot{}
	for rows.Next() {
		snapshot := models.StateSnapshot{}
		var createdAt int64
		var phase string
		var preview []byte
		if err := rows.Scan(&snapshot.ID, &snapshot.GameID, &snapshot.Name, &snapshot.CreatedBy, &createdAt,
			&snapshot.IsAuto, &phase, &snapshot.DayNumber, &preview); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %v", err)
		}
		if err := json.Unmarshal(preview, &snapshot.Preview); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot preview: %v", err)
		}
		snapshot.CreatedAt = fromMillis(createdAt)
		snapshot.Phase = models.Phase(phase)
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %v", err)
	}
	return snapshots, nil
}

func (r *SQLiteRepository) CreateHistory(ctx context.Context, history *models.GameHistory, userIDs []int64) error {
	preview, err := encodePreview(history.Preview)
	if err != nil {
		return err
	}

	q := `
	INSERT INTO histories (game_id, winner_team, game_duration, total_days, total_executions, created_at, preview, history_data, final_state)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id;
	`
	err = r.q.QueryRowContext(ctx, q,
		history.GameID, history.WinnerTeam, history.DurationSeconds, history.TotalDays, history.TotalExecutions,
		millis(history.CreatedAt), string(preview), string(orEmptyJSON(history.HistoryData)), string(orEmptyJSON(history.FinalState)),
	).Scan(&history.ID)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return &ErrConflict{Reason: fmt.Sprintf("game %d already has a history", history.GameID)}
		}
		return fmt.Errorf("failed to insert history: %v", err)
	}

	for _, userID := range userIDs {
		q := `INSERT OR IGNORE INTO history_players (history_id, user_id) VALUES (?, ?);`
		if _, err := r.q.ExecContext(ctx, q, history.ID, userID); err != nil {
			return fmt.Errorf("failed to insert history player: %v", err)
		}
	}
	return nil
}

func scanSQLiteHistory(row rowScanner, full bool) (*models.GameHistory, error) {
	history := &models.GameHistory{}
	var createdAt int64
	var preview, data, final []byte
	dest := []interface{}{&history.ID, &history.GameID, &history.WinnerTeam, &history.DurationSeconds,
		&history.TotalDays, &history.TotalExecutions, &createdAt, &preview}
	if full {
		dest = append(dest, &data, &final)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(preview, &history.Preview); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history preview: %v", err)
	}
	history.CreatedAt = fromMillis(createdAt)
	if full {
		history.HistoryData = json.RawMessage(data)
		history.FinalState = json.RawMessage(final)
	}
	return history, nil
}

func (r *SQLiteRepository) GetHistory(ctx context.Context, gameID int64) (*models.GameHistory, error) {
	q := `
	SELECT id, game_id, winner_team, game_duration, total_days, total_executions, created_at, preview, history_data, final_state
	FROM histories WHERE game_id = ?;
	`
	history, err := scanSQLiteHistory(r.q.QueryRowContext(ctx, q, gameID), true)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get history: %v", err)
	}
	return history, nil
}

func (r *SQLiteRepository) ListUserHistories(ctx context.Context, userID int64) ([]models.GameHistory, error) {
	q := `
	SELECT h.id, h.game_id, h.winner_team, h.game_duration, h.total_days, h.total_executions, h.created_at, h.preview
	FROM histories h JOIN history_players hp ON hp.history_id = h.id
	WHERE hp.user_id = ? ORDER BY h.created_at DESC, h.id DESC;
	`
	rows, err := r.q.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %v", err)
	}
	defer rows.Close()

	histories := []models.GameHistory{}
	for rows.Next() {
		history, err := scanSQLiteHistory(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %v", err)
		}
		histories = append(histories, *history)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate histories: %v", err)
	}
	return histories, nil
}
