package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type PostgresRepository struct {
	pool *pgxpool.Pool
	q    pgQuerier
	tx   pgx.Tx
}

// NewPostgresRepository connects to the database and applies the migrations in
// the given directory when it is not empty.
// The caller is responsible for calling Close() on the repository.
func NewPostgresRepository(ctx context.Context, connStr string, migrations string) (Repository, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %v", err)
	}

	var username string
	var database string
	err = pool.QueryRow(ctx, "SELECT current_user, current_database()").Scan(&username, &database)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to query database: %v", err)
	}
	log.Info("Connected to %s as %s", database, username)

	if migrations != "" {
		if err := runPostgresMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresRepository{
		pool: pool,
		q:    pool,
	}, nil
}

func runPostgresMigrations(ctx context.Context, pool *pgxpool.Pool, migrations string) error {
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

		// without arguments pgx uses the simple protocol, which accepts multiple statements
		if _, err := pool.Exec(ctx, string(migration)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %v", migrationPath, err)
		}
	}
	return nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r.tx != nil {
		return nil
	}
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	if err := fn(ctx, &PostgresRepository{pool: r.pool, q: tx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction: %v (cause: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func (r *PostgresRepository) CreateUser(ctx context.Context, uid string, username string) (*models.User, error) {
	q := `
	INSERT INTO users (uid, username, created_at) VALUES ($1, $2, $3)
	ON CONFLICT (uid) DO UPDATE SET username = EXCLUDED.username
	RETURNING id;
	`
	user := &models.User{UID: uid, Username: username}
	if err := r.q.QueryRow(ctx, q, uid, username, millis(time.Now())).Scan(&user.ID); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %v", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	user := &models.User{}
	err := r.q.QueryRow(ctx, `SELECT id, uid, username FROM users WHERE id = $1;`, userID).Scan(&user.ID, &user.UID, &user.Username)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get user: %v", err)
	}
	return user, nil
}

func (r *PostgresRepository) CreateGame(ctx context.Context, game *models.GameSession) error {
	doc, err := encodeGame(game)
	if err != nil {
		return err
	}

	now := millis(time.Now())
	q := `
	INSERT INTO games (host_id, join_code, phase, doc, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id;
	`
	if err := r.q.QueryRow(ctx, q, game.HostID, game.JoinCode, string(game.Phase), string(doc), now, now).Scan(&game.ID); err != nil {
		if isPgUniqueViolation(err) {
			return &ErrConflict{Reason: fmt.Sprintf("join code %s is in use", game.JoinCode)}
		}
		return fmt.Errorf("failed to insert game: %v", err)
	}
	return nil
}

func (r *PostgresRepository) GetGame(ctx context.Context, gameID int64) (*models.GameSession, error) {
	return r.scanGame(r.q.QueryRow(ctx, `SELECT id, doc FROM games WHERE id = $1;`, gameID))
}

func (r *PostgresRepository) GetActiveGameByJoinCode(ctx context.Context, joinCode string) (*models.GameSession, error) {
	q := `SELECT id, doc FROM games WHERE join_code = $1 AND phase <> 'finished';`
	return r.scanGame(r.q.QueryRow(ctx, q, joinCode))
}

func (r *PostgresRepository) scanGame(row pgx.Row) (*models.GameSession, error) {
	var id int64
	var doc []byte
	if err := row.Scan(&id, &doc); err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get game: %v", err)
	}
	return decodeGame(id, doc)
}

func (r *PostgresRepository) UpdateGame(ctx context.Context, game *models.GameSession) error {
	doc, err := encodeGame(game)
	if err != nil {
		return err
	}

	q := `UPDATE games SET join_code = $1, phase = $2, doc = $3, updated_at = $4 WHERE id = $5;`
	tag, err := r.q.Exec(ctx, q, game.JoinCode, string(game.Phase), string(doc), millis(time.Now()), game.ID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return &ErrConflict{Reason: fmt.Sprintf("join code %s is in use", game.JoinCode)}
		}
		return fmt.Errorf("failed to update game: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{}
	}
	return nil
}

func (r *PostgresRepository) AppendAction(ctx context.Context, entry *models.ActionLogEntry) error {
	q := `
	INSERT INTO actions (game_id, action_type, action_data, performed_by, performed_at, is_undone, undo_reason, undo_of, phase, day_number)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id;
	`
	err := r.q.QueryRow(ctx, q,
		entry.GameID, entry.Type, string(orEmptyJSON(entry.Payload)), entry.PerformedBy, millis(entry.PerformedAt),
		entry.IsUndone, entry.UndoReason, entry.UndoOf, string(entry.Phase), entry.DayNumber,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert action: %v", err)
	}
	return nil
}

const pgActionColumns = `id, game_id, action_type, action_data, performed_by, performed_at, is_undone, undo_reason, undo_of, phase, day_number`

func scanPgAction(row pgx.Row) (*models.ActionLogEntry, error) {
	entry := &models.ActionLogEntry{}
	var payload []byte
	var performedAt int64
	var phase string
	if err := row.Scan(&entry.ID, &entry.GameID, &entry.Type, &payload, &entry.PerformedBy, &performedAt,
		&entry.IsUndone, &entry.UndoReason, &entry.UndoOf, &phase, &entry.DayNumber); err != nil {
		return nil, err
	}
	entry.Payload = json.RawMessage(payload)
	entry.PerformedAt = fromMillis(performedAt)
	entry.Phase = models.Phase(phase)
	return entry, nil
}

func (r *PostgresRepository) GetAction(ctx context.Context, gameID int64, actionID int64) (*models.ActionLogEntry, error) {
	q := `SELECT ` + pgActionColumns + ` FROM actions WHERE game_id = $1 AND id = $2;`
	entry, err := scanPgAction(r.q.QueryRow(ctx, q, gameID, actionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get action: %v", err)
	}
	return entry, nil
}

func (r *PostgresRepository) MarkActionUndone(ctx context.Context, gameID int64, actionID int64, reason string) error {
	q := `UPDATE actions SET is_undone = TRUE, undo_reason = $1 WHERE game_id = $2 AND id = $3 AND NOT is_undone;`
	tag, err := r.q.Exec(ctx, q, reason, gameID, actionID)
	if err != nil {
		return fmt.Errorf("failed to mark action undone: %v", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetAction(ctx, gameID, actionID); err != nil {
			return err
		}
		return &ErrConflict{Reason: fmt.Sprintf("action %d is already undone", actionID)}
	}
	return nil
}

func (r *PostgresRepository) ListActions(ctx context.Context, gameID int64, limit int, offset int) ([]models.ActionLogEntry, error) {
	q := `SELECT ` + pgActionColumns + ` FROM actions WHERE game_id = $1 ORDER BY performed_at DESC, id DESC LIMIT $2 OFFSET $3;`
	rows, err := r.q.Query(ctx, q, gameID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %v", err)
	}
	defer rows.Close()

	entries := []models.ActionLogEntry{}
	for rows.Next() {
		entry, err := scanPgAction(rows)
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

func (r *PostgresRepository) CountActions(ctx context.Context, gameID int64) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM actions WHERE game_id = $1;`, gameID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %v", err)
	}
	return n, nil
}

func (r *PostgresRepository) CreateSnapshot(ctx context.Context, snapshot *models.StateSnapshot) error {
	preview, err := encodePreview(snapshot.Preview)
	if err != nil {
		return err
	}

	q := `
	INSERT INTO snapshots (game_id, state_name, created_by, created_at, is_auto_save, phase, day_number, preview, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id;
	`
	err = r.q.QueryRow(ctx, q,
		snapshot.GameID, snapshot.Name, snapshot.CreatedBy, millis(snapshot.CreatedAt), snapshot.IsAuto,
		string(snapshot.Phase), snapshot.DayNumber, string(preview), string(orEmptyJSON(snapshot.Payload)),
	).Scan(&snapshot.ID)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %v", err)
	}
	return nil
}

func (r *PostgresRepository) GetSnapshot(ctx context.Context, gameID int64, snapshotID int64) (*models.StateSnapshot, error) {
	q := `
	SELECT id, game_id, state_name, created_by, created_at, is_auto_save, phase, day_number, preview, payload
	FROM snapshots WHERE game_id = $1 AND id = $2;
	`
	snapshot := &models.StateSnapshot{}
	var createdAt int64
	var phase string
	var preview, payload []byte
	err := r.q.QueryRow(ctx, q, gameID, snapshotID).Scan(&snapshot.ID, &snapshot.GameID, &snapshot.Name,
		&snapshot.CreatedBy, &createdAt, &snapshot.IsAuto, &phase, &snapshot.DayNumber, &preview, &payload)
	if err != nil {
		if err == pgx.ErrNoRows {
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

func (r *PostgresRepository) ListSnapshots(ctx context.Context, gameID int64) ([]models.StateSnapshot, error) {
	q := `
	SELECT id, game_id, state_name, created_by, created_at, is_auto_save, phase, day_number, preview
	FROM snapshots WHERE game_id = $1 ORDER BY created_at DESC, id DESC;
	`
	rows, err := r.q.Query(ctx, q, gameID)
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

func (r *PostgresRepository) CreateHistory(ctx context.Context, history *models.GameHistory, userIDs []int64) error {
	preview, err := encodePreview(history.Preview)
	if err != nil {
		return err
	}

	q := `
	INSERT INTO histories (game_id, winner_team, game_duration, total_days, total_executions, created_at, preview, history_data, final_state)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id;
	`
	err = r.q.QueryRow(ctx, q,
		history.GameID, history.WinnerTeam, history.DurationSeconds, history.TotalDays, history.TotalExecutions,
		millis(history.CreatedAt), string(preview), string(orEmptyJSON(history.HistoryData)), string(orEmptyJSON(history.FinalState)),
	).Scan(&history.ID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return &ErrConflict{Reason: fmt.Sprintf("game %d already has a history", history.GameID)}
		}
		return fmt.Errorf("failed to insert history: %v", err)
	}

	batch := &pgx.Batch{}
	for _, userID := range userIDs {
		batch.Queue(`INSERT INTO history_players (history_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING;`, history.ID, userID)
	}
	if batch.Len() == 0 {
		return nil
	}
	var sender interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	} = r.pool
	if r.tx != nil {
		sender = r.tx
	}
	if err := sender.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert history players: %v", err)
	}
	return nil
}

func scanPgHistory(row pgx.Row, full bool) (*models.GameHistory, error) {
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

func (r *PostgresRepository) GetHistory(ctx context.Context, gameID int64) (*models.GameHistory, error) {
	q := `
	SELECT id, game_id, winner_team, game_duration, total_days, total_executions, created_at, preview, history_data, final_state
	FROM histories WHERE game_id = $1;
	`
	history, err := scanPgHistory(r.q.QueryRow(ctx, q, gameID), true)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get history: %v", err)
	}
	return history, nil
}

func (r *PostgresRepository) ListUserHistories(ctx context.Context, userID int64) ([]models.GameHistory, error) {
	q := `
	SELECT h.id, h.game_id, h.winner_team, h.game_duration, h.total_days, h.total_executions, h.created_at, h.preview
	FROM histories h JOIN history_players hp ON hp.history_id = h.id
	WHERE hp.user_id = $1 ORDER BY h.created_at DESC, h.id DESC;
	`
	rows, err := r.q.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %v", err)
	}
	defer rows.Close()

	histories := []models.GameHistory{}
	for rows.Next() {
		history, err := scanPgHistory(rows, false)
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
