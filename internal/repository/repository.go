// Package repository is the one place SQL lives. It talks to the
// submission database: teams, submissions, games, and
// games_submissions.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siggame/pyrena-arena/internal/models"
)

// PgPool is the subset of pgxpool.Pool the repository uses; the narrow
// interface keeps the SQL layer mockable without a live database.
type PgPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Repository implements the arena's typed queries against Postgres.
type Repository struct {
	pool PgPool
}

// New wraps an existing pgx pool. The caller owns the pool's lifecycle.
func New(pool PgPool) *Repository {
	return &Repository{pool: pool}
}

// Connect dials Postgres using the assembled DSN and verifies the
// connection with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ListLatestEligibleSubmissions returns, for every team eligible for play,
// the max non-failed submission version.
func (r *Repository) ListLatestEligibleSubmissions(ctx context.Context) ([]models.Submission, error) {
	const q = `
SELECT s.id, t.name, s.team_id, s.version, s.status, s.created_at
FROM submissions s
INNER JOIN (
    SELECT team_id, MAX(version) as version
    FROM submissions
    WHERE status != 'failed'
    GROUP BY team_id
) m ON s.team_id = m.team_id AND s.version = m.version
INNER JOIN teams t ON s.team_id = t.id
WHERE t.team_captain_id IS NOT NULL
AND t.is_eligible
AND s.status != 'failed'
`
	return r.scanSubmissions(ctx, q)
}

// ListAllSubmissions returns every submission, used to hydrate
// submission_ids stored in queued-game rows into full objects.
func (r *Repository) ListAllSubmissions(ctx context.Context) ([]models.Submission, error) {
	const q = `
SELECT s.id, t.name, s.team_id, s.version, s.status, s.created_at
FROM submissions s
INNER JOIN teams t ON s.team_id = t.id
`
	return r.scanSubmissions(ctx, q)
}

func (r *Repository) scanSubmissions(ctx context.Context, q string, args ...any) ([]models.Submission, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		var s models.Submission
		if err := rows.Scan(&s.ID, &s.Name, &s.TeamID, &s.Version, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListRecentGames returns, for each game created within lookback, its id,
// status, and the two submission ids attached to it.
func (r *Repository) ListRecentGames(ctx context.Context, lookback time.Duration) ([]models.RecentGame, error) {
	const q = `
SELECT g.id, g.status, array_agg(gs.submission_id ORDER BY gs.submission_id)
FROM games g
INNER JOIN games_submissions gs ON g.id = gs.game_id
WHERE g.created_at > (now() - $1::interval)
GROUP BY g.id, g.status
`
	rows, err := r.pool.Query(ctx, q, lookback.String())
	if err != nil {
		return nil, fmt.Errorf("query recent games: %w", err)
	}
	defer rows.Close()

	var out []models.RecentGame
	for rows.Next() {
		var rg models.RecentGame
		var ids []int
		if err := rows.Scan(&rg.ID, &rg.Status, &ids); err != nil {
			return nil, fmt.Errorf("scan recent game: %w", err)
		}
		if len(ids) != 2 {
			return nil, fmt.Errorf("game %d does not have exactly two submissions", rg.ID)
		}
		rg.SubmissionIDs = [2]int{ids[0], ids[1]}
		out = append(out, rg)
	}
	return out, rows.Err()
}

// ClaimQueuedGame atomically picks the lowest-id queued game, flips it to
// playing, and returns its id plus the two submission ids attached to it.
// ok is false when there was nothing queued. The UPDATE...FOR UPDATE SKIP
// LOCKED subselect is what makes the claim linearisable across concurrent
// runners.
func (r *Repository) ClaimQueuedGame(ctx context.Context) (gameID int, submissionIDs [2]int, ok bool, err error) {
	const claimQ = `
UPDATE games g
SET status = 'playing'
WHERE id = (
  SELECT id FROM games
  WHERE status = 'queued'
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING g.id
`
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, submissionIDs, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, claimQ)
	if err := row.Scan(&gameID); err != nil {
		if err == pgx.ErrNoRows {
			return 0, submissionIDs, false, nil
		}
		return 0, submissionIDs, false, fmt.Errorf("claim queued game: %w", err)
	}

	const idsQ = `SELECT submission_id FROM games_submissions WHERE game_id = $1 ORDER BY submission_id`
	rows, err := tx.Query(ctx, idsQ, gameID)
	if err != nil {
		return 0, submissionIDs, false, fmt.Errorf("query claimed game submissions: %w", err)
	}
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, submissionIDs, false, fmt.Errorf("scan claimed submission id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, submissionIDs, false, err
	}
	if len(ids) != 2 {
		return 0, submissionIDs, false, fmt.Errorf("claimed game %d does not have exactly two submissions", gameID)
	}
	submissionIDs = [2]int{ids[0], ids[1]}

	if err := tx.Commit(ctx); err != nil {
		return 0, submissionIDs, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return gameID, submissionIDs, true, nil
}

// PeekQueuedGameID returns the lowest queued game id without locking or
// claiming it, used only to feed the cache layer's cooperative claim
// hint. found is false when nothing is queued.
func (r *Repository) PeekQueuedGameID(ctx context.Context) (gameID int, found bool, err error) {
	const q = `SELECT id FROM games WHERE status = 'queued' ORDER BY id LIMIT 1`
	if err := r.pool.QueryRow(ctx, q).Scan(&gameID); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("peek queued game: %w", err)
	}
	return gameID, true, nil
}

// CreatePlayingGame inserts a game with status playing plus its two
// games_submissions rows, in one transaction.
func (r *Repository) CreatePlayingGame(ctx context.Context, left, right int) (int, error) {
	return r.insertGame(ctx, models.GamePlaying, left, right)
}

// CreateQueuedGame inserts a game with status queued plus its two
// games_submissions rows, in one transaction.
func (r *Repository) CreateQueuedGame(ctx context.Context, left, right int) (int, error) {
	return r.insertGame(ctx, models.GameQueued, left, right)
}

func (r *Repository) insertGame(ctx context.Context, status models.GameStatus, left, right int) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert game tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var gameID int
	const insertGameQ = `INSERT INTO games (status) VALUES ($1) RETURNING id`
	if err := tx.QueryRow(ctx, insertGameQ, status).Scan(&gameID); err != nil {
		return 0, fmt.Errorf("insert game: %w", err)
	}

	const insertSubsQ = `
INSERT INTO games_submissions (game_id, submission_id) VALUES ($1, $2), ($1, $3)
`
	if _, err := tx.Exec(ctx, insertSubsQ, gameID, left, right); err != nil {
		return 0, fmt.Errorf("insert games_submissions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert game tx: %w", err)
	}
	return gameID, nil
}

// LoadSubmissionBlob returns the zip bytes for a submission.
func (r *Repository) LoadSubmissionBlob(ctx context.Context, submissionID int) ([]byte, error) {
	const q = `SELECT data FROM submissions WHERE id = $1`
	var data []byte
	if err := r.pool.QueryRow(ctx, q, submissionID).Scan(&data); err != nil {
		return nil, fmt.Errorf("load submission %d blob: %w", submissionID, err)
	}
	return data, nil
}

// SetSubmissionStatus updates a submission's status and log url.
func (r *Repository) SetSubmissionStatus(ctx context.Context, submissionID int, status models.SubmissionStatus, logURL string) error {
	const q = `UPDATE submissions SET status = $1, log_url = $2 WHERE id = $3`
	if _, err := r.pool.Exec(ctx, q, status, logURL, submissionID); err != nil {
		return fmt.Errorf("set submission %d status: %w", submissionID, err)
	}
	return nil
}

// SetGameFinished records a completed match outcome.
func (r *Repository) SetGameFinished(ctx context.Context, gameID int, winReason, loseReason string, winnerID int, logURL string) error {
	const q = `
UPDATE games SET status = 'finished', win_reason = $1, lose_reason = $2, winner_id = $3, log_url = $4
WHERE id = $5
`
	if _, err := r.pool.Exec(ctx, q, winReason, loseReason, winnerID, logURL, gameID); err != nil {
		return fmt.Errorf("set game %d finished: %w", gameID, err)
	}
	return nil
}

// SetGameFailed marks a game failed with a single reason used for both
// win_reason and lose_reason.
func (r *Repository) SetGameFailed(ctx context.Context, gameID int, reason string) error {
	const q = `UPDATE games SET status = 'failed', win_reason = $1, lose_reason = $1 WHERE id = $2`
	if _, err := r.pool.Exec(ctx, q, reason, gameID); err != nil {
		return fmt.Errorf("set game %d failed: %w", gameID, err)
	}
	return nil
}

// SetGameSubmissionOutput records the uploaded per-side stdout url.
func (r *Repository) SetGameSubmissionOutput(ctx context.Context, gameID, submissionID int, url string) error {
	const q = `UPDATE games_submissions SET output_url = $1 WHERE game_id = $2 AND submission_id = $3`
	if _, err := r.pool.Exec(ctx, q, url, gameID, submissionID); err != nil {
		return fmt.Errorf("set game %d submission %d output: %w", gameID, submissionID, err)
	}
	return nil
}

// ListGamesByIDs fetches the current status/winner/log_url for a set of
// game ids, used by the bracket engine to refresh its in-memory node
// arena.
func (r *Repository) ListGamesByIDs(ctx context.Context, ids []int) ([]models.Game, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT id, status, winner_id, log_url FROM games WHERE id = ANY($1::int[])`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("list games by id: %w", err)
	}
	defer rows.Close()

	var out []models.Game
	for rows.Next() {
		var g models.Game
		var winnerID *int
		if err := rows.Scan(&g.ID, &g.Status, &winnerID, &g.LogURL); err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		g.WinnerID = winnerID
		out = append(out, g)
	}
	return out, rows.Err()
}

// FindReusableFinishedGame returns the highest-id finished game whose two
// submissions are exactly (left, right) and whose id is not in excluded,
// or nil if none exists.
func (r *Repository) FindReusableFinishedGame(ctx context.Context, left, right int, excluded []int) (*models.Game, error) {
	if len(excluded) == 0 {
		excluded = []int{-1}
	}
	const q = `
SELECT g.id, g.winner_id, g.log_url, g.status
FROM games g
INNER JOIN games_submissions gs1 ON g.id = gs1.game_id
INNER JOIN games_submissions gs2 ON g.id = gs2.game_id
WHERE gs1.submission_id = $1
AND gs2.submission_id = $2
AND g.status = 'finished'
AND NOT (g.id = ANY($3::int[]))
ORDER BY g.id DESC
LIMIT 1
`
	var g models.Game
	var winnerID *int
	err := r.pool.QueryRow(ctx, q, left, right, excluded).Scan(&g.ID, &winnerID, &g.LogURL, &g.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find reusable game %d/%d: %w", left, right, err)
	}
	g.WinnerID = winnerID
	return &g, nil
}
