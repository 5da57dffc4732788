package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"castdeck/internal/domain"
	"castdeck/pkg/logx"
)

// postgresStore targets a hosted Postgres (the production deployment). Same
// schema shape as the sqlite backend, native timestamptz instead of unix
// milliseconds, and a bigserial seq column for creation-order tie-breaks.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    fid          BIGINT NOT NULL UNIQUE,
    username     TEXT NOT NULL,
    display_name TEXT,
    avatar_url   TEXT,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS drafts (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    content    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'draft',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drafts_owner ON drafts(owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS scheduled_posts (
    id             TEXT PRIMARY KEY,
    seq            BIGSERIAL,
    draft_id       TEXT NOT NULL,
    owner_id       TEXT NOT NULL,
    scheduled_time TIMESTAMPTZ NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempt_count  INT NOT NULL DEFAULT 0,
    last_error     TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sched_one_pending
    ON scheduled_posts(draft_id) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_sched_due ON scheduled_posts(status, scheduled_time);

CREATE INDEX IF NOT EXISTS idx_sched_owner ON scheduled_posts(owner_id, scheduled_time);
`

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx migrate: %w", err)
	}
	return st, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- users ----

func (s *postgresStore) GetOrCreateUser(ctx context.Context, fid int64, username, displayName, avatarURL string) (domain.User, error) {
	now := time.Now().UTC()
	var u domain.User
	var dn, av *string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users(id, fid, username, display_name, avatar_url, created_at, updated_at)
		 VALUES($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$6)
		 ON CONFLICT(fid) DO UPDATE SET
		   username=excluded.username,
		   display_name=excluded.display_name,
		   avatar_url=excluded.avatar_url,
		   updated_at=excluded.updated_at
		 RETURNING id, fid, username, display_name, avatar_url, created_at, updated_at`,
		newID(), fid, username, displayName, avatarURL, now,
	).Scan(&u.ID, &u.FID, &u.Username, &dn, &av, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	if dn != nil {
		u.DisplayName = *dn
	}
	if av != nil {
		u.AvatarURL = *av
	}
	return u, nil
}

// ---- drafts ----

func (s *postgresStore) CreateDraft(ctx context.Context, d domain.Draft) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO drafts(id, owner_id, content, status, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6)`,
		d.ID, d.OwnerID, d.Content, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *postgresStore) scanDraftRow(row pgx.Row) (domain.Draft, error) {
	var d domain.Draft
	var status string
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Content, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Draft{}, err
	}
	d.Status = domain.DraftStatus(status)
	return d, nil
}

func (s *postgresStore) GetDraft(ctx context.Context, ownerID, id string) (domain.Draft, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, content, status, created_at, updated_at
		 FROM drafts WHERE id = $1 AND owner_id = $2`, id, ownerID)
	d, err := s.scanDraftRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	return d, err
}

func (s *postgresStore) ListDrafts(ctx context.Context, ownerID string) ([]domain.Draft, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, content, status, created_at, updated_at
		 FROM drafts WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Draft
	for rows.Next() {
		d, err := s.scanDraftRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpdateDraftContent(ctx context.Context, ownerID, id, content string) (domain.Draft, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE drafts SET content = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4`,
		content, time.Now().UTC(), id, ownerID)
	if err != nil {
		return domain.Draft{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	return s.GetDraft(ctx, ownerID, id)
}

func (s *postgresStore) DeleteDraft(ctx context.Context, ownerID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE scheduled_posts SET status = $1, updated_at = $2
		 WHERE draft_id = $3 AND owner_id = $4 AND status = $5`,
		string(domain.ScheduleCancelled), now, id, ownerID, string(domain.SchedulePending))
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM drafts WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("draft %s", id)
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) CountDrafts(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM drafts WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

// ---- scheduled posts ----

const pgSchedCols = `id, draft_id, owner_id, scheduled_time, status, attempt_count, last_error, created_at, updated_at`

func scanPgSched(row pgx.Row) (domain.ScheduledPost, error) {
	var sp domain.ScheduledPost
	var status string
	var lastErr *string
	if err := row.Scan(&sp.ID, &sp.DraftID, &sp.OwnerID, &sp.ScheduledTime, &status, &sp.AttemptCount, &lastErr, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
		return domain.ScheduledPost{}, err
	}
	sp.Status = domain.ScheduleStatus(status)
	if lastErr != nil {
		sp.LastError = *lastErr
	}
	return sp, nil
}

func (s *postgresStore) ScheduleDraft(ctx context.Context, sp domain.ScheduledPost) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE drafts SET status = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4`,
		string(domain.DraftScheduled), sp.CreatedAt, sp.DraftID, sp.OwnerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("draft %s", sp.DraftID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO scheduled_posts(id, draft_id, owner_id, scheduled_time, status, attempt_count, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,0,$6,$7)`,
		sp.ID, sp.DraftID, sp.OwnerID, sp.ScheduledTime, string(domain.SchedulePending),
		sp.CreatedAt, sp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: draft %s already scheduled", domain.ErrConflict, sp.DraftID)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) GetScheduled(ctx context.Context, ownerID, id string) (domain.ScheduledPost, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSchedCols+` FROM scheduled_posts WHERE id = $1 AND owner_id = $2`, id, ownerID)
	sp, err := scanPgSched(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduledPost{}, domain.NotFoundf("scheduled post %s", id)
	}
	return sp, err
}

func (s *postgresStore) ListScheduled(ctx context.Context, ownerID string) ([]domain.ScheduledPost, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSchedCols+` FROM scheduled_posts
		 WHERE owner_id = $1 ORDER BY scheduled_time ASC, seq ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgSched(rows)
}

func (s *postgresStore) CountPending(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_posts WHERE owner_id = $1 AND status = $2`,
		ownerID, string(domain.SchedulePending)).Scan(&n)
	return n, err
}

func (s *postgresStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSchedCols+` FROM scheduled_posts
		 WHERE status = $1 AND scheduled_time <= $2
		 ORDER BY scheduled_time ASC, seq ASC
		 LIMIT $3`,
		string(domain.SchedulePending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgSched(rows)
}

func collectPgSched(rows pgx.Rows) ([]domain.ScheduledPost, error) {
	var out []domain.ScheduledPost
	for rows.Next() {
		sp, err := scanPgSched(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgTransition(ctx context.Context, q pgExecer, id string, from, to domain.ScheduleStatus, extra string, args ...any) (bool, error) {
	// Placeholders $1..$2 are status/updated_at, extras start at $3, and the
	// WHERE clause placeholders are appended last.
	n := 3 + len(args)
	query := fmt.Sprintf(`UPDATE scheduled_posts SET status = $1, updated_at = $2%s WHERE id = $%d AND status = $%d`, extra, n, n+1)
	all := append([]any{string(to), time.Now().UTC()}, args...)
	all = append(all, id, string(from))
	tag, err := q.Exec(ctx, query, all...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) ClaimSchedule(ctx context.Context, id string) (bool, error) {
	return pgTransition(ctx, s.pool, id, domain.SchedulePending, domain.ScheduleInFlight, "")
}

func (s *postgresStore) CompleteSchedule(ctx context.Context, id, draftID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := pgTransition(ctx, tx, id, domain.ScheduleInFlight, domain.SchedulePosted, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: schedule %s no longer in flight", domain.ErrConflict, id)
	}
	_, err = tx.Exec(ctx,
		`UPDATE drafts SET status = $1, updated_at = $2 WHERE id = $3`,
		string(domain.DraftPosted), time.Now().UTC(), draftID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) RetrySchedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) (bool, error) {
	return pgTransition(ctx, s.pool, id, domain.ScheduleInFlight, domain.SchedulePending,
		`, attempt_count = $3, scheduled_time = $4, last_error = NULLIF($5,'')`,
		attempts, next, lastErr)
}

func (s *postgresStore) FailSchedule(ctx context.Context, id, draftID string, attempts int, lastErr string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := pgTransition(ctx, tx, id, domain.ScheduleInFlight, domain.ScheduleFailed,
		`, attempt_count = $3, last_error = NULLIF($4,'')`, attempts, lastErr)
	if err != nil || !ok {
		return ok, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE drafts SET status = $1, updated_at = $2 WHERE id = $3`,
		string(domain.DraftFailed), time.Now().UTC(), draftID)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *postgresStore) CancelSchedule(ctx context.Context, ownerID, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE scheduled_posts SET status = $1, updated_at = $2
		 WHERE id = $3 AND owner_id = $4 AND status = $5`,
		string(domain.ScheduleCancelled), now, id, ownerID, string(domain.SchedulePending))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx,
		`UPDATE drafts SET status = $1, updated_at = $2
		 WHERE id = (SELECT draft_id FROM scheduled_posts WHERE id = $3) AND status = $4`,
		string(domain.DraftDraft), now, id, string(domain.DraftScheduled))
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *postgresStore) CancelInFlight(ctx context.Context, id string) (bool, error) {
	return pgTransition(ctx, s.pool, id, domain.ScheduleInFlight, domain.ScheduleCancelled, "")
}

func (s *postgresStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_posts
		 SET status = $1, attempt_count = attempt_count + 1, updated_at = $2
		 WHERE status = $3 AND updated_at < $4`,
		string(domain.SchedulePending), time.Now().UTC(),
		string(domain.ScheduleInFlight), cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
