package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"castdeck/internal/domain"
	"castdeck/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) GetOrCreateUser(ctx context.Context, fid int64, username, displayName, avatarURL string) (domain.User, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, fid, username, display_name, avatar_url, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(fid) DO UPDATE SET
		   username=excluded.username,
		   display_name=excluded.display_name,
		   avatar_url=excluded.avatar_url,
		   updated_at=excluded.updated_at`,
		newID(), fid, username, nullStr(displayName), nullStr(avatarURL), ms(now), ms(now),
	)
	if err != nil {
		return domain.User{}, err
	}

	var u domain.User
	var created, updated int64
	var dn, av sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT id, fid, username, display_name, avatar_url, created_at, updated_at FROM users WHERE fid = ?`, fid,
	).Scan(&u.ID, &u.FID, &u.Username, &dn, &av, &created, &updated)
	if err != nil {
		return domain.User{}, err
	}
	u.DisplayName = dn.String
	u.AvatarURL = av.String
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return u, nil
}

// ---- drafts ----

func (s *sqliteStore) CreateDraft(ctx context.Context, d domain.Draft) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts(id, owner_id, content, status, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
		d.ID, d.OwnerID, d.Content, string(d.Status), ms(d.CreatedAt), ms(d.UpdatedAt),
	)
	return err
}

const draftCols = `id, owner_id, content, status, created_at, updated_at`

func scanDraft(row interface{ Scan(...any) error }) (domain.Draft, error) {
	var d domain.Draft
	var status string
	var created, updated int64
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Content, &status, &created, &updated); err != nil {
		return domain.Draft{}, err
	}
	d.Status = domain.DraftStatus(status)
	d.CreatedAt = fromMS(created)
	d.UpdatedAt = fromMS(updated)
	return d, nil
}

func (s *sqliteStore) GetDraft(ctx context.Context, ownerID, id string) (domain.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftCols+` FROM drafts WHERE id = ? AND owner_id = ?`, id, ownerID)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	return d, err
}

func (s *sqliteStore) ListDrafts(ctx context.Context, ownerID string) ([]domain.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+draftCols+` FROM drafts WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateDraftContent(ctx context.Context, ownerID, id, content string) (domain.Draft, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts SET content = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		content, ms(time.Now().UTC()), id, ownerID,
	)
	if err != nil {
		return domain.Draft{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	return s.GetDraft(ctx, ownerID, id)
}

func (s *sqliteStore) DeleteDraft(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := ms(time.Now().UTC())
	// Cascade-cancel any live schedule before the draft row disappears.
	_, err = tx.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ?
		 WHERE draft_id = ? AND owner_id = ? AND status = ?`,
		string(domain.ScheduleCancelled), now, id, ownerID, string(domain.SchedulePending),
	)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("draft %s", id)
	}
	return tx.Commit()
}

func (s *sqliteStore) CountDrafts(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drafts WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

// ---- scheduled posts ----

const schedCols = `id, draft_id, owner_id, scheduled_time, status, attempt_count, last_error, created_at, updated_at`

func scanSched(row interface{ Scan(...any) error }) (domain.ScheduledPost, error) {
	var sp domain.ScheduledPost
	var status string
	var lastErr sql.NullString
	var schedAt, created, updated int64
	if err := row.Scan(&sp.ID, &sp.DraftID, &sp.OwnerID, &schedAt, &status, &sp.AttemptCount, &lastErr, &created, &updated); err != nil {
		return domain.ScheduledPost{}, err
	}
	sp.ScheduledTime = fromMS(schedAt)
	sp.Status = domain.ScheduleStatus(status)
	sp.LastError = lastErr.String
	sp.CreatedAt = fromMS(created)
	sp.UpdatedAt = fromMS(updated)
	return sp, nil
}

func (s *sqliteStore) ScheduleDraft(ctx context.Context, sp domain.ScheduledPost) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE drafts SET status = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		string(domain.DraftScheduled), ms(sp.CreatedAt), sp.DraftID, sp.OwnerID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("draft %s", sp.DraftID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduled_posts(id, draft_id, owner_id, scheduled_time, status, attempt_count, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		sp.ID, sp.DraftID, sp.OwnerID, ms(sp.ScheduledTime), string(domain.SchedulePending),
		0, nil, ms(sp.CreatedAt), ms(sp.UpdatedAt),
	)
	if err != nil {
		// The partial unique index rejects a second pending schedule.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: draft %s already scheduled", domain.ErrConflict, sp.DraftID)
		}
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetScheduled(ctx context.Context, ownerID, id string) (domain.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+schedCols+` FROM scheduled_posts WHERE id = ? AND owner_id = ?`, id, ownerID)
	sp, err := scanSched(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledPost{}, domain.NotFoundf("scheduled post %s", id)
	}
	return sp, err
}

func (s *sqliteStore) ListScheduled(ctx context.Context, ownerID string) ([]domain.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+schedCols+` FROM scheduled_posts WHERE owner_id = ? ORDER BY scheduled_time ASC, rowid ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSched(rows)
}

func (s *sqliteStore) CountPending(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_posts WHERE owner_id = ? AND status = ?`,
		ownerID, string(domain.SchedulePending)).Scan(&n)
	return n, err
}

func (s *sqliteStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+schedCols+` FROM scheduled_posts
		 WHERE status = ? AND scheduled_time <= ?
		 ORDER BY scheduled_time ASC, rowid ASC
		 LIMIT ?`,
		string(domain.SchedulePending), ms(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSched(rows)
}

func collectSched(rows *sql.Rows) ([]domain.ScheduledPost, error) {
	var out []domain.ScheduledPost
	for rows.Next() {
		sp, err := scanSched(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// transition performs the single conditional status update everything else
// is built on. ok=false means the row was not in the expected prior status.
func (s *sqliteStore) transition(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, id string, from, to domain.ScheduleStatus, extra string, args ...any) (bool, error) {
	query := `UPDATE scheduled_posts SET status = ?, updated_at = ?` + extra + ` WHERE id = ? AND status = ?`
	all := append([]any{string(to), ms(time.Now().UTC())}, args...)
	all = append(all, id, string(from))
	res, err := q.ExecContext(ctx, query, all...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ClaimSchedule(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, s.db, id, domain.SchedulePending, domain.ScheduleInFlight, "")
}

func (s *sqliteStore) CompleteSchedule(ctx context.Context, id, draftID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transition(ctx, tx, id, domain.ScheduleInFlight, domain.SchedulePosted, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: schedule %s no longer in flight", domain.ErrConflict, id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE drafts SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.DraftPosted), ms(time.Now().UTC()), draftID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RetrySchedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) (bool, error) {
	return s.transition(ctx, s.db, id, domain.ScheduleInFlight, domain.SchedulePending,
		`, attempt_count = ?, scheduled_time = ?, last_error = ?`,
		attempts, ms(next), nullStr(lastErr))
}

func (s *sqliteStore) FailSchedule(ctx context.Context, id, draftID string, attempts int, lastErr string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transition(ctx, tx, id, domain.ScheduleInFlight, domain.ScheduleFailed,
		`, attempt_count = ?, last_error = ?`, attempts, nullStr(lastErr))
	if err != nil || !ok {
		return ok, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE drafts SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.DraftFailed), ms(time.Now().UTC()), draftID,
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) CancelSchedule(ctx context.Context, ownerID, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := ms(time.Now().UTC())
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND status = ?`,
		string(domain.ScheduleCancelled), now, id, ownerID, string(domain.SchedulePending),
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	// The draft becomes schedulable again.
	_, err = tx.ExecContext(ctx,
		`UPDATE drafts SET status = ?, updated_at = ?
		 WHERE id = (SELECT draft_id FROM scheduled_posts WHERE id = ?) AND status = ?`,
		string(domain.DraftDraft), now, id, string(domain.DraftScheduled),
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) CancelInFlight(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, s.db, id, domain.ScheduleInFlight, domain.ScheduleCancelled, "")
}

func (s *sqliteStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts
		 SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(domain.SchedulePending), ms(time.Now().UTC()),
		string(domain.ScheduleInFlight), ms(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- helpers ----

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
