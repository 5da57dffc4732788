// Package store provides the content store: persistent users, drafts and
// scheduled posts, plus the conditional status transitions the dispatch loop
// relies on for exactly-once claiming.
//
// Every status mutation is a single conditional update keyed by the expected
// prior status, never a read-then-write pair. That is the sole concurrency
// guard; the package has no lock manager.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"castdeck/internal/domain"
	"castdeck/pkg/logx"
)

// Config configures the content store.
//
// Driver values:
//   - "sqlite": SQLite database file (default for single-node deployments)
//   - "postgres": hosted Postgres via DSN
//   - "memory": in-process backend for tests and local development
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by intake and dispatch.
//
// Owner-scoped reads and deletes enforce access control at the query level:
// a row that exists but belongs to another owner reads as not found.
type Store interface {
	// GetOrCreateUser resolves a Farcaster identity to a local user row,
	// creating it lazily and refreshing drifted profile fields.
	GetOrCreateUser(ctx context.Context, fid int64, username, displayName, avatarURL string) (domain.User, error)

	CreateDraft(ctx context.Context, d domain.Draft) error
	GetDraft(ctx context.Context, ownerID, id string) (domain.Draft, error)
	ListDrafts(ctx context.Context, ownerID string) ([]domain.Draft, error)
	UpdateDraftContent(ctx context.Context, ownerID, id, content string) (domain.Draft, error)
	// DeleteDraft removes an owner's draft and, in the same transaction,
	// cancels any pending schedule referencing it.
	DeleteDraft(ctx context.Context, ownerID, id string) error
	CountDrafts(ctx context.Context, ownerID string) (int, error)

	// ScheduleDraft atomically inserts sp as pending and flips the draft to
	// scheduled. Returns domain.ErrNotFound if the draft is not the owner's,
	// domain.ErrConflict if the draft already has a pending schedule.
	ScheduleDraft(ctx context.Context, sp domain.ScheduledPost) error
	GetScheduled(ctx context.Context, ownerID, id string) (domain.ScheduledPost, error)
	ListScheduled(ctx context.Context, ownerID string) ([]domain.ScheduledPost, error)
	CountPending(ctx context.Context, ownerID string) (int, error)

	// DuePosts returns pending posts with scheduled_time <= now, oldest
	// first; creation order breaks ties.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error)

	// ClaimSchedule transitions pending -> in_flight. ok=false means the row
	// was no longer pending (claimed elsewhere, cancelled, or gone).
	ClaimSchedule(ctx context.Context, id string) (ok bool, err error)
	// CompleteSchedule transitions in_flight -> posted and marks the draft
	// posted in the same transaction.
	CompleteSchedule(ctx context.Context, id, draftID string) error
	// RetrySchedule transitions in_flight -> pending with the attempt count
	// and a pushed-forward scheduled time recorded.
	RetrySchedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) (bool, error)
	// FailSchedule transitions in_flight -> failed (terminal) and marks the
	// draft failed.
	FailSchedule(ctx context.Context, id, draftID string, attempts int, lastErr string) (bool, error)
	// CancelSchedule transitions an owner's pending schedule to cancelled
	// and returns the draft to draft status.
	CancelSchedule(ctx context.Context, ownerID, id string) (bool, error)
	// CancelInFlight transitions in_flight -> cancelled, used when the draft
	// disappeared between claim and publish.
	CancelInFlight(ctx context.Context, id string) (bool, error)
	// ReclaimStale reverts rows stuck in_flight since before the cutoff back
	// to pending, charging one attempt. Crash recovery for dead claimers.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
