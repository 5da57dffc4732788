// Package intake implements the synchronous request operations: draft CRUD,
// scheduling and cancellation. Everything here is request-scoped; nothing
// blocks on the dispatch loop.
package intake

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"castdeck/internal/domain"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

type Service struct {
	store store.Store
	log   logx.Logger
}

func New(st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: st, log: log}
}

// ValidateContent enforces the cast content bounds: non-empty after
// trimming, at most domain.ContentLimit code points.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.Validationf("content is required")
	}
	if n := utf8.RuneCountInString(content); n > domain.ContentLimit {
		return domain.Validationf("content is %d code points, limit is %d", n, domain.ContentLimit)
	}
	return nil
}

func (s *Service) CreateDraft(ctx context.Context, ownerID, content string) (domain.Draft, error) {
	if err := ValidateContent(content); err != nil {
		return domain.Draft{}, err
	}
	now := time.Now().UTC()
	d := domain.Draft{
		ID:        store.NewID(),
		OwnerID:   ownerID,
		Content:   content,
		Status:    domain.DraftDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateDraft(ctx, d); err != nil {
		return domain.Draft{}, err
	}
	s.log.Debug("draft created", logx.String("draft", d.ID), logx.String("owner", ownerID))
	return d, nil
}

// ScheduleDraft attaches a pending schedule to an existing draft. The write
// is atomic: the pending row and the draft's scheduled status land together
// or not at all. An overdue scheduledTime is accepted; the dispatch loop
// picks it up on its next cycle.
func (s *Service) ScheduleDraft(ctx context.Context, ownerID, draftID string, scheduledTime time.Time) (domain.ScheduledPost, error) {
	if scheduledTime.IsZero() {
		return domain.ScheduledPost{}, domain.Validationf("scheduledTime is required")
	}
	now := time.Now().UTC()
	sp := domain.ScheduledPost{
		ID:            store.NewID(),
		DraftID:       draftID,
		OwnerID:       ownerID,
		ScheduledTime: scheduledTime.UTC(),
		Status:        domain.SchedulePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.ScheduleDraft(ctx, sp); err != nil {
		return domain.ScheduledPost{}, err
	}
	s.log.Info("draft scheduled",
		logx.String("draft", draftID),
		logx.String("schedule", sp.ID),
		logx.Time("at", sp.ScheduledTime))
	return sp, nil
}

// CreateScheduled creates a draft and schedules it in one call (the common
// client path).
func (s *Service) CreateScheduled(ctx context.Context, ownerID, content string, scheduledTime time.Time) (domain.Draft, domain.ScheduledPost, error) {
	// Validate everything up front; a bad time must not leave an orphaned
	// draft behind.
	if scheduledTime.IsZero() {
		return domain.Draft{}, domain.ScheduledPost{}, domain.Validationf("scheduledTime is required")
	}
	d, err := s.CreateDraft(ctx, ownerID, content)
	if err != nil {
		return domain.Draft{}, domain.ScheduledPost{}, err
	}
	sp, err := s.ScheduleDraft(ctx, ownerID, d.ID, scheduledTime)
	if err != nil {
		return domain.Draft{}, domain.ScheduledPost{}, err
	}
	d.Status = domain.DraftScheduled
	return d, sp, nil
}

func (s *Service) GetDraft(ctx context.Context, ownerID, id string) (domain.Draft, error) {
	return s.store.GetDraft(ctx, ownerID, id)
}

func (s *Service) ListDrafts(ctx context.Context, ownerID string) ([]domain.Draft, error) {
	return s.store.ListDrafts(ctx, ownerID)
}

func (s *Service) UpdateDraft(ctx context.Context, ownerID, id, content string) (domain.Draft, error) {
	if err := ValidateContent(content); err != nil {
		return domain.Draft{}, err
	}
	return s.store.UpdateDraftContent(ctx, ownerID, id, content)
}

// DeleteDraft removes a draft. Any pending schedule on it is cancelled in
// the same store transaction, so a racing dispatch claim fails cleanly.
func (s *Service) DeleteDraft(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteDraft(ctx, ownerID, id); err != nil {
		return err
	}
	s.log.Debug("draft deleted", logx.String("draft", id), logx.String("owner", ownerID))
	return nil
}

func (s *Service) ListScheduled(ctx context.Context, ownerID string) ([]domain.ScheduledPost, error) {
	return s.store.ListScheduled(ctx, ownerID)
}

// CancelScheduled cancels a pending schedule via the same conditional
// transition the dispatch loop claims with, so exactly one side wins.
func (s *Service) CancelScheduled(ctx context.Context, ownerID, id string) error {
	ok, err := s.store.CancelSchedule(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !ok {
		// Either not the owner's, or no longer pending.
		sp, err := s.store.GetScheduled(ctx, ownerID, id)
		if err != nil {
			return err
		}
		return domain.Validationf("scheduled post is %s, only pending posts can be cancelled", sp.Status)
	}
	s.log.Info("schedule cancelled", logx.String("schedule", id), logx.String("owner", ownerID))
	return nil
}

// Stats mirrors the client dashboard: total drafts and live schedules.
type Stats struct {
	DraftCount   int `json:"draftCount"`
	PendingCount int `json:"scheduledCount"`
}

func (s *Service) Stats(ctx context.Context, ownerID string) (Stats, error) {
	drafts, err := s.store.CountDrafts(ctx, ownerID)
	if err != nil {
		return Stats{}, err
	}
	pending, err := s.store.CountPending(ctx, ownerID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{DraftCount: drafts, PendingCount: pending}, nil
}
