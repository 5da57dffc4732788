package dispatch

import (
	"context"
	"errors"
	"time"

	"castdeck/internal/domain"
	"castdeck/internal/eventbus"
	"castdeck/pkg/logx"
)

type claim struct {
	post domain.ScheduledPost
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePosted
	outcomeRetried
	outcomeFailed
	outcomeCancelled
)

// process takes one claimed post to a recorded terminal-or-retry state.
// Failures here are isolated: they never abort the rest of the cycle.
func (s *Service) process(ctx context.Context, cfg Config, cl claim) outcome {
	sp := cl.post

	d, err := s.store.GetDraft(ctx, sp.OwnerID, sp.DraftID)
	if errors.Is(err, domain.ErrNotFound) {
		// The draft was deleted after this row was claimed. Cancelled, not
		// failed; the owner no longer has anything to surface an error on.
		if _, cerr := s.store.CancelInFlight(ctx, sp.ID); cerr != nil {
			s.log.Warn("cancel of orphaned claim failed", logx.String("schedule", sp.ID), logx.Err(cerr))
		}
		s.publishEvent(eventbus.TypeCastCancelled, Event{
			ScheduleID: sp.ID, DraftID: sp.DraftID, OwnerID: sp.OwnerID, At: time.Now(),
		})
		s.log.Debug("schedule cancelled, draft deleted", logx.String("schedule", sp.ID))
		return outcomeCancelled
	}
	if err != nil {
		// Store trouble. Treat like a transient publish failure so the row
		// retries instead of sitting in flight until reclaim.
		return s.recordFailure(ctx, cfg, sp, err)
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	castID, err := s.pub.Publish(pctx, d.Content)
	cancel()

	if err != nil {
		return s.recordFailure(ctx, cfg, sp, err)
	}

	if err := s.store.CompleteSchedule(ctx, sp.ID, sp.DraftID); err != nil {
		// The cast went out but the row moved under us (most likely a
		// reclaim by a cycle running with a shorter claim timeout). Log
		// loudly; the claim protocol already prevented a second publish
		// from this process.
		s.log.Error("posted but could not record completion",
			logx.String("schedule", sp.ID), logx.String("cast", castID), logx.Err(err))
		return outcomeNone
	}

	s.publishEvent(eventbus.TypeCastPosted, Event{
		ScheduleID: sp.ID, DraftID: sp.DraftID, OwnerID: sp.OwnerID,
		CastID: castID, At: time.Now(),
	})
	s.log.Info("cast posted",
		logx.String("schedule", sp.ID),
		logx.String("draft", sp.DraftID),
		logx.String("cast", castID))
	return outcomePosted
}

func (s *Service) recordFailure(ctx context.Context, cfg Config, sp domain.ScheduledPost, cause error) outcome {
	attempts := sp.AttemptCount + 1

	if domain.IsTransientPublish(cause) && attempts < cfg.RetryMax {
		next := time.Now().UTC().Add(cfg.backoffDelay(attempts))
		ok, err := s.store.RetrySchedule(ctx, sp.ID, attempts, next, cause.Error())
		if err != nil {
			s.log.Error("retry transition failed", logx.String("schedule", sp.ID), logx.Err(err))
			return outcomeNone
		}
		if !ok {
			return outcomeNone
		}
		s.publishEvent(eventbus.TypeCastRetried, Event{
			ScheduleID: sp.ID, DraftID: sp.DraftID, OwnerID: sp.OwnerID,
			Attempt: attempts, Error: cause.Error(), At: time.Now(),
		})
		s.log.Warn("publish failed, will retry",
			logx.String("schedule", sp.ID),
			logx.Int("attempt", attempts),
			logx.Time("next", next),
			logx.Err(cause))
		return outcomeRetried
	}

	ok, err := s.store.FailSchedule(ctx, sp.ID, sp.DraftID, attempts, cause.Error())
	if err != nil {
		s.log.Error("fail transition failed", logx.String("schedule", sp.ID), logx.Err(err))
		return outcomeNone
	}
	if !ok {
		return outcomeNone
	}
	s.publishEvent(eventbus.TypeCastFailed, Event{
		ScheduleID: sp.ID, DraftID: sp.DraftID, OwnerID: sp.OwnerID,
		Attempt: attempts, Error: cause.Error(), At: time.Now(),
	})
	s.log.Error("publish failed permanently",
		logx.String("schedule", sp.ID),
		logx.String("draft", sp.DraftID),
		logx.Int("attempts", attempts),
		logx.Err(cause))
	return outcomeFailed
}
