// Package dispatch runs the scheduled-cast lifecycle: a recurring scan that
// finds due posts, claims each one with an atomic conditional update, hands
// the claim to the Publisher, and records the outcome with bounded retry.
//
// The claim (pending -> in_flight, conditioned on the row still being
// pending) is the sole guard against double-publication. Any number of
// dispatch instances may run concurrently; a lost claim is skipped, never
// retried blindly.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castdeck/internal/eventbus"
	"castdeck/internal/publisher"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	store store.Store
	pub   publisher.Publisher
	bus   eventbus.Bus

	c       *cron.Cron
	entryID cron.EntryID
	stopCh  chan struct{}
	runCtx  context.Context
}

func New(cfg Config, st store.Store, pub publisher.Publisher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: st,
		pub:   pub,
		bus:   bus,
		log:   log,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the runtime config. A changed poll interval restarts the
// trigger; retry/backoff knobs take effect on the next cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg.withDefaults()

	if s.stopCh == nil {
		return
	}
	if old.PollInterval != s.cfg.PollInterval || old.Enabled != s.cfg.Enabled {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx = ctx
	s.startCronLocked(ctx)
	s.log.Info("dispatch started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("retry_max", s.cfg.RetryMax))
}

func (s *Service) startCronLocked(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.c = cron.New(cron.WithParser(cron.NewParser(cron.Descriptor)))
	stopCh := s.stopCh
	id, _ := s.c.AddFunc("@every "+s.cfg.PollInterval.String(), func() {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		// Overlapping runs are harmless: claims arbitrate.
		s.runCycleLogged(ctx)
	})
	s.entryID = id
	s.c.Start()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	// Restarted triggers stay bound to the lifetime ctx from Start so a
	// reload never detaches cycles from run cancellation.
	s.startCronLocked(s.runCtx)
	s.log.Info("dispatch restarted", logx.Duration("poll", s.cfg.PollInterval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		stopped := s.c.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
		s.c = nil
	}
	s.log.Info("dispatch stopped")
}

func (s *Service) runCycleLogged(ctx context.Context) {
	stats, err := s.RunCycle(ctx)
	if err != nil {
		s.log.Warn("dispatch cycle error", logx.Err(err))
	}
	if stats.Due > 0 || stats.Reclaimed > 0 {
		s.log.Info("dispatch cycle",
			logx.Int("due", stats.Due),
			logx.Int("claimed", stats.Claimed),
			logx.Int("posted", stats.Posted),
			logx.Int("retried", stats.Retried),
			logx.Int("failed", stats.Failed),
			logx.Int("cancelled", stats.Cancelled),
			logx.Int("reclaimed", stats.Reclaimed))
	}
}

// RunCycle performs one full scan-claim-publish pass and blocks until every
// claimed post of the cycle has a recorded outcome. It is safe to call
// concurrently with the periodic trigger or from another process replica.
func (s *Service) RunCycle(ctx context.Context) (CycleStats, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var stats CycleStats

	// Crash recovery: anything stuck in flight past the claim timeout is
	// assumed orphaned and returned to the pending pool.
	reclaimed, err := s.store.ReclaimStale(ctx, time.Now().UTC().Add(-cfg.ClaimTimeout))
	if err != nil {
		return stats, err
	}
	stats.Reclaimed = reclaimed
	if reclaimed > 0 {
		s.log.Warn("reclaimed stale in-flight posts", logx.Int("count", reclaimed))
	}

	due, err := s.store.DuePosts(ctx, time.Now().UTC(), cfg.BatchLimit)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	// Claim in scan order so ties keep creation order even with several
	// workers draining the queue.
	queue := make(chan claim, len(due))
	var results sync.Mutex

	var wg sync.WaitGroup
	workers := cfg.Workers
	if workers > len(due) {
		workers = len(due)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cl := range queue {
				out := s.process(ctx, cfg, cl)
				results.Lock()
				switch out {
				case outcomePosted:
					stats.Posted++
				case outcomeRetried:
					stats.Retried++
				case outcomeFailed:
					stats.Failed++
				case outcomeCancelled:
					stats.Cancelled++
				}
				results.Unlock()
			}
		}()
	}

	for _, sp := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.store.ClaimSchedule(ctx, sp.ID)
		if err != nil {
			s.log.Warn("claim failed", logx.String("schedule", sp.ID), logx.Err(err))
			continue
		}
		if !ok {
			// Another instance claimed it, or the owner cancelled. Not ours.
			continue
		}
		stats.Claimed++
		s.publishEvent(eventbus.TypeCastClaimed, Event{
			ScheduleID: sp.ID, DraftID: sp.DraftID, OwnerID: sp.OwnerID,
			Attempt: sp.AttemptCount, At: time.Now(),
		})
		queue <- claim{post: sp}
	}
	close(queue)
	wg.Wait()

	return stats, ctx.Err()
}

func (s *Service) publishEvent(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
