// Package notifier pushes dispatch trouble to an operator Telegram channel:
// a queue, a small worker pool, rate limiting, retry and a dedup window.
// Alerts are best-effort; a full queue drops, never blocks dispatch.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castdeck/internal/dispatch"
	"castdeck/internal/eventbus"
	"castdeck/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	cfg    Config

	limiter *rate.Limiter

	queue    chan Alert
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	unsub func()

	// dedup: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		sender: sender,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Start spawns the workers and, when bus is non-nil, subscribes to dispatch
// events to generate alerts for permanent failures.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	// Hand the channels to the goroutines directly. Reading the struct
	// fields from inside a worker races with Stop nil-ing them.
	queue := make(chan Alert, s.cfg.QueueSize)
	stopCh := make(chan struct{})
	s.queue = queue
	s.stopCh = stopCh
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop(ctx, queue, stopCh)
		}()
	}

	if bus != nil {
		ch, unsub := bus.Subscribe(64)
		s.unsub = unsub
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.busLoop(ctx, ch, stopCh)
		}()
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	stopCh := s.stopCh
	unsub := s.unsub
	s.queue = nil
	s.stopCh = nil
	s.unsub = nil
	s.mu.Unlock()

	if q == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify enqueues one alert. Returns false when dropped (disabled, stopped,
// deduped, or queue full).
func (s *Service) Notify(a Alert) bool {
	s.mu.Lock()
	q := s.queue
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if q == nil {
		return false
	}

	if window > 0 && a.Key != "" && !s.dedupAllow(a.Key, window) {
		return false
	}

	select {
	case q <- a:
		return true
	default:
		s.log.Warn("alert queue full, dropping", logx.String("key", a.Key))
		return false
	}
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Opportunistic prune; the map stays small for any sane alert volume.
	if len(s.dedup) > 2048 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Alert, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case a := <-q:
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, cfg.ChatID, a.Text)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		delay := cfg.RetryBase * time.Duration(1<<(attempt-1))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
	s.log.Warn("alert delivery failed", logx.String("key", a.Key), logx.Err(lastErr))
}

func (s *Service) busLoop(ctx context.Context, ch <-chan eventbus.Event, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if a, ok := alertFor(ev); ok {
				s.Notify(a)
			}
		}
	}
}

// alertFor maps dispatch events to operator alerts. Only permanent
// failures are worth a ping; retries and posts stay in the logs.
func alertFor(ev eventbus.Event) (Alert, bool) {
	de, ok := ev.Data.(dispatch.Event)
	if !ok {
		return Alert{}, false
	}
	switch ev.Type {
	case eventbus.TypeCastFailed:
		return Alert{
			Key: "failed:" + de.ScheduleID,
			Text: fmt.Sprintf("⚠️ scheduled cast %s failed permanently after %d attempts: %s",
				de.ScheduleID, de.Attempt, de.Error),
		}, true
	default:
		return Alert{}, false
	}
}
