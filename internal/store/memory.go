package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"castdeck/internal/domain"
)

// memoryStore keeps everything in maps behind one mutex. Deterministic and
// dependency-free; used by tests and local development. Conditional
// transitions are atomic because the mutex spans check and write.
type memoryStore struct {
	mu sync.Mutex

	users   map[int64]domain.User // keyed by fid
	drafts  map[string]domain.Draft
	scheds  map[string]domain.ScheduledPost
	seqs    map[string]int64 // schedule id -> insertion seq
	nextSeq int64
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		users:  map[int64]domain.User{},
		drafts: map[string]domain.Draft{},
		scheds: map[string]domain.ScheduledPost{},
		seqs:   map[string]int64{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) GetOrCreateUser(_ context.Context, fid int64, username, displayName, avatarURL string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if u, ok := s.users[fid]; ok {
		u.Username = username
		u.DisplayName = displayName
		u.AvatarURL = avatarURL
		u.UpdatedAt = now
		s.users[fid] = u
		return u, nil
	}
	u := domain.User{
		ID:          newID(),
		FID:         fid,
		Username:    username,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[fid] = u
	return u, nil
}

// ---- drafts ----

func (s *memoryStore) CreateDraft(_ context.Context, d domain.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[d.ID]; ok {
		return fmt.Errorf("%w: draft %s exists", domain.ErrConflict, d.ID)
	}
	s.drafts[d.ID] = d
	return nil
}

func (s *memoryStore) GetDraft(_ context.Context, ownerID, id string) (domain.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok || d.OwnerID != ownerID {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	return d, nil
}

func (s *memoryStore) ListDrafts(_ context.Context, ownerID string) ([]domain.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Draft
	for _, d := range s.drafts {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) UpdateDraftContent(_ context.Context, ownerID, id, content string) (domain.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok || d.OwnerID != ownerID {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	d.Content = content
	d.UpdatedAt = time.Now().UTC()
	s.drafts[id] = d
	return d, nil
}

func (s *memoryStore) DeleteDraft(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok || d.OwnerID != ownerID {
		return domain.NotFoundf("draft %s", id)
	}
	now := time.Now().UTC()
	for sid, sp := range s.scheds {
		if sp.DraftID == id && sp.Status == domain.SchedulePending {
			sp.Status = domain.ScheduleCancelled
			sp.UpdatedAt = now
			s.scheds[sid] = sp
		}
	}
	delete(s.drafts, id)
	return nil
}

func (s *memoryStore) CountDrafts(_ context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.drafts {
		if d.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

// ---- scheduled posts ----

func (s *memoryStore) ScheduleDraft(_ context.Context, sp domain.ScheduledPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[sp.DraftID]
	if !ok || d.OwnerID != sp.OwnerID {
		return domain.NotFoundf("draft %s", sp.DraftID)
	}
	for _, ex := range s.scheds {
		if ex.DraftID == sp.DraftID && ex.Status == domain.SchedulePending {
			return fmt.Errorf("%w: draft %s already scheduled", domain.ErrConflict, sp.DraftID)
		}
	}

	d.Status = domain.DraftScheduled
	d.UpdatedAt = sp.CreatedAt
	s.drafts[sp.DraftID] = d

	sp.Status = domain.SchedulePending
	sp.AttemptCount = 0
	s.scheds[sp.ID] = sp
	s.nextSeq++
	s.seqs[sp.ID] = s.nextSeq
	return nil
}

func (s *memoryStore) GetScheduled(_ context.Context, ownerID, id string) (domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.scheds[id]
	if !ok || sp.OwnerID != ownerID {
		return domain.ScheduledPost{}, domain.NotFoundf("scheduled post %s", id)
	}
	return sp, nil
}

func (s *memoryStore) ListScheduled(_ context.Context, ownerID string) ([]domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledPost
	for _, sp := range s.scheds {
		if sp.OwnerID == ownerID {
			out = append(out, sp)
		}
	}
	s.sortByTimeLocked(out)
	return out, nil
}

func (s *memoryStore) CountPending(_ context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sp := range s.scheds {
		if sp.OwnerID == ownerID && sp.Status == domain.SchedulePending {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) DuePosts(_ context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.ScheduledPost
	for _, sp := range s.scheds {
		if sp.Status == domain.SchedulePending && !sp.ScheduledTime.After(now) {
			out = append(out, sp)
		}
	}
	s.sortByTimeLocked(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) sortByTimeLocked(out []domain.ScheduledPost) {
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ScheduledTime, out[j].ScheduledTime
		if ti.Equal(tj) {
			return s.seqs[out[i].ID] < s.seqs[out[j].ID]
		}
		return ti.Before(tj)
	})
}

// transition is the sole status mutator; the mutex makes check+write atomic.
func (s *memoryStore) transition(id string, from, to domain.ScheduleStatus, mut func(*domain.ScheduledPost)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.scheds[id]
	if !ok || sp.Status != from {
		return false
	}
	sp.Status = to
	sp.UpdatedAt = time.Now().UTC()
	if mut != nil {
		mut(&sp)
	}
	s.scheds[id] = sp
	return true
}

func (s *memoryStore) ClaimSchedule(_ context.Context, id string) (bool, error) {
	return s.transition(id, domain.SchedulePending, domain.ScheduleInFlight, nil), nil
}

func (s *memoryStore) CompleteSchedule(_ context.Context, id, draftID string) error {
	if !s.transition(id, domain.ScheduleInFlight, domain.SchedulePosted, nil) {
		return fmt.Errorf("%w: schedule %s no longer in flight", domain.ErrConflict, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drafts[draftID]; ok {
		d.Status = domain.DraftPosted
		d.UpdatedAt = time.Now().UTC()
		s.drafts[draftID] = d
	}
	return nil
}

func (s *memoryStore) RetrySchedule(_ context.Context, id string, attempts int, next time.Time, lastErr string) (bool, error) {
	ok := s.transition(id, domain.ScheduleInFlight, domain.SchedulePending, func(sp *domain.ScheduledPost) {
		sp.AttemptCount = attempts
		sp.ScheduledTime = next
		sp.LastError = lastErr
	})
	return ok, nil
}

func (s *memoryStore) FailSchedule(_ context.Context, id, draftID string, attempts int, lastErr string) (bool, error) {
	ok := s.transition(id, domain.ScheduleInFlight, domain.ScheduleFailed, func(sp *domain.ScheduledPost) {
		sp.AttemptCount = attempts
		sp.LastError = lastErr
	})
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drafts[draftID]; ok {
		d.Status = domain.DraftFailed
		d.UpdatedAt = time.Now().UTC()
		s.drafts[draftID] = d
	}
	return true, nil
}

func (s *memoryStore) CancelSchedule(_ context.Context, ownerID, id string) (bool, error) {
	s.mu.Lock()
	sp, ok := s.scheds[id]
	owned := ok && sp.OwnerID == ownerID
	s.mu.Unlock()
	if !owned {
		return false, nil
	}
	if !s.transition(id, domain.SchedulePending, domain.ScheduleCancelled, nil) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drafts[sp.DraftID]; ok && d.Status == domain.DraftScheduled {
		d.Status = domain.DraftDraft
		d.UpdatedAt = time.Now().UTC()
		s.drafts[sp.DraftID] = d
	}
	return true, nil
}

func (s *memoryStore) CancelInFlight(_ context.Context, id string) (bool, error) {
	return s.transition(id, domain.ScheduleInFlight, domain.ScheduleCancelled, nil), nil
}

func (s *memoryStore) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, sp := range s.scheds {
		if sp.Status == domain.ScheduleInFlight && sp.UpdatedAt.Before(cutoff) {
			sp.Status = domain.SchedulePending
			sp.AttemptCount++
			sp.UpdatedAt = now
			s.scheds[id] = sp
			n++
		}
	}
	return n, nil
}
