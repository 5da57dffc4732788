package domain

import "time"

// ContentLimit is the maximum cast length in Unicode code points.
const ContentLimit = 320

type DraftStatus string

const (
	DraftDraft     DraftStatus = "draft"
	DraftScheduled DraftStatus = "scheduled"
	DraftPosted    DraftStatus = "posted"
	DraftFailed    DraftStatus = "failed"
)

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleInFlight  ScheduleStatus = "in_flight"
	SchedulePosted    ScheduleStatus = "posted"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Terminal reports whether a scheduled post may never change status again.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case SchedulePosted, ScheduleFailed, ScheduleCancelled:
		return true
	}
	return false
}

type Draft struct {
	ID        string
	OwnerID   string
	Content   string
	Status    DraftStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledPost links a draft to a publication instant.
//
// Invariant: at most one pending ScheduledPost per draft. ScheduledTime in
// the past means the post is overdue, not invalid.
type ScheduledPost struct {
	ID            string
	DraftID       string
	OwnerID       string
	ScheduledTime time.Time
	Status        ScheduleStatus
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// User is created lazily on first identity resolution and never hard-deleted.
type User struct {
	ID          string
	FID         int64
	Username    string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
