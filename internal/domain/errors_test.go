package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestValidationfWraps(t *testing.T) {
	t.Parallel()
	err := Validationf("field %s is bad", "content")
	if !errors.Is(err, ErrValidation) {
		t.Fatal("Validationf lost the sentinel")
	}
	if err.Error() != "validation failed: field content is bad" {
		t.Fatalf("message = %q", err.Error())
	}

	wrapped := fmt.Errorf("outer: %w", NotFoundf("draft %s", "d1"))
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("double-wrapped NotFoundf lost the sentinel")
	}
}

func TestIsTransientPublish(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient publish error", &PublishError{Transient: true, Msg: "503"}, true},
		{"terminal publish error", &PublishError{Transient: false, Msg: "400"}, false},
		{"wrapped terminal", fmt.Errorf("cycle: %w", &PublishError{Msg: "400"}), false},
		{"unknown error", errors.New("socket hangup"), true},
		{"context deadline", context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		if got := IsTransientPublish(tc.err); got != tc.want {
			t.Errorf("%s: IsTransientPublish = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestScheduleStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := map[ScheduleStatus]bool{
		SchedulePending:   false,
		ScheduleInFlight:  false,
		SchedulePosted:    true,
		ScheduleFailed:    true,
		ScheduleCancelled: true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
