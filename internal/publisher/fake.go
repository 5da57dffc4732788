package publisher

import (
	"context"
	"fmt"
	"sync"

	"castdeck/internal/domain"
)

// Fake records publish calls and can be scripted to fail. Safe for
// concurrent use; tests assert on Calls() after the fact.
type Fake struct {
	mu    sync.Mutex
	calls []string

	// FailFirst makes that many leading calls fail transiently.
	FailFirst int
	// FailAlways forces every call to fail; Terminal picks the error kind.
	FailAlways bool
	Terminal   bool

	served int
}

func (f *Fake) Publish(_ context.Context, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.served++
	if f.FailAlways || f.served <= f.FailFirst {
		return "", &domain.PublishError{Transient: !f.Terminal, Msg: "scripted failure"}
	}
	f.calls = append(f.calls, content)
	return fmt.Sprintf("0xfake%04d", len(f.calls)), nil
}

// Calls returns the successfully published contents, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Attempts returns how many times Publish was invoked, including failures.
func (f *Fake) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served
}
