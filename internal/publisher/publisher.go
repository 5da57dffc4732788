// Package publisher performs the actual cast submission to Farcaster.
//
// Publishers never retry; retry policy belongs to the dispatch loop.
package publisher

import "context"

// Publisher submits one cast. The returned id is the network's cast id
// (hash). Failures are domain.PublishError values; Transient marks the ones
// dispatch may retry.
type Publisher interface {
	Publish(ctx context.Context, content string) (castID string, err error)
}
