package dispatch

import "time"

// Config controls the dispatch loop.
type Config struct {
	Enabled bool

	// PollInterval is the gap between due-post scans.
	PollInterval time.Duration

	// Workers bounds per-cycle publish parallelism. With 1 worker (the
	// default) due posts publish strictly in scheduled-time order within a
	// cycle; more workers trade that ordering for throughput.
	Workers int

	// BatchLimit caps how many due posts one cycle picks up.
	BatchLimit int

	// RetryMax is the attempt ceiling. A post that has failed RetryMax
	// times is terminal.
	RetryMax int
	// RetryBase seeds the exponential backoff: base * 2^attempts, capped at
	// RetryMaxDelay.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// PublishTimeout bounds one Publisher call.
	PublishTimeout time.Duration

	// ClaimTimeout is how long a claim may sit in flight before a later
	// cycle assumes the claimer died and reclaims the row.
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 20 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	return c
}

// backoffDelay computes the push-forward delay after the given attempt count.
func (c Config) backoffDelay(attempts int) time.Duration {
	d := c.RetryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return d
}

// CycleStats summarizes one dispatch cycle.
type CycleStats struct {
	Reclaimed int
	Due       int
	Claimed   int
	Posted    int
	Retried   int
	Failed    int
	Cancelled int
}

// Event is the payload carried on eventbus dispatch events.
type Event struct {
	ScheduleID string
	DraftID    string
	OwnerID    string
	Attempt    int
	CastID     string
	Error      string
	At         time.Time
}
