package notifier

import (
	"context"
	"time"
)

// Config controls the operator alert pipeline.
type Config struct {
	Enabled bool

	ChatID int64

	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax  int
	RetryBase time.Duration

	// DedupWindow suppresses repeats of the same alert key. Zero disables
	// dedup entirely.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// Alert is one operator notification. Key drives dedup; alerts with the
// same key inside the dedup window collapse to one message.
type Alert struct {
	Key  string
	Text string
}

// Sender delivers one alert message to the operator channel.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}
