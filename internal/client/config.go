package client

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/swissdisk/swissdisk/internal/client/propagator"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

// DefaultMaxPasses bounds how often Sync propagates when passes keep asking for another sync.
const DefaultMaxPasses = 3

type options struct {
	prompt       davsdk.PasswordPrompt
	maxPasses    int
	minFileAge   time.Duration
	pollInterval time.Duration
	clock        clockwork.Clock
}

func defaultOptions() options {
	return options{
		maxPasses:  DefaultMaxPasses,
		minFileAge: propagator.DefaultMinFileAge,
	}
}

type Option func(*options)

// WithPasswordPrompt is asked for the password when none is configured.
func WithPasswordPrompt(prompt davsdk.PasswordPrompt) Option {
	return func(o *options) { o.prompt = prompt }
}

func WithMaxPasses(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPasses = n
		}
	}
}

func WithMinFileAge(d time.Duration) Option {
	return func(o *options) { o.minFileAge = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}
