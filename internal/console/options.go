// Package console aggregates the statistics reported by agents and drives
// the fleet: it accepts connections, merges reports into the sample model,
// tracks agent liveness and answers console clients.
package console

import (
	"github.com/go-kit/log"

	"grindstone/internal/core"
	"grindstone/internal/observability"
)

type options struct {
	logger               log.Logger
	clock                core.Clock
	communicationMetrics observability.CommunicationObserver
	consoleMetrics       observability.ConsoleObserver
}

func defaultOptions() options {
	return options{
		logger:               log.NewNopLogger(),
		clock:                core.RealClock{},
		communicationMetrics: observability.NoopCommunicationObserver,
		consoleMetrics:       observability.NoopConsoleObserver,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Option func(*options)

func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock used for sample periods and agent liveness.
func WithClock(clock core.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithCommunicationObserver(obs observability.CommunicationObserver) Option {
	return func(o *options) { o.communicationMetrics = obs }
}

func WithConsoleObserver(obs observability.ConsoleObserver) Option {
	return func(o *options) { o.consoleMetrics = obs }
}
