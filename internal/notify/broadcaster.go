package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

const publishTimeout = 5 * time.Second

// Broadcaster fans a publish out to all configured sinks on a background
// goroutine, so the caller never blocks on a sink (and never holds an
// entity lock across a network write). Failures are logged and counted.
type Broadcaster struct {
	sinks  []Sink
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewBroadcaster(logger *slog.Logger, sinks ...Sink) *Broadcaster {
	return &Broadcaster{sinks: sinks, logger: logger}
}

// Publish dispatches the payload to every sink asynchronously and returns
// immediately.
func (b *Broadcaster) Publish(channel string, payload any) {
	for _, s := range b.sinks {
		b.wg.Add(1)
		go func(s Sink) {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := s.Publish(ctx, channel, payload); err != nil {
				observability.NotifyFailures.WithLabelValues(s.Name()).Inc()
				b.logger.Warn("notification publish failed",
					"sink", s.Name(), "channel", channel, "error", err)
			}
		}(s)
	}
}

// Flush waits for in-flight publishes, for shutdown and tests.
func (b *Broadcaster) Flush() {
	b.wg.Wait()
}
