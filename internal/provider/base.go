package provider

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/haasonsaas/ensemble/pkg/models"
)

const (
	// maxRetries bounds automatic retries on transient backend failures.
	maxRetries = 3

	// baseRetryDelay is the first backoff interval; subsequent attempts
	// double it with jitter.
	baseRetryDelay = 500 * time.Millisecond
)

// base carries the request state shared by all adapters.
type base struct {
	mu          sync.RWMutex
	system      string
	thinking    ThinkingSetting
	temperature *float64
	logger      *slog.Logger
}

func newBase(logger *slog.Logger, component string) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{logger: logger.With("component", component)}
}

func (b *base) SetSystemPrompt(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.system = prompt
}

func (b *base) systemPrompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.system
}

func (b *base) setThinking(s ThinkingSetting) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.thinking = s
}

func (b *base) thinkingSetting() ThinkingSetting {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.thinking
}

// SetTemperature stores the sampling temperature. nil restores the
// provider default.
func (b *base) SetTemperature(t *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.temperature = t
}

func (b *base) temperatureSetting() *float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.temperature
}

// withRetry runs fn, retrying with exponential backoff and jitter when the
// failure is classified retryable. It respects context cancellation between
// attempts.
func (b *base) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := baseRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			jittered := delay + time.Duration(rand.Int63n(int64(delay/2)))
			b.logger.Warn("retrying provider request",
				"attempt", attempt, "delay", jittered, "error", lastErr)
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		pe, ok := AsProviderError(lastErr)
		if !ok || !pe.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

// estimateTokens is the shared prompt-size heuristic: roughly four characters
// per token over all text-bearing parts.
func estimateTokens(history []models.Message) int {
	chars := 0
	for _, msg := range history {
		for _, p := range msg.Parts {
			chars += len(p.Text) + len(p.Content)
			if len(p.Args) > 0 {
				chars += len(p.Args)
			}
			if len(p.Data) > 0 {
				// Binary attachments are billed by the provider's own
				// accounting; approximate with a flat overhead.
				chars += 4000
			}
		}
	}
	return chars / 4
}

// eventStream is the Stream implementation shared by all adapters: a bounded
// event channel plus a cancel func that aborts the vendor request.
type eventStream struct {
	events    chan models.StreamEvent
	done      <-chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newEventStream(ctx context.Context, cancel context.CancelFunc) *eventStream {
	return &eventStream{
		events: make(chan models.StreamEvent, 64),
		done:   ctx.Done(),
		cancel: cancel,
	}
}

func (s *eventStream) Events() <-chan models.StreamEvent { return s.events }

func (s *eventStream) Close() {
	s.closeOnce.Do(func() { s.cancel() })
}

// send delivers an event unless the consumer is gone.
func (s *eventStream) send(ctx context.Context, ev models.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish emits the terminal event and closes the channel. Every adapter
// goroutine ends here exactly once. A consumer that closed the stream with
// the buffer full no longer receives the terminal event.
func (s *eventStream) finish(ev models.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
	close(s.events)
}

// streamWithRetry drives one adapter stream: attempt reports whether any
// event reached the consumer and the error that ended the attempt. Failures
// before the first delivered event go through withRetry; failures after it
// are surfaced immediately since the consumer already saw partial output.
func (b *base) streamWithRetry(ctx context.Context, out *eventStream, attempt func() (bool, error)) {
	err := b.withRetry(ctx, func() error {
		emitted, aerr := attempt()
		if aerr != nil && emitted {
			out.finish(models.StopErrorEvent(aerr))
			return nil
		}
		return aerr
	})
	if err != nil {
		out.finish(models.StopErrorEvent(err))
	}
}
