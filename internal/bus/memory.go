package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node development.
type MemoryBus struct {
	channels      map[string]chan Event
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

func newMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels:      make(map[string]chan Event),
		subscriptions: make(map[string]context.CancelFunc),
	}
}

func (b *MemoryBus) channel(subject string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.channels[subject]; exists {
		return ch
	}
	ch := make(chan Event, 4096)
	b.channels[subject] = ch
	return ch
}

// Publish delivers to the subject's channel without blocking; a full
// channel fails the publish.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event Event) error {
	ch := b.channel(subject)
	select {
	case ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("event channel full for subject: %s", subject)
	}
}

// Subscribe consumes the subject's channel in a background goroutine.
func (b *MemoryBus) Subscribe(subject string, handler EventHandler) error {
	b.mu.Lock()
	if _, exists := b.subscriptions[subject]; exists {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}
	b.mu.Unlock()

	ch := b.channel(subject)
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.subscriptions[subject] = cancel
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-ch:
				// Handler errors are swallowed; the memory backend has no
				// redelivery.
				_ = handler(event)
			}
		}
	}()

	return nil
}

func (b *MemoryBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancel, exists := b.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}
	cancel()
	delete(b.subscriptions, subject)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, cancel := range b.subscriptions {
		cancel()
		delete(b.subscriptions, subject)
	}
	for subject, ch := range b.channels {
		close(ch)
		delete(b.channels, subject)
	}
	return nil
}

// Pending returns the number of undelivered events on a subject (for tests).
func (b *MemoryBus) Pending(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, exists := b.channels[subject]; exists {
		return len(ch)
	}
	return 0
}
