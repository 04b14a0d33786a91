package events

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one event. Handlers run concurrently; a panic inside a
// handler is recovered by the bus and never reaches other handlers.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	token   int
	pattern string
	name    string
	fn      Handler
}

// Bus is the pub/sub core. Exact subjects are matched through a map lookup;
// wildcard patterns (glob, e.g. "pm.*") are evaluated per publish. Every
// published event is journaled before dispatch.
type Bus struct {
	mu        sync.RWMutex
	exact     map[string][]*subscription
	wildcards []*subscription
	nextToken int
	closed    bool

	journal  Journal
	log      *zap.Logger
	inflight sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

var (
	instance *Bus
	once     sync.Once
)

// GetInstance returns the process-wide bus, constructing it on first call
// with the supplied journal and logger. Later calls ignore the arguments.
func GetInstance(journal Journal, log *zap.Logger) *Bus {
	once.Do(func() {
		instance = NewBus(journal, log)
	})
	return instance
}

// NewBus builds an independent bus; tests and the composition root use this
// directly so state never leaks between constructions.
func NewBus(journal Journal, log *zap.Logger) *Bus {
	if journal == nil {
		journal = NewMemoryJournal(DefaultJournalCap)
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		exact:   make(map[string][]*subscription),
		journal: journal,
		log:     log.Named("bus"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func isWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// Subscribe registers a handler for an exact subject or a glob pattern and
// returns a token usable with Unsubscribe. The same handler may be
// registered any number of times; each registration is invoked per match.
func (b *Bus) Subscribe(pattern string, h Handler) int {
	return b.SubscribeNamed(pattern, "", h)
}

// SubscribeNamed is Subscribe with a handler identity used in error logs.
func (b *Bus) SubscribeNamed(pattern, name string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	if name == "" {
		name = fmt.Sprintf("sub-%d", b.nextToken)
	}
	sub := &subscription{token: b.nextToken, pattern: pattern, name: name, fn: h}

	if isWildcard(pattern) {
		// Reject patterns glob cannot evaluate instead of failing silently
		// at publish time.
		if _, err := path.Match(pattern, "probe"); err != nil {
			b.log.Warn("bad subscription pattern",
				zap.String("pattern", pattern), zap.Error(err))
			return 0
		}
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	b.log.Debug("subscribed", zap.String("pattern", pattern), zap.String("handler", name))
	return sub.token
}

// Unsubscribe removes a subscription by token. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, subs := range b.exact {
		for i, s := range subs {
			if s.token == token {
				b.exact[subject] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, s := range b.wildcards {
		if s.token == token {
			b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
			return
		}
	}
}

// Publish journals the event and schedules every matching handler on its
// own goroutine. It returns once the journal write is done; handler
// execution is fully asynchronous. Journal failures are logged, never
// propagated to the publisher.
func (b *Bus) Publish(e Event) error {
	return b.publish(e, true)
}

// PublishTransient dispatches without journaling; used for alert events so
// a failing handler cannot feed its own error back into the journal.
func (b *Bus) PublishTransient(e Event) error {
	return b.publish(e, false)
}

func (b *Bus) publish(e Event, persist bool) error {
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed, dropping %s", e.Subject)
	}
	matched := b.matchLocked(e.Subject)
	b.inflight.Add(len(matched))
	b.mu.RUnlock()

	if persist {
		if err := b.journal.Append(e); err != nil {
			b.log.Error("journal append failed",
				zap.String("subject", e.Subject), zap.Error(err))
		}
	}

	for _, sub := range matched {
		go b.run(sub, e)
	}
	return nil
}

func (b *Bus) matchLocked(subject string) []*subscription {
	matched := append([]*subscription(nil), b.exact[subject]...)
	for _, sub := range b.wildcards {
		if ok, _ := path.Match(sub.pattern, subject); ok {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (b *Bus) run(sub *subscription, e Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked",
				zap.String("subject", e.Subject),
				zap.String("handler", sub.name),
				zap.Any("panic", r))
			alert := NewFrom(SystemHandlerError, Data{
				"original_subject":  e.Subject,
				"original_event_id": e.ID,
				"handler":           sub.name,
				"error":             fmt.Sprint(r),
			}, "bus")
			// Best effort; the bus may be quiescing.
			_ = b.PublishTransient(alert)
		}
	}()
	sub.fn(b.baseCtx, e)
}

// QueryRecent returns the newest journal entries, newest first.
func (b *Bus) QueryRecent(limit int) ([]Event, error) {
	return b.journal.Recent(limit)
}

// Close quiesces the bus: no further publishes are accepted, in-flight
// handlers get the grace period to finish, stragglers are abandoned with a
// warning.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		b.log.Warn("handlers still running after grace period, abandoning",
			zap.Duration("grace", grace))
	}
	b.cancel()
}
