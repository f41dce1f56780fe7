// Package reactive binds a local store query to invalidation topics: the
// query runs once at start and re-runs on every emission of a subscribed
// topic, handing fresh rows to the consumer. This is the only sanctioned
// read path for presentation code.
package reactive

import (
	"context"
	"sync"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"go.uber.org/zap"
)

// RunFunc executes the bound query and returns the current rows.
type RunFunc[T any] func(ctx context.Context) ([]T, error)

// Query re-executes a RunFunc whenever one of its topics fires and delivers
// the latest result set on Rows. Delivery is latest-wins: a slow consumer
// sees the newest rows, never a backlog of stale ones.
type Query[T any] struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	run    RunFunc[T]
	topics []string
	unsubs []func()
	notify chan struct{}

	rows   chan []T
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQuery creates a query bound to the given topics. Start must be called
// before Rows yields anything.
func NewQuery[T any](b *bus.Bus, logger *zap.Logger, run RunFunc[T], topics ...string) *Query[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query[T]{
		bus:    b,
		logger: logger,
		run:    run,
		topics: topics,
		notify: make(chan struct{}, 1),
		rows:   make(chan []T, 1),
		done:   make(chan struct{}),
	}
}

// Start executes the query once, delivers the initial rows, and begins
// watching the subscribed topics.
func (q *Query[T]) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)

	if err := q.refresh(ctx); err != nil {
		q.cancel()
		close(q.done)
		return err
	}
	q.subscribe()
	go q.loop(ctx)
	return nil
}

// Rows returns the delivery channel. Each receive is the full latest result
// set of the bound query.
func (q *Query[T]) Rows() <-chan []T {
	return q.rows
}

// SetTopics replaces the subscribed topic set and re-runs the query so the
// consumer immediately sees rows matching the new binding.
func (q *Query[T]) SetTopics(ctx context.Context, topics ...string) error {
	q.mu.Lock()
	q.unsubscribeLocked()
	q.topics = topics
	q.mu.Unlock()
	q.subscribe()
	return q.refresh(ctx)
}

// SetRun replaces the bound query (e.g. new parameters) and re-runs it.
func (q *Query[T]) SetRun(ctx context.Context, run RunFunc[T]) error {
	q.mu.Lock()
	q.run = run
	q.mu.Unlock()
	return q.refresh(ctx)
}

// Close unsubscribes every listener and stops the watch loop. The rows
// channel stays open but quiescent, so pending receives do not panic.
func (q *Query[T]) Close() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	q.mu.Lock()
	q.unsubscribeLocked()
	q.mu.Unlock()
}

func (q *Query[T]) subscribe() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, topic := range q.topics {
		ch, unsub := q.bus.Subscribe(topic, 16)
		quit := make(chan struct{})
		q.unsubs = append(q.unsubs, func() {
			unsub()
			close(quit)
		})
		go q.forward(ch, quit)
	}
}

func (q *Query[T]) unsubscribeLocked() {
	for _, unsub := range q.unsubs {
		unsub()
	}
	q.unsubs = nil
}

// forward coalesces emissions from one subscription into the shared notify
// signal so a burst of invalidations triggers a single re-run.
func (q *Query[T]) forward(ch <-chan bus.Event, quit <-chan struct{}) {
	for {
		select {
		case <-ch:
			select {
			case q.notify <- struct{}{}:
			default:
			}
		case <-quit:
			return
		}
	}
}

func (q *Query[T]) loop(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-q.notify:
			if err := q.refresh(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("reactive query re-run failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Query[T]) refresh(ctx context.Context) error {
	q.mu.Lock()
	run := q.run
	q.mu.Unlock()

	result, err := run(ctx)
	if err != nil {
		return err
	}

	// Latest-wins delivery: drop the undelivered previous result.
	select {
	case <-q.rows:
	default:
	}
	select {
	case q.rows <- result:
	default:
	}
	return nil
}
