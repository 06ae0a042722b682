// Package bus delivers workflow events between stateless handlers.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/events"
)

// Publisher submits events. Delivery is at least once and unordered.
type Publisher interface {
	Submit(ctx context.Context, ev events.Event, delay time.Duration) error
}

// HandlerFunc processes one delivered event. A returned error causes
// redelivery until the attempt limit is reached.
type HandlerFunc func(ctx context.Context, ev events.Event) error

// ErrClosed is returned when submitting to a stopped bus.
var ErrClosed = errors.New("bus closed")

// MemoryConfig tunes the in-process bus. QueueSize buffers the hand-off to
// the workers; submissions never block on it.
type MemoryConfig struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	QueueSize   int
}

type delivery struct {
	data    []byte
	attempt int
}

// Memory is an in-process bus. Events are encoded on submit and decoded on
// delivery so that every handler sees a validated body, the same as with an
// external queue.
type Memory struct {
	cfg     MemoryConfig
	handler HandlerFunc
	logger  *slog.Logger

	queue    chan delivery
	notify   chan struct{}
	pending  sync.WaitGroup
	workers  sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	backlog []delivery
	closed  bool
}

// NewMemory creates an in-process bus that dispatches to handler.
func NewMemory(cfg MemoryConfig, handler HandlerFunc, logger *slog.Logger) *Memory {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		queue:   make(chan delivery, cfg.QueueSize),
		notify:  make(chan struct{}, 1),
	}
}

// Start launches the dispatcher and the worker goroutines. They exit when
// ctx is done or Stop is called.
func (m *Memory) Start(ctx context.Context) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.dispatch(ctx)
	}()
	for i := 0; i < m.cfg.Workers; i++ {
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			m.work(ctx)
		}()
	}
}

// Submit encodes ev and queues it, after delay if one is given. It never
// waits for a worker, so handlers may publish freely.
func (m *Memory) Submit(ctx context.Context, ev events.Event, delay time.Duration) error {
	data, err := events.Encode(ev)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.enqueue(delivery{data: data}, delay)
}

func (m *Memory) enqueue(d delivery, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.pending.Add(1)
	if delay > 0 {
		time.AfterFunc(delay, func() { m.push(d) })
		return nil
	}
	m.backlog = append(m.backlog, d)
	m.wake()
	return nil
}

// push appends a delayed delivery, dropping it when the bus has stopped.
func (m *Memory) push(d delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.pending.Done()
		return
	}
	m.backlog = append(m.backlog, d)
	m.wake()
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// dispatch moves the backlog to the workers. After Stop it hands over what
// is left and closes the queue.
func (m *Memory) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.backlog) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				close(m.queue)
				return
			}
			select {
			case <-m.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		d := m.backlog[0]
		m.backlog[0] = delivery{}
		m.backlog = m.backlog[1:]
		m.mu.Unlock()

		select {
		case m.queue <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Memory) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-m.queue:
			if !ok {
				return
			}
			m.deliver(ctx, d)
		}
	}
}

func (m *Memory) deliver(ctx context.Context, d delivery) {
	defer m.pending.Done()

	ev, err := events.Decode(d.data)
	if err != nil {
		m.logger.Error("dropping undecodable event", "error", err)
		return
	}

	d.attempt++
	start := time.Now()
	err = m.handler(ctx, ev)
	if err == nil {
		m.logger.Debug("event handled", "event_type", ev.EventType(), "attempt", d.attempt, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	if d.attempt >= m.cfg.MaxAttempts {
		m.logger.Error("event failed, giving up", "event_type", ev.EventType(), "attempt", d.attempt, "error", err)
		return
	}
	m.logger.Warn("event failed, redelivering", "event_type", ev.EventType(), "attempt", d.attempt, "error", err)
	if err := m.enqueue(d, m.cfg.RetryDelay); err != nil {
		m.logger.Error("redelivery failed", "event_type", ev.EventType(), "error", err)
	}
}

// Wait blocks until every submitted event, including redeliveries and the
// events they submit, has been handled.
func (m *Memory) Wait() {
	m.pending.Wait()
}

// Stop refuses further submissions, lets the workers finish what was already
// queued and waits for them to exit.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.wake()
	})
	m.workers.Wait()
}
