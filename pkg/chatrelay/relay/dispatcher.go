package relay

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

var (
	// ErrDispatcherClosed is returned by Dispatch after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrQueueFull is returned when a context already has QueueSize pending events.
	ErrQueueFull = errors.New("context queue full")
)

// DispatcherConfig bounds the dispatcher's concurrency.
type DispatcherConfig struct {
	// MaxConcurrency is how many contexts are processed at once.
	MaxConcurrency int `yaml:"max_concurrency"`

	// QueueSize caps pending events per context.
	QueueSize int `yaml:"queue_size"`

	// IdleTimeout is how long an idle context worker waits for more work.
	// Zero makes workers exit as soon as their queue is empty.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxConcurrency: 8,
		QueueSize:      32,
		IdleTimeout:    2 * time.Minute,
	}
}

// HandlerFunc processes one inbound message.
type HandlerFunc func(ctx context.Context, msg *channels.IncomingMessage)

// PanicFunc is called after a handler panic has been recovered.
type PanicFunc func(ctx context.Context, msg *channels.IncomingMessage, recovered any)

type contextWorker struct {
	key   string
	queue []*channels.IncomingMessage
	wake  chan struct{}
}

// Dispatcher fans inbound messages out to one FIFO worker per conversation
// context. Messages of the same context are handled strictly in arrival
// order; different contexts run concurrently up to MaxConcurrency.
type Dispatcher struct {
	cfg     DispatcherConfig
	handle  HandlerFunc
	onPanic PanicFunc
	sem     chan struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*contextWorker
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher that runs handle for every message.
func NewDispatcher(cfg DispatcherConfig, handle HandlerFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDispatcherConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	return &Dispatcher{
		cfg:     cfg,
		handle:  handle,
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		workers: make(map[string]*contextWorker),
		logger:  logger.With("component", "dispatcher"),
	}
}

// OnPanic registers a callback for recovered handler panics.
func (d *Dispatcher) OnPanic(fn PanicFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPanic = fn
}

// Dispatch queues msg on its context's worker, starting the worker if
// needed. ctx bounds the lifetime of a worker started by this call.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *channels.IncomingMessage) error {
	key := session.Key{Channel: msg.Channel, ChatID: msg.ChatID}.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	w, ok := d.workers[key]
	if !ok {
		w = &contextWorker{key: key, wake: make(chan struct{}, 1)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(ctx, w)
	}

	if len(w.queue) >= d.cfg.QueueSize {
		d.logger.Warn("context queue full, dropping message",
			"context", key,
			"queued", len(w.queue),
			"msg_id", msg.ID,
		)
		return ErrQueueFull
	}

	w.queue = append(w.queue, msg)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches every message from in until in is closed or ctx is done,
// then waits for in-flight work to finish.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *channels.IncomingMessage) error {
	defer func() {
		d.Close()
		d.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := d.Dispatch(ctx, msg); err != nil && !errors.Is(err, ErrQueueFull) {
				return err
			}
		}
	}
}

// Close stops accepting messages. Queued messages are still handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, w := range d.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Active returns the number of live context workers.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// next pops the next queued message. When the queue is empty it reports
// whether the worker should exit, removing it from the map if so. The
// check and removal happen under one lock so Dispatch never queues onto a
// worker that is leaving.
func (d *Dispatcher) next(w *contextWorker, idleExpired bool) (msg *channels.IncomingMessage, exit bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(w.queue) > 0 {
		msg = w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		return msg, false
	}
	if d.closed || idleExpired || d.cfg.IdleTimeout == 0 {
		delete(d.workers, w.key)
		return nil, true
	}
	return nil, false
}

func (d *Dispatcher) run(ctx context.Context, w *contextWorker) {
	defer d.wg.Done()

	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()
	idleExpired := false

	for {
		msg, exit := d.next(w, idleExpired)
		if exit {
			return
		}
		if msg != nil {
			d.process(ctx, msg)
			idle.Reset(d.cfg.IdleTimeout)
			idleExpired = false
			continue
		}

		select {
		case <-w.wake:
		case <-idle.C:
			idleExpired = true
		case <-ctx.Done():
			d.mu.Lock()
			dropped := len(w.queue)
			delete(d.workers, w.key)
			d.mu.Unlock()
			if dropped > 0 {
				d.logger.Warn("worker stopped with queued messages", "context", w.key, "dropped", dropped)
			}
			return
		}
	}
}

// process runs the handler under the global concurrency limit and recovers
// panics so one context cannot take down the others.
func (d *Dispatcher) process(ctx context.Context, msg *channels.IncomingMessage) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panic recovered",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			d.mu.Lock()
			onPanic := d.onPanic
			d.mu.Unlock()
			if onPanic != nil {
				onPanic(ctx, msg, rec)
			}
		}
	}()

	d.handle(ctx, msg)
}
