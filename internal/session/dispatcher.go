package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// Dispatcher defaults.
const (
	DefaultMailboxSize = 64
	DefaultIdleTimeout = 2 * time.Minute
)

// EventHandler processes one inbound event. *Controller implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) error
}

// Dispatcher fans inbound events out to one mailbox goroutine per user, so
// each user's events run in arrival order while different users proceed
// independently. Run never waits on a mailbox: an event for a user whose
// mailbox is full is dropped and logged. Idle mailboxes are retired.
type Dispatcher struct {
	handler     EventHandler
	mailboxSize int
	idleTimeout time.Duration
	onDrop      func(models.InboundEvent)

	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool
	wg     sync.WaitGroup
}

type mailbox struct {
	ch chan models.InboundEvent
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMailboxSize sets the per-user queue length.
func WithMailboxSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.mailboxSize = n }
}

// WithIdleTimeout sets how long an empty mailbox lives.
func WithIdleTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.idleTimeout = t }
}

// WithDropHandler is called, on the Run goroutine, for each event dropped
// because its mailbox was full. It must not block.
func WithDropHandler(fn func(models.InboundEvent)) DispatcherOption {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// NewDispatcher creates a dispatcher over handler.
func NewDispatcher(handler EventHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:     handler,
		mailboxSize: DefaultMailboxSize,
		idleTimeout: DefaultIdleTimeout,
		boxes:       make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes events until the channel closes or ctx is done, then drains
// the mailboxes and waits for in-flight events.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.InboundEvent) {
	slog.Info("Dispatcher.Run: started")
	defer d.shutdown()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: context done")
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("Dispatcher.Run: event channel closed")
				return
			}
			d.submit(ctx, ev)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, ev models.InboundEvent) {
	if ev.UserID == "" {
		slog.Warn("Dispatcher.submit: dropping event without user", "kind", ev.Kind)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	box, ok := d.boxes[ev.UserID]
	if !ok {
		box = &mailbox{ch: make(chan models.InboundEvent, d.mailboxSize)}
		d.boxes[ev.UserID] = box
		d.wg.Add(1)
		go d.work(ctx, ev.UserID, box)
	}
	select {
	case box.ch <- ev:
	default:
		slog.Warn("Dispatcher.submit: mailbox full, event dropped", "user", ev.UserID, "kind", ev.Kind, "queued", len(box.ch))
		if d.onDrop != nil {
			d.onDrop(ev)
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, userID string, box *mailbox) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case ev, ok := <-box.ch:
			if !ok {
				return
			}
			d.handle(ctx, ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)
		case <-idle.C:
			d.mu.Lock()
			if len(box.ch) == 0 && !d.closed {
				delete(d.boxes, userID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.idleTimeout)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.handle: handler panicked", "user", ev.UserID, "panic", r)
		}
	}()
	if err := d.handler.HandleEvent(ctx, ev); err != nil {
		slog.Error("Dispatcher.handle: event failed", "user", ev.UserID, "kind", ev.Kind, "error", err)
	}
}

// shutdown closes every mailbox and waits for the workers. Sends happen
// under d.mu, so none can race the close.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	for id, box := range d.boxes {
		close(box.ch)
		delete(d.boxes, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
	slog.Info("Dispatcher.Run: stopped")
}
