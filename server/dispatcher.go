package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Event is a request delivered to the reconciler by the chat transport.
type Event interface {
	EventName() string
}

// RoleChanged reports a member's roles after an update. BeforeUnknown is set when
// the previous roles were not cached; the access change is then assumed.
type RoleChanged struct {
	UserID        UserID
	RolesBefore   []RoleID
	RolesAfter    []RoleID
	BeforeUnknown bool
}

type LinkRequested struct {
	UserID  UserID
	RawName string
	Roles   []RoleID
}

type UnlinkRequested struct {
	UserID UserID
}

type ResyncRequested struct {
	RequesterID    UserID
	RequesterRoles []RoleID
}

func (RoleChanged) EventName() string     { return "role_changed" }
func (LinkRequested) EventName() string   { return "link_requested" }
func (UnlinkRequested) EventName() string { return "unlink_requested" }
func (ResyncRequested) EventName() string { return "resync_requested" }

type envelope struct {
	event Event
	reply chan Outcome // nil for fire-and-forget notifications
}

// Dispatcher feeds events to the reconciler from a single worker goroutine.
// Resyncs run on their own goroutine so role changes keep flowing while one is in progress.
type Dispatcher struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	logger   *zap.Logger

	reconciler     *Reconciler
	queueCh        chan envelope
	resyncInterval time.Duration

	resyncRunning *atomic.Bool
	resyncMu      sync.Mutex
	resyncCancel  context.CancelFunc

	wg sync.WaitGroup
}

func NewDispatcher(ctx context.Context, logger *zap.Logger, reconciler *Reconciler, queueSize int, resyncInterval time.Duration) *Dispatcher {
	ctx, cancelFn := context.WithCancel(ctx)
	if queueSize <= 0 {
		queueSize = 50
	}
	return &Dispatcher{
		ctx:      ctx,
		cancelFn: cancelFn,
		logger:   logger.With(zap.String("module", "dispatcher")),

		reconciler:     reconciler,
		queueCh:        make(chan envelope, queueSize),
		resyncInterval: resyncInterval,
		resyncRunning:  atomic.NewBool(false),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var tickerC <-chan time.Time
		if d.resyncInterval > 0 {
			ticker := time.NewTicker(d.resyncInterval)
			defer ticker.Stop()
			tickerC = ticker.C
		}

		for {
			select {
			case <-d.ctx.Done():
				d.logger.Info("Stopping dispatcher")
				return
			case env := <-d.queueCh:
				d.handle(env)
			case <-tickerC:
				d.logger.Debug("Starting scheduled resync")
				d.startResync(d.reconciler.ResyncAll, nil)
			}
		}
	}()
	d.logger.Info("Dispatcher started", zap.Duration("resync_interval", d.resyncInterval))
}

// Stop cancels any in-flight resync and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	d.cancelFn()
	d.wg.Wait()
}

// Dispatch delivers ev and waits for its outcome. Events the reconciler does not
// handle return ErrUnknownEvent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	env := envelope{event: ev, reply: make(chan Outcome, 1)}
	select {
	case d.queueCh <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, ErrDispatcherClosed
	}
	select {
	case outcome := <-env.reply:
		if outcome == nil {
			return nil, ErrUnknownEvent
		}
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, ErrDispatcherClosed
	}
}

// Notify queues ev without waiting. The event is dropped when the queue is full.
func (d *Dispatcher) Notify(ev Event) bool {
	select {
	case d.queueCh <- envelope{event: ev}:
		return true
	default:
		d.logger.Warn("Queue is full; dropping event", zap.String("event", ev.EventName()))
		return false
	}
}

// CancelResync stops the running resync, if any.
func (d *Dispatcher) CancelResync() bool {
	d.resyncMu.Lock()
	defer d.resyncMu.Unlock()
	if d.resyncCancel == nil {
		return false
	}
	d.resyncCancel()
	return true
}

func (d *Dispatcher) ResyncRunning() bool {
	return d.resyncRunning.Load()
}

func (d *Dispatcher) handle(env envelope) {
	var outcome Outcome
	switch ev := env.event.(type) {
	case RoleChanged:
		if ev.BeforeUnknown {
			hasAccess := EvaluateAccess(ev.RolesAfter, d.reconciler.Policy())
			outcome = d.reconciler.ObserveRoleChange(d.ctx, ev.UserID, !hasAccess, hasAccess)
			break
		}
		outcome = d.reconciler.HandleRoleChange(d.ctx, ev.UserID, ev.RolesBefore, ev.RolesAfter)
	case LinkRequested:
		outcome = d.reconciler.Link(d.ctx, ev.UserID, ev.RawName, ev.Roles)
	case UnlinkRequested:
		outcome = d.reconciler.Unlink(d.ctx, ev.UserID)
	case ResyncRequested:
		if !EvaluateAdmin(ev.RequesterRoles, d.reconciler.Policy()) {
			outcome = d.reconciler.Resync(d.ctx, ev.RequesterRoles)
			break
		}
		d.logger.Info("Resync requested", zap.String("requester_id", ev.RequesterID.String()))
		roles := ev.RequesterRoles
		d.startResync(func(ctx context.Context) ResyncOutcome {
			return d.reconciler.Resync(ctx, roles)
		}, env.reply)
		return
	default:
		d.logger.Warn("Unknown event", zap.Any("event", env.event))
	}
	if env.reply != nil {
		env.reply <- outcome
	}
}

func (d *Dispatcher) startResync(run func(ctx context.Context) ResyncOutcome, reply chan Outcome) {
	if !d.resyncRunning.CompareAndSwap(false, true) {
		d.logger.Info("Resync already running")
		if reply != nil {
			reply <- ResyncOutcome{Busy: true}
		}
		return
	}

	ctx, cancel := context.WithCancel(d.ctx)
	d.resyncMu.Lock()
	d.resyncCancel = cancel
	d.resyncMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		outcome := run(ctx)

		d.resyncMu.Lock()
		d.resyncCancel = nil
		d.resyncMu.Unlock()
		cancel()
		d.resyncRunning.Store(false)

		if reply != nil {
			reply <- outcome
		}
	}()
}
