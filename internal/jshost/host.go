// Package jshost runs service worker scripts in QuickJS VMs and delivers
// extendable events to them. It implements core.EventDispatcher.
package jshost

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/eventloop"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Host keeps one VM per worker id, created on first dispatch.
type Host struct {
	cfg core.JSHostConfig
	log *zap.Logger

	mu        sync.Mutex
	instances map[int64]*instance
	closed    bool
}

var (
	_ core.EventDispatcher = (*Host)(nil)
	_ core.Evictor         = (*Host)(nil)
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. console.* output is written to it.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a Host.
func New(cfg core.JSHostConfig, opts ...Option) *Host {
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = core.DefaultEventTimeout
	}
	h := &Host{cfg: cfg, log: zap.NewNop(), instances: make(map[int64]*instance)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// instance is one worker's VM. mu serializes every use of the VM.
type instance struct {
	mu      sync.Mutex
	id      int64
	rt      *qjsRuntime
	loop    *eventloop.EventLoop
	log     *zap.Logger
	current *core.ExtendableEvent
	nextID  int
	results map[int]error
	broken  bool
	closed  bool
}

func (in *instance) skipWaiting() {
	if in.current != nil {
		in.current.SkipWaiting()
	}
}

func (in *instance) settle(id int, failed bool, reason string) {
	if failed {
		in.results[id] = fmt.Errorf("%w: %s", ErrEventRejected, reason)
		return
	}
	in.results[id] = nil
}

// guard runs fn with a watchdog that interrupts the VM after timeout. A VM
// that timed out or panicked is marked broken and must be discarded.
func (in *instance) guard(timeout time.Duration, fn func() error) (err error) {
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		in.rt.interrupt()
	})
	defer func() {
		watchdog.Stop()
		if r := recover(); r != nil {
			in.broken = true
			err = fmt.Errorf("vm panic: %v", r)
		}
		if timedOut.Load() {
			in.broken = true
			err = fmt.Errorf("%w: script ran longer than %s", ErrEventTimeout, timeout)
		}
	}()
	return fn()
}

func (in *instance) close() {
	if in.closed {
		return
	}
	in.closed = true
	in.loop.Reset()
	in.rt.close()
}

// DispatchEvent runs ev's listeners in the worker's VM. A listener that
// throws fails the dispatch. When a listener calls waitUntil, ev is
// extended with a future that settles with the promise.
func (h *Host) DispatchEvent(ctx context.Context, w core.WorkerScript, ev *core.ExtendableEvent) error {
	data := "null"
	if len(ev.Data) > 0 {
		if !json.Valid(ev.Data) {
			return fmt.Errorf("jshost: %s event data is not valid JSON", ev.Type)
		}
		data = string(ev.Data)
	}

	in, err := h.instance(ctx, w)
	if err != nil {
		return err
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return fmt.Errorf("%w: worker %d was evicted", ErrClosed, w.ID())
	}
	in.nextID++
	id := in.nextID
	in.current = ev
	var extended bool
	err = in.guard(h.cfg.EventTimeout, func() error {
		var err error
		extended, err = in.rt.EvalBool(fmt.Sprintf("__dispatch(%d, %q, %s)", id, string(ev.Type), data))
		return err
	})
	in.current = nil
	broken := in.broken
	in.mu.Unlock()

	if broken {
		h.Evict(w.ID())
	}
	if err != nil {
		in.log.Warn("event listener failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrListenerThrew, ev.Type, err)
	}
	if !extended {
		return nil
	}

	future := make(chan error, 1)
	if err := ev.WaitUntil(future); err != nil {
		return err
	}
	go h.await(ctx, in, id, ev, future)
	return nil
}

// await drives the VM until the waitUntil promise of event id settles.
func (h *Host) await(ctx context.Context, in *instance, id int, ev *core.ExtendableEvent, future chan<- error) {
	in.mu.Lock()
	deadline := time.Now().Add(h.cfg.EventTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	in.current = ev
	err := in.guard(h.cfg.EventTimeout+time.Second, func() error {
		in.loop.Run(in.rt, deadline, func() bool {
			_, ok := in.results[id]
			return ok || ctx.Err() != nil
		}, func(err error) {
			in.log.Warn("timer callback threw", zap.Error(err))
		})
		return nil
	})
	in.current = nil
	result, settled := in.results[id]
	delete(in.results, id)
	broken := in.broken
	in.mu.Unlock()

	switch {
	case err != nil:
		future <- err
	case settled:
		future <- result
	case ctx.Err() != nil:
		future <- ctx.Err()
	default:
		future <- fmt.Errorf("%w: %s event did not settle", ErrEventTimeout, ev.Type)
	}
	if broken {
		h.Evict(in.id)
	}
}

func (h *Host) instance(ctx context.Context, w core.WorkerScript) (*instance, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if in, ok := h.instances[w.ID()]; ok {
		h.mu.Unlock()
		return in, nil
	}
	h.mu.Unlock()

	in, err := h.load(ctx, w)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		in.close()
		return nil, ErrClosed
	}
	if existing, ok := h.instances[w.ID()]; ok {
		in.close()
		return existing, nil
	}
	h.instances[w.ID()] = in
	return in, nil
}

// load creates a VM and evaluates the worker's stored script in it.
func (h *Host) load(ctx context.Context, w core.WorkerScript) (*instance, error) {
	rc, err := w.OpenContent(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrScriptEvaluation, w.ScriptURL(), err)
	}
	src, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrScriptEvaluation, w.ScriptURL(), err)
	}
	source, err := lowerModule(string(src), w.ScriptURL())
	if err != nil {
		return nil, err
	}

	rt, err := newRuntime(h.cfg.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	in := &instance{
		id:      w.ID(),
		rt:      rt,
		loop:    eventloop.New(),
		results: make(map[int]error),
		log:     h.log.With(zap.Int64("worker", w.ID()), zap.String("script_url", w.ScriptURL())),
	}
	setup := []func() error{
		func() error { return setupConsole(rt, in.log) },
		func() error { return setupTimers(rt, in.loop) },
		func() error { return setupScope(rt, w, in.skipWaiting, in.settle) },
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			in.close()
			return nil, fmt.Errorf("jshost: setting up global scope: %w", err)
		}
	}

	in.mu.Lock()
	err = in.guard(h.cfg.EventTimeout, func() error {
		if err := rt.Eval(source); err != nil {
			return err
		}
		rt.RunMicrotasks()
		return nil
	})
	in.mu.Unlock()
	if err != nil {
		in.close()
		return nil, fmt.Errorf("%w: %s: %v", ErrScriptEvaluation, w.ScriptURL(), err)
	}
	in.log.Debug("worker script evaluated", zap.Int("bytes", len(src)))
	return in, nil
}

// Evict disposes the VM of workerID. Pending events on it settle first.
func (h *Host) Evict(workerID int64) {
	h.mu.Lock()
	in, ok := h.instances[workerID]
	delete(h.instances, workerID)
	h.mu.Unlock()
	if !ok {
		return
	}
	in.mu.Lock()
	in.close()
	in.mu.Unlock()
	h.log.Debug("evicted worker vm", zap.Int64("worker", workerID))
}

// Loaded reports whether a VM exists for workerID.
func (h *Host) Loaded(workerID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.instances[workerID]
	return ok
}

// Close disposes every VM. Later dispatches fail with ErrClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	instances := h.instances
	h.instances = make(map[int64]*instance)
	h.mu.Unlock()
	for _, in := range instances {
		in.mu.Lock()
		in.close()
		in.mu.Unlock()
	}
	return nil
}
