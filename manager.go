package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/jshost"
	"github.com/cryguy/serviceworker/internal/logger"
	"github.com/cryguy/serviceworker/internal/storage"
	"github.com/cryguy/serviceworker/internal/webapi"
	"github.com/cryguy/serviceworker/internal/workerstore"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Manager owns the registrations of every scope and drives worker
// lifecycles against persistent storage.
type Manager struct {
	cfg    core.Config
	conn   *storage.Connection
	client *webapi.Client
	host   core.EventDispatcher
	log    *zap.Logger
	allow  *allowList

	owned   []io.Closer
	flights singleflight.Group

	// applyMu serializes state batches so the in-memory registrations
	// always match the last commit.
	applyMu sync.Mutex

	mu         sync.Mutex
	regs       map[string]workerstore.RegistrationRow
	workers    map[int64]*Worker
	installing map[int64]bool
	scopeLocks map[string]*semaphore.Weighted
	subs       []subscriber
	outbox     []Notification
	draining   bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	log        *zap.Logger
	dispatcher core.EventDispatcher
	transport  http.RoundTripper
}

// Option configures Open and New.
type Option func(*options)

// WithLogger sets the logger. Open otherwise builds one from Config.Log;
// New defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDispatcher replaces the QuickJS host used by Open.
func WithDispatcher(d core.EventDispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithHTTPTransport sets the round tripper used for script fetches.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open opens (or creates) the database at cfg.DatabasePath, restores the
// registrations it holds and returns a ready Manager. Close releases
// everything Open created.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collect(opts)
	log := o.log
	if log == nil {
		log = logger.New(cfg.Log.Level, cfg.Log.Format)
	}

	var owned []io.Closer
	fail := func(err error) (*Manager, error) {
		for i := len(owned) - 1; i >= 0; i-- {
			owned[i].Close()
		}
		return nil, err
	}

	conn, err := storage.Open(ctx, cfg.DatabasePath, storage.WithLogger(log.Named(logger.ComponentStorage)))
	if err != nil {
		return nil, err
	}
	owned = append(owned, conn)
	if err := workerstore.Migrate(ctx, conn); err != nil {
		return fail(err)
	}

	clientOpts := []webapi.ClientOption{webapi.WithLogger(log.Named(logger.ComponentFetch))}
	if cfg.Fetch.CachePath != "" {
		cache, err := webapi.OpenHTTPCache(cfg.Fetch.CachePath, cfg.Fetch.CacheMaxEntryBytes, log.Named(logger.ComponentFetch))
		if err != nil {
			return fail(err)
		}
		owned = append(owned, cache)
		clientOpts = append(clientOpts, webapi.WithCache(cache))
	}
	if o.transport != nil {
		clientOpts = append(clientOpts, webapi.WithTransport(o.transport))
	}
	client := webapi.NewClient(cfg.Fetch, clientOpts...)

	dispatcher := o.dispatcher
	if dispatcher == nil {
		host := jshost.New(cfg.JSHost, jshost.WithLogger(log.Named(logger.ComponentJSHost)))
		owned = append(owned, host)
		dispatcher = host
	}

	m, err := New(ctx, conn, client, dispatcher, cfg, WithLogger(log))
	if err != nil {
		return fail(err)
	}
	// Closed in reverse: host, cache, then the connection.
	slices.Reverse(owned)
	m.owned = owned
	return m, nil
}

// New builds a Manager on an already migrated connection. The caller keeps
// ownership of conn, client and dispatcher.
func New(ctx context.Context, conn *storage.Connection, client *webapi.Client, dispatcher core.EventDispatcher, cfg Config, opts ...Option) (*Manager, error) {
	o := collect(opts)
	allow, err := newAllowList(cfg.AllowedDomains)
	if err != nil {
		return nil, err
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = core.DefaultStreamChunkSize
	}
	mctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		conn:       conn,
		client:     client,
		host:       dispatcher,
		log:        logger.Or(o.log).Named(logger.ComponentLifecycle),
		allow:      allow,
		regs:       make(map[string]workerstore.RegistrationRow),
		workers:    make(map[int64]*Worker),
		installing: make(map[int64]bool),
		scopeLocks: make(map[string]*semaphore.Weighted),
		ctx:        mctx,
		cancel:     cancel,
	}
	if err := m.load(ctx); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// load restores registrations and repairs activations interrupted by a
// crash: a worker left activating becomes redundant and the newest
// activated worker of its scope takes the active slot back. A waiting
// worker with no active worker in its scope is activated again.
func (m *Manager) load(ctx context.Context) error {
	rows, err := workerstore.LoadRegistrations(ctx, m.conn)
	if err != nil {
		return fmt.Errorf("load registrations: %w", err)
	}
	var interrupted []*Worker
	for _, row := range rows {
		for _, id := range row.Slots {
			if id == 0 {
				continue
			}
			rec, err := workerstore.Get(ctx, m.conn, id)
			if err != nil {
				return fmt.Errorf("load registration %s: %w", row.Scope, err)
			}
			w := m.handle(rec)
			if rec.State == core.StateActivating {
				interrupted = append(interrupted, w)
			}
		}
		m.regs[row.Scope] = row
	}

	for _, w := range interrupted {
		err := m.apply(ctx, w.scope, false, func(ctx context.Context, tx *storage.Tx) ([]step, error) {
			steps := []step{{w: w, event: eventActivateFailed}}
			prev, ok, err := workerstore.Latest(ctx, tx, workerstore.Filter{
				Scope:  w.scope,
				States: []core.InstallState{core.StateActivated},
			})
			if err != nil {
				return nil, err
			}
			if ok {
				steps = append(steps, step{w: m.handle(prev)})
			}
			return steps, nil
		})
		if err != nil {
			return fmt.Errorf("recover %s: %w", w, err)
		}
		m.log.Warn("recovered interrupted activation", zap.Int64("worker", w.id), zap.String("scope", w.scope))
	}
	m.log.Info("registrations loaded", zap.Int("scopes", len(rows)))

	for _, w := range m.orphanedWaiting() {
		m.log.Info("resuming activation of waiting worker", zap.Int64("worker", w.id), zap.String("scope", w.scope))
		m.activateInBackground(w, false)
	}
	return nil
}

// orphanedWaiting returns installed waiting workers whose scope has no
// active worker. They are left behind when the process stops between the
// install commit and activation.
func (m *Manager) orphanedWaiting() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Worker
	for _, row := range sortedRows(m.regs) {
		if row.Slots[core.SlotActive] != 0 {
			continue
		}
		if w := m.workerLocked(row.Slots[core.SlotWaiting]); w != nil && w.State() == core.StateInstalled {
			out = append(out, w)
		}
	}
	return out
}

// handle returns the shared handle for rec, creating it on first use.
func (m *Manager) handle(rec workerstore.Record) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[rec.ID]; ok {
		return w
	}
	w := &Worker{m: m, id: rec.ID, scriptURL: rec.URL, scope: rec.Scope, state: rec.State}
	m.workers[rec.ID] = w
	return w
}

func (m *Manager) workerLocked(id int64) *Worker {
	if id == 0 {
		return nil
	}
	return m.workers[id]
}

func (m *Manager) row(scope string) (workerstore.RegistrationRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.regs[scope]
	return row, ok
}

// scopeLock serializes activation decisions and queued delivery per scope.
func (m *Manager) scopeLock(scope string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.scopeLocks[scope]
	if !ok {
		l = semaphore.NewWeighted(1)
		m.scopeLocks[scope] = l
	}
	return l
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Registrations returns a snapshot of every registration ordered by scope.
func (m *Manager) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	scopes := make([]string, 0, len(m.regs))
	for scope := range m.regs {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	out := make([]Registration, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, m.snapshotLocked(m.regs[scope]))
	}
	return out
}

// Registration returns the registration for scope.
func (m *Manager) Registration(scope string) (Registration, bool) {
	scope, err := canonicalScope(scope)
	if err != nil {
		return Registration{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.regs[scope]
	if !ok {
		return Registration{}, false
	}
	return m.snapshotLocked(row), true
}

func (m *Manager) snapshotLocked(row workerstore.RegistrationRow) Registration {
	return Registration{
		Scope:      row.Scope,
		Installing: m.workerLocked(row.Slots[core.SlotInstalling]),
		Waiting:    m.workerLocked(row.Slots[core.SlotWaiting]),
		Active:     m.workerLocked(row.Slots[core.SlotActive]),
		Redundant:  m.workerLocked(row.Slots[core.SlotRedundant]),
	}
}

// Unregister makes every worker of scope redundant and removes the
// registration together with its queued events.
func (m *Manager) Unregister(ctx context.Context, scope string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	scope, err := canonicalScope(scope)
	if err != nil {
		return err
	}
	if _, ok := m.row(scope); !ok {
		return ErrNoRegistration
	}
	lock := m.scopeLock(scope)
	if err := lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lock.Release(1)

	err = m.apply(ctx, scope, true, func(ctx context.Context, tx *storage.Tx) ([]step, error) {
		recs, err := workerstore.List(ctx, tx, workerstore.Filter{
			Scope:         scope,
			ExcludeStates: []core.InstallState{core.StateRedundant},
		})
		if err != nil {
			return nil, err
		}
		steps := make([]step, 0, len(recs))
		for _, rec := range recs {
			steps = append(steps, step{w: m.handle(rec), event: eventUnregister})
		}
		return steps, workerstore.DeleteQueuedEvents(ctx, tx, scope)
	})
	if err != nil {
		return err
	}
	m.log.Info("unregistered", zap.String("scope", scope))
	return nil
}

// ClearAll deletes every worker, registration and queued event. Existing
// handles report redundant afterwards.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.applyMu.Lock()
	err := m.conn.Transaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return workerstore.ClearAll(ctx, tx)
	})
	if err != nil {
		m.applyMu.Unlock()
		return err
	}

	m.mu.Lock()
	regs, workers := m.regs, m.workers
	m.regs = make(map[string]workerstore.RegistrationRow)
	m.workers = make(map[int64]*Worker)
	m.mu.Unlock()

	var notes []Notification
	for _, row := range sortedRows(regs) {
		for _, slot := range core.Slots {
			if row.Slots[slot] != 0 {
				notes = append(notes, Notification{Scope: row.Scope, Property: slot.String()})
			}
		}
	}
	for _, w := range workers {
		w.setState(core.StateRedundant)
		m.evict(w.id)
	}
	m.enqueue(notes)
	m.applyMu.Unlock()
	m.flush()
	m.log.Info("cleared all registrations", zap.Int("scopes", len(regs)))
	return nil
}

func sortedRows(regs map[string]workerstore.RegistrationRow) []workerstore.RegistrationRow {
	rows := make([]workerstore.RegistrationRow, 0, len(regs))
	for _, row := range regs {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b workerstore.RegistrationRow) int {
		switch {
		case a.Scope < b.Scope:
			return -1
		case a.Scope > b.Scope:
			return 1
		}
		return 0
	})
	return rows
}

func (m *Manager) evict(id int64) {
	if ev, ok := m.host.(core.Evictor); ok {
		ev.Evict(id)
	}
}

// Close cancels background activations and waits for them to return, then
// releases what Open created. Further calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, c := range m.owned {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
