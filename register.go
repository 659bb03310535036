package serviceworker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
	"github.com/cryguy/serviceworker/internal/webapi"
	"github.com/cryguy/serviceworker/internal/workerstore"
	"go.uber.org/zap"
)

// installResult is the outcome of one fetch-and-install attempt.
type installResult struct {
	worker *Worker
	// fresh is false when the server answered 304 and nothing changed.
	fresh       bool
	skipWaiting bool
}

// Register fetches scriptURL and installs it under scope. An empty scope
// defaults to the directory of the script. Register returns once the
// install event has settled; activation continues in the background.
// When the server reports the script unchanged the existing worker is
// returned and nothing is written, unless that worker is waiting with no
// active worker, in which case it is activated.
func (m *Manager) Register(ctx context.Context, scriptURL, scope string) (*Worker, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	script, scope, err := m.resolve(scriptURL, scope)
	if err != nil {
		registrationOutcomes.WithLabelValues(outcomeRejected).Inc()
		return nil, err
	}
	res, err := m.installOnce(ctx, script, scope)
	if err != nil {
		return nil, err
	}
	if res.fresh || res.worker.State() == core.StateInstalled {
		m.activateInBackground(res.worker, res.skipWaiting)
	}
	return res.worker, nil
}

// Update re-fetches the script of scope's newest worker and, when it
// changed, installs it and runs activation before returning.
func (m *Manager) Update(ctx context.Context, scope string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	scope, err := canonicalScope(scope)
	if err != nil {
		return err
	}
	row, ok := m.row(scope)
	if !ok {
		return ErrNoRegistration
	}
	var script string
	m.mu.Lock()
	for _, slot := range []core.Slot{core.SlotInstalling, core.SlotWaiting, core.SlotActive} {
		if w := m.workerLocked(row.Slots[slot]); w != nil {
			script = w.scriptURL
			break
		}
	}
	m.mu.Unlock()
	if script == "" {
		return ErrNoRegistration
	}
	u, err := url.Parse(script)
	if err != nil || !m.allow.allows(u) {
		registrationOutcomes.WithLabelValues(outcomeRejected).Inc()
		return ErrDomainNotAllowed
	}

	res, err := m.installOnce(ctx, script, scope)
	if err != nil {
		return err
	}
	// An unchanged script still promotes a waiting worker that lost its
	// activation.
	if !res.fresh && res.worker.State() != core.StateInstalled {
		return nil
	}
	return m.activate(ctx, res.worker, res.skipWaiting)
}

// installOnce coalesces concurrent installs of the same script and scope.
func (m *Manager) installOnce(ctx context.Context, script, scope string) (installResult, error) {
	v, err, shared := m.flights.Do(script+"\x00"+scope, func() (any, error) {
		return m.install(ctx, script, scope)
	})
	if shared {
		m.log.Debug("joined in-flight install", zap.String("script_url", script), zap.String("scope", scope))
	}
	if err != nil {
		return installResult{}, err
	}
	return v.(installResult), nil
}

func (m *Manager) install(ctx context.Context, script, scope string) (installResult, error) {
	log := m.log.With(zap.String("script_url", script), zap.String("scope", scope))

	prev, hasPrev, err := workerstore.Latest(ctx, m.conn, workerstore.Filter{
		URL:           script,
		Scope:         scope,
		ExcludeStates: []core.InstallState{core.StateInstalling, core.StateRedundant},
	})
	if err != nil {
		return installResult{}, err
	}

	headers := webapi.NewHeaders()
	headers.Set("Accept-Encoding", "identity")
	if hasPrev {
		if etag := prev.Headers.Get("etag"); etag != "" {
			headers.Set("If-None-Match", etag)
		}
		if lm := prev.Headers.Get("last-modified"); lm != "" {
			headers.Set("If-Modified-Since", lm)
		}
	}
	u, _ := url.Parse(script)
	req, err := webapi.NewRequest(script, webapi.RequestInit{
		Headers: headers,
		Mode:    webapi.ModeSameOrigin,
		Origin:  webapi.SerializeOrigin(u),
		Cache:   webapi.CacheNoStore,
	})
	if err != nil {
		return installResult{}, m.failed(err)
	}
	resp, err := m.client.Fetch(ctx, req)
	if err != nil {
		log.Warn("script fetch failed", zap.Error(err))
		return installResult{}, m.failed(err)
	}
	defer resp.Close()

	if resp.Status() == 304 && hasPrev {
		registrationOutcomes.WithLabelValues(outcomeNotModified).Inc()
		log.Info("script not modified", zap.Int64("worker", prev.ID))
		return installResult{worker: m.handle(prev)}, nil
	}
	if !resp.OK() {
		log.Warn("script fetch rejected", zap.Int("status", resp.Status()))
		return installResult{}, m.failed(&UpdateFailedError{URL: script, Status: resp.Status()})
	}
	length, err := resp.ContentLength()
	if err != nil {
		return installResult{}, m.failed(err)
	}
	body, err := resp.Body()
	if err != nil {
		return installResult{}, m.failed(err)
	}
	defer body.Close()

	w, err := m.store(ctx, script, scope, resp.Headers(), length, body)
	if err != nil {
		log.Warn("storing script failed", zap.Error(err))
		return installResult{}, m.failed(err)
	}
	defer m.release(w.id)
	log = log.With(zap.Int64("worker", w.id))
	log.Info("script stored", zap.Int64("bytes", length))

	ev := core.NewExtendableEvent(core.EventInstall, nil)
	if err := m.dispatch(ctx, w, ev); err != nil {
		log.Warn("install event failed", zap.Error(err))
		m.retire(ctx, w, eventInstallFailed)
		return installResult{}, m.failed(fmt.Errorf("%w: %w", ErrInstallFailed, err))
	}

	// Only one worker waits per scope; an older installed one is replaced.
	err = m.apply(ctx, scope, false, func(ctx context.Context, tx *storage.Tx) ([]step, error) {
		waiting, err := workerstore.List(ctx, tx, workerstore.Filter{
			Scope:  scope,
			States: []core.InstallState{core.StateInstalled},
		})
		if err != nil {
			return nil, err
		}
		steps := make([]step, 0, len(waiting)+1)
		for _, rec := range waiting {
			steps = append(steps, step{w: m.handle(rec), event: eventSupersede})
		}
		return append(steps, step{w: w, event: eventInstalled}), nil
	})
	if err != nil {
		m.retire(ctx, w, eventInstallFailed)
		return installResult{}, m.failed(err)
	}
	registrationOutcomes.WithLabelValues(outcomeInstalled).Inc()
	log.Info("worker installed", zap.Bool("skip_waiting", ev.SkippedWaiting()))
	return installResult{worker: w, fresh: true, skipWaiting: ev.SkippedWaiting()}, nil
}

// store writes a new installing worker and streams body into its content
// blob in one transaction. Installing rows for the same script and scope
// that no live install owns are left over from a crash and become
// redundant in the same batch.
func (m *Manager) store(ctx context.Context, script, scope string, headers webapi.Headers, length int64, body io.Reader) (*Worker, error) {
	var w *Worker
	err := m.apply(ctx, scope, false, func(ctx context.Context, tx *storage.Tx) ([]step, error) {
		stale, err := workerstore.List(ctx, tx, workerstore.Filter{
			URL:    script,
			Scope:  scope,
			States: []core.InstallState{core.StateInstalling},
		})
		if err != nil {
			return nil, err
		}
		var steps []step
		for _, rec := range stale {
			if !m.ownsInstall(rec.ID) {
				steps = append(steps, step{w: m.handle(rec), event: eventSupersede})
			}
		}

		id, err := workerstore.Insert(ctx, tx, workerstore.NewWorker{
			URL:           script,
			Scope:         scope,
			Headers:       headers,
			ContentLength: length,
			CheckedAt:     time.Now(),
		})
		if err != nil {
			return nil, err
		}
		ws, err := tx.OpenBlobWriteStream(ctx, workerstore.WorkersTable, workerstore.ContentColumn, storage.RowID(id))
		if err != nil {
			return nil, err
		}
		n, err := storage.CopyToBlob(ws, body, m.cfg.StreamChunkSize)
		if cerr := ws.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("%w: streaming script: %w", ErrNetwork, err)
		}
		if n != length {
			return nil, fmt.Errorf("%w: script body ended after %d of %d bytes", ErrNetwork, n, length)
		}

		w = &Worker{m: m, id: id, scriptURL: script, scope: scope, state: core.StateInstalling}
		m.claim(id)
		return append(steps, step{w: w}), nil
	})
	if err != nil {
		if w != nil {
			m.release(w.id)
		}
		return nil, err
	}
	return w, nil
}

// dispatch delivers ev to w and waits for it to settle.
func (m *Manager) dispatch(ctx context.Context, w *Worker, ev *core.ExtendableEvent) error {
	if err := m.host.DispatchEvent(ctx, w, ev); err != nil {
		return err
	}
	return ev.Wait(ctx)
}

// retire moves w to redundant after a failure. The caller's context may
// already be cancelled, so the write ignores cancellation. A failure here
// is logged and never replaces the original error.
func (m *Manager) retire(ctx context.Context, w *Worker, event string, extra ...step) {
	err := m.apply(context.WithoutCancel(ctx), w.scope, false, func(context.Context, *storage.Tx) ([]step, error) {
		return append([]step{{w: w, event: event}}, extra...), nil
	})
	if err != nil {
		m.log.Error("retiring worker", zap.Int64("worker", w.id), zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) failed(err error) error {
	registrationOutcomes.WithLabelValues(outcomeFailed).Inc()
	return err
}

func (m *Manager) claim(id int64) {
	m.mu.Lock()
	m.installing[id] = true
	m.mu.Unlock()
}

func (m *Manager) release(id int64) {
	m.mu.Lock()
	delete(m.installing, id)
	m.mu.Unlock()
}

func (m *Manager) ownsInstall(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installing[id]
}

// resolve validates a script URL and derives its scope.
func (m *Manager) resolve(scriptURL, scope string) (string, string, error) {
	u, err := url.Parse(scriptURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: script URL %q", ErrInvalidScope, scriptURL)
	}
	u.Fragment = ""
	if !m.allow.allows(u) {
		return "", "", fmt.Errorf("%w: %s", ErrDomainNotAllowed, u.Hostname())
	}

	var s *url.URL
	if scope == "" {
		dir := "/"
		if u.Path != "" {
			dir = path.Dir(u.EscapedPath())
		}
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		s = &url.URL{Scheme: u.Scheme, Host: u.Host}
		if s, err = s.Parse(dir); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
	} else {
		if s, err = u.Parse(scope); err != nil {
			return "", "", fmt.Errorf("%w: scope %q", ErrInvalidScope, scope)
		}
		if s.Scheme != u.Scheme || s.Host != u.Host {
			return "", "", fmt.Errorf("%w: scope %s is not same-origin with %s", ErrInvalidScope, s, u)
		}
	}
	return u.String(), scopeString(s), nil
}

// canonicalScope normalizes a scope URL passed by callers.
func canonicalScope(scope string) (string, error) {
	s, err := url.Parse(scope)
	if err != nil || (s.Scheme != "http" && s.Scheme != "https") || s.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return scopeString(s), nil
}

func scopeString(s *url.URL) string {
	s.Fragment = ""
	s.RawQuery = ""
	s.ForceQuery = false
	if s.Path == "" {
		s.Path = "/"
	}
	return s.String()
}
