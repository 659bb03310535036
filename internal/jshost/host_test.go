package jshost

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testScript struct {
	id     int64
	source string
}

func (s testScript) ID() int64          { return s.id }
func (s testScript) ScriptURL() string  { return "https://app.example/sw.js" }
func (s testScript) Scope() string      { return "https://app.example/" }
func (s testScript) OpenContent(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.source)), nil
}

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	h := New(core.JSHostConfig{MemoryLimitMB: 32, EventTimeout: 2 * time.Second}, opts...)
	t.Cleanup(func() { h.Close() })
	return h
}

// dispatch sends an event and waits for its outcome.
func dispatch(t *testing.T, h *Host, s testScript, typ core.EventType, data string) (*core.ExtendableEvent, error) {
	t.Helper()
	var payload []byte
	if data != "" {
		payload = []byte(data)
	}
	ev := core.NewExtendableEvent(typ, payload)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.DispatchEvent(ctx, s, ev); err != nil {
		return ev, err
	}
	return ev, ev.Wait(ctx)
}

func TestDispatchWithoutWaitUntil(t *testing.T) {
	h := newTestHost(t)
	s := testScript{id: 1, source: `
		var installed = 0;
		self.addEventListener('install', function(e) { installed++; });
	`}
	ev, err := dispatch(t, h, s, core.EventInstall, "")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Extended() {
		t.Error("event should not be extended")
	}
	in := h.instances[1]
	n, err := in.rt.EvalInt("installed")
	if err != nil || n != 1 {
		t.Errorf("installed = %d, %v", n, err)
	}
}

func TestDispatchOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   error
	}{
		{"resolved after timer", `self.addEventListener('install', function(e) {
			e.waitUntil(new Promise(function(r) { setTimeout(r, 10); }));
		});`, nil},
		{"chained promises", `self.addEventListener('install', function(e) {
			e.waitUntil(Promise.resolve(1).then(function(v) { return v + 1; }));
		});`, nil},
		{"rejected", `self.addEventListener('install', function(e) {
			e.waitUntil(Promise.reject(new Error('nope')));
		});`, ErrEventRejected},
		{"rejected from timer", `self.addEventListener('install', function(e) {
			e.waitUntil(new Promise(function(_, rej) { setTimeout(function() { rej('late'); }, 5); }));
		});`, ErrEventRejected},
		{"listener throws", `self.addEventListener('install', function(e) {
			throw new Error('boom');
		});`, ErrListenerThrew},
		{"waitUntil twice", `self.addEventListener('install', function(e) {
			e.waitUntil(Promise.resolve());
			e.waitUntil(Promise.resolve());
		});`, ErrListenerThrew},
		{"never settles", `self.addEventListener('install', function(e) {
			e.waitUntil(new Promise(function() {}));
		});`, ErrEventTimeout},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHost(t)
			_, err := dispatch(t, h, testScript{id: int64(i + 1), source: tt.source}, core.EventInstall, "")
			if tt.want == nil && err != nil {
				t.Fatalf("outcome = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("outcome = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSkipWaiting(t *testing.T) {
	h := newTestHost(t)
	s := testScript{id: 7, source: `
		self.addEventListener('install', function(e) { e.waitUntil(self.skipWaiting()); });
	`}
	ev, err := dispatch(t, h, s, core.EventInstall, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ev.SkippedWaiting() {
		t.Error("SkippedWaiting() = false")
	}
}

func TestEventDataAndGlobals(t *testing.T) {
	h := newTestHost(t)
	s := testScript{id: 3, source: `
		self.addEventListener('sync', function(e) {
			if (e.data.tag !== 'outbox') throw new Error('tag ' + e.data.tag);
			if (self.registration.scope !== 'https://app.example/') throw new Error('scope');
			if (self.serviceWorker.scriptURL !== 'https://app.example/sw.js') throw new Error('url');
		});
	`}
	if _, err := dispatch(t, h, s, "sync", `{"tag":"outbox"}`); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(t, h, s, "sync", `{"tag":"other"}`); !errors.Is(err, ErrListenerThrew) {
		t.Fatalf("dispatch = %v, want ErrListenerThrew", err)
	}
	if err := h.DispatchEvent(context.Background(), s, core.NewExtendableEvent("sync", []byte("{bad"))); err == nil {
		t.Fatal("invalid JSON data accepted")
	}
}

func TestModuleScriptIsLowered(t *testing.T) {
	h := newTestHost(t)
	s := testScript{id: 4, source: `
const VERSION = 'v2';
self.addEventListener('activate', (e) => e.waitUntil(Promise.resolve(VERSION)));
export { VERSION };
`}
	if _, err := dispatch(t, h, s, core.EventActivate, ""); err != nil {
		t.Fatal(err)
	}
}

func TestScriptErrors(t *testing.T) {
	h := newTestHost(t)
	for i, src := range []string{"self.addEventListener('install', function( {", "throw new Error('top level')"} {
		_, err := dispatch(t, h, testScript{id: int64(10 + i), source: src}, core.EventInstall, "")
		if !errors.Is(err, ErrScriptEvaluation) {
			t.Errorf("script %d: err = %v, want ErrScriptEvaluation", i, err)
		}
	}
}

func TestEvictAndClose(t *testing.T) {
	h := newTestHost(t)
	s := testScript{id: 5, source: `self.addEventListener('install', function() {});`}
	if _, err := dispatch(t, h, s, core.EventInstall, ""); err != nil {
		t.Fatal(err)
	}
	if !h.Loaded(5) {
		t.Fatal("vm not cached after dispatch")
	}
	h.Evict(5)
	if h.Loaded(5) {
		t.Fatal("vm still cached after Evict")
	}
	if _, err := dispatch(t, h, s, core.EventInstall, ""); err != nil {
		t.Fatalf("dispatch after evict: %v", err)
	}
	h.Close()
	if _, err := dispatch(t, h, s, core.EventInstall, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("dispatch after Close = %v, want ErrClosed", err)
	}
}

func TestConsoleRoutedToLogger(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	h := newTestHost(t, WithLogger(zap.New(obs)))
	s := testScript{id: 6, source: `
		console.log('hello', 42);
		console.error('bad', { a: 1 });
	`}
	if _, err := dispatch(t, h, s, core.EventInstall, ""); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("hello 42").Len() != 1 {
		t.Errorf("console.log not captured: %v", logs.All())
	}
	errs := logs.FilterMessage(`bad {"a":1}`).All()
	if len(errs) != 1 || errs[0].Level != zapcore.ErrorLevel {
		t.Fatalf("console.error not captured at error level: %v", errs)
	}
	if errs[0].ContextMap()["worker"] != int64(6) {
		t.Errorf("worker field = %v", errs[0].ContextMap()["worker"])
	}
}

func TestIsModule(t *testing.T) {
	cases := map[string]bool{
		"import x from './a.js';":   true,
		"export default {};":        true,
		"  export const a = 1;":     true,
		"self.importScripts('x');":  false,
		"// export nothing\nvar a;": false,
		"var exported = 1;":         false,
	}
	for src, want := range cases {
		if got := isModule(src); got != want {
			t.Errorf("isModule(%q) = %v, want %v", src, got, want)
		}
	}
}
