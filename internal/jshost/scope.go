package jshost

import (
	"fmt"

	"github.com/cryguy/serviceworker/internal/core"
)

// scopeJS installs the worker global scope: event registration,
// ExtendableEvent, skipWaiting and the registration/serviceWorker stubs.
// __dispatch runs listeners synchronously and reports whether the event was
// extended; settlement is reported back through __settle.
const scopeJS = `
(function(scriptURL, scope) {
	var listeners = {};
	globalThis.self = globalThis;

	globalThis.addEventListener = function(type, fn) {
		if (typeof fn !== 'function') return;
		var list = listeners[type] || (listeners[type] = []);
		if (list.indexOf(fn) < 0) list.push(fn);
	};
	globalThis.removeEventListener = function(type, fn) {
		var list = listeners[type];
		if (!list) return;
		var i = list.indexOf(fn);
		if (i >= 0) list.splice(i, 1);
	};

	function ExtendableEvent(type, init) {
		this.type = String(type);
		this.data = init && init.data !== undefined ? init.data : null;
		this.__promise = null;
	}
	ExtendableEvent.prototype.waitUntil = function(p) {
		if (this.__promise !== null) {
			throw new DOMException('waitUntil may only be called once', 'InvalidStateError');
		}
		this.__promise = Promise.resolve(p);
	};
	globalThis.ExtendableEvent = ExtendableEvent;

	if (typeof globalThis.DOMException === 'undefined') {
		var DE = function(message, name) {
			this.message = String(message);
			this.name = name || 'Error';
		};
		DE.prototype = Object.create(Error.prototype);
		DE.prototype.constructor = DE;
		globalThis.DOMException = DE;
	}

	globalThis.skipWaiting = function() {
		__skipWaiting();
		return Promise.resolve();
	};
	globalThis.registration = Object.freeze({ scope: scope });
	globalThis.serviceWorker = Object.freeze({ scriptURL: scriptURL });

	function describe(e) {
		if (e && e.message !== undefined) return String(e.message) || String(e.name || 'Error');
		return String(e);
	}

	globalThis.__dispatch = function(id, type, data) {
		var ev = new ExtendableEvent(type, { data: data });
		var list = (listeners[type] || []).slice();
		for (var i = 0; i < list.length; i++) {
			list[i].call(globalThis, ev);
		}
		if (ev.__promise === null) return false;
		ev.__promise.then(
			function() { __settle(id, false, ''); },
			function(e) { __settle(id, true, describe(e)); });
		return true;
	};
})(%q, %q);
`

// setupScope installs the global scope for w. skip and settle receive
// skipWaiting calls and waitUntil settlements.
func setupScope(rt core.JSRuntime, w core.WorkerScript, skip func(), settle func(id int, failed bool, reason string)) error {
	if err := rt.RegisterFunc("__skipWaiting", skip); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__settle", settle); err != nil {
		return err
	}
	return rt.Eval(fmt.Sprintf(scopeJS, w.ScriptURL(), w.Scope()))
}
