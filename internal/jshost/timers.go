package jshost

import (
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/eventloop"
)

const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function schedule(repeat, fn, delay, extra) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(Math.max(0, Number(delay) || 0), repeat);
		globalThis.__timerCallbacks[id] = { fn: fn, args: extra, interval: repeat };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(false, fn, delay, Array.prototype.slice.call(arguments, 2));
	};
	globalThis.setInterval = function(fn, delay) {
		return schedule(true, fn, delay, Array.prototype.slice.call(arguments, 2));
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

func setupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, repeat bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, repeat)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}
