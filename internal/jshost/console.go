package jshost

import (
	"github.com/cryguy/serviceworker/internal/core"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const consoleJS = `
(function() {
	function format(args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			if (a instanceof Error) {
				parts.push(a.name + ': ' + a.message);
			} else if (typeof a === 'object' && a !== null) {
				try { parts.push(JSON.stringify(a)); } catch (e) { parts.push(String(a)); }
			} else {
				parts.push(String(a));
			}
		}
		return parts.join(' ');
	}
	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() { __console(lvl, format(arguments)); };
	});
	con.trace = con.debug;
	con.assert = function(cond) {
		if (!cond) __console('error', 'Assertion failed: ' + format(Array.prototype.slice.call(arguments, 1)));
	};
	globalThis.console = con;
})();
`

func consoleLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// setupConsole routes console.* to log. log already carries the worker
// id and script URL.
func setupConsole(rt core.JSRuntime, log *zap.Logger) error {
	if err := rt.RegisterFunc("__console", func(level, message string) {
		if ce := log.Check(consoleLevel(level), message); ce != nil {
			ce.Write(zap.String("source", "console"))
		}
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
