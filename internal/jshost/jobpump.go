package jshost

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// executePendingJobs drains the QuickJS job queue. The quickjs wrapper never
// calls JS_ExecutePendingJob itself, so promise reactions only run when
// this is pumped. Returns the number of jobs run.
func executePendingJobs(vm *quickjs.VM) int {
	rt, tls, ok := runtimeHandles(vm)
	if !ok {
		return 0
	}
	n := 0
	for lib.XJS_ExecutePendingJob(tls, rt, 0) > 0 {
		n++
	}
	return n
}

// runtimeHandles reads the unexported C runtime pointer and TLS out of the
// VM. Layout as of modernc.org/quickjs v0.17:
//
//	type VM struct { cContext uintptr; ...; runtime *runtime; ... }
//	type runtime struct { cRuntime uintptr; tls *libc.TLS }
func runtimeHandles(vm *quickjs.VM) (uintptr, *libc.TLS, bool) {
	field := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !field.IsValid() || field.IsNil() {
		return 0, nil, false
	}
	rt := reflect.NewAt(field.Type().Elem(), unsafe.Pointer(field.Pointer())).Elem()

	cRuntime := rt.FieldByName("cRuntime")
	tls := rt.FieldByName("tls")
	if !cRuntime.IsValid() || !tls.IsValid() || tls.IsNil() {
		return 0, nil, false
	}
	return uintptr(cRuntime.Uint()), (*libc.TLS)(unsafe.Pointer(tls.Pointer())), true
}
