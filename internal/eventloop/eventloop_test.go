package eventloop

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// recordingRuntime records fired timer ids instead of running JS.
type recordingRuntime struct {
	fired      []int
	microtasks int
	failOn     int
}

func (r *recordingRuntime) Eval(js string) error {
	i := strings.Index(js, "__timerCallbacks[")
	var id int
	fmt.Sscanf(js[i+len("__timerCallbacks["):], "%d", &id)
	r.fired = append(r.fired, id)
	if id == r.failOn {
		return fmt.Errorf("timer %d threw", id)
	}
	return nil
}
func (r *recordingRuntime) EvalString(string) (string, error) { return "", nil }
func (r *recordingRuntime) EvalBool(string) (bool, error)     { return false, nil }
func (r *recordingRuntime) EvalInt(string) (int, error)       { return 0, nil }
func (r *recordingRuntime) RegisterFunc(string, any) error    { return nil }
func (r *recordingRuntime) SetGlobal(string, any) error       { return nil }
func (r *recordingRuntime) RunMicrotasks()                    { r.microtasks++ }

func TestRunFiresInDeadlineOrder(t *testing.T) {
	el := New()
	rt := &recordingRuntime{}
	late := el.RegisterTimer(20*time.Millisecond, false)
	early := el.RegisterTimer(5*time.Millisecond, false)
	cleared := el.RegisterTimer(1*time.Millisecond, false)
	el.ClearTimer(cleared)

	ok := el.Run(rt, time.Now().Add(time.Second), func() bool { return false }, nil)
	if ok {
		t.Error("Run reported done with a predicate that is never true")
	}
	if len(rt.fired) != 2 || rt.fired[0] != early || rt.fired[1] != late {
		t.Errorf("fired = %v, want [%d %d]", rt.fired, early, late)
	}
	if el.Pending() != 0 {
		t.Errorf("Pending() = %d after firing", el.Pending())
	}
	if rt.microtasks < 3 {
		t.Errorf("microtasks pumped %d times, want one per iteration", rt.microtasks)
	}
}

func TestRunStopsWhenDone(t *testing.T) {
	el := New()
	rt := &recordingRuntime{}
	interval := el.RegisterTimer(time.Millisecond, true)

	ok := el.Run(rt, time.Now().Add(time.Second), func() bool { return len(rt.fired) >= 3 }, nil)
	if !ok {
		t.Fatal("Run did not report done")
	}
	for _, id := range rt.fired {
		if id != interval {
			t.Errorf("fired unexpected timer %d", id)
		}
	}
	if el.Pending() != 1 {
		t.Errorf("interval should stay scheduled, Pending() = %d", el.Pending())
	}
}

func TestRunRespectsDeadline(t *testing.T) {
	el := New()
	rt := &recordingRuntime{}
	el.RegisterTimer(time.Hour, false)

	start := time.Now()
	if el.Run(rt, start.Add(20*time.Millisecond), func() bool { return false }, nil) {
		t.Fatal("Run reported done")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Run waited %v past its deadline", time.Since(start))
	}
	if len(rt.fired) != 0 {
		t.Errorf("fired = %v, want none", rt.fired)
	}
}

func TestRunReportsCallbackErrors(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, false)
	rt := &recordingRuntime{failOn: id}
	var errs []error
	el.Run(rt, time.Now().Add(time.Second), func() bool { return false }, func(err error) { errs = append(errs, err) })
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one", errs)
	}
}

func TestIntervalMinimum(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, true)
	if got := el.timers[id].interval; got != minInterval {
		t.Errorf("interval = %v, want %v", got, minInterval)
	}
	el.Reset()
	if el.Pending() != 0 {
		t.Error("Reset left timers behind")
	}
}
