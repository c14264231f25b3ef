// Package timers the global timer functions
package timers

import (
	"time"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/js"
	"github.com/shiroyk/esmgraph/modules"
)

// Timers implements JavaScript timer functions
type Timers struct{}

func init() {
	modules.Register("timers", new(Timers))
}

func (t *Timers) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
	_ = rt.GlobalObject().SetSymbol(symTimers, &timers{timer: make(map[int64]*timer)})
	_ = rt.Set("setTimeout", func(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
		return schedule("setTimeout", call, rt, false)
	})
	_ = rt.Set("setInterval", func(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
		return schedule("setInterval", call, rt, true)
	})
	_ = rt.Set("clearTimeout", clear)
	_ = rt.Set("clearInterval", clear)
	return nil, nil
}

func (*Timers) Global() {}

// schedule runs the callback on the event loop after the delay,
// repeatedly if repeat is true.
func schedule(name string, call sobek.FunctionCall, rt *sobek.Runtime, repeat bool) sobek.Value {
	callback, ok := sobek.AssertFunction(call.Argument(0))
	if !ok {
		panic(rt.NewTypeError("%s: first argument must be a function", name))
	}

	delay := max(time.Duration(call.Argument(1).ToInteger())*time.Millisecond, 0)
	if repeat && delay == 0 {
		delay = time.Millisecond
	}

	var args []sobek.Value
	if len(call.Arguments) > 2 {
		args = call.Arguments[2:]
	}

	ctx := js.Context(rt)
	loop := js.Loop(rt)
	t := rtTimers(rt).new(delay)
	run := func() error {
		if !repeat {
			t.stop()
		}
		_, err := callback(sobek.Undefined(), args...)
		return err
	}

	enqueue := loop.EnqueueJob()
	go func() {
		for {
			select {
			case <-t.ticker.C:
				enqueue(run)
				if !repeat {
					return
				}
				enqueue = loop.EnqueueJob()
			case <-t.done:
				enqueue(func() error { return nil })
				return
			case <-ctx.Done():
				enqueue(func() error { return nil })
				return
			}
		}
	}()

	return rt.ToValue(t.id)
}

func clear(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
	rtTimers(rt).stop(call.Argument(0).ToInteger())
	return sobek.Undefined()
}

type timer struct {
	id     int64
	ticker *time.Ticker
	done   chan struct{}
	once   func()
}

func (t *timer) stop() { t.once() }

type timers struct {
	id    int64
	timer map[int64]*timer
}

func (t *timers) new(delay time.Duration) *timer {
	t.id++
	id := t.id
	nt := &timer{
		id:     id,
		ticker: time.NewTicker(max(delay, time.Nanosecond)),
		done:   make(chan struct{}),
	}
	stopped := false
	nt.once = func() {
		if stopped {
			return
		}
		stopped = true
		close(nt.done)
		nt.ticker.Stop()
		delete(t.timer, id)
	}
	t.timer[id] = nt
	return nt
}

func (t *timers) stop(id int64) {
	if v, ok := t.timer[id]; ok {
		v.stop()
	}
}

var symTimers = sobek.NewSymbol(`Symbol.__timers__`)

func rtTimers(rt *sobek.Runtime) *timers {
	t, ok := rt.GlobalObject().GetSymbol(symTimers).Export().(*timers)
	if ok {
		return t
	}
	panic(rt.NewTypeError(`symbol value of "timers" must be Timers`))
}
