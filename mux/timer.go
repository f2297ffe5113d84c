package mux

import (
	"container/list"
	"reflect"
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkmux/iface"
	"github.com/moqsien/gkmux/utils/errs"
)

// Kernel-delivered expiries can lag the decayed bookkeeping by scheduler
// latency; only entries a full second past due are swept as lost.
const expiredTimeoutGrace = time.Second

// timeout is one pending one-shot timer. wait is the remaining time,
// decayed at the end of every Run iteration.
type timeout struct {
	id   iface.TimeoutID
	wait time.Duration
	cb   CbFunc
	priv interface{}
}

func (that *Mux) nextTimeoutID() iface.TimeoutID {
	that.lastTimeoutID++
	if that.lastTimeoutID == 0 {
		that.lastTimeoutID++
	}
	return that.lastTimeoutID
}

// insertTimeout keeps the list ascending by remaining wait; equal waits
// preserve insertion order.
func (that *Mux) insertTimeout(t *timeout) {
	for e := that.timeouts.Front(); e != nil; e = e.Next() {
		if t.wait < e.Value.(*timeout).wait {
			that.timeouts.InsertBefore(t, e)
			return
		}
	}
	that.timeouts.PushBack(t)
}

func (that *Mux) findTimeout(id iface.TimeoutID) *list.Element {
	if id == 0 {
		return nil
	}
	for e := that.timeouts.Front(); e != nil; e = e.Next() {
		if e.Value.(*timeout).id == id {
			return e
		}
	}
	return nil
}

// dropTimeout unlinks the entry and disarms its kernel timer.
func (that *Mux) dropTimeout(e *list.Element) *timeout {
	t := that.timeouts.Remove(e).(*timeout)
	if err := that.poller.DisarmTimer(t.id); err != nil {
		logger.Warningf("failed to disarm timer %d: %v", t.id, err)
	}
	return t
}

// Schedule registers a one-shot timed callback and returns its id, or 0
// on failure.
func (that *Mux) Schedule(d time.Duration, cb CbFunc, priv interface{}) iface.TimeoutID {
	if cb == nil {
		return 0
	}
	// settle the pending timers first so d counts from now, not from the
	// previous check
	that.updateTimeouts()
	t := &timeout{id: that.nextTimeoutID(), wait: d, cb: cb, priv: priv}
	that.insertTimeout(t)
	switch err := that.poller.ArmTimer(t.id, d); err {
	case nil, errs.ErrTimerUnsupported:
	default:
		if e := that.findTimeout(t.id); e != nil {
			that.timeouts.Remove(e)
		}
		that.setError("backend rejected timer: %v", err)
		return 0
	}
	return t.id
}

// Reschedule resets an existing timer's duration, callback and private
// pointer, keeping its id; an unknown id creates a fresh timer instead.
// The id of the live timer is returned, 0 on failure.
func (that *Mux) Reschedule(id iface.TimeoutID, d time.Duration, cb CbFunc, priv interface{}) iface.TimeoutID {
	if cb == nil {
		return 0
	}
	e := that.findTimeout(id)
	if e == nil {
		return that.Schedule(d, cb, priv)
	}
	that.updateTimeouts()
	t := that.dropTimeout(e)
	t.wait, t.cb, t.priv = d, cb, priv
	that.insertTimeout(t)
	switch err := that.poller.ArmTimer(t.id, d); err {
	case nil, errs.ErrTimerUnsupported:
	default:
		if e = that.findTimeout(t.id); e != nil {
			that.timeouts.Remove(e)
		}
		that.setError("backend rejected timer: %v", err)
		return 0
	}
	return t.id
}

// Unschedule cancels a pending timer, reporting whether it existed.
func (that *Mux) Unschedule(id iface.TimeoutID) bool {
	e := that.findTimeout(id)
	if e == nil {
		return false
	}
	that.dropTimeout(e)
	return true
}

// UnscheduleAll cancels every timer whose callback and private pointer
// both match, returning the count removed.
func (that *Mux) UnscheduleAll(cb CbFunc, priv interface{}) (count int) {
	if cb == nil {
		return 0
	}
	target := reflect.ValueOf(cb).Pointer()
	var next *list.Element
	for e := that.timeouts.Front(); e != nil; e = next {
		next = e.Next()
		t := e.Value.(*timeout)
		if reflect.ValueOf(t.cb).Pointer() == target && t.priv == priv {
			that.dropTimeout(e)
			count++
		}
	}
	return
}

// SetTimeout arranges the connection's OnTimeout to fire once after d,
// replacing any previous timeout on the fd. A non-positive d clears the
// pending timeout and returns 0. The fd travels as the bridge callback's
// private pointer.
func (that *Mux) SetTimeout(fd int, d time.Duration) iface.TimeoutID {
	if fd < 0 || fd >= iface.MaxConns || that.conns[fd] == nil {
		return 0
	}
	c := that.conns[fd]
	if d <= 0 {
		that.Unschedule(c.timeoutID)
		c.timeoutID = 0
		return 0
	}
	c.timeoutID = that.Reschedule(c.timeoutID, d, connTimeout, fd)
	return c.timeoutID
}

// connTimeout bridges a scheduled timer back to the owning connection,
// which may have disappeared since the timer was armed.
func connTimeout(m *Mux, priv interface{}) {
	fd := priv.(int)
	c := m.conns[fd]
	if c == nil {
		return
	}
	c.timeoutID = 0
	if c.cbs.OnTimeout != nil {
		c.cbs.OnTimeout(m, fd, c.cbs.Priv)
	}
}

// nextTimeoutWait returns the head timer's remaining wait clamped to
// zero, and whether any timer is pending.
func (that *Mux) nextTimeoutWait() (time.Duration, bool) {
	e := that.timeouts.Front()
	if e == nil {
		return 0, false
	}
	w := e.Value.(*timeout).wait
	if w < 0 {
		w = 0
	}
	return w, true
}

// updateTimeouts applies the wall time elapsed since the previous check
// to every remaining timer, so the caller's wait ceiling and the internal
// timers share one clock.
func (that *Mux) updateTimeouts() {
	now := time.Now()
	if that.lastCheck.IsZero() {
		that.lastCheck = now
		return
	}
	elapsed := now.Sub(that.lastCheck)
	that.lastCheck = now
	for e := that.timeouts.Front(); e != nil; e = e.Next() {
		e.Value.(*timeout).wait -= elapsed
	}
}

// runExpiredTimeouts fires timers whose remaining wait reached zero, in
// list order. Only the select backend comes here; the kernel-timer
// backends deliver expiries as events.
func (that *Mux) runExpiredTimeouts() {
	for e := that.timeouts.Front(); e != nil; e = that.timeouts.Front() {
		t := e.Value.(*timeout)
		if t.wait > 0 {
			break
		}
		that.dropTimeout(e)
		t.cb(that, t.priv)
	}
}

// sweepExpiredTimeouts drops entries the kernel should long since have
// delivered.
func (that *Mux) sweepExpiredTimeouts() {
	for e := that.timeouts.Front(); e != nil; e = that.timeouts.Front() {
		t := e.Value.(*timeout)
		if t.wait > -expiredTimeoutGrace {
			break
		}
		that.dropTimeout(e)
		logger.Warningf("expired timer %d was never delivered by the poll backend", t.id)
	}
}

// fireTimer runs a kernel-delivered expiry. Stale ids, already removed by
// a callback earlier in the same iteration, are ignored.
func (that *Mux) fireTimer(id iface.TimeoutID) {
	e := that.findTimeout(id)
	if e == nil {
		return
	}
	t := that.dropTimeout(e)
	t.cb(that, t.priv)
}
