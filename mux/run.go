package mux

import (
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkmux/iface"
	"github.com/moqsien/gkmux/sys"
)

// Run performs one dispatch iteration: block until readiness or timer
// expiry, bounded by timeout and the earliest pending timer (a negative
// timeout with no timers blocks indefinitely), invoke callbacks in the
// order the backend reported events, then settle the timer list.
func (that *Mux) Run(timeout time.Duration) {
	wait := timeout
	if head, ok := that.nextTimeoutWait(); ok && (wait < 0 || head < wait) {
		wait = head
	}
	if err := that.poller.Wait(wait, that.dispatch); err != nil {
		that.setError("poll wait failed: %w", err)
		logger.Errorf("error occurs in poll wait: %v", err)
	}
	that.updateTimeouts()
	if that.poller.HasTimers() {
		that.sweepExpiredTimeouts()
	} else {
		that.runExpiredTimeouts()
	}
}

// Loop repeats Run with a whole-seconds default wait until EndLoop is
// observed, invoking the loop-end hook after every iteration and the
// hangup hook while the process-wide flag is up.
func (that *Mux) Loop(seconds int) {
	for !that.leave {
		that.Run(time.Duration(seconds) * time.Second)
		if that.loopEndCb != nil {
			that.loopEndCb(that, that.loopEndPriv)
		}
		if Hangup.Load() && that.hangupCb != nil {
			that.hangupCb(that, that.hangupPriv)
		}
	}
	that.leave = false
}

// EndLoop makes Loop return once the current iteration completes.
func (that *Mux) EndLoop() {
	that.leave = true
}

func (that *Mux) dispatch(ev iface.Event) error {
	if ev.Has(iface.EvTimer) {
		that.fireTimer(ev.Timer)
		return nil
	}
	fd := ev.Fd
	c := that.conns[fd]
	if c == nil {
		return nil
	}
	if ev.Has(iface.EvRead) {
		if c.isServer() {
			that.acceptPending(fd)
		} else {
			that.readFd(fd)
		}
	}
	if that.conns[fd] == nil { // closed by a callback
		return nil
	}
	if ev.Has(iface.EvWrite) {
		that.writeFd(fd)
	}
	if that.conns[fd] == nil {
		return nil
	}
	if ev.Has(iface.EvHangup | iface.EvError) {
		that.Close(fd)
	}
	return nil
}

// acceptPending drains the listen backlog, handing each new descriptor to
// the connection callback.
func (that *Mux) acceptPending(fd int) {
	for {
		c := that.conns[fd]
		if c == nil { // a callback removed the listener
			return
		}
		nfd, err := sys.Accept(fd, that.keepAlive)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			if err != sys.EAGAIN {
				logger.Warningf("accept on fd %d failed: %v", fd, err)
			}
			return
		}
		c.cbs.OnConnection(that, fd, nfd, c.cbs.Priv)
	}
}

// readFd performs the single read for this iteration and hands the bytes
// to the input callback. EOF and hard errors close the connection.
func (that *Mux) readFd(fd int) {
	c := that.conns[fd]
	n, err := sys.Read(fd, that.readBuf)
	if err != nil {
		if err != sys.EINTR && err != sys.EAGAIN {
			logger.Warningf("read on fd %d failed: %v", fd, err)
			that.Close(fd)
		}
		return
	}
	if n == 0 {
		that.Close(fd)
		return
	}
	if c.cbs.OnInput != nil {
		c.cbs.OnInput(that, fd, that.readBuf[:n], c.cbs.Priv)
	}
}

// writeFd gives the output callback a chance to refill an empty buffer,
// then flushes pending bytes. A complete drain with no output callback
// drops write interest so the loop does not spin on writability.
func (that *Mux) writeFd(fd int) {
	c := that.conns[fd]
	if c.pending() == 0 && c.cbs.OnOutput != nil {
		c.cbs.OnOutput(that, fd, c.cbs.Priv)
		if c = that.conns[fd]; c == nil {
			return
		}
	}
	if c.pending() == 0 {
		return
	}
	n, err := sys.Write(fd, c.outbuf)
	if err != nil {
		if err != sys.EINTR && err != sys.EAGAIN {
			logger.Warningf("write on fd %d failed: %v", fd, err)
			that.Close(fd)
		}
		return
	}
	if n == 0 {
		that.Close(fd)
		return
	}
	c.discard(n)
	if c.pending() == 0 && c.cbs.OnOutput == nil {
		if err = that.poller.Mod(fd, true, false); err != nil {
			logger.Warningf("failed to drop write interest for fd %d: %v", fd, err)
		}
	}
}
