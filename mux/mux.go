/*
Package mux implements a single-threaded I/O multiplexer: a registry of
non-blocking descriptors whose readiness drives user callbacks, merged
with one-shot timers under one blocking wait. All callbacks run on the
goroutine that calls Run or Loop; callbacks may invoke any public method
on the same Mux, including removing or closing the descriptor they were
invoked for.
*/
package mux

import (
	"container/list"
	"fmt"
	"time"

	"github.com/moqsien/processes/logger"
	"go.uber.org/atomic"

	"github.com/moqsien/gkmux/iface"
	"github.com/moqsien/gkmux/poll"
	"github.com/moqsien/gkmux/sys"
	"github.com/moqsien/gkmux/utils/errs"
)

// Hangup is the process-wide hangup flag, safe to raise from a signal
// handler. Loop invokes the hangup hook between iterations while it is
// set.
var Hangup = atomic.NewBool(false)

type Mux struct {
	poller        *poll.Poller
	conns         []*conn
	minFd         int
	maxFd         int
	timeouts      *list.List
	lastTimeoutID iface.TimeoutID
	lastCheck     time.Time
	leave         bool
	loopEndCb     CbFunc
	loopEndPriv   interface{}
	hangupCb      CbFunc
	hangupPriv    interface{}
	lastErr       error
	readBuf       []byte
	bufSize       int
	keepAlive     int
}

// New creates a multiplexer backed by the platform poll backend.
func New(options ...*Options) (*Mux, error) {
	opts := &Options{}
	if len(options) > 0 && options[0] != nil {
		opts = options[0]
	}
	opts.normalize()
	p, err := poll.New()
	if err != nil {
		return nil, err
	}
	return &Mux{
		poller:    p,
		conns:     make([]*conn, iface.MaxConns),
		minFd:     iface.MaxConns,
		maxFd:     -1,
		timeouts:  list.New(),
		readBuf:   make([]byte, opts.ReadBufferSize),
		bufSize:   opts.BufferSize,
		keepAlive: opts.ConnKeepAlive,
	}, nil
}

func (that *Mux) setError(format string, args ...interface{}) error {
	that.lastErr = fmt.Errorf(format, args...)
	return that.lastErr
}

// LastError reports the most recent registry or backend failure.
func (that *Mux) LastError() error {
	return that.lastErr
}

// Add registers fd with the given callback set. The descriptor is marked
// non-blocking; write readiness is watched from the start only when an
// OnOutput callback is present.
func (that *Mux) Add(fd int, cbs *Callbacks) error {
	if fd < 0 {
		return that.setError("%w: %d", errs.ErrInvalidFd, fd)
	}
	if fd >= iface.MaxConns {
		return that.setError("%w: %d >= %d", errs.ErrFdOutOfRange, fd, iface.MaxConns)
	}
	if that.conns[fd] != nil {
		return that.setError("%w: %d", errs.ErrAlreadyAdded, fd)
	}
	if cbs == nil || !cbs.any() {
		return that.setError("%w: fd %d", errs.ErrNoCallbacks, fd)
	}
	if err := sys.SetNonblock(fd); err != nil {
		return that.setError("cannot mark fd %d non-blocking: %w", fd, err)
	}
	if err := that.poller.Add(fd, true, cbs.OnOutput != nil); err != nil {
		return that.setError("backend rejected fd %d: %w", fd, err)
	}
	that.conns[fd] = newConn(cbs, that.bufSize)
	if fd > that.maxFd {
		that.maxFd = fd
	}
	if fd < that.minFd {
		that.minFd = fd
	}
	return nil
}

// Remove detaches fd without flushing or signalling EOF. It is silent on
// a descriptor that is not registered, so callers that already closed the
// record from inside a callback need not guard the call.
func (that *Mux) Remove(fd int) {
	if fd < 0 || fd >= iface.MaxConns || that.conns[fd] == nil {
		return
	}
	c := that.conns[fd]
	that.Unschedule(c.timeoutID)
	if err := that.poller.Remove(fd); err != nil {
		logger.Warningf("failed to detach fd %d from poll backend: %v", fd, err)
	}
	that.conns[fd] = nil
	if that.maxFd == fd {
		for that.maxFd >= 0 && that.conns[that.maxFd] == nil {
			that.maxFd--
		}
	}
	if that.maxFd < 0 {
		that.minFd = iface.MaxConns
		return
	}
	if that.minFd == fd {
		for that.minFd <= that.maxFd && that.conns[that.minFd] == nil {
			that.minFd++
		}
	}
}

// Listen flags fd as a listening socket; readable events then accept new
// connections instead of reading bytes. The socket must have been bound
// by the caller and registered with an OnConnection callback.
func (that *Mux) Listen(fd int) error {
	if fd < 0 || fd >= iface.MaxConns || that.conns[fd] == nil {
		return that.setError("%w: %d", errs.ErrNotRegistered, fd)
	}
	c := that.conns[fd]
	if c.cbs.OnConnection == nil {
		return that.setError("%w: fd %d", errs.ErrNoConnectionCb, fd)
	}
	if err := sys.Listen(fd); err != nil {
		return that.setError("cannot listen on fd %d: %w", fd, err)
	}
	c.flags |= flagServer
	return nil
}

// Write appends to the fd's output buffer without blocking and returns
// the number of bytes accepted. Anything beyond the free buffer space is
// dropped; the caller retries once the buffer drains.
func (that *Mux) Write(fd int, p []byte) int {
	if fd < 0 || fd >= iface.MaxConns || that.conns[fd] == nil {
		return 0
	}
	c := that.conns[fd]
	if len(p) == 0 || cap(c.outbuf) == len(c.outbuf) {
		return 0
	}
	if err := that.poller.Mod(fd, true, true); err != nil {
		that.setError("backend rejected write interest for fd %d: %w", fd, err)
		return 0
	}
	return c.buffer(p)
}

// Close flushes what it can of the pending output, fires OnEof exactly
// once, and removes the record. The descriptor itself stays open; its
// lifetime belongs to the caller.
func (that *Mux) Close(fd int) {
	if fd < 0 || fd >= iface.MaxConns || that.conns[fd] == nil {
		return
	}
	c := that.conns[fd]
	for retries := 0; c.pending() > 0 && retries <= iface.FlushMaxRetries; {
		n, err := sys.Write(fd, c.outbuf)
		if err == sys.EINTR {
			retries++
			continue
		}
		if err == sys.EAGAIN {
			retries++
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil || n == 0 {
			logger.Warningf("closing fd %d with %d bytes of pending data", fd, c.pending())
			break
		}
		c.discard(n)
	}
	if c.cbs.OnEof != nil {
		c.cbs.OnEof(that, fd, c.cbs.Priv)
	}
	that.Remove(fd)
}

// IsEmpty reports whether no descriptors are registered.
func (that *Mux) IsEmpty() bool {
	return that.maxFd < 0
}

// OnLoopEnd installs a hook invoked after every Loop iteration.
func (that *Mux) OnLoopEnd(cb CbFunc, priv interface{}) {
	that.loopEndCb, that.loopEndPriv = cb, priv
}

// OnHangup installs the hook invoked between iterations while the
// process-wide Hangup flag is set.
func (that *Mux) OnHangup(cb CbFunc, priv interface{}) {
	that.hangupCb, that.hangupPriv = cb, priv
}

// Destroy closes every live connection from the top of the descriptor
// range downward, drops the remaining timers and releases the backend.
func (that *Mux) Destroy() {
	for fd := that.maxFd; fd >= 0; fd-- {
		if that.conns[fd] != nil {
			that.Close(fd)
		}
	}
	for e := that.timeouts.Front(); e != nil; e = that.timeouts.Front() {
		that.dropTimeout(e)
	}
	if err := that.poller.Close(); err != nil {
		logger.Warningf("failed to close poll backend: %v", err)
	}
}
