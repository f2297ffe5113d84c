//go:build muxselect

package poll

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkmux/iface"
	"github.com/moqsien/gkmux/utils"
	"github.com/moqsien/gkmux/utils/errs"
)

// Poller is the portable fallback over select(2). Interest lives in two
// bitsets that are copied for the kernel on every wait; there is no
// persistent kernel state and no kernel timer, so timer expiry detection
// stays with the caller.
type Poller struct {
	rin   unix.FdSet
	rout  unix.FdSet
	maxFd int
}

func New() (*Poller, error) {
	p := &Poller{maxFd: -1}
	p.rin.Zero()
	p.rout.Zero()
	return p, nil
}

func (that *Poller) HasTimers() bool { return false }

func (that *Poller) Close() error { return nil }

func (that *Poller) Add(fd int, read, write bool) error {
	// every registered fd is watched for reading so EOF is observed even
	// without an input callback
	that.rin.Set(fd)
	if write {
		that.rout.Set(fd)
	}
	if fd > that.maxFd {
		that.maxFd = fd
	}
	return nil
}

func (that *Poller) Mod(fd int, read, write bool) error {
	if read {
		that.rin.Set(fd)
	}
	if write {
		that.rout.Set(fd)
	} else {
		that.rout.Clear(fd)
	}
	return nil
}

func (that *Poller) Remove(fd int) error {
	that.rin.Clear(fd)
	that.rout.Clear(fd)
	if fd == that.maxFd {
		for that.maxFd >= 0 && !that.rin.IsSet(that.maxFd) {
			that.maxFd--
		}
	}
	return nil
}

func (that *Poller) ArmTimer(id iface.TimeoutID, d time.Duration) error {
	return errs.ErrTimerUnsupported
}

func (that *Poller) DisarmTimer(id iface.TimeoutID) error { return nil }

func (that *Poller) Wait(timeout time.Duration, fn func(ev iface.Event) error) error {
	var tvp *unix.Timeval
	if timeout >= 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		tvp = &tv
	}
	rin := that.rin
	rout := that.rout
	maxFd := that.maxFd
	n, err := unix.Select(maxFd+1, &rin, &rout, nil, tvp)
	switch err {
	case nil:
	case unix.EINTR, unix.EAGAIN:
		return nil
	default:
		return utils.SysError("select", err)
	}
	if n <= 0 {
		return nil
	}
	for fd := 0; fd <= maxFd; fd++ {
		var kinds iface.EventKind
		if rin.IsSet(fd) {
			kinds |= iface.EvRead
		}
		if rout.IsSet(fd) {
			kinds |= iface.EvWrite
		}
		if kinds == 0 {
			continue
		}
		if err = fn(iface.Event{Fd: fd, Kinds: kinds}); err != nil {
			return err
		}
	}
	return nil
}
