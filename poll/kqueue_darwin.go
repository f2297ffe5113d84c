//go:build darwin && !muxselect

package poll

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkmux/iface"
	"github.com/moqsien/gkmux/utils"
)

const (
	maxEventListSize = 1024
	minEventListSize = 32
	iniEventListSize = 128
)

// Poller multiplexes descriptor readiness through a kqueue. Each
// descriptor carries at most two filters: read always, write while the
// caller keeps write interest. Timers use the timer filter keyed by the
// timeout id with one-shot semantics.
type Poller struct {
	pollFd    int
	size      int
	eventList []unix.Kevent_t
}

func New() (p *Poller, err error) {
	p = new(Poller)
	if p.pollFd, err = unix.Kqueue(); err != nil {
		return nil, utils.SysError("kqueue", err)
	}
	p.size = iniEventListSize
	p.eventList = make([]unix.Kevent_t, p.size)
	return
}

func (that *Poller) HasTimers() bool { return true }

func (that *Poller) Close() error {
	return utils.SysError("close", unix.Close(that.pollFd))
}

// kchange applies one filter change, tolerating filters that are already
// gone and descriptors the user already closed.
func (that *Poller) kchange(change unix.Kevent_t) error {
	switch _, err := unix.Kevent(that.pollFd, []unix.Kevent_t{change}, nil, nil); err {
	case nil, unix.ENOENT, unix.EBADF:
		return nil
	default:
		return utils.SysError("kevent", err)
	}
}

func (that *Poller) Add(fd int, read, write bool) error {
	if read {
		err := that.kchange(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
		if err != nil {
			return err
		}
	}
	if write {
		return that.kchange(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	return nil
}

func (that *Poller) Mod(fd int, read, write bool) error {
	if write {
		return that.kchange(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	return that.kchange(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
}

func (that *Poller) Remove(fd int) error {
	that.kchange(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	return that.kchange(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
}

func (that *Poller) ArmTimer(id iface.TimeoutID, d time.Duration) error {
	msecs := d.Milliseconds()
	if msecs <= 0 {
		msecs = 1
	}
	return that.kchange(unix.Kevent_t{
		Ident:  uint64(id),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Data:   msecs,
	})
}

func (that *Poller) DisarmTimer(id iface.TimeoutID) error {
	return that.kchange(unix.Kevent_t{Ident: uint64(id), Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE})
}

func (that *Poller) Wait(timeout time.Duration, fn func(ev iface.Event) error) error {
	var tsp *unix.Timespec
	if timeout >= 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}
	n, err := unix.Kevent(that.pollFd, nil, that.eventList, tsp)
	if n < 0 && err == unix.EINTR {
		return nil
	} else if err != nil {
		return utils.SysError("kevent_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &that.eventList[i]
		if ev.Filter == unix.EVFILT_TIMER {
			if err = fn(iface.Event{Timer: iface.TimeoutID(ev.Ident), Kinds: iface.EvTimer}); err != nil {
				return err
			}
			continue
		}
		var kinds iface.EventKind
		switch ev.Filter {
		case unix.EVFILT_READ:
			kinds |= iface.EvRead
		case unix.EVFILT_WRITE:
			kinds |= iface.EvWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			kinds |= iface.EvHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			kinds |= iface.EvError
		}
		if err = fn(iface.Event{Fd: int(ev.Ident), Kinds: kinds}); err != nil {
			return err
		}
	}
	if n == that.size {
		that.expandEventList()
	} else if n < that.size>>1 {
		that.shrinkEventList()
	}
	return nil
}

func (that *Poller) expandEventList() {
	if newSize := that.size << 1; newSize <= maxEventListSize {
		that.size = newSize
		that.eventList = make([]unix.Kevent_t, newSize)
	}
}

func (that *Poller) shrinkEventList() {
	if newSize := that.size >> 1; newSize >= minEventListSize {
		that.size = newSize
		that.eventList = make([]unix.Kevent_t, newSize)
	}
}
