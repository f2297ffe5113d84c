//go:build linux && !muxselect

package poll

import (
	"time"

	"github.com/moqsien/processes/logger"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkmux/iface"
	"github.com/moqsien/gkmux/utils"
)

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLET
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents

	maxEventListSize = 1024
	minEventListSize = 32
	iniEventListSize = 128
)

// Poller multiplexes descriptor readiness through an edge-triggered epoll
// instance. Timers are one-shot timerfds registered on the same instance;
// the fd-to-id maps let Wait hand expiries back as timer events.
type Poller struct {
	pollFd    int
	timerFds  map[int]iface.TimeoutID
	timerIds  map[iface.TimeoutID]int
	size      int
	eventList []unix.EpollEvent
	timerBuf  []byte
}

func New() (p *Poller, err error) {
	p = new(Poller)
	if p.pollFd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, utils.SysError("epoll_create1", err)
	}
	p.timerFds = make(map[int]iface.TimeoutID)
	p.timerIds = make(map[iface.TimeoutID]int)
	p.size = iniEventListSize
	p.eventList = make([]unix.EpollEvent, p.size)
	p.timerBuf = make([]byte, 8)
	return
}

func (that *Poller) HasTimers() bool { return true }

func (that *Poller) Close() error {
	for tfd := range that.timerFds {
		unix.Close(tfd)
	}
	return utils.SysError("close", unix.Close(that.pollFd))
}

func epollEvents(read, write bool) (evs uint32) {
	if read {
		evs |= uint32(readEvents)
	}
	if write {
		evs |= uint32(writeEvents)
	}
	return
}

func (that *Poller) Add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: epollEvents(read, write)}
	return utils.SysError("epoll_ctl_add", unix.EpollCtl(that.pollFd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (that *Poller) Mod(fd int, read, write bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: epollEvents(read, write)}
	return utils.SysError("epoll_ctl_mod", unix.EpollCtl(that.pollFd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Remove tolerates descriptors the user already closed.
func (that *Poller) Remove(fd int) error {
	switch err := unix.EpollCtl(that.pollFd, unix.EPOLL_CTL_DEL, fd, nil); err {
	case nil, unix.EBADF, unix.ENOENT, unix.EPERM:
		return nil
	default:
		return utils.SysError("epoll_ctl_del", err)
	}
}

func (that *Poller) ArmTimer(id iface.TimeoutID, d time.Duration) error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return utils.SysError("timerfd_create", err)
	}
	ns := d.Nanoseconds()
	if ns <= 0 {
		ns = 1 // a zero value would disarm the timerfd
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	if err = unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return utils.SysError("timerfd_settime", err)
	}
	ev := unix.EpollEvent{Fd: int32(tfd), Events: uint32(unix.EPOLLIN | unix.EPOLLONESHOT)}
	if err = unix.EpollCtl(that.pollFd, unix.EPOLL_CTL_ADD, tfd, &ev); err != nil {
		unix.Close(tfd)
		return utils.SysError("epoll_ctl_add", err)
	}
	that.timerFds[tfd] = id
	that.timerIds[id] = tfd
	return nil
}

func (that *Poller) DisarmTimer(id iface.TimeoutID) error {
	tfd, ok := that.timerIds[id]
	if !ok {
		return nil
	}
	delete(that.timerIds, id)
	delete(that.timerFds, tfd)
	switch err := unix.EpollCtl(that.pollFd, unix.EPOLL_CTL_DEL, tfd, nil); err {
	case nil, unix.EBADF, unix.ENOENT:
	default:
		logger.Warningf("failed to delete timerfd %d from epoll instance %d: %v", tfd, that.pollFd, err)
	}
	return utils.SysError("close", unix.Close(tfd))
}

func (that *Poller) Wait(timeout time.Duration, fn func(ev iface.Event) error) error {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}
	n, err := unix.EpollWait(that.pollFd, that.eventList, msec)
	if n < 0 && err == unix.EINTR {
		return nil
	} else if err != nil {
		return utils.SysError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &that.eventList[i]
		fd := int(ev.Fd)
		if id, ok := that.timerFds[fd]; ok {
			unix.Read(fd, that.timerBuf)
			if err = fn(iface.Event{Timer: id, Kinds: iface.EvTimer}); err != nil {
				return err
			}
			continue
		}
		var kinds iface.EventKind
		if ev.Events&unix.EPOLLERR != 0 {
			kinds |= iface.EvError
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			kinds |= iface.EvHangup
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			kinds |= iface.EvRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			kinds |= iface.EvWrite
		}
		if err = fn(iface.Event{Fd: fd, Kinds: kinds}); err != nil {
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
		that.eventList = make([]unix.EpollEvent, newSize)
	}
}

func (that *Poller) shrinkEventList() {
	if newSize := that.size >> 1; newSize >= minEventListSize {
		that.size = newSize
		that.eventList = make([]unix.EpollEvent, newSize)
	}
}
