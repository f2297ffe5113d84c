package sys

import (
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkmux/utils"
)

const DefaultTCPKeepAlive = 15 // Seconds

const (
	EAGAIN = unix.EAGAIN
	EINTR  = unix.EINTR
)

func Read(fd int, p []byte) (n int, err error) {
	return unix.Read(fd, p)
}

func Write(fd int, p []byte) (n int, err error) {
	return unix.Write(fd, p)
}

func CloseFd(fd int) error {
	return unix.Close(fd)
}

func SetNonblock(fd int) error {
	return utils.SysError("fcntl", unix.SetNonblock(fd, true))
}

func Listen(fd int) error {
	return utils.SysError("listen", unix.Listen(fd, unix.SOMAXCONN))
}

// Accept takes one pending connection off a listening descriptor. The new
// descriptor comes back non-blocking and close-on-exec, with keep-alive
// applied when keepAlive seconds is positive.
func Accept(fd int, keepAlive int) (nfd int, err error) {
	nfd, _, err = unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	if err = unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, utils.SysError("fcntl", err)
	}
	unix.CloseOnExec(nfd)
	if keepAlive > 0 {
		_ = SetKeepAlive(nfd, keepAlive)
	}
	return nfd, nil
}

func SetKeepAlive(fd int, timeout ...int) (err error) {
	// timeout in seconds.
	secs := DefaultTCPKeepAlive
	if len(timeout) > 0 && timeout[0] > 0 {
		secs = timeout[0]
	}
	if err = unix.SetsockoptInt(fd, SOL_SOCKET, SO_KEEPALIVE, 1); err != nil {
		return utils.SysError("setsockopt", err)
	}
	if err = unix.SetsockoptInt(fd, IPPROTO_TCP, TCP_KEEPINTVL, secs); err != nil {
		return utils.SysError("setsockopt", err)
	}
	err = unix.SetsockoptInt(fd, IPPROTO_TCP, TCP_KEEPIDLE, secs)
	return utils.SysError("setsockopt", err)
}
