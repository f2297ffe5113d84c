package socket

import (
	"errors"
	"net"
	"os"
)

// Listener pairs a prepared listening descriptor with its address. The
// multiplexer only ever sees the raw fd; the wrapper holds the *os.File
// that keeps the descriptor alive.
type Listener struct {
	fd   int
	addr net.Addr
	file *os.File
}

func (that *Listener) Fd() int {
	return that.fd
}

func (that *Listener) Addr() net.Addr {
	return that.addr
}

func (that *Listener) Close() (err error) {
	if that.file != nil {
		err = that.file.Close()
		that.file = nil
		that.fd = -1
	}
	return
}

type filer interface {
	File() (*os.File, error)
}

// ResolveFd duplicates the descriptor owned by a net listener or
// connection. The returned file must stay open for as long as the
// descriptor is registered.
func ResolveFd(ln interface{}) (fd int, file *os.File, err error) {
	f, ok := ln.(filer)
	if !ok {
		return -1, nil, errors.New("unsupported listener or conn type")
	}
	if file, err = f.File(); err != nil {
		return -1, nil, err
	}
	return int(file.Fd()), file, nil
}

// Listen opens a tcp or unix listener and hands back the raw-fd wrapper.
// The net.Listener itself is closed; the duplicated descriptor keeps the
// socket listening.
func Listen(network, address string) (*Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	fd, file, err := ResolveFd(l)
	if err != nil {
		l.Close()
		return nil, err
	}
	ln := &Listener{fd: fd, addr: l.Addr(), file: file}
	l.Close()
	return ln, nil
}
