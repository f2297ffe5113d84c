package mux

import "github.com/moqsien/gkmux/iface"

const flagServer uint32 = 1

// conn is the registry record for one descriptor. The output buffer has a
// fixed capacity; its length is the pending byte count.
type conn struct {
	flags     uint32
	cbs       Callbacks
	outbuf    []byte
	timeoutID iface.TimeoutID
}

func newConn(cbs *Callbacks, bufSize int) *conn {
	return &conn{
		cbs:    *cbs,
		outbuf: make([]byte, 0, bufSize),
	}
}

func (that *conn) isServer() bool {
	return that.flags&flagServer != 0
}

func (that *conn) pending() int {
	return len(that.outbuf)
}

// buffer appends at most the free space, dropping the excess.
func (that *conn) buffer(p []byte) int {
	free := cap(that.outbuf) - len(that.outbuf)
	wlen := len(p)
	if wlen > free {
		wlen = free
	}
	that.outbuf = append(that.outbuf, p[:wlen]...)
	return wlen
}

// discard drops n flushed bytes, shifting any residue to the front.
func (that *conn) discard(n int) {
	if n >= len(that.outbuf) {
		that.outbuf = that.outbuf[:0]
		return
	}
	m := copy(that.outbuf, that.outbuf[n:])
	that.outbuf = that.outbuf[:m]
}
