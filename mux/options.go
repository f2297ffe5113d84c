package mux

import (
	gmath "github.com/panjf2000/gnet/v2/pkg/math"

	"github.com/moqsien/gkmux/iface"
)

// Options tunes a Mux at construction time.
type Options struct {
	// BufferSize is the fixed per-fd output buffer capacity in bytes,
	// rounded up to a power of two. Default 16384.
	BufferSize int
	// ReadBufferSize is the size of the shared input buffer in bytes,
	// rounded up to a power of two. Default 16384.
	ReadBufferSize int
	// ConnKeepAlive is applied, in seconds, to accepted sockets. Zero
	// leaves keep-alive off.
	ConnKeepAlive int
}

func (that *Options) normalize() {
	if that.BufferSize <= 0 {
		that.BufferSize = iface.DefaultBufferSize
	}
	that.BufferSize = gmath.CeilToPowerOfTwo(that.BufferSize)
	if that.ReadBufferSize <= 0 {
		that.ReadBufferSize = iface.DefaultBufferSize
	}
	that.ReadBufferSize = gmath.CeilToPowerOfTwo(that.ReadBufferSize)
}
