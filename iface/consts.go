package iface

const (
	// MaxConns caps the number of simultaneously registered descriptors.
	MaxConns int = 65535
	// DefaultBufferSize is the default capacity of the per-fd output
	// buffer and of the shared read buffer.
	DefaultBufferSize int = 16384
	// FlushMaxRetries bounds the output flush attempts while closing a
	// connection.
	FlushMaxRetries int = 5
)
