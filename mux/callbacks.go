package mux

type (
	// CbFunc is the hook signature shared by scheduled timers and the
	// loop-end and hangup hooks.
	CbFunc func(m *Mux, priv interface{})

	InputFunc      func(m *Mux, fd int, data []byte, priv interface{})
	OutputFunc     func(m *Mux, fd int, priv interface{})
	TimeoutFunc    func(m *Mux, fd int, priv interface{})
	EofFunc        func(m *Mux, fd int, priv interface{})
	ConnectionFunc func(m *Mux, listenFd, newFd int, priv interface{})
)

// Callbacks is the event set attached to a descriptor. Priv is handed
// back opaquely to every callback in the set.
type Callbacks struct {
	OnInput      InputFunc
	OnOutput     OutputFunc
	OnTimeout    TimeoutFunc
	OnEof        EofFunc
	OnConnection ConnectionFunc
	Priv         interface{}
}

func (that *Callbacks) any() bool {
	return that.OnInput != nil || that.OnOutput != nil || that.OnTimeout != nil ||
		that.OnEof != nil || that.OnConnection != nil
}
