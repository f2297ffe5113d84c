package errs

import "errors"

var (
	ErrInvalidFd        = errors.New("invalid file descriptor")
	ErrFdOutOfRange     = errors.New("fd exceeds max fd")
	ErrAlreadyAdded     = errors.New("fd already added")
	ErrNoCallbacks      = errors.New("no callbacks have been specified")
	ErrNotRegistered    = errors.New("fd is not registered")
	ErrNoConnectionCb   = errors.New("listening fd has no connection callback")
	ErrTimerUnsupported = errors.New("poll backend does not support timers")
)
