/*
Package poll hides the platform readiness primitive behind one event
reporting contract. Exactly one backend is compiled into a build: an
edge-triggered epoll instance on linux, a kqueue on darwin, or the
portable select fallback when the muxselect build tag is set.

The backends share a single shape. Add, Mod and Remove maintain read and
write interest for a descriptor; Remove tolerates descriptors the user
has already closed. ArmTimer and DisarmTimer manage kernel one-shot
timers keyed by timeout id where the platform has them; the select
backend reports ErrTimerUnsupported and leaves expiry detection to the
caller. Wait blocks up to the given duration (negative blocks without
bound) and invokes the callback once per event in kernel-reported order.
*/
package poll
