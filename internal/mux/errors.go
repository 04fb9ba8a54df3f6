package mux

import "errors"

var (
	errOverflow    = errors.New("mux: DATA frame would overflow receive buffer")
	errOvercredit  = errors.New("mux: RESET credits more than bufsize")
	errShortRead   = errors.New("mux: channel closed with a short read pending")
	errBadCommand  = errors.New("mux: unknown frame command")
	errBadLen      = errors.New("mux: DATA length outside [1, mss]")
	errBadState    = errors.New("mux: channel in wrong state for this command")
	errAborted     = errors.New("mux: aborted")
	errUnknownChan = errors.New("mux: unknown channel number")
)
