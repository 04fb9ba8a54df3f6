package mux

import "sync"

// State is a mux buffer's lifecycle state (§3: "state transitions are
// monotonic: init → running → closed (or → error)").
type State int

const (
	StateInit State = iota
	StateRunning
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// buffer is one direction of one channel: a ring of unconsumed bytes plus
// the remote flow-control window, exactly the field set from §3 ("Mux
// buffer: {bufsize, length, head, rlength, mss, state}").
type buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring    []byte
	bufsize int
	length  int // bytes currently buffered, starting at head
	head    int // read cursor

	rlength int // remote window: bytes we may still send (outbound) or have credited (inbound, informational)
	mss     int

	state State
	err   error

	uncredited int // bytes consumed (inbound) since the last RESET we emitted
}

func newBuffer(bufsize, mss int) *buffer {
	b := &buffer{
		ring:    make([]byte, bufsize),
		bufsize: bufsize,
		rlength: bufsize,
		mss:     mss,
		state:   StateRunning,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// setError transitions the buffer to StateError and wakes every waiter.
// Idempotent: once in StateError or StateClosed, later calls are no-ops,
// matching the "abort is idempotent" testable property (§8).
func (b *buffer) setError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateError || b.state == StateClosed {
		return
	}
	b.state = StateError
	if err != nil {
		b.err = err
	}
	b.cond.Broadcast()
}

func (b *buffer) setClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateError || b.state == StateClosed {
		return
	}
	b.state = StateClosed
	b.cond.Broadcast()
}

// push appends data to the ring on behalf of the mux receiver task (the
// sole writer of inbound buffers, §5). Callers are responsible for having
// verified the sender respected flow control; push never grows the ring.
func (b *buffer) push(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateError {
		return b.err
	}
	if b.length+len(data) > b.bufsize {
		return errOverflow
	}
	tail := (b.head + b.length) % b.bufsize
	for _, c := range data {
		b.ring[tail] = c
		tail = (tail + 1) % b.bufsize
	}
	b.length += len(data)
	b.cond.Broadcast()
	return nil
}

// popExact blocks until n bytes are available (or the buffer errors/closes)
// and returns exactly n bytes. When the pop empties the buffer, it also
// returns the total number of bytes consumed since the last credit was
// granted — the exact amount the caller must RESET back to the peer so
// that granted credit always equals bytes actually freed (§4.1 flow
// control: "credits whenever length drops to zero after the application
// drained").
func (b *buffer) popExact(n int) (data []byte, creditDue int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.length < n {
		if b.state == StateError {
			return nil, 0, b.err
		}
		if b.state == StateClosed {
			return nil, 0, errShortRead
		}
		b.cond.Wait()
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b.ring[b.head]
		b.head = (b.head + 1) % b.bufsize
	}
	b.length -= n
	b.uncredited += n
	if b.length == 0 && b.uncredited > 0 {
		creditDue = b.uncredited
		b.uncredited = 0
	}
	b.cond.Broadcast()
	return out, creditDue, nil
}

// reserve blocks until at least n bytes of remote window are available and
// atomically decrements rlength by n (§4.1 send flow control).
func (b *buffer) reserve(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.rlength < n {
		if b.state == StateError {
			return b.err
		}
		if b.state == StateClosed {
			return errShortRead
		}
		b.cond.Wait()
	}
	b.rlength -= n
	return nil
}

// credit grows rlength by amount (a RESET frame observed from the peer).
func (b *buffer) credit(amount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rlength+amount > b.bufsize {
		return errOvercredit
	}
	b.rlength += amount
	b.cond.Broadcast()
	return nil
}

func (b *buffer) getState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
