// Package mux implements the CVSync framed multiplexer (§4.1): N
// independent, flow-controlled, reliable byte channels over one TCP
// connection, with optional whole-connection zlib compression.
//
// The wire idea — a one-byte command, one-byte channel number, then a
// command-specific body — is the same shape gokrazy/rsync's own
// multiplexWriter uses for rsync's MSG_DATA channel
// (internal/rsyncd/rsyncd.go: `header := uint32(7)<<24 | uint32(len(p))`,
// i.e. a tag byte packed with a length before the payload). CVSync
// generalizes that single hardcoded "channel 7" framing into N
// independently flow-controlled channels in each direction.
package mux

import (
	"bufio"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cvsync/cvsync/internal/cvlog"
)

// Command is a mux frame's leading byte (§4.1, §6).
type Command byte

const (
	CmdData  Command = 0x00
	CmdReset Command = 0x01
	CmdClose Command = 0x02
)

const (
	// MinMSS and MaxMSS bound the configurable max segment size (§4.1).
	MinMSS = 1024
	MaxMSS = 4096
)

// Config configures a new Mux.
type Config struct {
	// BufSize is the per-channel-direction buffer size, shared for every
	// channel this mux opens.
	BufSize int
	// MSS is this peer's configured max segment size for DATA frames it
	// sends. Doubled automatically when Compress is true (§4.1).
	MSS int
	// Compress enables the single deflate stream per direction (§4.1).
	Compress bool
	Logger   cvlog.Logger
}

// Mux is a full-duplex multiplexer over a single underlying connection.
type Mux struct {
	cfg Config

	writeMu sync.Mutex
	w       io.Writer // raw or deflate-wrapped
	flusher interface{ Flush() error }

	r *bufio.Reader // raw or inflate-wrapped, already buffered

	mu       sync.Mutex
	channels map[uint8]*channel
	aborted  bool
	abortErr error

	ctx    context.Context
	cancel context.CancelFunc

	logger cvlog.Logger
}

type channel struct {
	in  *buffer
	out *buffer
}

// New wraps rw as a Mux. The receiver task is not started until Serve is
// called, giving the owner a chance to register every channel it needs
// first (the mux itself is channel-agnostic; semantics of channel numbers
// belong to the pipeline layer, §4.1).
func New(rw io.ReadWriter, cfg Config) (*Mux, error) {
	if cfg.BufSize <= 0 {
		return nil, fmt.Errorf("mux: BufSize must be positive")
	}
	if cfg.MSS < MinMSS || cfg.MSS > MaxMSS {
		return nil, fmt.Errorf("mux: MSS %d outside [%d, %d]", cfg.MSS, MinMSS, MaxMSS)
	}
	if cfg.Logger == nil {
		cfg.Logger = cvlog.Default()
	}

	m := &Mux{
		cfg:      cfg,
		channels: make(map[uint8]*channel),
		logger:   cfg.Logger,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if cfg.Compress {
		zw := zlib.NewWriter(rw)
		m.w = zw
		m.flusher = zw
		zr, err := zlib.NewReader(rw)
		if err != nil {
			return nil, fmt.Errorf("mux: zlib reader: %w", err)
		}
		m.r = bufio.NewReader(zr)
	} else {
		m.w = rw
		m.r = bufio.NewReader(rw)
	}

	return m, nil
}

// effectiveMSS is the max DATA payload this peer will emit, doubled under
// compression (§4.1).
func (m *Mux) effectiveMSS() int {
	if m.cfg.Compress {
		return m.cfg.MSS * 2
	}
	return m.cfg.MSS
}

// OpenChannel registers channel number n, allocating its inbound and
// outbound buffers. Must be called before Serve.
func (m *Mux) OpenChannel(n uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[n] = &channel{
		in:  newBuffer(m.cfg.BufSize, m.effectiveMSS()),
		out: newBuffer(m.cfg.BufSize, m.effectiveMSS()),
	}
}

func (m *Mux) channelFor(n uint8) (*channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[n]
	if !ok {
		return nil, errUnknownChan
	}
	return c, nil
}

// Send enqueues bytes on chan, blocking until enough remote window is
// available, splitting into frames no larger than this peer's MSS or the
// channel's buffer size (§4.1).
func (m *Mux) Send(ch uint8, data []byte) error {
	c, err := m.channelFor(ch)
	if err != nil {
		return err
	}
	mss := m.effectiveMSS()
	for len(data) > 0 {
		n := len(data)
		if n > mss {
			n = mss
		}
		if n > c.out.bufsize {
			n = c.out.bufsize
		}
		if err := c.out.reserve(n); err != nil {
			return err
		}
		if err := m.writeFrame(CmdData, ch, data[:n]); err != nil {
			m.Abort(err)
			return err
		}
		data = data[n:]
	}
	return nil
}

// Flush forces emission of any buffered partial frame. The mux writes
// eagerly per Send call, so under no compression this is a no-op; under
// compression it flushes the deflate stream so the peer can make progress
// (§4.1: "framing boundaries do not align with deflate blocks").
func (m *Mux) Flush(ch uint8) error {
	if _, err := m.channelFor(ch); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.flusher != nil {
		return m.flusher.Flush()
	}
	return nil
}

// CloseOut flushes then emits CLOSE on ch.
func (m *Mux) CloseOut(ch uint8) error {
	if err := m.Flush(ch); err != nil {
		return err
	}
	if err := m.writeFrame(CmdClose, ch, nil); err != nil {
		m.Abort(err)
		return err
	}
	return nil
}

// Recv copies exactly n bytes from chan's inbound buffer, blocking until
// available. It returns an error on channel error or a peer CLOSE with a
// short read still pending (§4.1).
func (m *Mux) Recv(ch uint8, n int) ([]byte, error) {
	c, err := m.channelFor(ch)
	if err != nil {
		return nil, err
	}
	data, creditDue, err := c.in.popExact(n)
	if err != nil {
		return nil, err
	}
	if creditDue > 0 {
		// Coalesced credit: grant back exactly what we freed, now that the
		// buffer has fully drained (§4.1 flow control).
		if err := m.writeFrame(CmdReset, ch, encodeUint32(uint32(creditDue))); err != nil {
			m.Abort(err)
			return nil, err
		}
	}
	return data, nil
}

// CloseIn acknowledges that a peer CLOSE was observed on ch.
func (m *Mux) CloseIn(ch uint8) {
	if c, err := m.channelFor(ch); err == nil {
		c.in.setClosed()
	}
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// writeFrame serializes and writes one frame, serialized against all other
// writers of this mux's single underlying writer.
func (m *Mux) writeFrame(cmd Command, ch uint8, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	hdr := [2]byte{byte(cmd), ch}
	if _, err := m.w.Write(hdr[:]); err != nil {
		return err
	}
	switch cmd {
	case CmdData:
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
		if _, err := m.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := m.w.Write(payload); err != nil {
			return err
		}
	case CmdReset:
		if _, err := m.w.Write(payload); err != nil { // 4-byte amount
			return err
		}
	case CmdClose:
		// no body
	}
	if m.cfg.Compress && m.flusher != nil {
		return m.flusher.Flush()
	}
	return nil
}

// Serve runs the receiver task until the connection fails or ctx is
// cancelled. It is the sole writer of every channel's inbound buffer
// (§5). Serve returns when the socket is exhausted or a protocol violation
// is detected; the caller should treat any return as "the mux is done."
func (m *Mux) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.Abort(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	for {
		cmd, ch, err := m.readHeader()
		if err != nil {
			m.Abort(err)
			return err
		}
		c, cerr := m.channelFor(ch)
		if cerr != nil {
			m.Abort(cerr)
			return cerr
		}
		switch cmd {
		case CmdData:
			var lenBuf [2]byte
			if _, err := io.ReadFull(m.r, lenBuf[:]); err != nil {
				m.Abort(err)
				return err
			}
			n := int(binary.BigEndian.Uint16(lenBuf[:]))
			if n < 1 || n > c.in.mss {
				m.Abort(errBadLen)
				return errBadLen
			}
			payload := make([]byte, n)
			if _, err := io.ReadFull(m.r, payload); err != nil {
				m.Abort(err)
				return err
			}
			if err := c.in.push(payload); err != nil {
				m.Abort(err)
				return err
			}
		case CmdReset:
			var buf [4]byte
			if _, err := io.ReadFull(m.r, buf[:]); err != nil {
				m.Abort(err)
				return err
			}
			amount := binary.BigEndian.Uint32(buf[:])
			if amount == 0 {
				m.Abort(errBadState)
				return errBadState
			}
			if err := c.out.credit(int(amount)); err != nil {
				m.Abort(err)
				return err
			}
		case CmdClose:
			c.in.setClosed()
		default:
			m.Abort(errBadCommand)
			return errBadCommand
		}
	}
}

func (m *Mux) readHeader() (Command, uint8, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(m.r, hdr[:]); err != nil {
		return 0, 0, err
	}
	cmd := Command(hdr[0])
	if cmd != CmdData && cmd != CmdReset && cmd != CmdClose {
		return 0, 0, errBadCommand
	}
	return cmd, hdr[1], nil
}

// Abort transitions every channel to StateError and cancels the mux's
// context, unblocking every Send/Recv/Flush in progress (§4.1, §5). Calling
// Abort more than once, from any number of goroutines, performs a single
// transition (§8 abort idempotence).
func (m *Mux) Abort(cause error) {
	m.mu.Lock()
	already := m.aborted
	if !already {
		m.aborted = true
		m.abortErr = cause
	}
	chans := make([]*channel, 0, len(m.channels))
	for _, c := range m.channels {
		chans = append(chans, c)
	}
	m.mu.Unlock()

	if already {
		return
	}
	m.logger.Printf("mux: abort: %v", cause)
	m.cancel()
	for _, c := range chans {
		c.in.setError(cause)
		c.out.setError(cause)
	}
}

// Err returns the cause of abort, if any.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortErr
}
