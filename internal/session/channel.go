package session

import "github.com/cvsync/cvsync/internal/mux"

// chanReadWriter adapts one mux channel number to io.Reader/io.Writer, the
// shape every pipeline stage (dirscan.Walk, dircmp.Comparator.Compare,
// filescan.Run, filecmp.Run, updater.Updater.Run) already speaks.
type chanReadWriter struct {
	m  *mux.Mux
	ch uint8
}

func newChanReadWriter(m *mux.Mux, ch uint8) *chanReadWriter {
	return &chanReadWriter{m: m, ch: ch}
}

func (c *chanReadWriter) Read(p []byte) (int, error) {
	data, err := c.m.Recv(c.ch, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

func (c *chanReadWriter) Write(p []byte) (int, error) {
	if err := c.m.Send(c.ch, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *chanReadWriter) close() error {
	return c.m.CloseOut(c.ch)
}
