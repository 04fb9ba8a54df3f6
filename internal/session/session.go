// Package session wires the negotiation handshake and the per-peer
// pipeline tasks (§5) onto a pair of mux channels, once per collection in
// the agreed list (§4.2, §4.3).
package session

import (
	"context"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cvsync/cvsync/internal/config"
	"github.com/cvsync/cvsync/internal/cvhash"
	"github.com/cvsync/cvsync/internal/cvlog"
	"github.com/cvsync/cvsync/internal/dircmp"
	"github.com/cvsync/cvsync/internal/dirscan"
	"github.com/cvsync/cvsync/internal/filecmp"
	"github.com/cvsync/cvsync/internal/filescan"
	"github.com/cvsync/cvsync/internal/mdirent"
	"github.com/cvsync/cvsync/internal/mux"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/updater"
)

// Channel numbers for the two mux channels a session opens (§5): chan0
// carries the DirScan/DirCmp pair, chan1 the FileScan/FileCmp pair. Each
// direction of each channel has exactly one writer, satisfying the "sole
// writer of its outbound channel" invariant.
const (
	chanTree    uint8 = 0
	chanContent uint8 = 1
)

const defaultBufSize = 1 << 20

// defaultMSS is the max segment size this build advertises, picked well
// inside [mux.MinMSS, mux.MaxMSS].
const defaultMSS = 4096

// Options bundles caller-provided runtime knobs that have no natural home
// in internal/config (which describes the server's persisted collection
// list, not a single connection's negotiation preferences).
type Options struct {
	Compress      bool
	PreferredHash []cvhash.Algorithm
	Logger        cvlog.Logger
}

func (o *Options) setDefaults() {
	if len(o.PreferredHash) == 0 {
		o.PreferredHash = cvhash.Preference
	}
	if o.Logger == nil {
		o.Logger = cvlog.Default()
	}
}

var errSessionDone = fmt.Errorf("session: complete")

func newMux(conn io.ReadWriteCloser, mss int, compress bool, logger cvlog.Logger) (*mux.Mux, error) {
	m, err := mux.New(conn, mux.Config{
		BufSize:  defaultBufSize,
		MSS:      mss,
		Compress: compress,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	m.OpenChannel(chanTree)
	m.OpenChannel(chanContent)
	return m, nil
}

func hashFactory(algo cvhash.Algorithm) func() hash.Hash {
	return func() hash.Hash {
		h, err := cvhash.New(algo)
		if err != nil {
			// Negotiate already proved algo is mutually available; this
			// would only fire on a registry bug.
			panic(fmt.Sprintf("session: hash %q unavailable after negotiation: %v", algo, err))
		}
		return h
	}
}

// runAndAbortOnError wraps a pipeline-stage task so that its failure
// aborts the mux immediately, unblocking any sibling task parked in
// Send/Recv on another channel (§5: cooperative mux_abort cancellation,
// no timeouts).
func runAndAbortOnError(m *mux.Mux, fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil {
			m.Abort(err)
			return err
		}
		return nil
	}
}

// runMux starts m's receiver task and runs collections (the caller's
// per-collection loop), then tears the mux down. m.Serve never returns on
// its own once the handshake is done — nothing in the wire protocol
// closes the underlying connection — so once collections finish we close
// conn ourselves to unblock Serve's pending read, and on the normal
// shutdown path its resulting error is expected, not reported.
func runMux(ctx context.Context, conn io.Closer, m *mux.Mux, collections func() error) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- m.Serve(ctx) }()

	collErr := collections()
	m.Abort(errSessionDone)
	conn.Close()
	<-serveErr
	return collErr
}

func parseErrorMode(s string) (mdirent.ErrorMode, error) {
	switch s {
	case "abort", "":
		return mdirent.ErrorAbort, nil
	case "fixup":
		return mdirent.ErrorFixup, nil
	case "ignore":
		return mdirent.ErrorIgnore, nil
	default:
		return 0, fmt.Errorf("session: unknown errormode %q", s)
	}
}

// RunServer drives the server side of one connection to completion: it
// negotiates, then iterates the collections the client selects, running
// DirCmp and FileCmp for each (§4.2, §4.5, §4.7).
func RunServer(ctx context.Context, conn io.ReadWriteCloser, cfg *config.Config, opts Options) error {
	opts.setDefaults()

	local := banner{Major: ProtocolMajor, Minor: OurMinor, MuxSize: 2, MSS: defaultMSS}
	peer, err := exchangeBanner(conn, local)
	if err != nil {
		return err
	}
	if peer.Major != local.Major {
		return fmt.Errorf("session: incompatible protocol major %d (ours %d)", peer.Major, local.Major)
	}

	theirHashes, err := exchangeHashNames(conn, opts.PreferredHash)
	if err != nil {
		return err
	}
	algo, err := cvhash.Negotiate(opts.PreferredHash, theirHashes)
	if err != nil {
		return fmt.Errorf("session: negotiating hash algorithm: %w", err)
	}

	compress, err := exchangeCompress(conn, opts.Compress)
	if err != nil {
		return err
	}

	if err := writeCollectionList(conn, cfg.Collections); err != nil {
		return fmt.Errorf("session: writing collection list: %w", err)
	}
	wanted, err := readCollectionSelection(conn)
	if err != nil {
		return fmt.Errorf("session: reading collection selection: %w", err)
	}

	m, err := newMux(conn, int(local.MSS), compress, opts.Logger)
	if err != nil {
		return err
	}

	return runMux(ctx, conn, m, func() error {
		for _, name := range wanted {
			col, ok := cfg.Find(name)
			if !ok {
				return fmt.Errorf("session: client requested unknown collection %q", name)
			}
			if err := serveCollection(m, col, algo); err != nil {
				return fmt.Errorf("session: collection %q: %w", name, err)
			}
		}
		return nil
	})
}

func serveCollection(m *mux.Mux, col config.Collection, algo cvhash.Algorithm) error {
	policy, err := col.Policy()
	if err != nil {
		return err
	}
	errMode, err := parseErrorMode(col.ErrorMode)
	if err != nil {
		return err
	}

	tree := newChanReadWriter(m, chanTree)
	content := newChanReadWriter(m, chanContent)

	if err := pipeline.WriteStart(tree, col.Name, col.RPrefix); err != nil {
		return err
	}
	if _, _, err := pipeline.ReadStart(tree); err != nil {
		return err
	}
	if err := pipeline.WriteStart(content, col.Name, col.RPrefix); err != nil {
		return err
	}
	if _, _, err := pipeline.ReadStart(content); err != nil {
		return err
	}

	newHash := hashFactory(algo)

	var group errgroup.Group
	group.Go(runAndAbortOnError(m, func() error {
		cmp := dircmp.NewComparator(policy, errMode)
		return cmp.Compare(tree, tree, col.Prefix)
	}))
	group.Go(runAndAbortOnError(m, func() error {
		return filecmp.Run(content, content, col.Prefix, newHash, policy)
	}))
	return group.Wait()
}

// ClientCollection describes one collection the client synchronizes: its
// name (must match one the server offers) and the local filesystem root
// its tree lives under.
type ClientCollection struct {
	Name string
	Root string
}

// RunClient drives the client side of one connection to completion.
func RunClient(ctx context.Context, conn io.ReadWriteCloser, want []ClientCollection, opts Options) error {
	opts.setDefaults()

	local := banner{Major: ProtocolMajor, Minor: OurMinor, MuxSize: 2, MSS: defaultMSS}
	peer, err := exchangeBanner(conn, local)
	if err != nil {
		return err
	}
	if peer.Major != local.Major {
		return fmt.Errorf("session: incompatible protocol major %d (ours %d)", peer.Major, local.Major)
	}

	theirHashes, err := exchangeHashNames(conn, opts.PreferredHash)
	if err != nil {
		return err
	}
	algo, err := cvhash.Negotiate(opts.PreferredHash, theirHashes)
	if err != nil {
		return fmt.Errorf("session: negotiating hash algorithm: %w", err)
	}

	compress, err := exchangeCompress(conn, opts.Compress)
	if err != nil {
		return err
	}

	offered, err := readCollectionList(conn)
	if err != nil {
		return fmt.Errorf("session: reading collection list: %w", err)
	}
	names := make([]string, 0, len(want))
	byName := make(map[string]ClientCollection, len(want))
	for _, w := range want {
		if !offeredContains(offered, w.Name) {
			return fmt.Errorf("session: server does not offer collection %q", w.Name)
		}
		names = append(names, w.Name)
		byName[strings.ToLower(w.Name)] = w
	}
	if err := writeCollectionSelection(conn, names); err != nil {
		return fmt.Errorf("session: writing collection selection: %w", err)
	}

	m, err := newMux(conn, int(local.MSS), compress, opts.Logger)
	if err != nil {
		return err
	}

	return runMux(ctx, conn, m, func() error {
		for _, name := range names {
			cc := byName[strings.ToLower(name)]
			if err := syncCollection(m, cc, algo); err != nil {
				return fmt.Errorf("session: collection %q: %w", name, err)
			}
		}
		return nil
	})
}

func offeredContains(offered []collectionRecord, name string) bool {
	for _, o := range offered {
		if strings.EqualFold(o.Name, name) {
			return true
		}
	}
	return false
}

func syncCollection(m *mux.Mux, cc ClientCollection, algo cvhash.Algorithm) error {
	tree := newChanReadWriter(m, chanTree)
	content := newChanReadWriter(m, chanContent)

	if err := pipeline.WriteStart(tree, cc.Name, ""); err != nil {
		return err
	}
	if _, _, err := pipeline.ReadStart(tree); err != nil {
		return err
	}
	if err := pipeline.WriteStart(content, cc.Name, ""); err != nil {
		return err
	}
	if _, _, err := pipeline.ReadStart(content); err != nil {
		return err
	}

	newHash := hashFactory(algo)

	var group errgroup.Group
	group.Go(runAndAbortOnError(m, func() error { return dirscan.Walk(tree, cc.Root) }))
	group.Go(runAndAbortOnError(m, func() error { return filescan.Run(content, tree, cc.Root, newHash) }))
	group.Go(runAndAbortOnError(m, func() error {
		u := &updater.Updater{Root: cc.Root, NewHash: newHash}
		return u.Run(content)
	}))
	return group.Wait()
}
