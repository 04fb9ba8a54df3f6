// Command cvsync connects to a CVSync server and synchronizes the
// collections named in a config file into their configured local roots
// (§4.2, §9). A client config reuses internal/config's Collection shape:
// Prefix names the local checkout directory rather than a server path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/cvsync/cvsync/internal/config"
	"github.com/cvsync/cvsync/internal/cvhash"
	"github.com/cvsync/cvsync/internal/session"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatalf("usage: cvsync <config.toml>")
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	want := make([]session.ClientCollection, len(cfg.Collections))
	for i, c := range cfg.Collections {
		want[i] = session.ClientCollection{Name: c.Name, Root: c.Prefix}
	}

	opts := session.Options{
		Compress:      cfg.Compress == config.CompressZlib,
		PreferredHash: []cvhash.Algorithm{cfg.Hash},
	}
	if err := session.RunClient(context.Background(), conn, want, opts); err != nil {
		log.Fatal(err)
	}
	log.Printf("cvsync: sync complete (%d collections)", len(want))
}
