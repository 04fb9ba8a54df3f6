// Command cvsyncd serves the collections named in a config file to
// CVSync clients over TCP (§4.2).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/cvsync/cvsync/internal/config"
	"github.com/cvsync/cvsync/internal/session"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatalf("usage: cvsyncd <config.toml>")
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	network := "tcp"
	switch cfg.Family {
	case config.FamilyV4:
		network = "tcp4"
	case config.FamilyV6:
		network = "tcp6"
	}

	ln, err := net.Listen(network, fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("cvsyncd: listening on %s, %d collections", ln.Addr(), len(cfg.Collections))

	opts := session.Options{Compress: cfg.Compress == config.CompressZlib}
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("cvsyncd: accept: %v", err)
			continue
		}
		go serve(conn, cfg, opts)
	}
}

func serve(conn net.Conn, cfg *config.Config, opts session.Options) {
	defer conn.Close()
	if err := session.RunServer(context.Background(), conn, cfg, opts); err != nil {
		log.Printf("cvsyncd: %s: %v", conn.RemoteAddr(), err)
	}
}
