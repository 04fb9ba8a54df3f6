package mux

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func newPair(t *testing.T, bufSize, mss int) (a, b *Mux) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})

	var err error
	a, err = New(c1, Config{BufSize: bufSize, MSS: mss})
	if err != nil {
		t.Fatal(err)
	}
	b, err = New(c2, Config{BufSize: bufSize, MSS: mss})
	if err != nil {
		t.Fatal(err)
	}
	a.OpenChannel(0)
	b.OpenChannel(0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Serve(ctx)
	go b.Serve(ctx)
	return a, b
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := newPair(t, 4096, MinMSS)

	want := []byte("the quick brown fox jumps over the lazy dog")
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(0, want) }()

	got, err := b.Recv(0, len(want))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSendLargerThanMSSIsSplit(t *testing.T) {
	a, b := newPair(t, 1<<20, MinMSS)

	want := bytes.Repeat([]byte{0xAB}, MinMSS*3+17)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(0, want) }()

	got, err := b.Recv(0, len(want))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("mismatch, len got=%d want=%d", len(got), len(want))
	}
}

func TestFlowControlBlocksUntilCredited(t *testing.T) {
	// A tiny buffer forces the sender to block until the receiver drains
	// and the mux issues a RESET crediting it back.
	a, b := newPair(t, 8, MinMSS)

	want := bytes.Repeat([]byte{0x42}, 40)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(0, want) }()

	got := make([]byte, 0, len(want))
	for len(got) < len(want) {
		chunk, err := b.Recv(0, 4)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, chunk...)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send never completed despite draining")
	}
	if !bytes.Equal(got, want) {
		t.Errorf("mismatch")
	}
}

func TestAbortUnblocksWaiters(t *testing.T) {
	a, b := newPair(t, 8, MinMSS)

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Recv(0, 100) // more than will ever arrive
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Abort(errAborted)

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected error after abort")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock after Abort")
	}

	// Idempotent: a second Abort must not panic or re-broadcast oddly.
	b.Abort(errAborted)
	_ = a
}

func TestResetOvercreditIsFatal(t *testing.T) {
	b := newBuffer(8, MinMSS)
	if err := b.reserve(8); err != nil { // exhaust the window first
		t.Fatalf("reserve: %v", err)
	}
	if err := b.credit(8); err != nil {
		t.Fatalf("credit restoring the full window should succeed: %v", err)
	}
	if err := b.credit(1); err == nil {
		t.Fatal("expected overcredit to be rejected")
	}
}
