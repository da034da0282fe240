package destination

import (
	"errors"
	"net"
	"testing"
)

func TestOriginal_RejectsNonTCPConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, err := Original(c1)
	if !errors.Is(err, ErrNoRedirection) {
		t.Fatalf("expected ErrNoRedirection, got %v", err)
	}
}

func TestOriginal_PlainLoopbackHasNoRedirectRecord(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv := <-accepted
	defer srv.Close()

	// A plain (non-redirected) loopback connection carries no netfilter
	// redirection record, so the getsockopt must fail on both families.
	_, err = Original(srv)
	if !errors.Is(err, ErrNoRedirection) {
		t.Fatalf("expected ErrNoRedirection on a non-redirected socket, got %v", err)
	}
}
