package upstream

import (
	"context"
	"net"
	"testing"
)

func TestMemPoolSaveAndGetAliveConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c
		}
	}()

	p := NewMemPool(nil)
	if _, ok := p.GetAliveConnection("tcp", ln.Addr().String()); ok {
		t.Fatal("expected no idle connection before any dial")
	}

	c, err := p.MakeNewHTTPConnection(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p.SaveAliveConnection("tcp", ln.Addr().String(), c)

	got, ok := p.GetAliveConnection("tcp", ln.Addr().String())
	if !ok {
		t.Fatal("expected a saved idle connection to be retrievable")
	}
	if !got.Notes.Reused {
		t.Fatal("expected a connection fetched from the idle pool to be marked reused")
	}
	_ = got.Close()

	if _, ok := p.GetAliveConnection("tcp", ln.Addr().String()); ok {
		t.Fatal("GetAliveConnection must not return the same idle slot twice")
	}
}
