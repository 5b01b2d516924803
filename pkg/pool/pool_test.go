// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// newTestListener returns a TCP listener that accepts and holds connections.
func newTestListener(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Keep the connection open until the test ends.
			go func() {
				buf := make([]byte, 256)
				for {
					if _, err := conn.Read(buf); err != nil {
						conn.Close()
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return ln
}

func dialer(addr string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func TestPool_GetAndReuse(t *testing.T) {
	ln := newTestListener(t)
	p := New(dialer(ln.Addr().String()), Config{MaxIdle: 2})
	defer p.Close()

	ctx := context.Background()

	conn, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	first := conn.Conn
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The same underlying connection should come back.
	conn, err = p.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conn.Conn != first {
		t.Error("Get() dialed a new connection instead of reusing the idle one")
	}
	conn.Close()

	idle, active := p.Stats()
	if idle != 1 || active != 0 {
		t.Errorf("Stats() = (%d idle, %d active), want (1, 0)", idle, active)
	}
}

func TestPool_DiscardDropsConnection(t *testing.T) {
	ln := newTestListener(t)
	p := New(dialer(ln.Addr().String()), Config{MaxIdle: 2})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	first := conn.Conn
	if err := conn.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}

	conn, err = p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer conn.Close()

	if conn.Conn == first {
		t.Error("Get() returned a discarded connection")
	}
}

func TestPool_Exhausted(t *testing.T) {
	ln := newTestListener(t)
	p := New(dialer(ln.Addr().String()), Config{MaxIdle: 1, MaxActive: 1})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer conn.Close()

	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Get() on exhausted pool = %v, want ErrPoolExhausted", err)
	}
}

func TestPool_WaitForReturn(t *testing.T) {
	ln := newTestListener(t)
	p := New(dialer(ln.Addr().String()), Config{MaxIdle: 1, MaxActive: 1, WaitTimeout: time.Second})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}()

	waited, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() with WaitTimeout error = %v", err)
	}
	waited.Close()
}

func TestPool_ClosedPool(t *testing.T) {
	ln := newTestListener(t)
	p := New(dialer(ln.Addr().String()), Config{})

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Get() on closed pool = %v, want ErrPoolClosed", err)
	}
}
