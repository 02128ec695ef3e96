package p2p

import (
	"context"
	"net"
	"testing"
)

func TestNewManagerAssignsStableNonce(t *testing.T) {
	m := NewManager(Config{})
	if m.nonce == 0 {
		t.Fatalf("expected a non-zero node-lifetime nonce")
	}
	if m.Config.Nonce != m.nonce {
		t.Fatalf("Config.Nonce (%d) must match the manager's own nonce (%d) so every Connection sees the same value", m.Config.Nonce, m.nonce)
	}

	other := NewManager(Config{})
	// Not a hard guarantee against collision, but with a 64-bit random
	// nonce two independently constructed managers colliding here would
	// indicate frand isn't actually being drawn from.
	if m.nonce == other.nonce {
		t.Fatalf("two managers unexpectedly drew the same nonce")
	}
}

func TestHostOfStripsPort(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8080": "127.0.0.1",
		"[::1]:8080":     "::1",
		"nohostport":     "nohostport",
	}
	for in, want := range cases {
		if got := hostOf(in); got != want {
			t.Fatalf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRegisterAddrRejectsDuplicateHost(t *testing.T) {
	m := NewManager(Config{})
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c1 := NewConnection(m.allocID(), RoleInbound, a, m.Config)
	if !m.registerAddr("10.0.0.1", c1) {
		t.Fatalf("expected first registration for a fresh host to succeed")
	}

	c2 := NewConnection(m.allocID(), RoleInbound, b, m.Config)
	if m.registerAddr("10.0.0.1", c2) {
		t.Fatalf("expected second registration for the same host to be rejected")
	}

	if m.Count() != 1 {
		t.Fatalf("expected exactly one tracked connection, got %d", m.Count())
	}

	m.unregister(c1.ID, "10.0.0.1")
	if !m.registerAddr("10.0.0.1", c2) {
		t.Fatalf("expected registration to succeed again once the host was unregistered")
	}
}

func TestDialRefusesAlreadyConnectedHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	m := NewManager(Config{})
	addr := ln.Addr().String()

	conn, err := m.Dial(context.Background(), addr, nil, 0, 0, noopHandler{})
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn.Close()
	serverSide := <-accepted
	defer serverSide.Close()

	if _, err := m.Dial(context.Background(), addr, nil, 0, 0, noopHandler{}); err == nil {
		t.Fatalf("expected second dial to the same host to be refused")
	}
}

type noopHandler struct{}

func (noopHandler) HandleFrame(*Connection, *Frame) *FrameError { return nil }
