package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"lukechampine.com/frand"
)

// Manager pools active connections: broadcast, ban,
// peer discovery, inbound/outbound accept. It holds only weak references
// in the sense that a Connection removes itself from the table on close;
// the manager never blocks a Connection's own read/write loops.
type Manager struct {
	mu     sync.RWMutex
	byID   map[uint64]*Connection
	byAddr map[string]*Connection
	nextID uint64

	// nonce is drawn once, at construction, and reused as Hand.Nonce on
	// every dial this node makes for its whole lifetime, so the
	// accepting side of a handshake (possibly this same process, via a
	// loopback or NAT hairpin) can recognize it as a self connection.
	nonce uint64

	Config Config
}

func NewManager(cfg Config) *Manager {
	cfg.Nonce = frandUint64()
	return &Manager{
		byID:   make(map[uint64]*Connection),
		byAddr: make(map[string]*Connection),
		nonce:  cfg.Nonce,
		Config: cfg,
	}
}

func frandUint64() uint64 {
	var buf [8]byte
	frand.Read(buf[:])
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}
	return v
}

func (m *Manager) allocID() uint64 {
	return atomic.AddUint64(&m.nextID, 1)
}

// hostOf strips the port from a dial target or a socket's RemoteAddr so
// dedup is keyed by peer IP the way the connection cap is meant to be
// enforced, not by the ephemeral source port of an inbound connection.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Dial connects to addr and runs the outbound handshake, registering the
// resulting Connection in the table. It refuses to dial a host we
// already hold an active connection to, keeping at most one connection
// per peer IP.
func (m *Manager) Dial(ctx context.Context, addr string, peerIdentity ed25519.PublicKey, tipDifficulty, tipHeight uint64, h Handler) (*Connection, error) {
	host := hostOf(addr)
	m.mu.Lock()
	if _, dup := m.byAddr[host]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("p2p: connmgr: already connected to %s", host)
	}
	m.mu.Unlock()

	rawConn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: connmgr: dial %s: %w", addr, err)
	}
	conn := NewConnection(m.allocID(), RoleOutbound, rawConn, m.Config)
	if !m.registerAddr(host, conn) {
		_ = rawConn.Close()
		return nil, fmt.Errorf("p2p: connmgr: already connected to %s", host)
	}

	go func() {
		defer m.unregister(conn.ID, host)
		_ = conn.Run(ctx, peerIdentity, m.nonce, tipDifficulty, tipHeight, h)
	}()
	return conn, nil
}

// Accept registers and runs the inbound side of a freshly accepted
// connection, dropping it immediately if we already hold an active
// connection to the same peer IP.
func (m *Manager) Accept(ctx context.Context, rawConn net.Conn, tipDifficulty, tipHeight uint64, h Handler) *Connection {
	host := hostOf(rawConn.RemoteAddr().String())
	conn := NewConnection(m.allocID(), RoleInbound, rawConn, m.Config)
	if !m.registerAddr(host, conn) {
		_ = rawConn.Close()
		return nil
	}
	go func() {
		defer m.unregister(conn.ID, host)
		_ = conn.Run(ctx, nil, 0, tipDifficulty, tipHeight, h)
	}()
	return conn
}

// registerAddr adds conn to both tables atomically, refusing if host is
// already taken by another live connection.
func (m *Manager) registerAddr(host string, c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byAddr[host]; dup {
		return false
	}
	m.byID[c.ID] = c
	m.byAddr[host] = c
	return true
}

func (m *Manager) unregister(id uint64, host string) {
	m.mu.Lock()
	delete(m.byID, id)
	if c, ok := m.byAddr[host]; ok && c.ID == id {
		delete(m.byAddr, host)
	}
	m.mu.Unlock()
}

// Broadcast sends payload to every active connection. Per connection
// this is FIFO; across connections it is unordered.
func (m *Manager) Broadcast(typ MessageType, payload []byte) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if c.State() == StateActive {
			_ = c.Send(typ, payload)
		}
	}
}

// Ban closes and marks a connection banned by id.
func (m *Manager) Ban(id uint64) error {
	m.mu.RLock()
	c, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: connmgr: unknown connection %d", id)
	}
	return c.BanAndClose()
}

// PeerStatus is a connection's last-known peer tip (total difficulty and
// height), used by the sync state machine to pick a most-work peer.
type PeerStatus struct {
	ConnectionID    uint64
	TotalDifficulty uint64
	Height          uint64
}

// MostWorkPeer returns the active peer with the highest total-difficulty
// strictly greater than ours, for sync targeting.
func (m *Manager) MostWorkPeer(ourDifficulty uint64, statusOf func(*Connection) (PeerStatus, bool)) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Connection
	var bestDiff uint64
	for _, c := range m.byID {
		if c.State() != StateActive {
			continue
		}
		st, ok := statusOf(c)
		if !ok || st.TotalDifficulty <= ourDifficulty {
			continue
		}
		if best == nil || st.TotalDifficulty > bestDiff {
			best = c
			bestDiff = st.TotalDifficulty
		}
	}
	return best, best != nil
}

// Count returns the number of tracked connections, active or not.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
