package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"rubinmw.dev/node/crypto"
)

// ConnState is the per-peer state machine:
//
//	         dial/accept
//	Idle ─────────────────▶ Handshaking
//	                           │ hand/shake exchanged
//	                           ▼
//	                        Active ─── disconnect ─▶ Closed
//	                         │  ▲
//	                 ban/err │  │ ping/pong
//	                         ▼
//	                      Banned
type ConnState int

const (
	StateIdle ConnState = iota
	StateHandshaking
	StateActive
	StateClosed
	StateBanned
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshaking:
		return "Handshaking"
	case StateActive:
		return "Active"
	case StateClosed:
		return "Closed"
	case StateBanned:
		return "Banned"
	default:
		return "Unknown"
	}
}

// Role distinguishes which side of the connection we are.
type Role int

const (
	RoleOutbound Role = iota
	RoleInbound
)

// Handler receives decoded, dispatched frames from a Connection's read
// loop. It runs on the connection's own goroutine; slow
// or blocking work must be handed off (e.g. to a pipeline queue) rather
// than done inline, since no operation here may hold a write lock
// across network I/O.
type Handler interface {
	HandleFrame(conn *Connection, frame *Frame) *FrameError
}

// Config bundles the fixed, per-node parameters every Connection needs.
type Config struct {
	Identity        ed25519.PrivateKey
	ProtocolVersion uint32
	GenesisHash     [32]byte
	UserAgent       string
	SendQueueSize   int
	SendTimeout     time.Duration
	ReceiveTimeout  time.Duration

	// Nonce is drawn once for the node's whole lifetime by its Manager
	// and carried by every Connection so the accepting side of a
	// handshake can recognize a Hand looping back to this same node.
	Nonce uint64

	// OnBanned, if set, is called with the peer's host (port stripped)
	// and a Unix-seconds expiry whenever a Connection bans itself, so the
	// caller can persist the ban past this process's lifetime and refuse
	// the same host on a future accept or dial.
	OnBanned func(host string, until uint64)
}

// Connection owns exactly one socket and its send queue. Reads
// happen on Run's goroutine; writes are serialized through sendCh by a
// dedicated writer goroutine so a slow peer cannot block message
// producers.
type Connection struct {
	ID     uint64
	Role   Role
	Config Config

	mu       sync.Mutex
	state    ConnState
	link     *crypto.EncryptedLink
	rawConn  net.Conn
	peerID   ed25519.PublicKey
	shakeInfo ShakePayload
	handInfo  HandPayload
	remote    PeerStatus

	Ban         BanScore
	limiter     *TokenBucket
	txHashSetRL *TxHashSetCooldown

	sendCh chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewConnection wraps rawConn before the handshake has run.
func NewConnection(id uint64, role Role, rawConn net.Conn, cfg Config) *Connection {
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 256
	}
	return &Connection{
		ID:          id,
		Role:        role,
		Config:      cfg,
		state:       StateIdle,
		rawConn:     rawConn,
		limiter:     NewTokenBucket(),
		txHashSetRL: NewTxHashSetCooldown(),
		sendCh:      make(chan []byte, cfg.SendQueueSize),
		closed:      make(chan struct{}),
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PeerIdentity returns the peer's long-term public key, valid once the
// handshake completes.
func (c *Connection) PeerIdentity() ed25519.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// RemoteStatus returns the peer's last-known total difficulty and
// height, seeded from the handshake and refreshed on every Pong.
func (c *Connection) RemoteStatus() PeerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// RemoteAddr returns the peer's socket address, valid for the life of
// the underlying connection.
func (c *Connection) RemoteAddr() string {
	if c.rawConn == nil {
		return ""
	}
	return c.rawConn.RemoteAddr().String()
}

// UpdateRemoteStatus records a fresher tip status for the peer, called
// by the message processor whenever a Pong arrives.
func (c *Connection) UpdateRemoteStatus(totalDifficulty, height uint64) {
	c.mu.Lock()
	c.remote.TotalDifficulty = totalDifficulty
	c.remote.Height = height
	c.mu.Unlock()
}

// handshake performs the encrypted-link exchange and Hand/Shake for
// this connection's role.
func (c *Connection) handshake(peerIdentity ed25519.PublicKey, nonce uint64, tipDifficulty, tipHeight uint64) error {
	c.setState(StateHandshaking)
	hs := &Handshake{
		OurIdentity:     c.Config.Identity,
		ProtocolVersion: c.Config.ProtocolVersion,
		GenesisHash:     c.Config.GenesisHash,
		UserAgent:       c.Config.UserAgent,
		TotalDifficulty: tipDifficulty,
		Height:          tipHeight,
		OurNonce:        c.Config.Nonce,
	}
	switch c.Role {
	case RoleOutbound:
		link, shake, err := hs.DialAndHandshake(c.rawConn, peerIdentity, nonce)
		if err != nil {
			c.setState(StateClosed)
			return err
		}
		c.mu.Lock()
		c.link = link
		c.shakeInfo = *shake
		c.peerID = peerIdentity
		c.remote = PeerStatus{ConnectionID: c.ID, TotalDifficulty: shake.TotalDifficulty, Height: shake.Height}
		c.mu.Unlock()
	case RoleInbound:
		link, hand, err := hs.AcceptAndHandshake(c.rawConn)
		if err != nil {
			c.setState(StateClosed)
			return err
		}
		c.mu.Lock()
		c.link = link
		c.handInfo = *hand
		c.remote = PeerStatus{ConnectionID: c.ID, TotalDifficulty: hand.TotalDifficulty, Height: hand.Height}
		c.mu.Unlock()
	}
	c.setState(StateActive)
	return nil
}

// Send enqueues a frame for the writer loop, returning immediately.
// Enqueue never blocks past SendTimeout; a full queue signals a stuck or
// malicious peer.
func (c *Connection) Send(typ MessageType, payload []byte) error {
	frame, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}
	timeout := c.Config.SendTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	select {
	case c.sendCh <- frame:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("p2p: connection %d: send queue full", c.ID)
	case <-c.closed:
		return fmt.Errorf("p2p: connection %d: closed", c.ID)
	}
}

// Close closes the underlying link exactly once. A connection already
// marked Banned keeps that state; any other state becomes Closed.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.state != StateBanned {
			c.state = StateClosed
		}
		c.mu.Unlock()
		if c.link != nil {
			err = c.link.Close()
		} else if c.rawConn != nil {
			err = c.rawConn.Close()
		}
	})
	return err
}

// BanAndClose marks the connection banned and closes it, persisting the ban
// against the peer's host through Config.OnBanned if one is wired.
func (c *Connection) BanAndClose() error {
	c.setState(StateBanned)
	if c.Config.OnBanned != nil {
		if host := hostOf(c.RemoteAddr()); host != "" {
			c.Config.OnBanned(host, uint64(time.Now().Add(BanDuration).Unix()))
		}
	}
	return c.Close()
}

func (c *Connection) writerLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if _, err := c.link.Write(frame); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Run drives the handshake, starts the writer loop, and reads frames
// until the connection closes or ctx is cancelled. Every frame is rate
// limited and ban-scored before being handed to h.
func (c *Connection) Run(ctx context.Context, peerIdentity ed25519.PublicKey, nonce uint64, tipDifficulty, tipHeight uint64, h Handler) error {
	if err := c.handshake(peerIdentity, nonce, tipDifficulty, tipHeight); err != nil {
		return err
	}
	go c.writerLoop()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closed:
		}
	}()

	receiveTimeout := c.Config.ReceiveTimeout
	if receiveTimeout == 0 {
		receiveTimeout = 5 * time.Second
	}

	for {
		select {
		case <-c.closed:
			return fmt.Errorf("p2p: connection %d: closed", c.ID)
		default:
		}

		if !c.limiter.Take(time.Now()) {
			now := time.Now()
			c.Ban.Add(now, RateLimitBanScoreDelta)
			if c.Ban.ShouldBan(now) {
				_ = c.BanAndClose()
				return fmt.Errorf("p2p: connection %d: banned for sustained rate-limit violations", c.ID)
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}

		frame, ferr := ReadFrame(c.link)
		if ferr != nil {
			now := time.Now()
			c.Ban.Add(now, ferr.BanScoreDelta)
			if c.Ban.ShouldBan(now) {
				_ = c.BanAndClose()
				return ferr
			}
			if ferr.Disconnect {
				_ = c.Close()
				return ferr
			}
			continue
		}

		if handleErr := h.HandleFrame(c, frame); handleErr != nil {
			now := time.Now()
			c.Ban.Add(now, handleErr.BanScoreDelta)
			if c.Ban.ShouldBan(now) {
				_ = c.BanAndClose()
				return handleErr
			}
			if handleErr.Disconnect {
				_ = c.Close()
				return handleErr
			}
		}
	}
}
