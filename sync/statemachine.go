// Package sync drives the multi-phase catch-up state machine:
// NotSyncing -> HeaderSync -> TxHashSetSync -> BlockSync -> NotSyncing.
// It owns no network or storage state itself; it drives the p2p and
// pipeline layers through the Deps callbacks so this package stays
// testable without a live socket.
package sync

import (
	"sync"
	"time"

	"rubinmw.dev/node/p2p"
)

// Phase is one node of the sync state diagram.
type Phase int

const (
	NotSyncing Phase = iota
	HeaderSync
	TxHashSetSync
	BlockSync
)

func (p Phase) String() string {
	switch p {
	case NotSyncing:
		return "NotSyncing"
	case HeaderSync:
		return "HeaderSync"
	case TxHashSetSync:
		return "TxHashSetSync"
	case BlockSync:
		return "BlockSync"
	default:
		return "Unknown"
	}
}

// Timeouts for phases that must show forward progress or else the
// source peer is banned and another is tried.
const (
	SampleInterval  = 10 * time.Second
	HeaderTimeout   = 30 * time.Second
	TxHashSetTimeout = 10 * time.Minute
	BlockTimeout    = 30 * time.Second
)

// Deps wires the state machine to the rest of the node. Every field is
// required; Machine calls them synchronously from its own goroutine.
type Deps struct {
	// OurTotalDifficulty and OurHeight report local chain state.
	OurTotalDifficulty func() uint64
	OurHeight          func() uint64

	// MostWorkPeer returns the best sync target strictly ahead of us.
	MostWorkPeer func(ourDifficulty uint64) (*p2p.Connection, p2p.PeerStatus, bool)

	// DifficultyThreshold is how far behind (in total difficulty) we must
	// be before leaving NotSyncing.
	DifficultyThreshold uint64
	// HorizonBlocks: if our height is more than this far behind the
	// target after header sync, jump to TxHashSetSync instead of
	// fetching every block individually.
	HorizonBlocks uint64

	// BuildLocator returns our current block locator (consensus.BuildLocator
	// wired to header storage).
	BuildLocator func() [][32]byte

	SendGetHeaders      func(conn *p2p.Connection, locator [][32]byte) error
	SendTxHashSetRequest func(conn *p2p.Connection, safeHeader [32]byte) error
	SendGetBlock        func(conn *p2p.Connection, hash [32]byte) error

	// SafeSnapshotHeader picks tip-N for the TxHashSetSync request.
	SafeSnapshotHeader func(target p2p.PeerStatus) [32]byte
	// NextBlockToFetch returns the next block hash BlockSync should
	// request, and false once there is nothing left to fetch below the
	// target height.
	NextBlockToFetch func(target p2p.PeerStatus) ([32]byte, bool)

	Ban func(connID uint64) error
}

// Machine runs the sync control loop on its own goroutine.
type Machine struct {
	deps Deps

	mu           sync.Mutex
	phase        Phase
	target       *p2p.Connection
	targetStatus p2p.PeerStatus
	phaseStarted time.Time
	lastProgress time.Time

	stop chan struct{}
	once sync.Once
}

// New builds a Machine in NotSyncing.
func New(deps Deps) *Machine {
	return &Machine{deps: deps, phase: NotSyncing, stop: make(chan struct{})}
}

// Phase reports the current sync phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Run drives the control loop until Stop is called.
func (m *Machine) Run() {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// Stop halts the control loop.
func (m *Machine) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Machine) tick(now time.Time) {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	switch phase {
	case NotSyncing:
		m.tryStart(now)
	case HeaderSync:
		m.checkTimeout(now, HeaderTimeout, func() {
			m.enterHeaderSync(now)
		})
	case TxHashSetSync:
		m.checkTimeout(now, TxHashSetTimeout, func() {
			m.enterTxHashSetSync(now)
		})
	case BlockSync:
		m.checkTimeout(now, BlockTimeout, func() {
			m.driveBlockSync(now)
		})
	}
}

// tryStart samples the most-work peer every SampleInterval; if it is far
// enough ahead by total difficulty, begins HeaderSync against it.
func (m *Machine) tryStart(now time.Time) {
	conn, status, ok := m.deps.MostWorkPeer(m.deps.OurTotalDifficulty())
	if !ok {
		return
	}
	if status.TotalDifficulty < m.deps.OurTotalDifficulty()+m.deps.DifficultyThreshold {
		return
	}
	m.mu.Lock()
	m.phase = HeaderSync
	m.target = conn
	m.targetStatus = status
	m.phaseStarted = now
	m.lastProgress = now
	m.mu.Unlock()
	m.enterHeaderSync(now)
}

func (m *Machine) enterHeaderSync(now time.Time) {
	m.mu.Lock()
	conn := m.target
	m.mu.Unlock()
	if conn == nil {
		m.toNotSyncing()
		return
	}
	_ = m.deps.SendGetHeaders(conn, m.deps.BuildLocator())
}

// OnHeadersProgress is called by the message processor whenever new
// headers extend our header chain, so HeaderSync's timeout resets and,
// once caught up (or too far behind), the machine advances.
func (m *Machine) OnHeadersProgress(now time.Time) {
	m.mu.Lock()
	if m.phase != HeaderSync {
		m.mu.Unlock()
		return
	}
	m.lastProgress = now
	target := m.targetStatus
	m.mu.Unlock()

	ourHeight := m.deps.OurHeight()
	if ourHeight+1 >= target.Height {
		m.advanceFromHeaderSync(now)
		return
	}
	m.enterHeaderSync(now)
}

func (m *Machine) advanceFromHeaderSync(now time.Time) {
	m.mu.Lock()
	target := m.targetStatus
	m.mu.Unlock()

	if target.Height > m.deps.OurHeight()+m.deps.HorizonBlocks {
		m.mu.Lock()
		m.phase = TxHashSetSync
		m.phaseStarted = now
		m.lastProgress = now
		m.mu.Unlock()
		m.enterTxHashSetSync(now)
		return
	}
	m.mu.Lock()
	m.phase = BlockSync
	m.phaseStarted = now
	m.lastProgress = now
	m.mu.Unlock()
	m.driveBlockSync(now)
}

func (m *Machine) enterTxHashSetSync(now time.Time) {
	m.mu.Lock()
	conn, target := m.target, m.targetStatus
	m.mu.Unlock()
	if conn == nil {
		m.toNotSyncing()
		return
	}
	header := m.deps.SafeSnapshotHeader(target)
	_ = m.deps.SendTxHashSetRequest(conn, header)
}

// OnSnapshotApplied is called once the pipeline finishes rolling the
// confirmed chain forward to a TxHashSetSync target.
func (m *Machine) OnSnapshotApplied(now time.Time) {
	m.mu.Lock()
	if m.phase != TxHashSetSync {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.mu.Lock()
	m.phase = BlockSync
	m.phaseStarted = now
	m.lastProgress = now
	m.mu.Unlock()
	m.driveBlockSync(now)
}

func (m *Machine) driveBlockSync(now time.Time) {
	m.mu.Lock()
	conn, target := m.target, m.targetStatus
	m.mu.Unlock()
	if conn == nil {
		m.toNotSyncing()
		return
	}
	hash, ok := m.deps.NextBlockToFetch(target)
	if !ok {
		m.toNotSyncing()
		return
	}
	_ = m.deps.SendGetBlock(conn, hash)
}

// OnBlockApplied resets BlockSync's progress clock and requests the
// next block, or finishes the sync if none remain.
func (m *Machine) OnBlockApplied(now time.Time) {
	m.mu.Lock()
	if m.phase != BlockSync {
		m.mu.Unlock()
		return
	}
	m.lastProgress = now
	m.mu.Unlock()
	m.driveBlockSync(now)
}

// checkTimeout bans the current target and returns to NotSyncing if no
// progress has been made within timeout; otherwise it re-drives the
// current phase's request (retry-on-tick).
func (m *Machine) checkTimeout(now time.Time, timeout time.Duration, retry func()) {
	m.mu.Lock()
	stale := now.Sub(m.lastProgress) > timeout
	conn := m.target
	m.mu.Unlock()

	if !stale {
		retry()
		return
	}
	if conn != nil {
		_ = m.deps.Ban(conn.ID)
	}
	m.toNotSyncing()
}

func (m *Machine) toNotSyncing() {
	m.mu.Lock()
	m.phase = NotSyncing
	m.target = nil
	m.targetStatus = p2p.PeerStatus{}
	m.mu.Unlock()
}
