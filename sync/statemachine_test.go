package sync

import (
	"net"
	"testing"
	"time"

	"rubinmw.dev/node/p2p"
)

func fakeConnection(t *testing.T, id uint64) *p2p.Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return p2p.NewConnection(id, p2p.RoleOutbound, a, p2p.Config{})
}

type stubDeps struct {
	ourDifficulty uint64
	ourHeight     uint64

	peerConn   *p2p.Connection
	peerStatus p2p.PeerStatus
	havePeer   bool

	nextBlock      [32]byte
	haveNextBlock  bool
	safeHeader     [32]byte

	getHeadersCalls      int
	txHashSetRequestCalls int
	getBlockCalls        int
	banCalls             []uint64
}

func (s *stubDeps) toDeps() Deps {
	return Deps{
		OurTotalDifficulty:  func() uint64 { return s.ourDifficulty },
		OurHeight:           func() uint64 { return s.ourHeight },
		MostWorkPeer: func(ourDifficulty uint64) (*p2p.Connection, p2p.PeerStatus, bool) {
			return s.peerConn, s.peerStatus, s.havePeer
		},
		DifficultyThreshold: 10,
		HorizonBlocks:       5,
		BuildLocator:        func() [][32]byte { return nil },
		SendGetHeaders: func(conn *p2p.Connection, locator [][32]byte) error {
			s.getHeadersCalls++
			return nil
		},
		SendTxHashSetRequest: func(conn *p2p.Connection, safeHeader [32]byte) error {
			s.txHashSetRequestCalls++
			return nil
		},
		SendGetBlock: func(conn *p2p.Connection, hash [32]byte) error {
			s.getBlockCalls++
			return nil
		},
		SafeSnapshotHeader: func(target p2p.PeerStatus) [32]byte { return s.safeHeader },
		NextBlockToFetch: func(target p2p.PeerStatus) ([32]byte, bool) {
			return s.nextBlock, s.haveNextBlock
		},
		Ban: func(connID uint64) error {
			s.banCalls = append(s.banCalls, connID)
			return nil
		},
	}
}

func TestTryStartEntersHeaderSyncWhenPeerFarEnoughAhead(t *testing.T) {
	s := &stubDeps{ourDifficulty: 100, havePeer: true, peerConn: fakeConnection(t, 1), peerStatus: p2p.PeerStatus{TotalDifficulty: 200, Height: 50}}
	m := New(s.toDeps())

	m.tryStart(time.Now())

	if m.Phase() != HeaderSync {
		t.Fatalf("expected HeaderSync, got %v", m.Phase())
	}
	if s.getHeadersCalls != 1 {
		t.Fatalf("expected exactly one GetHeaders request, got %d", s.getHeadersCalls)
	}
}

func TestTryStartStaysIdleWhenPeerNotFarEnoughAhead(t *testing.T) {
	s := &stubDeps{ourDifficulty: 100, havePeer: true, peerConn: fakeConnection(t, 1), peerStatus: p2p.PeerStatus{TotalDifficulty: 105, Height: 50}}
	m := New(s.toDeps())

	m.tryStart(time.Now())

	if m.Phase() != NotSyncing {
		t.Fatalf("expected NotSyncing, got %v", m.Phase())
	}
	if s.getHeadersCalls != 0 {
		t.Fatalf("expected no GetHeaders request, got %d", s.getHeadersCalls)
	}
}

func TestTryStartStaysIdleWhenNoPeer(t *testing.T) {
	s := &stubDeps{ourDifficulty: 100, havePeer: false}
	m := New(s.toDeps())

	m.tryStart(time.Now())

	if m.Phase() != NotSyncing {
		t.Fatalf("expected NotSyncing, got %v", m.Phase())
	}
}

func TestOnHeadersProgressAdvancesToBlockSyncWithinHorizon(t *testing.T) {
	s := &stubDeps{
		ourDifficulty: 100, ourHeight: 46,
		havePeer: true, peerConn: fakeConnection(t, 1),
		peerStatus:    p2p.PeerStatus{TotalDifficulty: 200, Height: 50},
		haveNextBlock: true,
	}
	m := New(s.toDeps())
	m.tryStart(time.Now())

	m.OnHeadersProgress(time.Now())

	if m.Phase() != BlockSync {
		t.Fatalf("expected BlockSync (within horizon), got %v", m.Phase())
	}
	if s.getBlockCalls != 1 {
		t.Fatalf("expected driveBlockSync to request a block, got %d calls", s.getBlockCalls)
	}
}

func TestOnHeadersProgressAdvancesToTxHashSetSyncBeyondHorizon(t *testing.T) {
	s := &stubDeps{
		ourDifficulty: 100, ourHeight: 10,
		havePeer: true, peerConn: fakeConnection(t, 1),
		peerStatus: p2p.PeerStatus{TotalDifficulty: 200, Height: 50},
	}
	m := New(s.toDeps())
	m.tryStart(time.Now())

	m.OnHeadersProgress(time.Now())

	if m.Phase() != TxHashSetSync {
		t.Fatalf("expected TxHashSetSync (beyond horizon), got %v", m.Phase())
	}
	if s.txHashSetRequestCalls != 1 {
		t.Fatalf("expected one txhashset request, got %d", s.txHashSetRequestCalls)
	}
}

func TestOnHeadersProgressIgnoredOutsideHeaderSync(t *testing.T) {
	s := &stubDeps{ourDifficulty: 100, havePeer: false}
	m := New(s.toDeps())

	m.OnHeadersProgress(time.Now())

	if m.Phase() != NotSyncing {
		t.Fatalf("expected NotSyncing to be unaffected, got %v", m.Phase())
	}
}

func TestOnSnapshotAppliedAdvancesToBlockSync(t *testing.T) {
	s := &stubDeps{
		ourDifficulty: 100, ourHeight: 10,
		havePeer: true, peerConn: fakeConnection(t, 1),
		peerStatus:    p2p.PeerStatus{TotalDifficulty: 200, Height: 50},
		haveNextBlock: true,
	}
	m := New(s.toDeps())
	m.tryStart(time.Now())
	m.OnHeadersProgress(time.Now())
	if m.Phase() != TxHashSetSync {
		t.Fatalf("setup: expected TxHashSetSync, got %v", m.Phase())
	}

	m.OnSnapshotApplied(time.Now())

	if m.Phase() != BlockSync {
		t.Fatalf("expected BlockSync after snapshot applied, got %v", m.Phase())
	}
	if s.getBlockCalls != 1 {
		t.Fatalf("expected driveBlockSync to fire once snapshot applied, got %d", s.getBlockCalls)
	}
}

func TestOnBlockAppliedRequestsNextOrFinishes(t *testing.T) {
	s := &stubDeps{
		ourDifficulty: 100, ourHeight: 46,
		havePeer: true, peerConn: fakeConnection(t, 1),
		peerStatus:    p2p.PeerStatus{TotalDifficulty: 200, Height: 50},
		haveNextBlock: true,
	}
	m := New(s.toDeps())
	m.tryStart(time.Now())
	m.OnHeadersProgress(time.Now())
	if m.Phase() != BlockSync {
		t.Fatalf("setup: expected BlockSync, got %v", m.Phase())
	}
	if s.getBlockCalls != 1 {
		t.Fatalf("setup: expected initial GetBlock request, got %d", s.getBlockCalls)
	}

	m.OnBlockApplied(time.Now())
	if s.getBlockCalls != 2 {
		t.Fatalf("expected OnBlockApplied to request another block, got %d calls", s.getBlockCalls)
	}
	if m.Phase() != BlockSync {
		t.Fatalf("expected to remain in BlockSync while blocks remain, got %v", m.Phase())
	}

	s.haveNextBlock = false
	m.OnBlockApplied(time.Now())
	if m.Phase() != NotSyncing {
		t.Fatalf("expected NotSyncing once no blocks remain, got %v", m.Phase())
	}
}

func TestCheckTimeoutBansStaleTargetAndResets(t *testing.T) {
	conn := fakeConnection(t, 42)
	s := &stubDeps{ourDifficulty: 100, havePeer: true, peerConn: conn, peerStatus: p2p.PeerStatus{TotalDifficulty: 200, Height: 50}}
	m := New(s.toDeps())
	m.tryStart(time.Now())
	if m.Phase() != HeaderSync {
		t.Fatalf("setup: expected HeaderSync, got %v", m.Phase())
	}

	stale := time.Now().Add(HeaderTimeout + time.Second)
	m.tick(stale)

	if m.Phase() != NotSyncing {
		t.Fatalf("expected NotSyncing after a stale timeout, got %v", m.Phase())
	}
	if len(s.banCalls) != 1 || s.banCalls[0] != 42 {
		t.Fatalf("expected exactly one ban of connection 42, got %v", s.banCalls)
	}
}

func TestCheckTimeoutRetriesWhileFresh(t *testing.T) {
	conn := fakeConnection(t, 7)
	s := &stubDeps{ourDifficulty: 100, havePeer: true, peerConn: conn, peerStatus: p2p.PeerStatus{TotalDifficulty: 200, Height: 50}}
	m := New(s.toDeps())
	m.tryStart(time.Now())
	if s.getHeadersCalls != 1 {
		t.Fatalf("setup: expected one GetHeaders call, got %d", s.getHeadersCalls)
	}

	m.tick(time.Now().Add(time.Second))

	if m.Phase() != HeaderSync {
		t.Fatalf("expected to remain in HeaderSync while fresh, got %v", m.Phase())
	}
	if len(s.banCalls) != 0 {
		t.Fatalf("expected no ban while progress is fresh, got %v", s.banCalls)
	}
	if s.getHeadersCalls != 2 {
		t.Fatalf("expected the tick to retry GetHeaders, got %d calls", s.getHeadersCalls)
	}
}
