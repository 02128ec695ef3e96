package node

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"lukechampine.com/frand"

	"rubinmw.dev/node/consensus"
	"rubinmw.dev/node/log"
	"rubinmw.dev/node/mempool"
	"rubinmw.dev/node/p2p"
	"rubinmw.dev/node/pipeline"
	"rubinmw.dev/node/store"
	"rubinmw.dev/node/sync"
)

// Node owns the store, mempool, worker pipelines, peer manager and sync
// state machine for one running chain, wiring them together through the
// abstract callback interfaces each package exposes so none of them
// import each other directly.
type Node struct {
	cfg      Config
	logger   zerolog.Logger
	identity ed25519.PrivateKey
	genesis  [32]byte

	db      *store.DB
	pool    *mempool.Pool
	pipe    *pipeline.Manager
	conns   *p2p.Manager
	proc    *p2p.Processor
	machine *sync.Machine

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New opens the on-disk chain (initializing it from genesis if empty)
// and wires every subsystem together. It does not start listening or
// dialing peers; call Run for that.
func New(cfg Config, identity ed25519.PrivateKey, genesis consensus.FullBlock) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}

	root := log.New(cfg.LogLevel, nil)
	nodeLog := log.Component(root, "node")

	db, err := store.Open(cfg.DataDir, cfg.GenesisHash)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}
	if db.Manifest() == nil {
		if err := db.InitGenesis(genesis); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("node: init genesis: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:      cfg,
		logger:   nodeLog,
		identity: identity,
		genesis:  cfg.genesisHashBytes(),
		db:       db,
		pool:     mempool.New(consensus.DefaultRangeProofVerifier),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.pipe = pipeline.NewManager(ctx, pipeline.Callbacks{
		ApplyBlock:    n.applyBlock,
		ApplyTx:       pipeline.DefaultApplyTx(n.pool),
		ApplySnapshot: n.applySnapshot,
	})

	n.conns = p2p.NewManager(p2p.Config{
		Identity:        identity,
		ProtocolVersion: cfg.ProtocolVersion,
		GenesisHash:     n.genesis,
		UserAgent:       cfg.UserAgent,
		SendQueueSize:   cfg.PeerMaxSendQueue,
		OnBanned: func(host string, until uint64) {
			if err := db.Peers().Ban(host, until); err != nil {
				nodeLog.Warn().Err(err).Str("addr", host).Msg("persist ban failed")
			}
		},
	})

	n.proc = &p2p.Processor{Callbacks: n.callbacks()}

	n.machine = sync.New(sync.Deps{
		OurTotalDifficulty: n.ourTotalDifficulty,
		OurHeight:          n.ourHeight,
		MostWorkPeer:       n.mostWorkPeer,
		DifficultyThreshold: 1,
		HorizonBlocks:       cfg.SyncHorizonBlocks,
		BuildLocator:        n.buildLocator,
		SendGetHeaders: func(conn *p2p.Connection, locator [][32]byte) error {
			payload, err := p2p.EncodeGetHeaders(p2p.GetHeadersPayload{Locator: locator})
			if err != nil {
				return err
			}
			return conn.Send(p2p.MsgGetHeaders, payload)
		},
		SendTxHashSetRequest: func(conn *p2p.Connection, header [32]byte) error {
			return conn.Send(p2p.MsgTxHashSetRequest, p2p.EncodeTxHashSetRequest(p2p.TxHashSetRequestPayload{Header: header}))
		},
		SendGetBlock: func(conn *p2p.Connection, hash [32]byte) error {
			return conn.Send(p2p.MsgGetBlock, p2p.EncodeGetBlock(p2p.GetBlockPayload{Hash: hash}))
		},
		SafeSnapshotHeader: n.safeSnapshotHeader,
		NextBlockToFetch:   n.nextBlockToFetch,
		Ban:                n.conns.Ban,
	})

	return n, nil
}

// Run starts accepting inbound connections on cfg.BindAddr, dials the
// configured bootstrap peers, and drives the sync state machine until
// ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.cfg.BindAddr, err)
	}
	n.listener = ln
	n.logger.Info().Str("addr", n.cfg.BindAddr).Msg("listening")

	go n.machine.Run()
	go n.acceptLoop()

	for _, addr := range n.cfg.Peers {
		go n.dial(addr)
	}

	<-ctx.Done()
	n.logger.Info().Msg("shutting down")
	n.cancel()
	n.machine.Stop()
	n.pipe.Stop()
	_ = n.listener.Close()
	return n.db.Close()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				n.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		host := hostOfAddr(conn.RemoteAddr().String())
		if n.isBanned(host) {
			n.logger.Debug().Str("addr", host).Msg("refusing connection from banned peer")
			_ = conn.Close()
			continue
		}
		tip, _, _ := n.db.Headers().Tip()
		n.conns.Accept(n.ctx, conn, tip.TotalDifficulty, tip.Height, n.proc)
	}
}

func (n *Node) dial(addr string) {
	if host := hostOfAddr(addr); n.isBanned(host) {
		n.logger.Debug().Str("addr", addr).Msg("skipping dial to banned peer")
		return
	}
	tip, _, _ := n.db.Headers().Tip()
	if _, err := n.conns.Dial(n.ctx, addr, nil, tip.TotalDifficulty, tip.Height, n.proc); err != nil {
		n.logger.Warn().Err(err).Str("addr", addr).Msg("dial failed")
	}
}

// isBanned reports whether host currently carries an unexpired ban in
// the persisted peer store.
func (n *Node) isBanned(host string) bool {
	rec, ok, err := n.db.Peers().Get(host)
	if err != nil || !ok {
		return false
	}
	return rec.BannedUntil > uint64(time.Now().Unix())
}

// hostOfAddr strips the port from a dial target or a socket's
// RemoteAddr so bans are keyed by peer IP, matching how p2p.Manager
// dedups connections by host.
func hostOfAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (n *Node) ourTotalDifficulty() uint64 {
	tip, ok, _ := n.db.Headers().Tip()
	if !ok {
		return 0
	}
	return tip.TotalDifficulty
}

func (n *Node) ourHeight() uint64 {
	tip, ok, _ := n.db.Headers().Tip()
	if !ok {
		return 0
	}
	return tip.Height
}

func (n *Node) mostWorkPeer(ourDifficulty uint64) (*p2p.Connection, p2p.PeerStatus, bool) {
	conn, ok := n.conns.MostWorkPeer(ourDifficulty, func(c *p2p.Connection) (p2p.PeerStatus, bool) {
		return c.RemoteStatus(), true
	})
	if !ok {
		return nil, p2p.PeerStatus{}, false
	}
	return conn, conn.RemoteStatus(), true
}

func (n *Node) buildLocator() [][32]byte {
	tip, ok, _ := n.db.Headers().Tip()
	if !ok {
		return nil
	}
	return consensus.BuildLocator(tip.Height, func(height uint64) ([32]byte, bool) {
		h, found, _ := n.db.Headers().GetHeaderByHeight(height)
		if !found {
			return [32]byte{}, false
		}
		return consensus.BlockHeaderHash(h), true
	})
}

// safeSnapshotHeader picks the header SyncHorizonBlocks below the sync
// target, so the requested snapshot is old enough that a short reorg at
// the target's tip cannot invalidate it before the transfer completes.
func (n *Node) safeSnapshotHeader(target p2p.PeerStatus) [32]byte {
	safeHeight := uint64(0)
	if target.Height > n.cfg.SyncHorizonBlocks {
		safeHeight = target.Height - n.cfg.SyncHorizonBlocks
	}
	h, ok, _ := n.db.Headers().GetHeaderByHeight(safeHeight)
	if !ok {
		return [32]byte{}
	}
	return consensus.BlockHeaderHash(h)
}

func (n *Node) nextBlockToFetch(target p2p.PeerStatus) ([32]byte, bool) {
	next := n.ourHeight() + 1
	if next > target.Height {
		return [32]byte{}, false
	}
	h, ok, _ := n.db.Headers().GetHeaderByHeight(next)
	if !ok {
		return [32]byte{}, false
	}
	return consensus.BlockHeaderHash(h), true
}

// applyBlock is the pipeline's block-queue worker: it re-runs stateful
// validation against the current UTXO set and, on acceptance, commits
// the header, UTXO set, kernel set and block body atomically enough for
// a single-writer store.
func (n *Node) applyBlock(_ uint64, b consensus.FullBlock) {
	hash := consensus.BlockHeaderHash(b.Header)
	if _, exists, _ := n.db.Headers().GetHeader(hash); exists {
		return
	}
	view := n.db.UTXOs().AsView(n.db.Headers())
	outcome := consensus.ValidateBlock(b, consensus.DefaultRangeProofVerifier, view, false)
	switch {
	case outcome.Accepted:
		if err := n.db.Headers().PutHeader(b.Header); err != nil {
			n.logger.Error().Err(err).Msg("apply block: put header")
			return
		}
		if err := n.db.UTXOs().ApplyBlock(b.Body, b.Header.Height); err != nil {
			n.logger.Error().Err(err).Msg("apply block: apply utxo")
			return
		}
		if err := n.db.Kernels().PutKernels(b.Body.Kernels, b.Header.Height); err != nil {
			n.logger.Error().Err(err).Msg("apply block: put kernels")
			return
		}
		if err := n.db.Blocks().PutBody(hash, b.Offset, b.Body); err != nil {
			n.logger.Error().Err(err).Msg("apply block: put body")
			return
		}
		spent := make([]consensus.Commitment, len(b.Body.Inputs))
		for i, in := range b.Body.Inputs {
			spent[i] = in.Commitment
		}
		n.pool.RemoveConflicting(spent)
		now := time.Now()
		n.machine.OnHeadersProgress(now)
		n.machine.OnBlockApplied(now)
		n.conns.Broadcast(p2p.MsgHeader, mustEncodeSingleHeader(b.Header))
	case outcome.Orphaned != nil:
		n.logger.Debug().Str("parent", fmt.Sprintf("%x", outcome.Orphaned.MissingParent)).Msg("orphaned block")
	case outcome.Invalid != nil:
		n.logger.Warn().Str("kind", string(outcome.Invalid.Kind)).Msg("invalid block rejected")
	}
}

func mustEncodeSingleHeader(h consensus.BlockHeader) []byte {
	payload, err := p2p.EncodeHeaders(p2p.HeadersPayload{Headers: []consensus.BlockHeader{h}})
	if err != nil {
		return nil
	}
	return payload
}

// applySnapshot is the pipeline's TxHashSetSync worker. It parses and
// verifies the transferred output/range-proof/kernel state against
// target's own commitment roots and, only once the store has actually
// adopted it, tells the sync machine BlockSync can start from target.
func (n *Node) applySnapshot(_ uint64, target consensus.BlockHeader, data []byte) {
	if err := n.db.ImportTxHashSet(data, target); err != nil {
		n.logger.Error().Err(err).Uint64("height", target.Height).Msg("apply txhashset snapshot")
		return
	}
	n.logger.Info().Uint64("height", target.Height).Int("bytes", len(data)).Msg("txhashset snapshot applied")
	n.machine.OnSnapshotApplied(time.Now())
}

// acceptHeader runs the two checks a bare header (no body) can be
// judged on — proof of work and chain linkage — and persists it if both
// pass, without touching the UTXO/kernel stores.
func (n *Node) acceptHeader(h consensus.BlockHeader) *consensus.ValidationError {
	hash := consensus.BlockHeaderHash(h)
	if _, exists, _ := n.db.Headers().GetHeader(hash); exists {
		return nil
	}
	if consensus.VerifyHeaderPow(h) != consensus.PowOK {
		return &consensus.ValidationError{Kind: consensus.ErrPowInvalid, Msg: "header pow invalid"}
	}
	if h.Height != 0 {
		parent, ok, _ := n.db.Headers().GetHeader(h.PreviousHash)
		if !ok {
			return &consensus.ValidationError{Kind: consensus.ErrOrphaned, MissingParent: h.PreviousHash, HasParent: true}
		}
		if h.Height != parent.Height+1 {
			return &consensus.ValidationError{Kind: consensus.ErrBadParent, Msg: "height does not follow parent"}
		}
	}
	if err := n.db.Headers().PutHeader(h); err != nil {
		return &consensus.ValidationError{Kind: consensus.ErrDeserialization, Msg: err.Error()}
	}
	return nil
}

func (n *Node) callbacks() p2p.Callbacks {
	return p2p.Callbacks{
		OurStatus: func() p2p.PeerStatus {
			tip, _, _ := n.db.Headers().Tip()
			return p2p.PeerStatus{TotalDifficulty: tip.TotalDifficulty, Height: tip.Height}
		},

		OnGetPeerAddrs: func(caps uint64) []p2p.PeerAddr {
			peers, err := n.db.Peers().SampleFresh(caps, p2p.MaxPeerAddrs)
			if err != nil {
				return nil
			}
			out := make([]p2p.PeerAddr, 0, len(peers))
			for _, p := range peers {
				out = append(out, p2p.PeerAddr{Addr: p.Address, Capabilities: p.Capabilities})
			}
			return out
		},
		OnPeerAddrs: func(addrs []p2p.PeerAddr) {
			for _, a := range addrs {
				_ = n.db.Peers().Upsert(consensus.Peer{Address: a.Addr, Capabilities: a.Capabilities, LastContact: uint64(time.Now().Unix())})
			}
		},

		OnGetHeaders: n.onGetHeaders,
		OnHeader: func(h consensus.BlockHeader) (*consensus.ValidationError, bool) {
			_, existed, _ := n.db.Headers().GetHeader(consensus.BlockHeaderHash(h))
			if ve := n.acceptHeader(h); ve != nil {
				return ve, false
			}
			n.machine.OnHeadersProgress(time.Now())
			return nil, !existed
		},
		OnHeaders: func(hs []consensus.BlockHeader) *consensus.ValidationError {
			for _, h := range hs {
				if ve := n.acceptHeader(h); ve != nil {
					return ve
				}
			}
			n.machine.OnHeadersProgress(time.Now())
			return nil
		},

		OnGetBlock: func(hash [32]byte) (*p2p.BlockPayload, bool) {
			header, ok, _ := n.db.Headers().GetHeader(hash)
			if !ok {
				return nil, false
			}
			offset, body, ok, _ := n.db.Blocks().GetBody(hash)
			if !ok {
				return nil, false
			}
			return &p2p.BlockPayload{Header: header, Offset: offset, Body: body}, true
		},
		OnBlock: n.onBlock,

		OnGetCompactBlock: func(hash [32]byte) (*p2p.CompactBlockPayload, bool) {
			header, ok, _ := n.db.Headers().GetHeader(hash)
			if !ok {
				return nil, false
			}
			offset, body, ok, _ := n.db.Blocks().GetBody(hash)
			if !ok {
				return nil, false
			}
			nonce := frandUint64()
			ids := make([][p2p.ShortIDBytes]byte, 0, len(body.Kernels))
			for _, k := range body.Kernels {
				if k.Features == consensus.KernelCoinbase {
					continue
				}
				ids = append(ids, p2p.ShortID(header, nonce, k.Excess))
			}
			var coinbaseOutputs []consensus.TransactionOutput
			var coinbaseKernels []consensus.TransactionKernel
			for _, o := range body.Outputs {
				if o.Features == consensus.OutputCoinbase {
					coinbaseOutputs = append(coinbaseOutputs, o)
				}
			}
			for _, k := range body.Kernels {
				if k.Features == consensus.KernelCoinbase {
					coinbaseKernels = append(coinbaseKernels, k)
				}
			}
			return &p2p.CompactBlockPayload{
				Header:    header,
				Offset:    offset,
				Nonce:     nonce,
				Outputs:   coinbaseOutputs,
				Kernels:   coinbaseKernels,
				KernelIDs: ids,
			}, true
		},
		OnCompactBlock: n.onCompactBlock,

		OnTransaction: n.onTransaction,
		OnTxHashSetRequest: func(header [32]byte) ([]byte, bool) {
			// The store only carries the live UTXO/kernel state for its
			// current tip, not a snapshot per historical height, so a
			// request can only be served when it names that exact tip.
			data, tip, err := n.db.ExportTxHashSet()
			if err != nil || consensus.BlockHeaderHash(tip) != header {
				return nil, false
			}
			return data, true
		},
		OnTxHashSetArchive: func(a p2p.TxHashSetArchivePayload, fromConnID uint64) p2p.EnqueueResult {
			header, ok, _ := n.db.Headers().GetHeader(a.Header)
			if !ok {
				return p2p.Full
			}
			if err := n.pipe.Snapshots.Enqueue(pipeline.Item[pipeline.SnapshotWork]{
				ConnID:  fromConnID,
				Payload: pipeline.SnapshotWork{TargetHeader: header, Data: a.Data},
			}); err != nil {
				return p2p.Full
			}
			return p2p.Enqueued
		},

		OnGetTransaction: func(kernelHash [32]byte) (*p2p.TransactionPayload, bool) {
			e, ok := n.pool.Get(kernelHash)
			if !ok {
				return nil, false
			}
			return &p2p.TransactionPayload{Offset: e.Tx.Offset, Body: e.Tx.Body}, true
		},
		OnTransactionKernel: func(kernelHash [32]byte) bool {
			_, ok := n.pool.Get(kernelHash)
			return ok
		},

		OnError:     func(reason string) { n.logger.Debug().Str("reason", reason).Msg("peer error") },
		OnBanReason: func(reason string) { n.logger.Debug().Str("reason", reason).Msg("peer ban reason") },
	}
}

func (n *Node) onGetHeaders(locator [][32]byte, hashStop [32]byte) []consensus.BlockHeader {
	start, ok := consensus.FindLocatorMatch(locator, func(hash [32]byte) (uint64, bool) {
		h, found, _ := n.db.Headers().GetHeader(hash)
		return h.Height, found
	})
	if !ok {
		start = 0
	}
	var out []consensus.BlockHeader
	for height := start + 1; len(out) < consensus.MaxHeadersPerLocatorReply; height++ {
		h, found, _ := n.db.Headers().GetHeaderByHeight(height)
		if !found {
			break
		}
		out = append(out, h)
		if consensus.BlockHeaderHash(h) == hashStop {
			break
		}
	}
	return out
}

func (n *Node) onBlock(b p2p.BlockPayload, fromConnID uint64) (p2p.EnqueueResult, *consensus.ValidationError, bool) {
	full := consensus.FullBlock{Header: b.Header, Offset: b.Offset, Body: b.Body}
	hash := consensus.BlockHeaderHash(full.Header)
	if _, exists, _ := n.db.Headers().GetHeader(hash); exists {
		return p2p.Enqueued, nil, false
	}
	if full.Header.Height != 0 {
		if _, ok, _ := n.db.Headers().GetHeader(full.Header.PreviousHash); !ok {
			tip, _, _ := n.db.Headers().Tip()
			return p2p.Enqueued, &consensus.ValidationError{Kind: consensus.ErrOrphaned, MissingParent: full.Header.PreviousHash, HasParent: true},
				full.Header.TotalDifficulty > tip.TotalDifficulty
		}
	}
	if err := n.pipe.Blocks.Enqueue(pipeline.Item[pipeline.BlockWork]{ConnID: fromConnID, Payload: pipeline.BlockWork{Block: full}}); err != nil {
		return p2p.Full, nil, false
	}
	return p2p.Enqueued, nil, false
}

func (n *Node) onCompactBlock(cb p2p.CompactBlockPayload, fromConnID uint64) ([][p2p.ShortIDBytes]byte, bool, *consensus.ValidationError) {
	hash := consensus.BlockHeaderHash(cb.Header)
	if _, exists, _ := n.db.Headers().GetHeader(hash); exists {
		return nil, false, nil
	}
	if cb.Header.Height != 0 {
		if _, ok, _ := n.db.Headers().GetHeader(cb.Header.PreviousHash); !ok {
			tip, _, _ := n.db.Headers().Tip()
			return nil, cb.Header.TotalDifficulty > tip.TotalDifficulty,
				&consensus.ValidationError{Kind: consensus.ErrOrphaned, MissingParent: cb.Header.PreviousHash, HasParent: true}
		}
	}

	full, missing := n.reconstructBlock(cb)
	if len(missing) > 0 {
		return missing, false, nil
	}
	if err := n.pipe.Blocks.Enqueue(pipeline.Item[pipeline.BlockWork]{ConnID: fromConnID, Payload: pipeline.BlockWork{Block: *full}}); err != nil {
		return nil, false, nil
	}
	return nil, false, nil
}

// reconstructBlock rebuilds a full block from a compact block's
// coinbase-only payload plus whatever non-coinbase kernels this node
// already has pooled, matching pooled kernels against the compact
// block's short ids the same way the relay's originator derived them.
func (n *Node) reconstructBlock(cb p2p.CompactBlockPayload) (*consensus.FullBlock, [][p2p.ShortIDBytes]byte) {
	entries := n.pool.FluffEntries()
	byShortID := make(map[[p2p.ShortIDBytes]byte]*mempool.Entry, len(entries))
	for _, e := range entries {
		for _, k := range e.Tx.Body.Kernels {
			byShortID[p2p.ShortID(cb.Header, cb.Nonce, k.Excess)] = e
		}
	}

	body := consensus.TransactionBody{
		Outputs: append([]consensus.TransactionOutput{}, cb.Outputs...),
		Kernels: append([]consensus.TransactionKernel{}, cb.Kernels...),
	}
	seen := make(map[[32]byte]struct{}, len(cb.KernelIDs))
	var missing [][p2p.ShortIDBytes]byte
	for _, id := range cb.KernelIDs {
		e, ok := byShortID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if _, dup := seen[e.KernelKey]; dup {
			continue
		}
		seen[e.KernelKey] = struct{}{}
		body.Inputs = append(body.Inputs, e.Tx.Body.Inputs...)
		body.Outputs = append(body.Outputs, e.Tx.Body.Outputs...)
		body.Kernels = append(body.Kernels, e.Tx.Body.Kernels...)
	}
	if len(missing) > 0 {
		return nil, missing
	}
	body.Outputs = consensus.SortOutputs(body.Outputs)
	body.Kernels = consensus.SortKernels(body.Kernels)
	return &consensus.FullBlock{Header: cb.Header, Offset: cb.Offset, Body: body}, nil
}

func (n *Node) onTransaction(t p2p.TransactionPayload, stem bool, fromConnID uint64) p2p.EnqueueResult {
	tx := consensus.Transaction{Offset: t.Offset, Body: t.Body}
	if err := n.pipe.Txs.Enqueue(pipeline.Item[pipeline.TxWork]{ConnID: fromConnID, Payload: pipeline.TxWork{Tx: tx, Stem: stem}}); err != nil {
		return p2p.Full
	}
	return p2p.Enqueued
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
