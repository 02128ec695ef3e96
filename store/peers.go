package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/frand"

	"rubinmw.dev/node/consensus"
)

// PeerStore is the port over the durable address book: Upsert(peer),
// Get(addr), SampleFresh(caps, n), Ban(addr, until).
type PeerStore interface {
	Upsert(p consensus.Peer) error
	Get(addr string) (consensus.Peer, bool, error)
	SampleFresh(caps uint64, n int) ([]consensus.Peer, error)
	Ban(addr string, until uint64) error
}

func (d *DB) Peers() PeerStore { return (*peerStore)(d) }

type peerStore DB

func (p *peerStore) asDB() *DB { return (*DB)(p) }

func (p *peerStore) Upsert(rec consensus.Peer) error {
	d := p.asDB()
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(rec.Address), encodePeerRecord(rec))
	})
}

func (p *peerStore) Get(addr string) (consensus.Peer, bool, error) {
	d := p.asDB()
	var out consensus.Peer
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPeers).Get([]byte(addr))
		if v == nil {
			return nil
		}
		rec, err := decodePeerRecord(addr, v)
		if err != nil {
			return err
		}
		out, ok = rec, true
		return nil
	})
	return out, ok, err
}

// SampleFresh reservoir-samples up to n unbanned peers advertising caps,
// so the address book never has to hold the whole table in memory to
// answer a GetPeerAddrs request.
func (p *peerStore) SampleFresh(caps uint64, n int) ([]consensus.Peer, error) {
	d := p.asDB()
	if n <= 0 {
		return nil, nil
	}
	sample := make([]consensus.Peer, 0, n)
	seen := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			rec, err := decodePeerRecord(string(k), v)
			if err != nil {
				return err
			}
			if rec.BannedUntil != 0 || rec.Capabilities&caps != caps {
				return nil
			}
			seen++
			if len(sample) < n {
				sample = append(sample, rec)
				return nil
			}
			j := randIntn(seen)
			if j < n {
				sample[j] = rec
			}
			return nil
		})
	})
	return sample, err
}

func (p *peerStore) Ban(addr string, until uint64) error {
	d := p.asDB()
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		v := b.Get([]byte(addr))
		var rec consensus.Peer
		if v != nil {
			r, err := decodePeerRecord(addr, v)
			if err != nil {
				return err
			}
			rec = r
		} else {
			rec.Address = addr
		}
		rec.BannedUntil = until
		return b.Put([]byte(addr), encodePeerRecord(rec))
	})
}

// randIntn returns a uniform random value in [0, n) using frand's raw
// byte source, avoiding a dependency on any Intn-shaped helper that may
// not exist across frand versions.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	frand.Read(buf[:])
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}

// encodePeerRecord: capabilities(8) banned_until(8) last_contact(8)
// user_agent_len(2) user_agent.
func encodePeerRecord(p consensus.Peer) []byte {
	out := make([]byte, 0, 26+len(p.UserAgent))
	out = appendU64BE(out, p.Capabilities)
	out = appendU64BE(out, p.BannedUntil)
	out = appendU64BE(out, p.LastContact)
	var uaLen [2]byte
	binary.BigEndian.PutUint16(uaLen[:], uint16(len(p.UserAgent)))
	out = append(out, uaLen[:]...)
	out = append(out, p.UserAgent...)
	return out
}

func decodePeerRecord(addr string, b []byte) (consensus.Peer, error) {
	if len(b) < 26 {
		return consensus.Peer{}, fmt.Errorf("store: peer record truncated")
	}
	rec := consensus.Peer{Address: addr}
	rec.Capabilities = binary.BigEndian.Uint64(b[0:8])
	rec.BannedUntil = binary.BigEndian.Uint64(b[8:16])
	rec.LastContact = binary.BigEndian.Uint64(b[16:24])
	uaLen := int(binary.BigEndian.Uint16(b[24:26]))
	if 26+uaLen != len(b) {
		return consensus.Peer{}, fmt.Errorf("store: peer record: bad user_agent length")
	}
	rec.UserAgent = string(b[26:])
	return rec, nil
}
