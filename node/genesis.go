package node

import "rubinmw.dev/node/consensus"

// DevnetGenesis returns the fixed block every devnet chain boots from: an
// empty body under a header with no proof of work attached. Genesis is
// accepted on trust by InitGenesis rather than run through
// consensus.ValidateStateless, the same way a production deployment would
// pin a genesis block into its chain parameters instead of mining one.
func DevnetGenesis() consensus.FullBlock {
	return consensus.FullBlock{
		Header: consensus.BlockHeader{
			Version:   1,
			Height:    0,
			Timestamp: 1_700_000_000,
			Target:    1,
			PoW:       consensus.ProofOfWork{EdgeBits: consensus.EdgeBits},
		},
	}
}
