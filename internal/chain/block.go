package chain

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/hashutil"
)

// GenesisPreviousHash is the sentinel previous_hash of the genesis block.
const GenesisPreviousHash = "0"

// Block is immutable once Mine (PoW) or Attest (PoS) finalizes its Hash.
type Block struct {
	Index        uint64         `json:"index"`
	Timestamp    int64          `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	Transactions []*Transaction `json:"transactions"`
	MerkleRoot   string         `json:"merkle_root"`
	Nonce        uint64         `json:"nonce"`
	Hash         string         `json:"hash"`
	Validator    string         `json:"validator,omitempty"`
	Signature    string         `json:"signature,omitempty"`
}

// NewBlock builds a block with timestamp = now, empty tx list,
// merkle_root = "0", nonce = 0, hash computed over that state.
func NewBlock(index uint64, previousHash string) *Block {
	b := &Block{
		Index:        index,
		Timestamp:    hashutil.NowUnix(),
		PreviousHash: previousHash,
		Transactions: []*Transaction{},
		MerkleRoot:   "0",
		Nonce:        0,
	}
	b.Hash = b.computeHash()
	return b
}

// AddTransaction appends tx if it is structurally valid. It deliberately
// does not recompute MerkleRoot or Hash — that is the caller's
// responsibility.
func (b *Block) AddTransaction(tx *Transaction) error {
	if !tx.IsValid() {
		return apperr.ErrInvalidTransaction
	}
	b.Transactions = append(b.Transactions, tx)
	return nil
}

// computeHash hashes index, previous_hash, timestamp, merkle_root, nonce,
// and — only when set — validator, in that order.
func (b *Block) computeHash() string {
	parts := []string{
		strconv.FormatUint(b.Index, 10),
		b.PreviousHash,
		strconv.FormatInt(b.Timestamp, 10),
		b.MerkleRoot,
		strconv.FormatUint(b.Nonce, 10),
	}
	if b.Validator != "" {
		parts = append(parts, b.Validator)
	}
	return hashutil.SHA256Hex(parts...)
}

// RecomputeHash recomputes and returns the hash implied by the block's
// current fields, without mutating Hash. Used by validators to check
// Hash == recompute(Hash).
func (b *Block) RecomputeHash() string {
	return b.computeHash()
}

// RecomputeMerkleRoot recomputes the Merkle root from the block's current
// transaction list.
func (b *Block) RecomputeMerkleRoot() string {
	hashes := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash
	}
	return MerkleRoot(hashes)
}

// Mine performs the PoW search: recompute MerkleRoot, then iterate
// Nonce = 0, 1, 2, ... recomputing Hash until it has
// difficulty leading '0' hex characters. It is interruptible via ctx and
// via the shared shouldStop flag a multi-worker search uses to signal a
// winner found by a sibling worker.
//
// startNonce/step let a caller partition the nonce space across workers:
// worker k should pass startNonce=k, step=workerCount.
func (b *Block) Mine(ctx context.Context, difficulty int, startNonce, step uint64, shouldStop *atomic.Bool) (found bool, err error) {
	b.MerkleRoot = b.RecomputeMerkleRoot()

	for nonce := startNonce; ; nonce += step {
		if shouldStop != nil && shouldStop.Load() {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		b.Nonce = nonce
		hash := b.computeHash()
		if hashutil.HasLeadingZeros(hash, difficulty) {
			b.Hash = hash
			return true, nil
		}
	}
}

// Clone returns a shallow copy suitable for a mining worker to search
// independently: the transaction slice is copied (not its elements, which
// are immutable) so each clone can carry its own Nonce/Hash without races.
func (b *Block) Clone() *Block {
	txs := make([]*Transaction, len(b.Transactions))
	copy(txs, b.Transactions)
	return &Block{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		PreviousHash: b.PreviousHash,
		Transactions: txs,
		MerkleRoot:   b.MerkleRoot,
		Nonce:        b.Nonce,
		Hash:         b.Hash,
		Validator:    b.Validator,
		Signature:    b.Signature,
	}
}

// MeetsDifficulty reports whether the block's stored Hash satisfies the
// PoW target.
func (b *Block) MeetsDifficulty(difficulty int) bool {
	return hashutil.HasLeadingZeros(b.Hash, difficulty)
}

// WellFormed checks the structural invariants that don't require ledger
// state: Hash recomputes correctly, MerkleRoot recomputes correctly, and
// (for non-genesis blocks) linkage to prev holds.
func (b *Block) WellFormed(prev *Block) error {
	if prev != nil {
		if b.PreviousHash != prev.Hash {
			return apperr.BlockRejected(apperr.ReasonBadPrevHash)
		}
		if b.Index != prev.Index+1 {
			return apperr.BlockRejected(apperr.ReasonNonSequentialIdx)
		}
	}
	if b.RecomputeMerkleRoot() != b.MerkleRoot {
		return apperr.BlockRejected(apperr.ReasonMerkleMismatch)
	}
	if b.RecomputeHash() != b.Hash {
		return apperr.BlockRejected(apperr.ReasonHashMismatch)
	}
	return nil
}
