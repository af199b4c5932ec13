package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilotic/ledger/internal/apperr"
)

func rejectReason(t *testing.T, err error) string {
	t.Helper()
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	return ae.Reason
}

func TestNewBlockGenesisShape(t *testing.T) {
	b := NewBlock(0, GenesisPreviousHash)
	assert.Equal(t, uint64(0), b.Index)
	assert.Equal(t, GenesisPreviousHash, b.PreviousHash)
	assert.Equal(t, "0", b.MerkleRoot)
	assert.Equal(t, uint64(0), b.Nonce)
	assert.Empty(t, b.Transactions)
	assert.Equal(t, b.RecomputeHash(), b.Hash)
}

func TestAddTransactionRejectsInvalid(t *testing.T) {
	b := NewBlock(1, "prev")
	invalid := NewTransaction("", "bob", decimal.NewFromInt(1), false, "", "")
	err := b.AddTransaction(invalid)
	require.Error(t, err)
	assert.Empty(t, b.Transactions)
}

func TestAddTransactionDoesNotTouchHashOrMerkle(t *testing.T) {
	b := NewBlock(1, "prev")
	hashBefore := b.Hash
	merkleBefore := b.MerkleRoot

	tx := NewCoinbase("alice", decimal.NewFromInt(50))
	require.NoError(t, b.AddTransaction(tx))

	assert.Equal(t, hashBefore, b.Hash)
	assert.Equal(t, merkleBefore, b.MerkleRoot)
}

func TestMineFindsHashMeetingDifficulty(t *testing.T) {
	b := NewBlock(1, "prev")
	require.NoError(t, b.AddTransaction(NewCoinbase("alice", decimal.NewFromInt(50))))

	found, err := b.Mine(context.Background(), 1, 0, 1, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, b.MeetsDifficulty(1))
	assert.Equal(t, b.RecomputeMerkleRoot(), b.MerkleRoot)
}

func TestMineZeroDifficultyAlwaysSucceedsImmediately(t *testing.T) {
	b := NewBlock(1, "prev")
	found, err := b.Mine(context.Background(), 0, 0, 1, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(0), b.Nonce)
}

func TestMineRespectsShouldStop(t *testing.T) {
	b := NewBlock(1, "prev")
	var stop atomic.Bool
	stop.Store(true)
	found, err := b.Mine(context.Background(), 64, 0, 1, &stop)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWellFormedDetectsBadPrevHash(t *testing.T) {
	genesis := NewBlock(0, GenesisPreviousHash)
	next := NewBlock(1, "not-genesis-hash")
	err := next.WellFormed(genesis)
	require.Error(t, err)
	assert.Equal(t, "bad_prev_hash", rejectReason(t, err))
}

func TestWellFormedDetectsNonSequentialIndex(t *testing.T) {
	genesis := NewBlock(0, GenesisPreviousHash)
	next := NewBlock(2, genesis.Hash)
	err := next.WellFormed(genesis)
	require.Error(t, err)
	assert.Equal(t, "non_sequential_index", rejectReason(t, err))
}

func TestWellFormedDetectsHashTamper(t *testing.T) {
	genesis := NewBlock(0, GenesisPreviousHash)
	next := NewBlock(1, genesis.Hash)
	next.Hash = "tampered"
	err := next.WellFormed(genesis)
	require.Error(t, err)
	assert.Equal(t, "hash_mismatch", rejectReason(t, err))
}

func TestWellFormedDetectsMerkleTamper(t *testing.T) {
	genesis := NewBlock(0, GenesisPreviousHash)
	next := NewBlock(1, genesis.Hash)
	require.NoError(t, next.AddTransaction(NewCoinbase("alice", decimal.NewFromInt(1))))
	next.MerkleRoot = "wrong"
	next.Hash = next.RecomputeHash()
	err := next.WellFormed(genesis)
	require.Error(t, err)
	assert.Equal(t, "merkle_mismatch", rejectReason(t, err))
}

func TestWellFormedAcceptsValidChain(t *testing.T) {
	genesis := NewBlock(0, GenesisPreviousHash)
	next := NewBlock(1, genesis.Hash)
	require.NoError(t, next.WellFormed(genesis))
}
